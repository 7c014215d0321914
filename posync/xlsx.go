package posync

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mmdatafocus/po_layers/hierarchy"
	"github.com/mmdatafocus/po_layers/workflow"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

var ErrEmptyWorkbook = errors.New("workbook has no data rows")

// column setters keyed by the upper-cased upstream header
var workbookColumns = map[string]func(*workflow.SourceRow, string){
	"PO_NO":              func(r *workflow.SourceRow, v string) { r.OrderNumber = v },
	"TGL_PO":             func(r *workflow.SourceRow, v string) { r.OrderDate = v },
	"ITEM":               func(r *workflow.SourceRow, v string) { r.ItemCode = v },
	"ITEM_DESC":          func(r *workflow.SourceRow, v string) { r.ItemDescription = v },
	"QTY_ORDER":          func(r *workflow.SourceRow, v string) { r.Quantity = v },
	"UNIT":               func(r *workflow.SourceRow, v string) { r.Unit = v },
	"ORIGINAL_PRICE":     func(r *workflow.SourceRow, v string) { r.UnitPrice = v },
	"CURRENCY":           func(r *workflow.SourceRow, v string) { r.Currency = v },
	"ORDER_AMOUNT_IDR":   func(r *workflow.SourceRow, v string) { r.TotalAmount = v },
	"SUPPLIER_NAME":      func(r *workflow.SourceRow, v string) { r.SupplierName = v },
	"PR_NO":              func(r *workflow.SourceRow, v string) { r.RequisitionNumber = v },
	"PR_DATE":            func(r *workflow.SourceRow, v string) { r.RequisitionDate = v },
	"PR_REF_A":           func(r *workflow.SourceRow, v string) { r.RequisitionRefA = v },
	"PR_REF_B":           func(r *workflow.SourceRow, v string) { r.RequisitionRefB = v },
	"TERM_PAYMENT_AT_PO": func(r *workflow.SourceRow, v string) { r.PaymentTerm = v },
	"RECEIVED_DATE":      func(r *workflow.SourceRow, v string) { r.ReceivedDate = v },
	"PO_STATUS":          func(r *workflow.SourceRow, v string) { r.Status = v },
}

// ReadWorkbook reads source rows from the first sheet of an xlsx file. The
// first row holds the upstream column names; unknown columns are ignored.
func ReadWorkbook(r io.Reader) ([]workflow.SourceRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyWorkbook
	}
	grid, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	if len(grid) < 2 {
		return nil, ErrEmptyWorkbook
	}

	setters := make([]func(*workflow.SourceRow, string), len(grid[0]))
	known := 0
	for i, name := range grid[0] {
		if set, ok := workbookColumns[strings.ToUpper(strings.TrimSpace(name))]; ok {
			setters[i] = set
			known++
		}
	}
	if known == 0 {
		return nil, errors.New("workbook header has no known columns")
	}

	rows := make([]workflow.SourceRow, 0, len(grid)-1)
	for _, cells := range grid[1:] {
		var row workflow.SourceRow
		blank := true
		for i, cell := range cells {
			if i >= len(setters) || setters[i] == nil {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell != "" {
				blank = false
			}
			setters[i](&row, cell)
		}
		if !blank {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil, ErrEmptyWorkbook
	}
	return rows, nil
}

var exportHeader = []interface{}{
	"PO No", "PO Date", "Item Code", "Item Description", "Quantity", "Unit",
	"Unit Price", "Currency", "Total Amount", "Cumulative Quantity", "Cumulative Amount",
	"Supplier", "Status", "Checked", "Note",
}

// WriteItemsWorkbook writes the facts of a node as an xlsx sheet named after it.
func WriteItemsWorkbook(w io.Writer, items *hierarchy.ItemsResult) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := sheetName(items.NodeName)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, "A1", &exportHeader); err != nil {
		return err
	}

	for i, fact := range items.Items {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []interface{}{
			fact.OrderNumber,
			formatDate(fact.OrderDate),
			fact.ItemCode,
			fact.ItemDescription,
			decimalCell(fact.Quantity),
			fact.Unit,
			decimalCell(fact.UnitPrice),
			fact.Currency,
			decimalCell(fact.TotalAmount),
			decimalCell(fact.CumulativeQuantity),
			decimalCell(fact.CumulativeAmount),
			fact.SupplierName,
			fact.Status,
			fact.Checked,
			fact.Note,
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}
	return f.Write(w)
}

// sheetName trims a label to a valid worksheet name.
func sheetName(label string) string {
	name := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`:\/?*[]`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(label))
	if rs := []rune(name); len(rs) > 31 {
		name = string(rs[:31])
	}
	if name == "" {
		name = "Items"
	}
	return name
}

func decimalCell(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return ""
	}
	f, _ := d.Decimal.Float64()
	return f
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
