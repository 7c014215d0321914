package posync

import (
	"bytes"
	"testing"
	"time"

	"github.com/mmdatafocus/po_layers/hierarchy"
	"github.com/mmdatafocus/po_layers/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func workbook(t *testing.T, rows ...[]interface{}) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return &buf
}

func TestReadWorkbook(t *testing.T) {
	buf := workbook(t,
		[]interface{}{"po_no", " ITEM ", "ITEM_DESC", "QTY_ORDER", "Unknown", "Original_PRICE"},
		[]interface{}{"PO-1", "A1", "INK RED", "3", "x", "2.5"},
		[]interface{}{"", "", "", "", "", ""},
		[]interface{}{"PO-2", "B1", "PLYWOOD 9MM"},
	)

	rows, err := ReadWorkbook(buf)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "PO-1", rows[0].OrderNumber)
	assert.Equal(t, "A1", rows[0].ItemCode)
	assert.Equal(t, "3", rows[0].Quantity)
	assert.Equal(t, "2.5", rows[0].UnitPrice)
	assert.Equal(t, "PLYWOOD 9MM", rows[1].ItemDescription)
	assert.Empty(t, rows[1].Quantity)
}

func TestReadWorkbook_Rejects(t *testing.T) {
	_, err := ReadWorkbook(workbook(t, []interface{}{"PO_NO"}))
	assert.ErrorIs(t, err, ErrEmptyWorkbook)

	_, err = ReadWorkbook(workbook(t, []interface{}{"A", "B"}, []interface{}{"1", "2"}))
	assert.Error(t, err)

	_, err = ReadWorkbook(bytes.NewReader([]byte("not a workbook")))
	assert.Error(t, err)
}

func TestWriteItemsWorkbook(t *testing.T) {
	date := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	items := &hierarchy.ItemsResult{
		NodeId:   7,
		NodeName: "KRAFT 125GSM / ROLL",
		Level:    2,
		Items: []*models.OrderFact{{
			OrderNumber:        "PO-1",
			OrderDate:          &date,
			Quantity:           decimal.NewNullDecimal(decimal.RequireFromString("2.5")),
			CumulativeQuantity: decimal.NewNullDecimal(decimal.RequireFromString("4.5")),
			Checked:            true,
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteItemsWorkbook(&buf, items))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	sheets := f.GetSheetList()
	require.Len(t, sheets, 1)
	assert.Equal(t, "KRAFT 125GSM _ ROLL", sheets[0])

	rows, err := f.GetRows(sheets[0])
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "PO No", rows[0][0])
	assert.Equal(t, "PO-1", rows[1][0])
	assert.Equal(t, "2024-05-06", rows[1][1])
	assert.Equal(t, "2.5", rows[1][4])
	assert.Equal(t, "Cumulative Quantity", rows[0][9])
	assert.Equal(t, "4.5", rows[1][9])
}

func TestSheetName(t *testing.T) {
	assert.Equal(t, "Items", sheetName("  "))
	assert.Len(t, []rune(sheetName("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")), 31)
}
