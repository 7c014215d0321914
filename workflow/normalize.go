package workflow

import (
	"strings"
	"time"

	"github.com/mmdatafocus/po_layers/models"
	"github.com/shopspring/decimal"
)

// SourceRow is one upstream purchase order line with every column still in
// its raw text form.
type SourceRow struct {
	OrderNumber       string `json:"order_number"`
	OrderDate         string `json:"order_date"`
	ItemCode          string `json:"item_code"`
	ItemDescription   string `json:"item_description"`
	Quantity          string `json:"quantity"`
	Unit              string `json:"unit"`
	UnitPrice         string `json:"unit_price"`
	Currency          string `json:"currency"`
	TotalAmount       string `json:"total_amount"`
	SupplierName      string `json:"supplier_name"`
	RequisitionNumber string `json:"requisition_number"`
	RequisitionDate   string `json:"requisition_date"`
	RequisitionRefA   string `json:"requisition_ref_a"`
	RequisitionRefB   string `json:"requisition_ref_b"`
	PaymentTerm       string `json:"payment_term"`
	ReceivedDate      string `json:"received_date"`
	Status            string `json:"status"`
}

type normalizedRow struct {
	source SourceRow
	fact   models.OrderFact
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"01-02-06",
	"02-Jan-2006",
	"2 January 2006",
}

// ParseDecimal coerces a raw numeric column. Anything unparseable is null.
func ParseDecimal(raw string) decimal.NullDecimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// ParseDate coerces a raw date column. Anything unparseable is nil.
func ParseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// normalizeRows converts raw rows into facts, keeping input order. Rows
// without an order number come back separately.
func normalizeRows(scopeId string, rows []SourceRow) ([]normalizedRow, []SourceRow) {
	out := make([]normalizedRow, 0, len(rows))
	var malformed []SourceRow

	for _, row := range rows {
		orderNumber := strings.TrimSpace(row.OrderNumber)
		if orderNumber == "" {
			malformed = append(malformed, row)
			continue
		}

		qty := ParseDecimal(row.Quantity)
		price := ParseDecimal(row.UnitPrice)
		total := ParseDecimal(row.TotalAmount)
		if !total.Valid && qty.Valid && price.Valid {
			total = decimal.NewNullDecimal(qty.Decimal.Mul(price.Decimal))
		}

		out = append(out, normalizedRow{
			source: row,
			fact: models.OrderFact{
				ScopeId:           scopeId,
				OrderNumber:       orderNumber,
				OrderDate:         ParseDate(row.OrderDate),
				ItemCode:          strings.TrimSpace(row.ItemCode),
				ItemDescription:   strings.TrimSpace(row.ItemDescription),
				Quantity:          qty,
				Unit:              strings.TrimSpace(row.Unit),
				UnitPrice:         price,
				Currency:          strings.TrimSpace(row.Currency),
				TotalAmount:       total,
				SupplierName:      strings.TrimSpace(row.SupplierName),
				RequisitionNumber: strings.TrimSpace(row.RequisitionNumber),
				RequisitionDate:   ParseDate(row.RequisitionDate),
				RequisitionRefA:   strings.TrimSpace(row.RequisitionRefA),
				RequisitionRefB:   strings.TrimSpace(row.RequisitionRefB),
				PaymentTerm:       strings.TrimSpace(row.PaymentTerm),
				ReceivedDate:      ParseDate(row.ReceivedDate),
				Status:            strings.TrimSpace(row.Status),
			},
		})
	}

	return out, malformed
}
