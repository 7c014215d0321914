package workflow

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecimal(t *testing.T) {
	assert.False(t, ParseDecimal("").Valid)
	assert.False(t, ParseDecimal("n/a").Valid)

	d := ParseDecimal(" 1250.75 ")
	require.True(t, d.Valid)
	assert.Equal(t, "1250.75", d.Decimal.String())
}

func TestParseDate(t *testing.T) {
	for _, raw := range []string{"2024-03-05", "2024-03-05T00:00:00", "2024-03-05 00:00:00", "03/05/2024", "2024-03-05T00:00:00Z"} {
		got := ParseDate(raw)
		require.NotNil(t, got, raw)
		assert.Equal(t, "2024-03-05", got.Format("2006-01-02"), raw)
	}
	assert.Nil(t, ParseDate(""))
	assert.Nil(t, ParseDate("yesterday"))
}

func TestNormalizeRows_DerivesTotalAndSplitsMalformed(t *testing.T) {
	rows, malformed := normalizeRows("s", []SourceRow{
		{OrderNumber: " PO-1 ", Quantity: "3", UnitPrice: "2.5"},
		{OrderNumber: "PO-2", Quantity: "3", UnitPrice: "2.5", TotalAmount: "9"},
		{OrderNumber: ""},
	})
	require.Len(t, rows, 2)
	require.Len(t, malformed, 1)

	assert.Equal(t, "PO-1", rows[0].fact.OrderNumber)
	assert.Equal(t, "s", rows[0].fact.ScopeId)
	assert.True(t, decimal.NewFromFloat(7.5).Equal(rows[0].fact.TotalAmount.Decimal))
	assert.True(t, decimal.NewFromInt(9).Equal(rows[1].fact.TotalAmount.Decimal))
}
