package posync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mmdatafocus/po_layers/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClientSettings(baseURL string) config.Settings {
	s := config.DefaultSettings()
	s.SourceBaseURL = baseURL
	s.SourceAPIKey = "secret"
	s.SourceRatePerMin = 60000
	return s
}

func TestSourceClient_FetchRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		q := r.URL.Query()
		assert.Equal(t, "C1", q.Get("CompanyID"))
		assert.Equal(t, "2", q.Get("FromMonth"))
		assert.Equal(t, "2024", q.Get("FromYear"))
		assert.Equal(t, "3", q.Get("ToMonth"))
		assert.Equal(t, "A", q.Get("FromItemCode"))
		assert.Equal(t, "", q.Get("ToItemCode"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"PO_NO":"PO-1","TGL_PO":"2024-02-03","ITEM":"A1","ITEM_DESC":"INK RED","QTY_ORDER":12,"Original_PRICE":"1.5","Order_Amount_IDR":null,"PO_Status":"Pending","Extra":true},
			{"PO_NO":1002,"ITEM_DESC":"PLYWOOD 9MM","QTY_ORDER":2.25}
		]}`))
	}))
	defer srv.Close()

	client, err := NewSourceClient(testClientSettings(srv.URL))
	require.NoError(t, err)

	rows, err := client.FetchRows(context.Background(), SyncParams{
		CompanyID: "C1", FromMonth: 2, FromYear: 2024, ToMonth: 3, ToYear: 2024, FromItemCode: "A",
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "PO-1", rows[0].OrderNumber)
	assert.Equal(t, "2024-02-03", rows[0].OrderDate)
	assert.Equal(t, "12", rows[0].Quantity)
	assert.Equal(t, "1.5", rows[0].UnitPrice)
	assert.Equal(t, "", rows[0].TotalAmount)
	assert.Equal(t, "Pending", rows[0].Status)

	assert.Equal(t, "1002", rows[1].OrderNumber)
	assert.Equal(t, "2.25", rows[1].Quantity)
}

func TestSourceClient_EmptyAndMissingData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":null}`))
	}))
	defer srv.Close()

	client, err := NewSourceClient(testClientSettings(srv.URL))
	require.NoError(t, err)
	rows, err := client.FetchRows(context.Background(), SyncParams{CompanyID: "C1"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSourceClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewSourceClient(testClientSettings(srv.URL))
	require.NoError(t, err)
	_, err = client.FetchRows(context.Background(), SyncParams{CompanyID: "C1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNewSourceClient_RequiresBaseURL(t *testing.T) {
	_, err := NewSourceClient(config.DefaultSettings())
	assert.Error(t, err)
}
