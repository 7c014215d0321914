package posync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/workflow"
)

// SourceClient pulls purchase order lines from the upstream system.
type SourceClient interface {
	FetchRows(ctx context.Context, params SyncParams) ([]workflow.SourceRow, error)
}

type sourceClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

// NewSourceClient returns a rate limited client for the upstream purchase
// order API.
func NewSourceClient(settings config.Settings) (SourceClient, error) {
	baseURL := strings.TrimSpace(settings.SourceBaseURL)
	if baseURL == "" {
		return nil, errors.New("PO_SOURCE_BASE_URL is empty")
	}
	perMin := settings.SourceRatePerMin
	if perMin <= 0 {
		perMin = 30
	}
	timeout := settings.SourceTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &sourceClient{
		baseURL:   baseURL,
		apiKey:    settings.SourceAPIKey,
		apiKeyHdr: settings.SourceAPIKeyHdr,
		http:      &http.Client{Timeout: timeout},
		limiter:   time.Tick(time.Minute / time.Duration(perMin)),
	}, nil
}

type sourceListResponse struct {
	Data []sourceRecord `json:"data"`
}

// sourceRecord mirrors the upstream column names.
type sourceRecord struct {
	OrderNumber       sourceValue `json:"PO_NO"`
	OrderDate         sourceValue `json:"TGL_PO"`
	ItemCode          sourceValue `json:"ITEM"`
	ItemDescription   sourceValue `json:"ITEM_DESC"`
	Quantity          sourceValue `json:"QTY_ORDER"`
	Unit              sourceValue `json:"UNIT"`
	UnitPrice         sourceValue `json:"Original_PRICE"`
	Currency          sourceValue `json:"Currency"`
	TotalAmount       sourceValue `json:"Order_Amount_IDR"`
	SupplierName      sourceValue `json:"Supplier_Name"`
	RequisitionNumber sourceValue `json:"PR_No"`
	RequisitionDate   sourceValue `json:"PR_Date"`
	RequisitionRefA   sourceValue `json:"PR_Ref_A"`
	RequisitionRefB   sourceValue `json:"PR_Ref_B"`
	PaymentTerm       sourceValue `json:"Term_Payment_at_PO"`
	ReceivedDate      sourceValue `json:"RECEIVED_DATE"`
	Status            sourceValue `json:"PO_Status"`
}

func (r sourceRecord) toRow() workflow.SourceRow {
	return workflow.SourceRow{
		OrderNumber:       string(r.OrderNumber),
		OrderDate:         string(r.OrderDate),
		ItemCode:          string(r.ItemCode),
		ItemDescription:   string(r.ItemDescription),
		Quantity:          string(r.Quantity),
		Unit:              string(r.Unit),
		UnitPrice:         string(r.UnitPrice),
		Currency:          string(r.Currency),
		TotalAmount:       string(r.TotalAmount),
		SupplierName:      string(r.SupplierName),
		RequisitionNumber: string(r.RequisitionNumber),
		RequisitionDate:   string(r.RequisitionDate),
		RequisitionRefA:   string(r.RequisitionRefA),
		RequisitionRefB:   string(r.RequisitionRefB),
		PaymentTerm:       string(r.PaymentTerm),
		ReceivedDate:      string(r.ReceivedDate),
		Status:            string(r.Status),
	}
}

// sourceValue accepts a JSON string, number, bool or null as text.
type sourceValue string

func (v *sourceValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*v = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = sourceValue(s)
		return nil
	}
	*v = sourceValue(b)
	return nil
}

func (c *sourceClient) FetchRows(ctx context.Context, params SyncParams) ([]workflow.SourceRow, error) {
	q := url.Values{}
	q.Set("CompanyID", params.CompanyID)
	q.Set("FromMonth", strconv.Itoa(params.FromMonth))
	q.Set("FromYear", strconv.Itoa(params.FromYear))
	q.Set("ToMonth", strconv.Itoa(params.ToMonth))
	q.Set("ToYear", strconv.Itoa(params.ToYear))
	q.Set("FromItemCode", params.FromItemCode)
	q.Set("ToItemCode", params.ToItemCode)

	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	endpoint := c.baseURL
	if strings.Contains(endpoint, "?") {
		endpoint += "&" + q.Encode()
	} else {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("po source error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed sourceListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode po source response: %w", err)
	}
	rows := make([]workflow.SourceRow, 0, len(parsed.Data))
	for _, rec := range parsed.Data {
		rows = append(rows, rec.toRow())
	}
	return rows, nil
}
