package posync

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/po_layers/models"
	"github.com/mmdatafocus/po_layers/workflow"
)

// SyncParams selects the upstream purchase order lines to pull.
type SyncParams struct {
	CompanyID    string `json:"company_id" validate:"required,max=64"`
	FromMonth    int    `json:"from_month" validate:"required,min=1,max=12"`
	FromYear     int    `json:"from_year" validate:"required,min=2000,max=2100"`
	ToMonth      int    `json:"to_month" validate:"required,min=1,max=12"`
	ToYear       int    `json:"to_year" validate:"required,min=2000,max=2100"`
	FromItemCode string `json:"from_item_code" validate:"max=128"`
	ToItemCode   string `json:"to_item_code" validate:"max=128"`
}

// From and To are the first days of the requested months.
func (p SyncParams) From() time.Time {
	return time.Date(p.FromYear, time.Month(p.FromMonth), 1, 0, 0, 0, 0, time.UTC)
}

func (p SyncParams) To() time.Time {
	return time.Date(p.ToYear, time.Month(p.ToMonth), 1, 0, 0, 0, 0, time.UTC)
}

type SyncRequest struct {
	SyncParams
	Rebuild *bool `json:"rebuild"`
}

// JobParams is stored on every run so a retry can repeat it.
type JobParams struct {
	Sync     *SyncParams `json:"sync,omitempty"`
	FileName string      `json:"file_name,omitempty"`
	Rebuild  bool        `json:"rebuild"`
}

func decodeParams(raw []byte) JobParams {
	var p JobParams
	if len(raw) == 0 {
		return p
	}
	_ = json.Unmarshal(raw, &p)
	return p
}

func encodeParams(p JobParams) []byte {
	b, _ := json.Marshal(p)
	return b
}

// JobStats is what a finished run reports.
type JobStats struct {
	Merge   any `json:"merge,omitempty"`
	Rebuild any `json:"rebuild,omitempty"`
}

// JobHandle is returned to callers that queue work.
type JobHandle struct {
	ID     uint   `json:"id"`
	Status string `json:"status"`
}

type JobRunResponse struct {
	ID           uint            `json:"id"`
	ScopeId      string          `json:"scopeId"`
	JobType      string          `json:"jobType"`
	Status       string          `json:"status"`
	TriggeredBy  string          `json:"triggeredBy"`
	ParentRunId  *uint           `json:"parentRunId"`
	RowsReceived int             `json:"rowsReceived"`
	ErrorCount   int             `json:"errorCount"`
	Message      string          `json:"message"`
	Params       json.RawMessage `json:"params"`
	Stats        json.RawMessage `json:"stats"`
	StartedAt    *string         `json:"startedAt"`
	FinishedAt   *string         `json:"finishedAt"`
	DurationMs   int64           `json:"durationMs"`
	CreatedAt    string          `json:"createdAt"`
}

type JobHistoryResponse struct {
	Items []JobRunResponse `json:"items"`
}

type JobRunDetailResponse struct {
	JobRunResponse
	Errors []JobErrorResponse `json:"errors"`
}

type JobErrorResponse struct {
	ID          uint            `json:"id"`
	OrderNumber string          `json:"orderNumber"`
	ErrorCode   string          `json:"errorCode"`
	Message     string          `json:"message"`
	Payload     json.RawMessage `json:"payload"`
}

// JobArchiveResponse carries either a signed download link or the rows.
type JobArchiveResponse struct {
	URL       string               `json:"url,omitempty"`
	ExpiresAt *string              `json:"expiresAt,omitempty"`
	Rows      []workflow.SourceRow `json:"rows,omitempty"`
}

type FactListResponse struct {
	Items []*models.OrderFact `json:"items"`
	Total int64               `json:"total"`
}

// PubSubPushEnvelope is the body Pub/Sub posts to a push subscription.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// JobMessage names a queued run.
type JobMessage struct {
	RunId   uint   `json:"run_id"`
	ScopeId string `json:"scope_id"`
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run *models.JobRun) JobRunResponse {
	return JobRunResponse{
		ID:           run.ID,
		ScopeId:      run.ScopeId,
		JobType:      run.JobType,
		Status:       run.Status,
		TriggeredBy:  run.TriggeredBy,
		ParentRunId:  run.ParentRunId,
		RowsReceived: run.RowsReceived,
		ErrorCount:   run.ErrorCount,
		Message:      run.Message,
		Params:       rawJSON(run.ParamsJSON),
		Stats:        rawJSON(run.StatsJSON),
		StartedAt:    formatTime(run.StartedAt),
		FinishedAt:   formatTime(run.FinishedAt),
		DurationMs:   run.DurationMs,
		CreatedAt:    run.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func mapErrors(errs []*models.JobError) []JobErrorResponse {
	out := make([]JobErrorResponse, 0, len(errs))
	for _, e := range errs {
		out = append(out, JobErrorResponse{
			ID:          e.ID,
			OrderNumber: e.OrderNumber,
			ErrorCode:   e.ErrorCode,
			Message:     e.Message,
			Payload:     rawJSON(e.PayloadJSON),
		})
	}
	return out
}
