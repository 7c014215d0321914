package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/utils"
	"gorm.io/gorm"
)

const (
	JobTypeSync    = "sync"
	JobTypeImport  = "import"
	JobTypeRebuild = "rebuild"
)

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
)

const (
	JobTriggeredManual   = "manual"
	JobTriggeredRetry    = "retry"
	JobTriggeredSchedule = "schedule"
	JobTriggeredChain    = "chain"
)

type JobRun struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	ScopeId      string     `gorm:"index;size:64;not null" json:"scope_id"`
	JobType      string     `gorm:"index;size:20;not null" json:"job_type"`
	Status       string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy  string     `gorm:"size:20" json:"triggered_by"`
	ParamsJSON   []byte     `gorm:"type:json" json:"params"`
	StatsJSON    []byte     `gorm:"type:json" json:"stats"`
	RowsReceived int        `json:"rows_received"`
	ErrorCount   int        `json:"error_count"`
	Message      string     `gorm:"type:text" json:"message"`
	ParentRunId  *uint      `gorm:"index" json:"parent_run_id"`
	ArchiveRef   string     `gorm:"size:512" json:"archive_ref"`
	StartedAt    *time.Time `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	DurationMs   int64      `json:"duration_ms"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// JobError records a row that a job could not process.
type JobError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	JobRunId    uint      `gorm:"index;not null" json:"job_run_id"`
	ScopeId     string    `gorm:"index;size:64;not null" json:"scope_id"`
	OrderNumber string    `gorm:"size:128" json:"order_number"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// JobPayload keeps the raw rows a job received when no object store is configured.
type JobPayload struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	JobRunId  uint      `gorm:"uniqueIndex;not null" json:"job_run_id"`
	ScopeId   string    `gorm:"index;size:64;not null" json:"scope_id"`
	Content   []byte    `gorm:"type:longblob" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func IsTerminalJobStatus(status string) bool {
	return status == JobStatusSucceeded || status == JobStatusFailed
}

func GetJobRun(ctx context.Context, scopeId string, id uint) (*JobRun, error) {
	db := config.GetDB()
	var run JobRun
	if err := db.WithContext(ctx).Where("id = ? AND scope_id = ?", id, scopeId).Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &run, nil
}

func ListJobRuns(ctx context.Context, scopeId string, jobType string, limit int) ([]*JobRun, error) {
	db := config.GetDB()
	query := db.WithContext(ctx).Where("scope_id = ?", scopeId)
	if jobType != "" {
		query = query.Where("job_type = ?", jobType)
	}
	var runs []*JobRun
	err := query.Order("id desc").Limit(limit).Find(&runs).Error
	return runs, err
}

func ListJobErrors(ctx context.Context, runId uint) ([]*JobError, error) {
	db := config.GetDB()
	var errs []*JobError
	err := db.WithContext(ctx).Where("job_run_id = ?", runId).Order("id desc").Find(&errs).Error
	return errs, err
}
