package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/models"
	"github.com/mmdatafocus/po_layers/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/mmdatafocus/po_layers/workflow")

// ErrConnectionFailure means the database could not be reached; the run
// was abandoned and its counts discarded.
var ErrConnectionFailure = errors.New("database connection failure")

const (
	RowErrorMissingKey  = "missing_order_number"
	RowErrorBatchFailed = "batch_failed"
)

type MergeResult struct {
	Inserted         int `json:"inserted"`
	Updated          int `json:"updated"`
	SkippedClosed    int `json:"skipped_closed"`
	DuplicateInBatch int `json:"duplicate_in_batch"`
	SkippedMalformed int `json:"skipped_malformed"`
	FailedBatches    int `json:"failed_batches"`
}

func (r *MergeResult) add(o MergeResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.SkippedClosed += o.SkippedClosed
	r.DuplicateInBatch += o.DuplicateInBatch
	r.SkippedMalformed += o.SkippedMalformed
	r.FailedBatches += o.FailedBatches
}

// RowErrorRecorder receives rows the merge could not store.
type RowErrorRecorder interface {
	RecordRowError(ctx context.Context, scopeId string, orderNumber string, code string, message string, payload any)
}

// FactLoader merges upstream rows into order facts.
type FactLoader struct {
	db       *gorm.DB
	locker   ScopeLocker
	settings config.Settings
	logger   *logrus.Logger
	recorder RowErrorRecorder
}

func NewFactLoader(db *gorm.DB, locker ScopeLocker, settings config.Settings, logger *logrus.Logger) *FactLoader {
	return &FactLoader{db: db, locker: locker, settings: settings, logger: logger}
}

// WithRecorder returns a copy of the loader that reports row errors to r.
func (l *FactLoader) WithRecorder(r RowErrorRecorder) *FactLoader {
	clone := *l
	clone.recorder = r
	return &clone
}

// runState is what the merge knows about keys across batches.
type runState struct {
	snapshot map[string]bool
	written  map[string]bool   // keys that exist in the table as of the last commit
	status   map[string]string // last known persisted status per key
	seen     map[string]bool   // keys already met in this run's input
}

// Merge inserts new keys, updates non-terminal existing keys in place and
// leaves terminal facts untouched. Existing keys are decided by a snapshot
// taken before the first row is processed. Rows are committed in batches;
// a failed batch is rolled back and the run continues.
func (l *FactLoader) Merge(ctx context.Context, scopeId string, rows []SourceRow) (result MergeResult, err error) {
	if strings.TrimSpace(scopeId) == "" {
		return MergeResult{}, utils.ErrorScopeRequired
	}

	ctx, span := tracer.Start(ctx, "workflow.FactLoader.Merge", trace.WithAttributes(
		attribute.String("scope_id", scopeId),
		attribute.Int("rows", len(rows)),
	))
	defer func() { endSpan(span, err) }()

	if err := l.ping(ctx); err != nil {
		return MergeResult{}, err
	}

	release, err := l.locker.Lock(ctx, "merge:"+scopeId)
	if err != nil {
		return MergeResult{}, err
	}
	defer release()

	normalized, malformed := normalizeRows(scopeId, rows)

	var keys []string
	if err := l.db.WithContext(ctx).Model(&models.OrderFact{}).
		Where("scope_id = ?", scopeId).
		Pluck("order_number", &keys).Error; err != nil {
		return MergeResult{}, l.connectionOr(ctx, fmt.Errorf("snapshot keys: %w", err))
	}
	state := runState{
		snapshot: make(map[string]bool, len(keys)),
		written:  make(map[string]bool, len(keys)),
		status:   map[string]string{},
		seen:     map[string]bool{},
	}
	for _, k := range keys {
		state.snapshot[k] = true
		state.written[k] = true
	}

	jobRunId, hasRun := utils.GetJobRunIdFromContext(ctx)
	batchSize := l.settings.MergeBatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	for start := 0; start < len(normalized); start += batchSize {
		end := start + batchSize
		if end > len(normalized) {
			end = len(normalized)
		}
		batch := normalized[start:end]
		if hasRun {
			for i := range batch {
				batch[i].fact.LastJobRunId = &jobRunId
			}
		}

		staged, written, statuses, batchErr := l.mergeBatch(ctx, scopeId, batch, &state)
		if batchErr != nil {
			if pingErr := l.ping(ctx); pingErr != nil {
				return MergeResult{}, pingErr
			}
			result.FailedBatches++
			config.MergeFailedBatches.Inc()
			config.LogError(l.logger, "workflow", "FactLoader.Merge", "Batch rolled back", logrus.Fields{
				"scope_id":    scopeId,
				"batch_start": start,
				"batch_size":  len(batch),
			}, batchErr)
			l.recordBatchFailure(ctx, scopeId, batch, batchErr)
			continue
		}

		result.add(staged)
		for k := range written {
			state.written[k] = true
		}
		for k, s := range statuses {
			state.status[k] = s
		}
	}

	result.SkippedMalformed = len(malformed)
	for _, row := range malformed {
		l.record(ctx, scopeId, "", RowErrorMissingKey, "row has no order number", row)
	}

	observeMerge(result)
	l.logger.WithFields(logrus.Fields{
		"scope_id":           scopeId,
		"rows":               len(rows),
		"inserted":           result.Inserted,
		"updated":            result.Updated,
		"skipped_closed":     result.SkippedClosed,
		"duplicate_in_batch": result.DuplicateInBatch,
		"skipped_malformed":  result.SkippedMalformed,
		"failed_batches":     result.FailedBatches,
	}).Info("fact merge finished")
	return result, nil
}

// mergeBatch writes one batch in its own transaction. Counts and key state
// are returned rather than applied so a rolled back batch leaves no trace.
func (l *FactLoader) mergeBatch(ctx context.Context, scopeId string, batch []normalizedRow, state *runState) (MergeResult, map[string]bool, map[string]string, error) {
	var staged MergeResult
	written := map[string]bool{}
	statuses := map[string]string{}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		known, err := l.loadStatuses(tx, scopeId, batch, state)
		if err != nil {
			return err
		}

		for i := range batch {
			fact := batch[i].fact
			key := fact.OrderNumber

			if state.seen[key] {
				staged.DuplicateInBatch++
			}
			state.seen[key] = true

			exists := state.written[key] || written[key]
			if !exists {
				createErr := tx.Create(&fact).Error
				if createErr == nil {
					staged.Inserted++
					written[key] = true
					statuses[key] = fact.Status
					continue
				}
				if !utils.IsDuplicateKeyError(createErr) {
					return fmt.Errorf("insert %s: %w", key, createErr)
				}
				// inserted concurrently by someone else; fall through to update
				if err := tx.Model(&models.OrderFact{}).Select("status").
					Where("scope_id = ? AND order_number = ?", scopeId, key).
					Scan(&fact.Status).Error; err != nil {
					return err
				}
				known[key] = fact.Status
				fact = batch[i].fact
			}

			current, ok := statuses[key]
			if !ok {
				current = known[key]
			}
			if l.isTerminal(current) {
				staged.SkippedClosed++
				continue
			}

			err := tx.Model(&models.OrderFact{}).
				Where("scope_id = ? AND order_number = ?", scopeId, key).
				Select(models.SourceColumns).
				Updates(&fact).Error
			if err != nil {
				return fmt.Errorf("update %s: %w", key, err)
			}
			staged.Updated++
			statuses[key] = fact.Status
		}
		return nil
	})
	if err != nil {
		// keys marked seen in a rolled back batch still count as seen; the
		// input did contain them
		return MergeResult{}, nil, nil, err
	}
	return staged, written, statuses, nil
}

// loadStatuses returns the persisted status of every batch key that already
// exists, preferring statuses written earlier in this run.
func (l *FactLoader) loadStatuses(tx *gorm.DB, scopeId string, batch []normalizedRow, state *runState) (map[string]string, error) {
	known := map[string]string{}
	var lookup []string
	for _, row := range batch {
		key := row.fact.OrderNumber
		if s, ok := state.status[key]; ok {
			known[key] = s
			continue
		}
		if state.snapshot[key] {
			lookup = append(lookup, key)
		}
	}
	if len(lookup) == 0 {
		return known, nil
	}

	var rows []struct {
		OrderNumber string
		Status      string
	}
	err := tx.Model(&models.OrderFact{}).
		Select("order_number, status").
		Where("scope_id = ? AND order_number IN ?", scopeId, lookup).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}
	for _, r := range rows {
		known[r.OrderNumber] = r.Status
	}
	return known, nil
}

func (l *FactLoader) isTerminal(status string) bool {
	return l.settings.TerminalStatus != "" && strings.EqualFold(strings.TrimSpace(status), l.settings.TerminalStatus)
}

func (l *FactLoader) ping(ctx context.Context) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	return nil
}

// connectionOr reports a lost connection in preference to err.
func (l *FactLoader) connectionOr(ctx context.Context, err error) error {
	if pingErr := l.ping(ctx); pingErr != nil {
		return pingErr
	}
	return err
}

func (l *FactLoader) recordBatchFailure(ctx context.Context, scopeId string, batch []normalizedRow, batchErr error) {
	keys := make([]string, 0, len(batch))
	for _, row := range batch {
		keys = append(keys, row.fact.OrderNumber)
	}
	first := ""
	if len(keys) > 0 {
		first = keys[0]
	}
	l.record(ctx, scopeId, first, RowErrorBatchFailed, batchErr.Error(), keys)
}

func (l *FactLoader) record(ctx context.Context, scopeId, orderNumber, code, message string, payload any) {
	if l.recorder == nil {
		return
	}
	l.recorder.RecordRowError(ctx, scopeId, orderNumber, code, message, payload)
}

func observeMerge(r MergeResult) {
	config.MergeRows.WithLabelValues("inserted").Add(float64(r.Inserted))
	config.MergeRows.WithLabelValues("updated").Add(float64(r.Updated))
	config.MergeRows.WithLabelValues("skipped_closed").Add(float64(r.SkippedClosed))
	config.MergeRows.WithLabelValues("duplicate_in_batch").Add(float64(r.DuplicateInBatch))
	config.MergeRows.WithLabelValues("skipped_malformed").Add(float64(r.SkippedMalformed))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
