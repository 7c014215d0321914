package posync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/hierarchy"
	"github.com/mmdatafocus/po_layers/models"
	"github.com/mmdatafocus/po_layers/utils"
	"github.com/mmdatafocus/po_layers/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrSourceNotConfigured = errors.New("po source is not configured")
	ErrJobNotFinished      = errors.New("job run has not finished")
	ErrNothingToRetry      = errors.New("job run has no archived rows to retry")
)

// Service queues, executes and reports purchase order jobs, and serves the
// hierarchy read endpoints.
type Service struct {
	db         *gorm.DB
	loader     *workflow.FactLoader
	builder    *workflow.ClassificationBuilder
	navigator  *hierarchy.Navigator
	source     SourceClient
	archive    Archiver
	dispatcher Dispatcher
	settings   config.Settings
	logger     *logrus.Logger
}

type Options struct {
	DB         *gorm.DB
	Loader     *workflow.FactLoader
	Builder    *workflow.ClassificationBuilder
	Navigator  *hierarchy.Navigator
	Source     SourceClient
	Archive    Archiver
	Dispatcher Dispatcher
	Settings   config.Settings
	Logger     *logrus.Logger
}

// NewService wires a service. Without a dispatcher jobs run in-process.
func NewService(opts Options) *Service {
	s := &Service{
		db:         opts.DB,
		loader:     opts.Loader,
		builder:    opts.Builder,
		navigator:  opts.Navigator,
		source:     opts.Source,
		archive:    opts.Archive,
		dispatcher: opts.Dispatcher,
		settings:   opts.Settings,
		logger:     opts.Logger,
	}
	if s.archive == nil {
		s.archive = NewDBArchiver(s.db)
	}
	if s.dispatcher == nil {
		s.dispatcher = NewLocalDispatcher(s.Process, s.logger)
	}
	return s
}

func (s *Service) Dispatcher() Dispatcher {
	return s.dispatcher
}

// Submit records a queued run and dispatches it. Rows, when given, are
// archived first so the run can be executed and retried from the archive.
func (s *Service) Submit(ctx context.Context, scopeId, jobType, trigger string, params JobParams, rows []workflow.SourceRow, parentId *uint) (JobHandle, error) {
	run := models.JobRun{
		ScopeId:     scopeId,
		JobType:     jobType,
		Status:      models.JobStatusQueued,
		TriggeredBy: trigger,
		ParamsJSON:  encodeParams(params),
		ParentRunId: parentId,
	}
	return s.enqueue(ctx, &run, rows)
}

func (s *Service) enqueue(ctx context.Context, run *models.JobRun, rows []workflow.SourceRow) (JobHandle, error) {
	db := s.db.WithContext(ctx)
	if err := db.Create(run).Error; err != nil {
		return JobHandle{}, err
	}

	if rows != nil {
		ref, err := s.archive.Save(ctx, run, rows)
		if err != nil {
			s.fail(ctx, run, err)
			return JobHandle{}, err
		}
		run.ArchiveRef = ref
		run.RowsReceived = len(rows)
		if err := db.Model(run).Updates(map[string]interface{}{
			"archive_ref":   ref,
			"rows_received": len(rows),
		}).Error; err != nil {
			return JobHandle{}, err
		}
	}

	if err := s.dispatcher.Dispatch(ctx, JobMessage{RunId: run.ID, ScopeId: run.ScopeId}); err != nil {
		config.LogError(s.logger, "posync", "Service.enqueue", "Error dispatching job", run.ID, err)
		s.fail(ctx, run, fmt.Errorf("dispatch: %w", err))
		return JobHandle{}, err
	}
	return JobHandle{ID: run.ID, Status: run.Status}, nil
}

// Retry queues a copy of a finished run. Import runs reuse the archived rows.
func (s *Service) Retry(ctx context.Context, scopeId string, runId uint) (JobHandle, error) {
	var prev models.JobRun
	if err := s.db.WithContext(ctx).Where("id = ? AND scope_id = ?", runId, scopeId).Take(&prev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return JobHandle{}, utils.ErrorRecordNotFound
		}
		return JobHandle{}, err
	}
	if !models.IsTerminalJobStatus(prev.Status) {
		return JobHandle{}, ErrJobNotFinished
	}
	if prev.JobType == models.JobTypeImport && prev.ArchiveRef == "" {
		return JobHandle{}, ErrNothingToRetry
	}

	run := models.JobRun{
		ScopeId:     prev.ScopeId,
		JobType:     prev.JobType,
		Status:      models.JobStatusQueued,
		TriggeredBy: models.JobTriggeredRetry,
		ParamsJSON:  prev.ParamsJSON,
		ParentRunId: &prev.ID,
	}
	if prev.JobType == models.JobTypeImport {
		run.ArchiveRef = prev.ArchiveRef
		run.RowsReceived = prev.RowsReceived
	}
	return s.enqueue(ctx, &run, nil)
}

// Process executes a queued run. Runs that already finished are ignored, so
// redelivered messages are harmless.
func (s *Service) Process(ctx context.Context, msg JobMessage) error {
	if msg.RunId == 0 || msg.ScopeId == "" {
		return errors.New("invalid job message")
	}

	ctx = utils.SetScopeIdInContext(ctx, msg.ScopeId)
	ctx = utils.SetJobRunIdInContext(ctx, msg.RunId)
	db := s.db.WithContext(ctx)

	var run models.JobRun
	if err := db.Where("id = ? AND scope_id = ?", msg.RunId, msg.ScopeId).Take(&run).Error; err != nil {
		return err
	}
	if models.IsTerminalJobStatus(run.Status) {
		return nil
	}

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":     models.JobStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	params := decodeParams(run.ParamsJSON)
	recorder := &jobErrorRecorder{db: s.db, runId: run.ID, logger: s.logger}
	var stats JobStats
	var runErr error

	switch run.JobType {
	case models.JobTypeSync, models.JobTypeImport:
		var rows []workflow.SourceRow
		rows, runErr = s.loadRows(ctx, &run, params)
		if runErr == nil {
			run.RowsReceived = len(rows)
			var merged workflow.MergeResult
			merged, runErr = s.loader.WithRecorder(recorder).Merge(ctx, run.ScopeId, rows)
			stats.Merge = merged
		}
	case models.JobTypeRebuild:
		var rebuilt workflow.RebuildResult
		rebuilt, runErr = s.builder.Rebuild(ctx, run.ScopeId)
		stats.Rebuild = rebuilt
	default:
		runErr = fmt.Errorf("unknown job type %q", run.JobType)
	}

	status := models.JobStatusSucceeded
	message := ""
	if runErr != nil {
		status = models.JobStatusFailed
		message = runErr.Error()
		config.LogError(s.logger, "posync", "Service.Process", "Job failed", logrus.Fields{
			"run_id":   run.ID,
			"scope_id": run.ScopeId,
			"job_type": run.JobType,
		}, runErr)
	}

	finishedAt := time.Now()
	statsJSON, _ := json.Marshal(stats)
	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":        status,
		"message":       message,
		"finished_at":   finishedAt,
		"duration_ms":   finishedAt.Sub(*startedAt).Milliseconds(),
		"rows_received": run.RowsReceived,
		"error_count":   int(recorder.count.Load()),
		"stats_json":    statsJSON,
		"archive_ref":   run.ArchiveRef,
	}).Error; err != nil {
		return err
	}
	config.JobRuns.WithLabelValues(run.JobType, status).Inc()
	s.logger.WithFields(config.ContextFields(ctx)).WithFields(logrus.Fields{
		"job_type":    run.JobType,
		"status":      status,
		"rows":        run.RowsReceived,
		"error_count": recorder.count.Load(),
	}).Info("job run finished")

	if status == models.JobStatusSucceeded && run.JobType != models.JobTypeRebuild && params.Rebuild && config.RebuildAfterSync() {
		parent := run.ID
		if _, err := s.Submit(ctx, run.ScopeId, models.JobTypeRebuild, models.JobTriggeredChain, JobParams{}, nil, &parent); err != nil {
			config.LogError(s.logger, "posync", "Service.Process", "Error chaining rebuild", run.ID, err)
		}
	}
	return runErr
}

// loadRows pulls a sync run's rows from the source and archives them, or
// reads an import run's rows back from the archive.
func (s *Service) loadRows(ctx context.Context, run *models.JobRun, params JobParams) ([]workflow.SourceRow, error) {
	if run.JobType == models.JobTypeImport {
		return s.archive.Load(ctx, run.ArchiveRef)
	}
	if s.source == nil {
		return nil, ErrSourceNotConfigured
	}
	if params.Sync == nil {
		return nil, errors.New("sync run has no parameters")
	}
	rows, err := s.source.FetchRows(ctx, *params.Sync)
	if err != nil {
		return nil, err
	}
	if ref, err := s.archive.Save(ctx, run, rows); err != nil {
		s.logger.WithFields(config.ContextFields(ctx)).Warn("archiving fetched rows failed: ", err)
	} else {
		run.ArchiveRef = ref
	}
	return rows, nil
}

func (s *Service) fail(ctx context.Context, run *models.JobRun, cause error) {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":      models.JobStatusFailed,
		"message":     cause.Error(),
		"finished_at": now,
	}).Error
	if err != nil {
		config.LogError(s.logger, "posync", "Service.fail", "Error marking job failed", run.ID, err)
	}
	run.Status = models.JobStatusFailed
	config.JobRuns.WithLabelValues(run.JobType, models.JobStatusFailed).Inc()
}

// jobErrorRecorder stores rejected rows as job errors of one run.
type jobErrorRecorder struct {
	db     *gorm.DB
	runId  uint
	logger *logrus.Logger
	count  atomic.Int64
}

func (r *jobErrorRecorder) RecordRowError(ctx context.Context, scopeId, orderNumber, code, message string, payload any) {
	r.count.Add(1)
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	rec := models.JobError{
		JobRunId:    r.runId,
		ScopeId:     scopeId,
		OrderNumber: orderNumber,
		ErrorCode:   code,
		Message:     message,
		PayloadJSON: raw,
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		config.LogError(r.logger, "posync", "jobErrorRecorder.RecordRowError", "Error saving job error", rec, err)
	}
}
