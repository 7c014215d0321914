package posync

import (
	"context"
	"time"

	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler queues a sync for every configured scope on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	service  *Service
	scopes   []string
	company  string
	lookback int
	logger   *logrus.Logger
	now      func() time.Time
}

// NewScheduler returns nil when no schedule or no scope is configured.
func NewScheduler(service *Service, settings config.Settings, logger *logrus.Logger) (*Scheduler, error) {
	if settings.SyncSchedule == "" || len(settings.ScheduledScopes) == 0 {
		return nil, nil
	}
	s := &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		service:  service,
		scopes:   settings.ScheduledScopes,
		company:  settings.SourceCompanyID,
		lookback: settings.ScheduledLookback,
		logger:   logger,
		now:      time.Now,
	}
	if _, err := s.cron.AddFunc(settings.SyncSchedule, s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithFields(logrus.Fields{"scopes": s.scopes}).Info("po sync scheduler started")
}

// Stop waits for a running tick to finish queueing.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// windowParams covers the current month and lookback months before it, over
// the full item range. Without a configured company the scope id is used.
func (s *Scheduler) windowParams(scopeId string) SyncParams {
	to := s.now().UTC()
	from := time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -s.lookback, 0)
	company := s.company
	if company == "" {
		company = scopeId
	}
	return SyncParams{
		CompanyID: company,
		FromMonth: int(from.Month()),
		FromYear:  from.Year(),
		ToMonth:   int(to.Month()),
		ToYear:    to.Year(),
	}
}

func (s *Scheduler) runOnce() {
	ctx := context.Background()
	for _, scopeId := range s.scopes {
		params := s.windowParams(scopeId)
		handle, err := s.service.Submit(ctx, scopeId, models.JobTypeSync, models.JobTriggeredSchedule,
			JobParams{Sync: &params, Rebuild: true}, nil, nil)
		if err != nil {
			config.LogError(s.logger, "posync", "Scheduler.runOnce", "Error queueing scheduled sync", scopeId, err)
			continue
		}
		s.logger.WithFields(logrus.Fields{"scope_id": scopeId, "run_id": handle.ID}).Info("scheduled sync queued")
	}
}
