package posync

import (
	"testing"
	"time"

	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScheduler_Unconfigured(t *testing.T) {
	settings := config.DefaultSettings()
	s, err := NewScheduler(nil, settings, nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	settings.SyncSchedule = "0 * * * *"
	s, err = NewScheduler(nil, settings, nil)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestNewScheduler_BadSchedule(t *testing.T) {
	settings := config.DefaultSettings()
	settings.SyncSchedule = "not a schedule"
	settings.ScheduledScopes = []string{"a"}
	_, err := NewScheduler(nil, settings, nil)
	assert.Error(t, err)
}

func TestScheduler_WindowParams(t *testing.T) {
	settings := config.DefaultSettings()
	settings.SyncSchedule = "@hourly"
	settings.ScheduledScopes = []string{"a"}
	settings.ScheduledLookback = 2

	s, err := NewScheduler(nil, settings, nil)
	require.NoError(t, err)
	require.NotNil(t, s)
	s.now = func() time.Time { return time.Date(2025, 1, 31, 22, 0, 0, 0, time.UTC) }

	params := s.windowParams("scope-x")
	assert.Equal(t, SyncParams{CompanyID: "scope-x", FromMonth: 11, FromYear: 2024, ToMonth: 1, ToYear: 2025}, params)

	s.company = "C9"
	s.lookback = 0
	params = s.windowParams("scope-x")
	assert.Equal(t, "C9", params.CompanyID)
	assert.Equal(t, 1, params.FromMonth)
	assert.Equal(t, 2025, params.FromYear)
}

func TestScheduler_RunOnceQueuesSyncPerScope(t *testing.T) {
	h := newHarness(t, &fakeSource{rows: sampleRows()[:1]})

	settings := config.DefaultSettings()
	settings.SyncSchedule = "@hourly"
	settings.ScheduledScopes = []string{"scope-a", "scope-b"}
	s, err := NewScheduler(h.service, settings, h.service.logger)
	require.NoError(t, err)

	s.runOnce()
	h.dispatcher.Wait()

	var syncs []models.JobRun
	require.NoError(t, h.db.Where("job_type = ?", models.JobTypeSync).Order("id").Find(&syncs).Error)
	require.Len(t, syncs, 2)
	for _, run := range syncs {
		assert.Equal(t, models.JobTriggeredSchedule, run.TriggeredBy)
		assert.Equal(t, models.JobStatusSucceeded, run.Status)
	}
	assert.ElementsMatch(t, []string{"scope-a", "scope-b"}, []string{syncs[0].ScopeId, syncs[1].ScopeId})
}
