package models_test

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/po_layers/dbtest"
	"github.com/mmdatafocus/po_layers/models"
	"github.com/mmdatafocus/po_layers/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedFact(t *testing.T, db *gorm.DB, scopeId, orderNumber, description, status string, day int) *models.OrderFact {
	t.Helper()
	date := time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC)
	fact := &models.OrderFact{
		ScopeId:         scopeId,
		OrderNumber:     orderNumber,
		OrderDate:       &date,
		ItemDescription: description,
		Status:          status,
	}
	require.NoError(t, db.Create(fact).Error)
	return fact
}

func TestListOrderFacts(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()

	seedFact(t, db, "a", "PO-1", "INK RED", "Pending", 1)
	seedFact(t, db, "a", "PO-2", "INK BLUE", "Closed", 3)
	seedFact(t, db, "a", "PO-3", "PLYWOOD 9MM", "Pending", 2)
	seedFact(t, db, "b", "PO-1", "INK RED", "Pending", 1)

	facts, total, err := models.ListOrderFacts(ctx, "a", models.OrderFactFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, facts, 3)
	assert.Equal(t, []string{"PO-2", "PO-3", "PO-1"}, []string{facts[0].OrderNumber, facts[1].OrderNumber, facts[2].OrderNumber})

	facts, total, err = models.ListOrderFacts(ctx, "a", models.OrderFactFilter{Search: "ink"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, facts, 2)

	facts, total, err = models.ListOrderFacts(ctx, "a", models.OrderFactFilter{Status: "Pending", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, facts, 1)
	assert.Equal(t, "PO-1", facts[0].OrderNumber)
}

func TestUpdateFactAnnotations(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()
	fact := seedFact(t, db, "a", "PO-1", "INK RED", "Closed", 1)

	checked := true
	note := "verified with supplier"
	updated, err := models.UpdateFactAnnotations(ctx, "a", fact.ID, models.FactAnnotationInput{Checked: &checked, Note: &note})
	require.NoError(t, err)
	assert.True(t, updated.Checked)
	assert.Equal(t, note, updated.Note)
	assert.Equal(t, "INK RED", updated.ItemDescription)

	unchecked := false
	updated, err = models.UpdateFactAnnotations(ctx, "a", fact.ID, models.FactAnnotationInput{Checked: &unchecked})
	require.NoError(t, err)
	assert.False(t, updated.Checked)
	assert.Equal(t, note, updated.Note)

	_, err = models.UpdateFactAnnotations(ctx, "b", fact.ID, models.FactAnnotationInput{Checked: &checked})
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)
}

func TestOrderFactDescription(t *testing.T) {
	assert.Equal(t, "INK", (&models.OrderFact{ItemDescription: " INK ", ItemCode: "X"}).Description())
	assert.Equal(t, "X-1", (&models.OrderFact{ItemDescription: "  ", ItemCode: "X-1"}).Description())
}

func TestJobRuns(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()

	for _, jobType := range []string{models.JobTypeSync, models.JobTypeRebuild, models.JobTypeSync} {
		require.NoError(t, db.Create(&models.JobRun{ScopeId: "a", JobType: jobType, Status: models.JobStatusSucceeded}).Error)
	}
	require.NoError(t, db.Create(&models.JobRun{ScopeId: "b", JobType: models.JobTypeSync, Status: models.JobStatusQueued}).Error)

	runs, err := models.ListJobRuns(ctx, "a", "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Greater(t, runs[0].ID, runs[1].ID)

	runs, err = models.ListJobRuns(ctx, "a", models.JobTypeSync, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.JobTypeSync, runs[0].JobType)

	_, err = models.GetJobRun(ctx, "b", runs[0].ID)
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)

	assert.True(t, models.IsTerminalJobStatus(models.JobStatusFailed))
	assert.False(t, models.IsTerminalJobStatus(models.JobStatusRunning))
}
