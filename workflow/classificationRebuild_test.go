package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/po_layers/classifier"
	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/dbtest"
	"github.com/mmdatafocus/po_layers/hierarchy"
	"github.com/mmdatafocus/po_layers/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestBuilder(db *gorm.DB, settings config.Settings) *ClassificationBuilder {
	logger := quietLogger()
	store := hierarchy.NewStore(db, settings, logger)
	locker := NewScopeLocker(db, nil, settings, logger)
	return NewClassificationBuilder(db, store, locker, nil, settings, logger)
}

func seedFacts(t *testing.T, db *gorm.DB, rows ...SourceRow) {
	t.Helper()
	_, err := newTestLoader(db, testSettings()).Merge(context.Background(), testScope, rows)
	require.NoError(t, err)
}

func snapshotHierarchy(t *testing.T, db *gorm.DB) ([]models.HierarchyNode, []models.ClassificationLink) {
	t.Helper()
	var nodes []models.HierarchyNode
	require.NoError(t, db.Where("scope_id = ?", testScope).Order("id").Find(&nodes).Error)
	var links []models.ClassificationLink
	require.NoError(t, db.Where("scope_id = ?", testScope).Order("order_fact_id").Find(&links).Error)
	for i := range nodes {
		nodes[i].CreatedAt = nodes[i].CreatedAt.UTC()
		nodes[i].UpdatedAt = nodes[i].UpdatedAt.UTC()
	}
	return nodes, links
}

func TestRebuild_BuildsTwoLevels(t *testing.T) {
	db := dbtest.Open(t)
	seedFacts(t, db,
		row("PO-1", "P1", "PLYWOOD 12MM", ""),
		row("PO-2", "P2", "plywood 18mm", ""),
		row("PO-3", "K1", "KRAFT PAPER 125GSM / ROLL", ""),
		row("PO-4", "AB-100", "", ""),
		row("PO-5", "", "", ""),
		row("PO-6", "P1", "PLYWOOD 12MM", ""),
	)

	res, err := newTestBuilder(db, testSettings()).Rebuild(context.Background(), testScope)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Level1Count)
	assert.Equal(t, 4, res.Level2Count)
	assert.Equal(t, 5, res.Links)
	assert.Equal(t, 1, res.SkippedEmpty)
	assert.Zero(t, res.Gaps)

	var l1 []string
	require.NoError(t, db.Model(&models.HierarchyNode{}).
		Where("scope_id = ? AND level = ?", testScope, models.LevelOne).
		Order("label").Pluck("label", &l1).Error)
	assert.Equal(t, []string{classifier.IdentifiedCodes, "KRAFT PAPER 125GSM", "PLYWOOD"}, l1)

	var plywood models.HierarchyNode
	require.NoError(t, db.Where("scope_id = ? AND label = ?", testScope, "PLYWOOD").Take(&plywood).Error)
	var children []models.HierarchyNode
	require.NoError(t, db.Where("scope_id = ? AND parent_id = ?", testScope, plywood.ID).Order("label").Find(&children).Error)
	require.Len(t, children, 2)
	assert.Equal(t, "PLYWOOD 12MM", children[0].Label)
	assert.Equal(t, "PLYWOOD 18MM", children[1].Label)

	var linked int64
	require.NoError(t, db.Model(&models.ClassificationLink{}).Where("node_id = ?", children[0].ID).Count(&linked).Error)
	assert.EqualValues(t, 2, linked)
}

func TestRebuild_IsIdempotent(t *testing.T) {
	db := dbtest.Open(t)
	seedFacts(t, db,
		row("PO-1", "P1", "PLYWOOD 12MM", ""),
		row("PO-2", "I1", "INK CYAN", ""),
		row("PO-3", "", "1200 X 800 MM", ""),
	)
	builder := newTestBuilder(db, testSettings())
	ctx := context.Background()

	first, err := builder.Rebuild(ctx, testScope)
	require.NoError(t, err)
	nodesBefore, linksBefore := snapshotHierarchy(t, db)

	second, err := builder.Rebuild(ctx, testScope)
	require.NoError(t, err)
	nodesAfter, linksAfter := snapshotHierarchy(t, db)

	assert.Equal(t, first.Level1Count, second.Level1Count)
	assert.Equal(t, first.Links, second.Links)
	assert.Equal(t, nodesBefore, nodesAfter)
	assert.Equal(t, linksBefore, linksAfter)
}

func TestRebuild_PreservesIdsOfSurvivingLabels(t *testing.T) {
	db := dbtest.Open(t)
	seedFacts(t, db,
		row("PO-1", "P1", "PLYWOOD 12MM", ""),
		row("PO-2", "I1", "INK CYAN", ""),
	)
	builder := newTestBuilder(db, testSettings())
	ctx := context.Background()

	_, err := builder.Rebuild(ctx, testScope)
	require.NoError(t, err)
	var before models.HierarchyNode
	require.NoError(t, db.Where("scope_id = ? AND label = ?", testScope, "PLYWOOD").Take(&before).Error)

	require.NoError(t, db.Where("order_number = ?", "PO-2").Delete(&models.OrderFact{}).Error)
	seedFacts(t, db, row("PO-3", "T1", "TONER HP", ""))

	_, err = builder.Rebuild(ctx, testScope)
	require.NoError(t, err)

	var after models.HierarchyNode
	require.NoError(t, db.Where("scope_id = ? AND label = ?", testScope, "PLYWOOD").Take(&after).Error)
	assert.Equal(t, before.ID, after.ID)

	var inkCount int64
	require.NoError(t, db.Model(&models.HierarchyNode{}).Where("scope_id = ? AND label = ?", testScope, "INK").Count(&inkCount).Error)
	assert.Zero(t, inkCount)
}

func TestRebuild_ResetModeReplacesEverything(t *testing.T) {
	db := dbtest.Open(t)
	seedFacts(t, db, row("PO-1", "P1", "PLYWOOD 12MM", ""))
	settings := testSettings()
	settings.PreserveNodeIds = false
	builder := newTestBuilder(db, settings)
	ctx := context.Background()

	_, err := builder.Rebuild(ctx, testScope)
	require.NoError(t, err)
	_, err = builder.Rebuild(ctx, testScope)
	require.NoError(t, err)

	var nodes int64
	require.NoError(t, db.Model(&models.HierarchyNode{}).Where("scope_id = ?", testScope).Count(&nodes).Error)
	assert.EqualValues(t, 2, nodes)
}

func TestRebuild_LeavesForeignOriginAlone(t *testing.T) {
	db := dbtest.Open(t)
	seedFacts(t, db, row("PO-1", "P1", "PLYWOOD 12MM", ""))
	manual := models.HierarchyNode{ScopeId: testScope, Level: models.LevelOne, Label: "MANUAL", Origin: "manual"}
	require.NoError(t, db.Create(&manual).Error)

	_, err := newTestBuilder(db, testSettings()).Rebuild(context.Background(), testScope)
	require.NoError(t, err)

	var kept models.HierarchyNode
	require.NoError(t, db.Take(&kept, manual.ID).Error)
	assert.Equal(t, "manual", kept.Origin)
}

func TestRebuild_ConcurrentCallsAgree(t *testing.T) {
	db := dbtest.Open(t)
	seedFacts(t, db,
		row("PO-1", "P1", "PLYWOOD 12MM", ""),
		row("PO-2", "I1", "INK CYAN", ""),
	)
	builder := newTestBuilder(db, testSettings())

	var wg sync.WaitGroup
	results := make([]RebuildResult, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = builder.Rebuild(context.Background(), testScope)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 2, results[i].Links)
	}
	var links int64
	require.NoError(t, db.Model(&models.ClassificationLink{}).Where("scope_id = ?", testScope).Count(&links).Error)
	assert.EqualValues(t, 2, links)
}

func TestGroupFacts_SortsAndSkipsBlank(t *testing.T) {
	groups, labels, skipped := groupFacts([]classifiableFact{
		{ID: 1, ItemDescription: "TONER B"},
		{ID: 2, ItemDescription: "INK A"},
		{ID: 3, ItemDescription: "TONER A"},
		{ID: 4, ItemCode: "  "},
		{ID: 5, ItemCode: "XY-12"},
	})

	assert.Equal(t, 1, skipped)
	require.Len(t, groups, 3)
	assert.Equal(t, classifier.IdentifiedCodes, groups[0].Label)
	assert.Equal(t, "INK", groups[1].Label)
	assert.Equal(t, "TONER", groups[2].Label)
	require.Len(t, groups[2].Children, 2)
	assert.Equal(t, "TONER A", groups[2].Children[0].Label)
	assert.Equal(t, []uint{1}, groups[2].Children[1].FactIds)
	assert.Equal(t, "XY-12", labels[5].Level2)
	_, ok := labels[4]
	assert.False(t, ok)
}

func TestRunningTotalsSpanEverySync(t *testing.T) {
	db := dbtest.Open(t)
	settings := testSettings()
	loader := newTestLoader(db, settings)
	ctx := context.Background()

	dated := func(r SourceRow, date string) SourceRow {
		r.OrderDate = date
		return r
	}
	_, err := loader.Merge(ctx, testScope, []SourceRow{
		dated(row("PO-1", "A1", "INK RED", "Pending"), "2024-01-10"),
		dated(row("PO-3", "B1", "INK RED", "Pending"), "2024-01-20"),
	})
	require.NoError(t, err)
	_, err = loader.Merge(ctx, testScope, []SourceRow{
		dated(row("PO-2", "A1", "INK RED", "Pending"), "2024-02-10"),
	})
	require.NoError(t, err)

	_, err = newTestBuilder(db, settings).Rebuild(ctx, testScope)
	require.NoError(t, err)

	var node models.HierarchyNode
	require.NoError(t, db.Where("scope_id = ? AND level = ? AND label = ?", testScope, models.LevelTwo, "INK RED").Take(&node).Error)
	logger := quietLogger()
	nav := hierarchy.NewNavigator(db, hierarchy.NewStore(db, settings, logger), nil, settings, logger)
	items, err := nav.ResolveItems(ctx, testScope, node.ID)
	require.NoError(t, err)
	require.Len(t, items.Items, 3)

	got := map[string]string{}
	for _, f := range items.Items {
		require.True(t, f.CumulativeQuantity.Valid, f.OrderNumber)
		require.True(t, f.CumulativeAmount.Valid, f.OrderNumber)
		got[f.OrderNumber] = f.CumulativeQuantity.Decimal.String() + "/" + f.CumulativeAmount.Decimal.String()
	}
	assert.Equal(t, "PO-2", items.Items[0].OrderNumber)
	assert.Equal(t, "4/42", got["PO-2"])
	assert.Equal(t, "2/21", got["PO-1"])
	assert.Equal(t, "2/21", got["PO-3"])
}

func TestRebuild_CancelledCallerDoesNotFailOthers(t *testing.T) {
	db := dbtest.Open(t)
	seedFacts(t, db, row("PO-1", "P1", "PLYWOOD 12MM", ""))
	settings := testSettings()
	logger := quietLogger()
	locker := NewLocalLocker(0)
	builder := NewClassificationBuilder(db, hierarchy.NewStore(db, settings, logger), locker, nil, settings, logger)

	// hold the scope so the shared rebuild waits
	release, err := locker.Lock(context.Background(), "classification:"+testScope)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := builder.Rebuild(cancelled, testScope)
		firstErr <- err
	}()
	type outcome struct {
		res RebuildResult
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := builder.Rebuild(context.Background(), testScope)
		second <- outcome{res, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	release()
	out := <-second
	require.NoError(t, out.err)
	assert.Equal(t, 1, out.res.Links)
}
