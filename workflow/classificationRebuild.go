package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/po_layers/classifier"
	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/hierarchy"
	"github.com/mmdatafocus/po_layers/models"
	"github.com/mmdatafocus/po_layers/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

type RebuildResult struct {
	Level1Count  int           `json:"level1_count"`
	Level2Count  int           `json:"level2_count"`
	Links        int           `json:"links"`
	Gaps         int           `json:"gaps"`
	SkippedEmpty int           `json:"skipped_empty"`
	Duration     time.Duration `json:"duration"`
}

// Level2Group is one level-2 label and the facts classified under it.
type Level2Group struct {
	Label   string
	FactIds []uint
}

// Level1Group is one level-1 label with its children in label order.
type Level1Group struct {
	Label    string
	Children []Level2Group
}

type classifiableFact struct {
	ID              uint
	ItemCode        string
	ItemDescription string
}

// ClassificationBuilder regenerates a scope's two-level hierarchy and its
// links from the stored facts.
type ClassificationBuilder struct {
	db       *gorm.DB
	store    *hierarchy.Store
	locker   ScopeLocker
	cache    *hierarchy.Cache
	settings config.Settings
	logger   *logrus.Logger
	group    singleflight.Group
}

func NewClassificationBuilder(db *gorm.DB, store *hierarchy.Store, locker ScopeLocker, cache *hierarchy.Cache, settings config.Settings, logger *logrus.Logger) *ClassificationBuilder {
	return &ClassificationBuilder{
		db:       db,
		store:    store,
		locker:   locker,
		cache:    cache,
		settings: settings,
		logger:   logger,
	}
}

// Rebuild replaces the scope's pipeline-owned nodes and links in a single
// transaction. Calls for the same scope in this process join a rebuild that
// has not yet read the facts; across processes the scope lock serializes
// them. The shared rebuild outlives a caller whose ctx is cancelled.
func (b *ClassificationBuilder) Rebuild(ctx context.Context, scopeId string) (RebuildResult, error) {
	if strings.TrimSpace(scopeId) == "" {
		return RebuildResult{}, utils.ErrorScopeRequired
	}
	ch := b.group.DoChan(scopeId, func() (interface{}, error) {
		return b.rebuild(context.WithoutCancel(ctx), scopeId, func() { b.group.Forget(scopeId) })
	})
	select {
	case <-ctx.Done():
		return RebuildResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return RebuildResult{}, res.Err
		}
		return res.Val.(RebuildResult), nil
	}
}

func (b *ClassificationBuilder) rebuild(ctx context.Context, scopeId string, factsLoaded func()) (result RebuildResult, err error) {
	ctx, span := tracer.Start(ctx, "workflow.ClassificationBuilder.Rebuild", trace.WithAttributes(
		attribute.String("scope_id", scopeId),
	))
	defer func() { endSpan(span, err) }()

	release, err := b.locker.Lock(ctx, "classification:"+scopeId)
	if err != nil {
		return RebuildResult{}, err
	}
	defer release()

	start := time.Now()
	var gapIds []uint

	err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := b.store.WithTx(tx)

		if b.settings.PreserveNodeIds {
			if err := store.DeleteLinks(ctx, scopeId); err != nil {
				return err
			}
		} else if err := store.Reset(ctx, scopeId); err != nil {
			return err
		}

		var facts []classifiableFact
		err := tx.Model(&models.OrderFact{}).
			Select("id, item_code, item_description").
			Where("scope_id = ?", scopeId).
			Order("id ASC").
			Scan(&facts).Error
		if err != nil {
			return fmt.Errorf("load facts: %w", err)
		}
		factsLoaded()

		groups, labelOf, skipped := groupFacts(facts)
		result.SkippedEmpty = skipped

		l1Labels := make([]string, 0, len(groups))
		children := make(map[string][]string, len(groups))
		for _, g := range groups {
			l1Labels = append(l1Labels, g.Label)
			for _, c := range g.Children {
				children[g.Label] = append(children[g.Label], c.Label)
			}
		}

		l1Ids, err := store.RebuildLevel1(ctx, scopeId, l1Labels)
		if err != nil {
			return err
		}
		l2Ids, err := store.RebuildLevel2(ctx, scopeId, children)
		if err != nil {
			return err
		}
		result.Level1Count = len(l1Ids)
		result.Level2Count = len(l2Ids)

		links := make([]models.ClassificationLink, 0, len(facts))
		for _, fact := range facts {
			label, ok := labelOf[fact.ID]
			if !ok {
				continue
			}
			nodeId, ok := l2Ids[label.Level2]
			if !ok {
				gapIds = append(gapIds, fact.ID)
				continue
			}
			links = append(links, models.ClassificationLink{
				ScopeId:     scopeId,
				OrderFactId: fact.ID,
				NodeId:      nodeId,
				Label:       label.Level2,
				Description: describe(fact),
				Origin:      store.Origin(),
			})
		}
		if err := store.InsertLinks(ctx, links, b.settings.LinkBatchSize); err != nil {
			return err
		}
		result.Links = len(links)
		return nil
	})
	if err != nil {
		config.LogError(b.logger, "workflow", "ClassificationBuilder.Rebuild", "Rebuild rolled back", scopeId, err)
		return RebuildResult{}, err
	}

	result.Gaps = len(gapIds)
	if result.Gaps > 0 {
		config.ClassificationGaps.Add(float64(result.Gaps))
		b.logger.WithFields(logrus.Fields{
			"scope_id": scopeId,
			"gaps":     result.Gaps,
			"fact_ids": gapIds,
		}).Warn("facts left without a level-2 node")
	}

	if err := b.cache.Invalidate(ctx, scopeId); err != nil {
		b.logger.WithFields(logrus.Fields{"scope_id": scopeId}).Warn("hierarchy cache invalidation failed: ", err)
	}

	result.Duration = time.Since(start)
	config.RebuildDuration.Observe(result.Duration.Seconds())
	b.logger.WithFields(logrus.Fields{
		"scope_id":      scopeId,
		"level1_count":  result.Level1Count,
		"level2_count":  result.Level2Count,
		"links":         result.Links,
		"gaps":          result.Gaps,
		"skipped_empty": result.SkippedEmpty,
		"duration_ms":   result.Duration.Milliseconds(),
	}).Info("classification rebuild finished")
	return result, nil
}

// groupFacts classifies facts into level-1 groups sorted by label, each with
// its level-2 children sorted by label. Facts whose text is blank are counted
// and left out.
func groupFacts(facts []classifiableFact) ([]Level1Group, map[uint]classifier.Result, int) {
	labelOf := make(map[uint]classifier.Result, len(facts))
	tree := map[string]map[string][]uint{}
	skipped := 0

	for _, fact := range facts {
		text := describe(fact)
		if text == "" {
			skipped++
			continue
		}
		res := classifier.Classify(text)
		labelOf[fact.ID] = res
		if tree[res.Level1] == nil {
			tree[res.Level1] = map[string][]uint{}
		}
		tree[res.Level1][res.Level2] = append(tree[res.Level1][res.Level2], fact.ID)
	}

	groups := make([]Level1Group, 0, len(tree))
	for _, l1 := range utils.SortedKeys(tree) {
		g := Level1Group{Label: l1}
		for _, l2 := range utils.SortedKeys(tree[l1]) {
			g.Children = append(g.Children, Level2Group{Label: l2, FactIds: tree[l1][l2]})
		}
		groups = append(groups, g)
	}
	return groups, labelOf, skipped
}

func describe(f classifiableFact) string {
	if d := strings.TrimSpace(f.ItemDescription); d != "" {
		return d
	}
	return strings.TrimSpace(f.ItemCode)
}
