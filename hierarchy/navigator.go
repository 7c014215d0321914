package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrNodeNotFound = errors.New("hierarchy node not found")

type PathResult struct {
	ParentName *string       `json:"parent_name"`
	Nodes      []NodeSummary `json:"nodes"`
}

type ItemsResult struct {
	NodeId   uint                `json:"node_id"`
	NodeName string              `json:"node_name"`
	Level    int                 `json:"level"`
	Items    []*models.OrderFact `json:"items"`
}

// Summary is the per-scope dashboard.
type Summary struct {
	TotalFacts        int64           `json:"total_pos"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	Level1Count       int64           `json:"level1_count"`
	Level2Count       int64           `json:"level2_count"`
	PendingCount      int64           `json:"pending_count"`
	CompletedCount    int64           `json:"completed_count"`
	ClosedCount       int64           `json:"closed_count"`
	CheckedCount      int64           `json:"checked_count"`
	UnclassifiedCount int64           `json:"unclassified_count"`
}

// Navigator answers read queries over the hierarchy.
type Navigator struct {
	db       *gorm.DB
	store    *Store
	cache    *Cache
	settings config.Settings
	logger   *logrus.Logger
}

func NewNavigator(db *gorm.DB, store *Store, cache *Cache, settings config.Settings, logger *logrus.Logger) *Navigator {
	return &Navigator{db: db, store: store, cache: cache, settings: settings, logger: logger}
}

// ResolvePath lists the nodes addressed by slug. When the slug names a parent
// the result carries its label, or a nil name if the parent does not exist.
func (n *Navigator) ResolvePath(ctx context.Context, scopeId string, slug string) (*PathResult, error) {
	query, err := ParseSlug(slug)
	if err != nil {
		return nil, err
	}

	cacheName := "path:" + query.String()
	var cached PathResult
	if n.cache.Get(ctx, scopeId, cacheName, &cached) {
		return &cached, nil
	}

	result := &PathResult{Nodes: []NodeSummary{}}
	if query.ParentId != nil {
		result.ParentName, err = n.store.ResolveNodeName(ctx, scopeId, *query.ParentId)
		if err != nil {
			return nil, err
		}
	}
	if query.Level > 0 {
		result.Nodes, err = n.store.ResolveChildren(ctx, scopeId, query.Level, query.ParentId)
		if err != nil {
			return nil, err
		}
	}

	if err := n.cache.Set(ctx, scopeId, cacheName, result); err != nil {
		n.logger.WithFields(logrus.Fields{"scope_id": scopeId, "path": cacheName}).Warn(err)
	}
	return result, nil
}

// ResolveItems returns the most recent facts linked to a node. For a level-1
// node the facts of all its children are returned.
func (n *Navigator) ResolveItems(ctx context.Context, scopeId string, nodeId uint) (*ItemsResult, error) {
	node, err := n.store.GetNode(ctx, scopeId, nodeId)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("%w: id=%d", ErrNodeNotFound, nodeId)
	}

	db := n.db.WithContext(ctx)
	query := db.Model(&models.OrderFact{}).
		Select("order_facts.*, r.running_quantity AS cumulative_quantity, r.running_amount AS cumulative_amount").
		Joins("JOIN classification_links l ON l.order_fact_id = order_facts.id AND l.scope_id = order_facts.scope_id").
		Joins("JOIN (?) AS r ON r.id = order_facts.id", runningTotals(db, scopeId)).
		Where("order_facts.scope_id = ?", scopeId)
	if node.Level == models.LevelTwo {
		query = query.Where("l.node_id = ?", node.ID)
	} else {
		children := db.Model(&models.HierarchyNode{}).Select("id").Where("scope_id = ? AND parent_id = ?", scopeId, node.ID)
		query = query.Where("l.node_id IN (?)", children)
	}

	items := []*models.OrderFact{}
	err = query.Order("order_facts.order_date DESC").
		Order("order_facts.id DESC").
		Limit(n.settings.ItemsLimit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("resolve items: %w", err)
	}

	return &ItemsResult{
		NodeId:   node.ID,
		NodeName: node.Label,
		Level:    node.Level,
		Items:    items,
	}, nil
}

// runningTotals sums quantity and amount per item code over every fact of
// the scope, by order date then id.
func runningTotals(db *gorm.DB, scopeId string) *gorm.DB {
	const window = "OVER (PARTITION BY item_code ORDER BY order_date ASC, id ASC)"
	return db.Model(&models.OrderFact{}).
		Select("id, SUM(quantity) "+window+" AS running_quantity, SUM(total_amount) "+window+" AS running_amount").
		Where("scope_id = ?", scopeId)
}

func (n *Navigator) Summary(ctx context.Context, scopeId string) (*Summary, error) {
	db := n.db.WithContext(ctx)

	var agg struct {
		TotalFacts     int64
		TotalAmount    decimal.NullDecimal
		PendingCount   int64
		CompletedCount int64
		ClosedCount    int64
		CheckedCount   int64
	}
	err := db.Model(&models.OrderFact{}).
		Select(`COUNT(*) AS total_facts,
			COALESCE(SUM(total_amount), 0) AS total_amount,
			COALESCE(SUM(CASE WHEN LOWER(status) = 'pending' THEN 1 ELSE 0 END), 0) AS pending_count,
			COALESCE(SUM(CASE WHEN LOWER(status) = 'completed' THEN 1 ELSE 0 END), 0) AS completed_count,
			COALESCE(SUM(CASE WHEN LOWER(status) = ? THEN 1 ELSE 0 END), 0) AS closed_count,
			COALESCE(SUM(CASE WHEN checked THEN 1 ELSE 0 END), 0) AS checked_count`,
			strings.ToLower(n.settings.TerminalStatus)).
		Where("scope_id = ?", scopeId).
		Scan(&agg).Error
	if err != nil {
		return nil, fmt.Errorf("summarize facts: %w", err)
	}

	summary := &Summary{
		TotalFacts:     agg.TotalFacts,
		TotalAmount:    agg.TotalAmount.Decimal,
		PendingCount:   agg.PendingCount,
		CompletedCount: agg.CompletedCount,
		ClosedCount:    agg.ClosedCount,
		CheckedCount:   agg.CheckedCount,
	}

	if err := db.Model(&models.HierarchyNode{}).Where("scope_id = ? AND level = ?", scopeId, models.LevelOne).Count(&summary.Level1Count).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.HierarchyNode{}).Where("scope_id = ? AND level = ?", scopeId, models.LevelTwo).Count(&summary.Level2Count).Error; err != nil {
		return nil, err
	}

	var linked int64
	if err := db.Model(&models.ClassificationLink{}).Where("scope_id = ?", scopeId).Count(&linked).Error; err != nil {
		return nil, err
	}
	summary.UnclassifiedCount = summary.TotalFacts - linked
	return summary, nil
}
