package hierarchy

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/models"
	"github.com/mmdatafocus/po_layers/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrParentRequired = errors.New("level-2 lookup requires a parent node id")
	ErrInvalidLevel   = errors.New("level must be 1 or 2")
)

// NodeSummary is a hierarchy node with its aggregated counts.
type NodeSummary struct {
	ID           uint   `json:"id"`
	Label        string `json:"name"`
	Level        int    `json:"level"`
	ParentId     *uint  `json:"parent_id"`
	ItemCount    int64  `json:"item_count"`
	TotalPoCount int64  `json:"total_po_count"`
}

// Store persists hierarchy nodes and classification links. Rebuild methods
// only touch rows whose origin matches the configured pipeline origin.
type Store struct {
	db     *gorm.DB
	origin string
	logger *logrus.Logger
}

func NewStore(db *gorm.DB, settings config.Settings, logger *logrus.Logger) *Store {
	return &Store{db: db, origin: settings.NodeOrigin, logger: logger}
}

// WithTx returns a copy of the store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Store) Origin() string {
	return s.origin
}

// Reset removes every pipeline-owned link and node of the scope.
func (s *Store) Reset(ctx context.Context, scopeId string) error {
	if err := s.DeleteLinks(ctx, scopeId); err != nil {
		return err
	}
	db := s.db.WithContext(ctx)
	for _, level := range []int{models.LevelTwo, models.LevelOne} {
		err := db.Where("scope_id = ? AND level = ? AND origin = ?", scopeId, level, s.origin).
			Delete(&models.HierarchyNode{}).Error
		if err != nil {
			return fmt.Errorf("delete level %d nodes: %w", level, err)
		}
	}
	return nil
}

func (s *Store) DeleteLinks(ctx context.Context, scopeId string) error {
	err := s.db.WithContext(ctx).
		Where("scope_id = ? AND origin = ?", scopeId, s.origin).
		Delete(&models.ClassificationLink{}).Error
	if err != nil {
		return fmt.Errorf("delete links: %w", err)
	}
	return nil
}

// RebuildLevel1 makes the scope's level-1 nodes exactly the given labels and
// returns label -> node id. Surviving labels keep their ids.
func (s *Store) RebuildLevel1(ctx context.Context, scopeId string, labels []string) (map[string]uint, error) {
	db := s.db.WithContext(ctx)

	existing, err := s.nodesByLabel(ctx, scopeId, models.LevelOne)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(labels))
	for _, label := range labels {
		wanted[label] = true
	}

	var stale []uint
	for label, node := range existing {
		if !wanted[label] {
			stale = append(stale, node.ID)
		}
	}
	if len(stale) > 0 {
		if err := db.Where("id IN ?", stale).Delete(&models.HierarchyNode{}).Error; err != nil {
			return nil, fmt.Errorf("delete stale level-1 nodes: %w", err)
		}
	}

	ids := make(map[string]uint, len(wanted))
	var fresh []*models.HierarchyNode
	for _, label := range utils.SortedKeys(wanted) {
		if node, ok := existing[label]; ok {
			ids[label] = node.ID
			continue
		}
		fresh = append(fresh, &models.HierarchyNode{
			ScopeId: scopeId,
			Level:   models.LevelOne,
			Label:   label,
			Origin:  s.origin,
		})
	}
	if len(fresh) > 0 {
		if err := db.CreateInBatches(fresh, 500).Error; err != nil {
			if utils.IsDuplicateKeyError(err) {
				return nil, fmt.Errorf("level-1 label already owned by another origin: %w", err)
			}
			return nil, fmt.Errorf("insert level-1 nodes: %w", err)
		}
		for _, node := range fresh {
			ids[node.Label] = node.ID
		}
	}
	return ids, nil
}

// RebuildLevel2 makes the scope's level-2 nodes exactly the children listed
// in groups (level-1 label -> level-2 labels) and returns label -> node id.
// A group whose level-1 node cannot be found is logged and skipped. A level-2
// label listed under several level-1 labels stays with the first one in label
// order.
func (s *Store) RebuildLevel2(ctx context.Context, scopeId string, groups map[string][]string) (map[string]uint, error) {
	db := s.db.WithContext(ctx)

	parents, err := s.nodesByLabel(ctx, scopeId, models.LevelOne)
	if err != nil {
		return nil, err
	}

	wanted := map[string]uint{}
	for _, parentLabel := range utils.SortedKeys(groups) {
		parent, ok := parents[parentLabel]
		if !ok {
			s.logger.WithFields(logrus.Fields{
				"scope_id":     scopeId,
				"parent_label": parentLabel,
				"children":     len(groups[parentLabel]),
			}).Warn("level-1 node not found; skipping level-2 group")
			continue
		}
		for _, label := range groups[parentLabel] {
			if owner, taken := wanted[label]; taken && owner != parent.ID {
				s.logger.WithFields(logrus.Fields{
					"scope_id":     scopeId,
					"label":        label,
					"parent_label": parentLabel,
				}).Warn("level-2 label already placed under another level-1 node")
				continue
			}
			wanted[label] = parent.ID
		}
	}

	existing, err := s.nodesByLabel(ctx, scopeId, models.LevelTwo)
	if err != nil {
		return nil, err
	}

	var stale []uint
	ids := make(map[string]uint, len(wanted))
	for label, node := range existing {
		parentId, ok := wanted[label]
		if !ok {
			stale = append(stale, node.ID)
			continue
		}
		ids[label] = node.ID
		if node.ParentId == nil || *node.ParentId != parentId {
			if err := db.Model(&models.HierarchyNode{}).Where("id = ?", node.ID).Update("parent_id", parentId).Error; err != nil {
				return nil, fmt.Errorf("move level-2 node %d: %w", node.ID, err)
			}
		}
	}
	if len(stale) > 0 {
		if err := db.Where("id IN ?", stale).Delete(&models.HierarchyNode{}).Error; err != nil {
			return nil, fmt.Errorf("delete stale level-2 nodes: %w", err)
		}
	}

	var fresh []*models.HierarchyNode
	for _, label := range utils.SortedKeys(wanted) {
		if _, ok := existing[label]; ok {
			continue
		}
		parentId := wanted[label]
		fresh = append(fresh, &models.HierarchyNode{
			ScopeId:  scopeId,
			Level:    models.LevelTwo,
			Label:    label,
			ParentId: &parentId,
			Origin:   s.origin,
		})
	}
	if len(fresh) > 0 {
		if err := db.CreateInBatches(fresh, 500).Error; err != nil {
			return nil, fmt.Errorf("insert level-2 nodes: %w", err)
		}
		for _, node := range fresh {
			ids[node.Label] = node.ID
		}
	}
	return ids, nil
}

func (s *Store) InsertLinks(ctx context.Context, links []models.ClassificationLink, batchSize int) error {
	if len(links) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if err := s.db.WithContext(ctx).CreateInBatches(links, batchSize).Error; err != nil {
		return fmt.Errorf("insert links: %w", err)
	}
	return nil
}

// ResolveChildren lists level-1 nodes (parentId nil) or the level-2 children
// of parentId, ordered by label, with their counts. A level-1 item count only
// includes pipeline-owned children.
func (s *Store) ResolveChildren(ctx context.Context, scopeId string, level int, parentId *uint) ([]NodeSummary, error) {
	db := s.db.WithContext(ctx)
	out := []NodeSummary{}

	switch level {
	case models.LevelOne:
		err := db.Table("hierarchy_nodes AS n").
			Select(`n.id, n.label, n.level, n.parent_id,
				(SELECT COUNT(*) FROM hierarchy_nodes c
					WHERE c.scope_id = n.scope_id AND c.level = ? AND c.parent_id = n.id AND c.origin = ?) AS item_count,
				(SELECT COUNT(DISTINCT l.order_fact_id) FROM classification_links l
					JOIN hierarchy_nodes c ON c.id = l.node_id
					WHERE l.scope_id = n.scope_id AND c.parent_id = n.id) AS total_po_count`, models.LevelTwo, s.Origin()).
			Where("n.scope_id = ? AND n.level = ?", scopeId, models.LevelOne).
			Order("n.label ASC").
			Scan(&out).Error
		if err != nil {
			return nil, fmt.Errorf("resolve level-1 nodes: %w", err)
		}
	case models.LevelTwo:
		if parentId == nil {
			return nil, ErrParentRequired
		}
		err := db.Table("hierarchy_nodes AS n").
			Select(`n.id, n.label, n.level, n.parent_id,
				(SELECT COUNT(DISTINCT l.order_fact_id) FROM classification_links l
					WHERE l.scope_id = n.scope_id AND l.node_id = n.id) AS item_count`).
			Where("n.scope_id = ? AND n.level = ? AND n.parent_id = ?", scopeId, models.LevelTwo, *parentId).
			Order("n.label ASC").
			Scan(&out).Error
		if err != nil {
			return nil, fmt.Errorf("resolve level-2 nodes: %w", err)
		}
		for i := range out {
			out[i].TotalPoCount = out[i].ItemCount
		}
	default:
		return nil, ErrInvalidLevel
	}
	return out, nil
}

// ResolveNodeName returns the node's label, or nil when the node does not exist.
func (s *Store) ResolveNodeName(ctx context.Context, scopeId string, id uint) (*string, error) {
	node, err := s.GetNode(ctx, scopeId, id)
	if err != nil || node == nil {
		return nil, err
	}
	return &node.Label, nil
}

// GetNode returns nil, nil when the node does not exist.
func (s *Store) GetNode(ctx context.Context, scopeId string, id uint) (*models.HierarchyNode, error) {
	var node models.HierarchyNode
	err := s.db.WithContext(ctx).Where("scope_id = ? AND id = ?", scopeId, id).Take(&node).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &node, nil
}

func (s *Store) nodesByLabel(ctx context.Context, scopeId string, level int) (map[string]*models.HierarchyNode, error) {
	var nodes []*models.HierarchyNode
	err := s.db.WithContext(ctx).
		Where("scope_id = ? AND level = ? AND origin = ?", scopeId, level, s.origin).
		Find(&nodes).Error
	if err != nil {
		return nil, fmt.Errorf("load level-%d nodes: %w", level, err)
	}
	out := make(map[string]*models.HierarchyNode, len(nodes))
	for _, n := range nodes {
		out[n.Label] = n
	}
	return out, nil
}
