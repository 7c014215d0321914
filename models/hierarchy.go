package models

import "time"

const (
	LevelOne = 1
	LevelTwo = 2
)

// HierarchyNode is a category folder. Level-2 nodes point at their level-1
// parent; level-1 nodes have no parent.
type HierarchyNode struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	ScopeId   string    `gorm:"uniqueIndex:idx_hierarchy_node_label,priority:1;size:64;not null" json:"scope_id"`
	Level     int       `gorm:"uniqueIndex:idx_hierarchy_node_label,priority:2;not null" json:"level"`
	Label     string    `gorm:"uniqueIndex:idx_hierarchy_node_label,priority:3;size:512;not null" json:"label"`
	ParentId  *uint     `gorm:"index" json:"parent_id"`
	Origin    string    `gorm:"size:32;index;not null" json:"origin"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ClassificationLink ties one fact to the level-2 node it was classified under.
type ClassificationLink struct {
	ScopeId     string `gorm:"primaryKey;size:64" json:"scope_id"`
	OrderFactId uint   `gorm:"primaryKey;autoIncrement:false" json:"order_fact_id"`
	NodeId      uint   `gorm:"index;not null" json:"node_id"`
	Label       string `gorm:"size:512;not null" json:"label"`
	Description string `gorm:"type:text" json:"description"`
	Origin      string `gorm:"size:32;not null" json:"origin"`
}
