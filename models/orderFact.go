package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderFact is one purchase order line as last seen in the upstream source.
// (ScopeId, OrderNumber) is the business key. The cumulative fields are
// per-item running totals filled in when items are read; they have no column.
type OrderFact struct {
	ID                 uint                `gorm:"primary_key" json:"id"`
	ScopeId            string              `gorm:"uniqueIndex:idx_order_fact_key,priority:1;size:64;not null" json:"scope_id"`
	OrderNumber        string              `gorm:"uniqueIndex:idx_order_fact_key,priority:2;size:128;not null" json:"order_number"`
	OrderDate          *time.Time          `gorm:"index" json:"order_date"`
	ItemCode           string              `gorm:"index;size:128" json:"item_code"`
	ItemDescription    string              `gorm:"type:text" json:"item_description"`
	Quantity           decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"quantity"`
	Unit               string              `gorm:"size:32" json:"unit"`
	UnitPrice          decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"unit_price"`
	Currency           string              `gorm:"size:16" json:"currency"`
	TotalAmount        decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"total_amount"`
	SupplierName       string              `gorm:"size:255" json:"supplier_name"`
	RequisitionNumber  string              `gorm:"size:128" json:"requisition_number"`
	RequisitionDate    *time.Time          `json:"requisition_date"`
	RequisitionRefA    string              `gorm:"size:255" json:"requisition_ref_a"`
	RequisitionRefB    string              `gorm:"size:255" json:"requisition_ref_b"`
	PaymentTerm        string              `gorm:"size:128" json:"payment_term"`
	ReceivedDate       *time.Time          `json:"received_date"`
	Status             string              `gorm:"size:64;index" json:"status"`
	CumulativeQuantity decimal.NullDecimal `gorm:"->;-:migration" json:"cumulative_quantity"`
	CumulativeAmount   decimal.NullDecimal `gorm:"->;-:migration" json:"cumulative_amount"`
	Checked            bool                `gorm:"not null;default:false" json:"checked"`
	Note               string              `gorm:"type:text" json:"note"`
	LastJobRunId       *uint               `json:"last_job_run_id"`
	CreatedAt          time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// SourceColumns lists the columns a merge may overwrite. Checked and Note are
// owned by users and never appear here.
var SourceColumns = []string{
	"order_date", "item_code", "item_description", "quantity", "unit", "unit_price",
	"currency", "total_amount", "supplier_name", "requisition_number", "requisition_date",
	"requisition_ref_a", "requisition_ref_b", "payment_term", "received_date", "status",
	"last_job_run_id",
}

// Description is the text the classifier works on: the item description, or
// the item code when the description is blank.
func (f *OrderFact) Description() string {
	if d := strings.TrimSpace(f.ItemDescription); d != "" {
		return d
	}
	return strings.TrimSpace(f.ItemCode)
}

type FactAnnotationInput struct {
	Checked *bool   `json:"checked"`
	Note    *string `json:"note" binding:"omitempty,max=2000"`
}

type OrderFactFilter struct {
	Search string
	Status string
	Limit  int
	Offset int
}

func GetOrderFact(ctx context.Context, scopeId string, id uint) (*OrderFact, error) {
	db := config.GetDB()
	var fact OrderFact
	err := db.WithContext(ctx).Where("scope_id = ? AND id = ?", scopeId, id).Take(&fact).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &fact, nil
}

// ListOrderFacts pages through a scope's facts, most recent order first.
func ListOrderFacts(ctx context.Context, scopeId string, filter OrderFactFilter) ([]*OrderFact, int64, error) {
	db := config.GetDB().WithContext(ctx)

	query := db.Model(&OrderFact{}).Where("scope_id = ?", scopeId)
	if s := strings.TrimSpace(filter.Search); s != "" {
		like := "%" + s + "%"
		query = query.Where("order_number LIKE ? OR item_code LIKE ? OR item_description LIKE ? OR supplier_name LIKE ?", like, like, like, like)
	}
	if s := strings.TrimSpace(filter.Status); s != "" {
		query = query.Where("status = ?", s)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var facts []*OrderFact
	err := query.Order("order_date DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&facts).Error
	if err != nil {
		return nil, 0, err
	}
	return facts, total, nil
}

// UpdateFactAnnotations edits the user-owned fields of a fact. A closed fact
// can still be annotated; only merges treat it as immutable.
func UpdateFactAnnotations(ctx context.Context, scopeId string, id uint, input FactAnnotationInput) (*OrderFact, error) {
	fact, err := GetOrderFact(ctx, scopeId, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if input.Checked != nil {
		updates["checked"] = *input.Checked
	}
	if input.Note != nil {
		updates["note"] = *input.Note
	}
	if len(updates) == 0 {
		return fact, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(fact).Updates(updates).Error; err != nil {
		return nil, err
	}
	return GetOrderFact(ctx, scopeId, id)
}
