package config

import (
	"strings"

	"github.com/mmdatafocus/po_layers/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const scopeColumn = "scope_id"

// ScopeGuardPlugin adds `scope_id = <ctx scope>` to queries, updates and
// deletes on tables that carry a scope_id column when the statement context
// holds a scope and the statement does not already filter on it.
// Raw SQL is never rewritten.
type ScopeGuardPlugin struct{}

func NewScopeGuardPlugin() *ScopeGuardPlugin { return &ScopeGuardPlugin{} }

func (p *ScopeGuardPlugin) Name() string { return "scope_guard" }

func (p *ScopeGuardPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Query().Before("gorm:query").Register("scope_guard:query", scopeGuardCallback); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("scope_guard:row", scopeGuardCallback); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("scope_guard:update", scopeGuardCallback); err != nil {
		return err
	}
	return cb.Delete().Before("gorm:delete").Register("scope_guard:delete", scopeGuardCallback)
}

func scopeGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil || db.Statement.Schema == nil {
		return
	}
	scopeId, ok := appctx.ScopeId(db.Statement.Context)
	if !ok {
		return
	}
	if db.Statement.Schema.LookUpField(scopeColumn) == nil {
		return
	}
	if where, ok := db.Statement.Clauses["WHERE"].Expression.(clause.Where); ok {
		for _, e := range where.Exprs {
			if mentionsScope(e) {
				return
			}
		}
	}
	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: scopeColumn},
				Value:  scopeId,
			},
		},
	})
}

func mentionsScope(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return isScopeColumn(v.Column)
	case clause.IN:
		return isScopeColumn(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if mentionsScope(x) {
				return true
			}
		}
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if mentionsScope(x) {
				return true
			}
		}
	case clause.Expr:
		return strings.Contains(strings.ToLower(v.SQL), scopeColumn)
	case clause.NamedExpr:
		return strings.Contains(strings.ToLower(v.SQL), scopeColumn)
	}
	return false
}

func isScopeColumn(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, scopeColumn)
	case clause.Column:
		return strings.EqualFold(c.Name, scopeColumn)
	}
	return false
}
