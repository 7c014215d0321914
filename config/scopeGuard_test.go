package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mmdatafocus/po_layers/appctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

type guardedRow struct {
	ID      uint
	ScopeId string
	Name    string
}

type unguardedRow struct {
	ID   uint
	Name string
}

func TestScopeGuardPlugin(t *testing.T) {
	conn, err := OpenDatabase(sqlite.Open(filepath.Join(t.TempDir(), "guard.db")))
	require.NoError(t, err)
	require.NoError(t, conn.Use(NewScopeGuardPlugin()))
	require.NoError(t, conn.AutoMigrate(&guardedRow{}, &unguardedRow{}))

	require.NoError(t, conn.Create(&[]guardedRow{{ScopeId: "a", Name: "x"}, {ScopeId: "b", Name: "y"}}).Error)
	require.NoError(t, conn.Create(&[]unguardedRow{{Name: "x"}, {Name: "y"}}).Error)

	var rows []guardedRow
	require.NoError(t, conn.Find(&rows).Error)
	assert.Len(t, rows, 2)

	scoped := appctx.WithScopeId(context.Background(), "a")
	require.NoError(t, conn.WithContext(scoped).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "x", rows[0].Name)

	// an explicit filter wins over the context scope
	require.NoError(t, conn.WithContext(scoped).Where("scope_id = ?", "b").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "y", rows[0].Name)

	require.NoError(t, conn.WithContext(scoped).Model(&guardedRow{}).Where("1 = 1").Update("name", "z").Error)
	var other guardedRow
	require.NoError(t, conn.Where("scope_id = ?", "b").Take(&other).Error)
	assert.Equal(t, "y", other.Name)

	var plain []unguardedRow
	require.NoError(t, conn.WithContext(scoped).Find(&plain).Error)
	assert.Len(t, plain, 2)
}
