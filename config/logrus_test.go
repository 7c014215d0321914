package config

import (
	"context"
	"testing"

	"github.com/mmdatafocus/po_layers/appctx"
	"github.com/stretchr/testify/assert"
)

func TestContextFields(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))

	ctx := appctx.WithScopeId(context.Background(), "scope-a")
	ctx = appctx.WithCorrelationId(ctx, "cid-1")
	ctx = appctx.WithJobRunId(ctx, 7)
	fields := ContextFields(ctx)
	assert.Equal(t, "scope-a", fields["scope_id"])
	assert.Equal(t, "cid-1", fields["correlation_id"])
	assert.Equal(t, uint(7), fields["run_id"])

	assert.Empty(t, ContextFields(appctx.WithJobRunId(context.Background(), 0)))
}
