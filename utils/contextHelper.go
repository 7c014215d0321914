package utils

import (
	"context"

	"github.com/mmdatafocus/po_layers/appctx"
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.CorrelationId(ctx)
}

func GetJobRunIdFromContext(ctx context.Context) (uint, bool) {
	return appctx.JobRunId(ctx)
}

func SetScopeIdInContext(ctx context.Context, scopeId string) context.Context {
	return appctx.WithScopeId(ctx, scopeId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.WithCorrelationId(ctx, correlationId)
}

func SetJobRunIdInContext(ctx context.Context, runId uint) context.Context {
	return appctx.WithJobRunId(ctx, runId)
}
