// Package appctx holds the request-scoped values shared by config and utils.
// It sits below both so neither has to import the other.
package appctx

import "context"

type key int

const (
	scopeIdKey key = iota
	correlationIdKey
	jobRunIdKey
)

func WithScopeId(ctx context.Context, scopeId string) context.Context {
	return context.WithValue(ctx, scopeIdKey, scopeId)
}

func ScopeId(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(scopeIdKey).(string)
	return v, ok && v != ""
}

func WithCorrelationId(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIdKey, id)
}

func CorrelationId(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(correlationIdKey).(string)
	return v, ok && v != ""
}

// WithJobRunId marks ctx as belonging to a background job run.
func WithJobRunId(ctx context.Context, runId uint) context.Context {
	return context.WithValue(ctx, jobRunIdKey, runId)
}

func JobRunId(ctx context.Context) (uint, bool) {
	v, ok := ctx.Value(jobRunIdKey).(uint)
	return v, ok && v != 0
}
