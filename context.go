package medallion

import (
	"context"
	"time"
)

// contextKey scopes values the pipeline stores on a run context.
type contextKey string

const (
	runStartedKey contextKey = "runStarted"
)

func withRunStarted(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, runStartedKey, t)
}

func runStartedFrom(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(runStartedKey).(time.Time)
	return t, ok
}
