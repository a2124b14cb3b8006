// Package runcontext threads the pipeline run identity through contexts so
// log lines and metrics can be correlated per source run.
package runcontext

import "context"

type runKey struct{}

// Run identifies a single pipeline run for one source.
type Run struct {
	RunID  string
	Source string
}

// WithRun returns a context carrying the run identity.
func WithRun(ctx context.Context, runID, source string) context.Context {
	return context.WithValue(ctx, runKey{}, Run{RunID: runID, Source: source})
}

// FromContext returns the run identity, if any.
func FromContext(ctx context.Context) (Run, bool) {
	if ctx == nil {
		return Run{}, false
	}
	run, ok := ctx.Value(runKey{}).(Run)
	return run, ok
}
