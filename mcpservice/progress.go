package mcpservice

import "context"

// ProgressReporter forwards progress updates for the request in flight. The
// transport installs one on the context before dispatch; handlers retrieve it
// through their ToolResponseWriter (or ProgressFrom directly) and never care
// how the notification reaches the client.
type ProgressReporter interface {
	// Report emits one update. Values are forwarded as-is; total may be zero
	// when the overall amount of work is unknown.
	Report(ctx context.Context, progress, total float64) error
}

type progressReporterKey struct{}

// WithProgressReporter attaches pr to the context. A nil reporter leaves the
// context untouched.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	if pr == nil {
		return ctx
	}
	return context.WithValue(ctx, progressReporterKey{}, pr)
}

// ProgressFrom returns the reporter installed by the transport, if any.
func ProgressFrom(ctx context.Context) (ProgressReporter, bool) {
	pr, ok := ctx.Value(progressReporterKey{}).(ProgressReporter)
	return pr, ok && pr != nil
}
