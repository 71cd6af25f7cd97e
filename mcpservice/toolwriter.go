package mcpservice

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/streamplane/mcpd/mcp"
)

// ErrFinalized reports a write attempted after Result sealed the response.
var ErrFinalized = errors.New("result already finalized")

// ToolResponseWriter lets a tool handler build its CallToolResult piece by
// piece. Safe for concurrent use within one invocation; once Result has been
// called the accumulated content is sealed and further writes fail with
// ErrFinalized. Mutations observe the request context and fail fast once it
// is done. SendProgress forwards to the ambient ProgressReporter if the
// transport installed one and is otherwise a no-op.
type ToolResponseWriter interface {
	AppendText(text string) error
	AppendBlocks(blocks ...mcp.ContentBlock) error
	SetError(isError bool)
	SetMeta(key string, v any)
	SendProgress(progress, total float64) error
	// Result seals and returns the accumulated result. Idempotent.
	Result() *mcp.CallToolResult
}

type toolResponseWriter struct {
	ctx context.Context

	mu     sync.Mutex
	sealed bool
	result mcp.CallToolResult
	meta   map[string]any
}

var _ ToolResponseWriter = (*toolResponseWriter)(nil)

func newToolResponseWriter(ctx context.Context) *toolResponseWriter {
	return &toolResponseWriter{ctx: ctx}
}

func (w *toolResponseWriter) AppendText(text string) error {
	if text == "" {
		return nil
	}
	return w.AppendBlocks(mcp.ContentBlock{Type: "text", Text: text})
}

func (w *toolResponseWriter) AppendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		return ErrFinalized
	}
	w.result.Content = append(w.result.Content, blocks...)
	return nil
}

func (w *toolResponseWriter) SetError(isError bool) {
	w.mu.Lock()
	w.result.IsError = isError
	w.mu.Unlock()
}

func (w *toolResponseWriter) SetMeta(key string, v any) {
	if key == "" {
		return
	}
	w.mu.Lock()
	if w.meta == nil {
		w.meta = make(map[string]any)
	}
	w.meta[key] = v
	w.mu.Unlock()
}

func (w *toolResponseWriter) SendProgress(progress, total float64) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if pr, ok := ProgressFrom(w.ctx); ok && pr != nil {
		return pr.Report(w.ctx, progress, total)
	}
	return nil
}

func (w *toolResponseWriter) Result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sealed = true

	// Copy out so the caller cannot mutate the sealed state.
	out := mcp.CallToolResult{
		Content: append([]mcp.ContentBlock(nil), w.result.Content...),
		IsError: w.result.IsError,
	}
	if len(w.meta) > 0 {
		out.Meta = maps.Clone(w.meta)
	}
	return &out
}
