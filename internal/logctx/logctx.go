// Package logctx threads diagnostic attributes through the context so every
// log record emitted below a given point carries the same correlation data.
// The transport attaches request and session descriptors as a call descends;
// Handler folds whatever is present into each record.
package logctx

import (
	"context"
	"log/slog"

	"github.com/streamplane/mcpd/sessions"
)

type ctxKey int

const (
	keyRequest ctxKey = iota
	keySession
	keyRPC
	keyToolCall
)

// RequestData describes the HTTP request a record belongs to.
type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

// SessionData describes the resolved session a record belongs to.
type SessionData struct {
	SessionID       string
	UserID          string
	ProtocolVersion string
	State           sessions.State
}

// RPCMessage describes the JSON-RPC message currently being processed.
type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

// ToolCallData names the tool a record was emitted from.
type ToolCallData struct {
	ToolName string
}

func WithRequestData(ctx context.Context, d *RequestData) context.Context {
	return context.WithValue(ctx, keyRequest, d)
}

func WithSessionData(ctx context.Context, d *SessionData) context.Context {
	return context.WithValue(ctx, keySession, d)
}

func WithRPCMessage(ctx context.Context, m *RPCMessage) context.Context {
	return context.WithValue(ctx, keyRPC, m)
}

func WithToolCallData(ctx context.Context, d *ToolCallData) context.Context {
	return context.WithValue(ctx, keyToolCall, d)
}

// Handler wraps another slog.Handler and appends the context-carried groups
// to every record before delegating.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, rec slog.Record) error {
	if d, ok := ctx.Value(keyRequest).(*RequestData); ok && d != nil {
		rec.AddAttrs(slog.Group("req", presentAttrs(
			slog.String("id", d.RequestID),
			slog.String("method", d.Method),
			slog.String("user_agent", d.UserAgent),
			slog.String("remote_addr", d.RemoteAddr),
			slog.String("path", d.Path),
		)...))
	}
	if d, ok := ctx.Value(keySession).(*SessionData); ok && d != nil {
		rec.AddAttrs(slog.Group("sess", presentAttrs(
			slog.String("id", d.SessionID),
			slog.String("user_id", d.UserID),
			slog.String("protocol_version", d.ProtocolVersion),
			slog.String("state", string(d.State)),
		)...))
	}
	if m, ok := ctx.Value(keyRPC).(*RPCMessage); ok && m != nil {
		rec.AddAttrs(slog.Group("rpc", presentAttrs(
			slog.String("method", m.Method),
			slog.String("id", m.ID),
			slog.String("type", m.Type),
		)...))
	}
	if d, ok := ctx.Value(keyToolCall).(*ToolCallData); ok && d != nil {
		rec.AddAttrs(slog.Group("tool", slog.String("name", d.ToolName)))
	}
	return h.Handler.Handle(ctx, rec)
}

// presentAttrs drops string attrs with empty values so sparse descriptors do
// not pad every record with blanks.
func presentAttrs(attrs ...slog.Attr) []any {
	out := make([]any, 0, len(attrs))
	for _, a := range attrs {
		if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}
