package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/streamplane/mcpd/internal/jsonrpc"
	"github.com/streamplane/mcpd/internal/logctx"
	"github.com/streamplane/mcpd/internal/sessioncore"
	"github.com/streamplane/mcpd/mcp"
	"github.com/streamplane/mcpd/mcpservice"
)

// handlerFunc is one dispatch table entry target.
type handlerFunc func(ctx context.Context, sess *sessioncore.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error)

// buildDispatch constructs the method dispatch table. Lookup is a plain map
// hit; lifecycle admissibility and session checks happen in handleRequest
// before the table is consulted. initialize and the notification methods are
// deliberately absent: they are routed explicitly because they mutate the
// session lifecycle rather than serve feature traffic.
func (e *Engine) buildDispatch() map[string]handlerFunc {
	return map[string]handlerFunc{
		string(mcp.PingMethod):                   e.handlePing,
		string(mcp.ToolsListMethod):              e.handleToolsList,
		string(mcp.ToolsCallMethod):              e.handleToolCall,
		string(mcp.ResourcesListMethod):          e.handleResourcesList,
		string(mcp.ResourcesReadMethod):          e.handleResourcesRead,
		string(mcp.ResourcesTemplatesListMethod): e.handleResourcesTemplatesList,
		string(mcp.ResourcesSubscribeMethod):     e.handleResourcesSubscribe,
		string(mcp.ResourcesUnsubscribeMethod):   e.handleResourcesUnsubscribe,
		string(mcp.PromptsListMethod):            e.handlePromptsList,
		string(mcp.PromptsGetMethod):             e.handlePromptsGet,
		string(mcp.CompletionCompleteMethod):     e.handleCompletionsComplete,
		string(mcp.LoggingSetLevelMethod):        e.handleSetLoggingLevel,
	}
}

// HandleEnvelope processes a decoded inbound payload against a session and
// returns the response envelopes in input order. Notifications and inbound
// response messages produce no envelope. Batch members are isolated: each
// id-bearing member yields exactly one response regardless of what happens to
// its siblings, and a panic or decode failure in one member never suppresses
// the others.
//
// sess may be nil only when the payload is a lone initialize request; that
// case is routed by the transport before envelope processing.
func (e *Engine) HandleEnvelope(ctx context.Context, sess *sessioncore.Handle, items []jsonrpc.BatchItem) []*jsonrpc.Response {
	responses := make([]*jsonrpc.Response, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		if item.Err != nil {
			responses[i] = jsonrpc.NewErrorResponse(nil, item.Err.Code, item.Err.Message, item.Err.Data)
			continue
		}

		msg := item.Msg
		switch msg.Type() {
		case jsonrpc.MessageTypeNotification:
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.handleNotificationSafe(ctx, sess, msg.AsRequest())
			}()
		case jsonrpc.MessageTypeRequest:
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				responses[i] = e.handleRequestSafe(ctx, sess, msg.AsRequest())
			}(i)
		case jsonrpc.MessageTypeResponse:
			// The server issues no client-bound requests, so inbound responses
			// have nothing to rendezvous with. Accept and drop.
			e.log.DebugContext(ctx, "engine.envelope.response_dropped", slog.String("id", msg.ID.String()))
		}
	}
	wg.Wait()

	out := responses[:0]
	for _, r := range responses {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// HandleEnvelopeStream dispatches like HandleEnvelope but hands each response
// to emit as its handler completes, in completion order rather than input
// order. Correlation is by response id. emit is never called concurrently.
// Returns once every member has been processed.
func (e *Engine) HandleEnvelopeStream(ctx context.Context, sess *sessioncore.Handle, items []jsonrpc.BatchItem, emit func(*jsonrpc.Response)) {
	var emitMu sync.Mutex
	send := func(res *jsonrpc.Response) {
		if res == nil {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		emit(res)
	}

	var wg sync.WaitGroup
	for _, item := range items {
		if item.Err != nil {
			send(jsonrpc.NewErrorResponse(nil, item.Err.Code, item.Err.Message, item.Err.Data))
			continue
		}

		msg := item.Msg
		switch msg.Type() {
		case jsonrpc.MessageTypeNotification:
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.handleNotificationSafe(ctx, sess, msg.AsRequest())
			}()
		case jsonrpc.MessageTypeRequest:
			wg.Add(1)
			go func() {
				defer wg.Done()
				send(e.handleRequestSafe(ctx, sess, msg.AsRequest()))
			}()
		case jsonrpc.MessageTypeResponse:
			e.log.DebugContext(ctx, "engine.envelope.response_dropped", slog.String("id", msg.ID.String()))
		}
	}
	wg.Wait()
}

// handleRequestSafe wraps request dispatch with the panic boundary, the
// per-request timeout, and in-flight cancellation tracking. It always returns
// a response envelope.
func (e *Engine) handleRequestSafe(ctx context.Context, sess *sessioncore.Handle, req *jsonrpc.Request) (res *jsonrpc.Response) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   string(jsonrpc.MessageTypeRequest),
	})

	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(ctx, "engine.handle_request.panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}()

	if e.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.requestTimeout)
		defer cancel()
	}

	if req.Method == string(mcp.InitializeMethod) {
		return e.handleInitializeOnSession(ctx, sess, req)
	}

	state := lifecycleStateFor(sess)
	if req.Method == string(mcp.PingMethod) {
		// Ping is answerable in every lifecycle state.
		pres, perr := e.handlePing(ctx, sess, req)
		return e.mustRespond(req.ID, pres, perr)
	}
	if !sessionOpen(state) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeSession, "session not initialized", nil)
	}

	h, ok := e.dispatch[req.Method]
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}

	// Register for notifications/cancelled before dispatch so a cancellation
	// racing the handler still lands.
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)
	key := inflightKey(sess, req.ID)
	if key != "" {
		e.inflightMu.Lock()
		e.inflight[key] = cancel
		e.inflightMu.Unlock()
		defer func() {
			e.inflightMu.Lock()
			delete(e.inflight, key)
			e.inflightMu.Unlock()
		}()
	}

	hres, herr := h(reqCtx, sess, req)
	return e.mustRespond(req.ID, hres, herr)
}

// mustRespond collapses the (response, error) handler contract into a single
// envelope: a handler error that escaped mapping becomes an internal error
// response, never a dropped reply.
func (e *Engine) mustRespond(id *jsonrpc.RequestID, res *jsonrpc.Response, err error) *jsonrpc.Response {
	if err != nil {
		e.log.Error("engine.handle_request.unmapped_error", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return res
}

// handleNotificationSafe wraps notification handling with the panic boundary.
// Notifications never produce envelopes, so failures are logged and dropped.
func (e *Engine) handleNotificationSafe(ctx context.Context, sess *sessioncore.Handle, note *jsonrpc.Request) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: note.Method,
		Type:   string(jsonrpc.MessageTypeNotification),
	})
	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(ctx, "engine.handle_notification.panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	if err := e.HandleNotification(ctx, sess, note); err != nil {
		e.log.InfoContext(ctx, "engine.handle_notification.fail", slog.String("err", err.Error()))
	}
}

func inflightKey(sess *sessioncore.Handle, id *jsonrpc.RequestID) string {
	if sess == nil || id == nil || id.IsNull() {
		return ""
	}
	return sess.SessionID() + "\x00" + id.String()
}

// CancelInFlight cancels a tracked in-flight request for the session, keyed
// by the wire request id. Returns whether a request was actually cancelled.
func (e *Engine) CancelInFlight(sess *sessioncore.Handle, reqID string, reason string) bool {
	if sess == nil || reqID == "" {
		return false
	}
	key := sess.SessionID() + "\x00" + reqID
	e.inflightMu.Lock()
	cancel, exists := e.inflight[key]
	e.inflightMu.Unlock()
	if !exists || cancel == nil {
		return false
	}
	if reason == "" {
		reason = "cancelled"
	}
	cancel(errors.New(reason))
	return true
}

// domainKind selects the implementation-defined error code for not-found and
// disabled-feature failures in each registry.
type domainKind int

const (
	kindTool domainKind = iota
	kindResource
	kindPrompt
)

func (k domainKind) code() jsonrpc.ErrorCode {
	switch k {
	case kindResource:
		return jsonrpc.ErrorCodeResource
	case kindPrompt:
		return jsonrpc.ErrorCodePrompt
	default:
		return jsonrpc.ErrorCodeTool
	}
}

// mapDomainError translates a capability error into the response envelope for
// the request. Schema and argument failures are the caller's fault
// (InvalidParams); unknown names and disabled features get the registry's
// domain code; everything else is internal.
func (e *Engine) mapDomainError(ctx context.Context, kind domainKind, id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	switch {
	case errors.Is(err, mcpservice.ErrInvalidArguments):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, "invalid params", err.Error())
	case errors.Is(err, mcpservice.ErrNotFound):
		return jsonrpc.NewErrorResponse(id, kind.code(), err.Error(), nil)
	case errors.Is(err, mcpservice.ErrRegistryDisabled):
		return jsonrpc.NewErrorResponse(id, kind.code(), err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.log.InfoContext(ctx, "engine.handle_request.cancelled")
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "cancelled", nil)
	default:
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
}

// handlePing serves ping in any lifecycle state, session or not.
func (e *Engine) handlePing(ctx context.Context, _ *sessioncore.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

// handleInitializeOnSession rejects a second initialize on a live session.
// First-contact initialize never reaches envelope processing; the transport
// routes it to InitializeSession directly, so arriving here with any session
// state at all means the handshake already happened.
func (e *Engine) handleInitializeOnSession(ctx context.Context, sess *sessioncore.Handle, req *jsonrpc.Request) *jsonrpc.Response {
	if canInitialize(lifecycleStateFor(sess)) {
		// No session bound: the transport should have routed this.
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "initialize must be the first request", nil)
	}
	e.log.InfoContext(ctx, "engine.initialize.duplicate")
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)
}
