package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/streamplane/mcpd/internal/jsonrpc"
	"github.com/streamplane/mcpd/internal/sessioncore"
	"github.com/streamplane/mcpd/mcp"
	"github.com/streamplane/mcpd/mcpservice"
	"github.com/streamplane/mcpd/sessions"
)

// subscriptionKeyPrefix namespaces per-session resource subscription records
// in the session KV store. Persisting them lets subscriptions survive a
// process restart: forwarders are re-attached lazily on the next resolve.
const subscriptionKeyPrefix = "sub/"

// uriSubscriber is the optional surface a resources capability exposes for
// per-URI change ticks. Both the static container and the filesystem-backed
// implementation provide it.
type uriSubscriber interface {
	SubscriberForURI(uri string) <-chan struct{}
}

// publishNotification writes a server-originated notification onto the
// session's ordered stream. Delivery is best-effort: a write failure is
// logged, never propagated, and never blocks the caller's request path.
func (e *Engine) publishNotification(ctx context.Context, sess *sessioncore.Handle, method mcp.Method, params any) {
	note := jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(method),
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			e.log.ErrorContext(ctx, "engine.notify.marshal_fail",
				slog.String("method", string(method)),
				slog.String("err", err.Error()),
			)
			return
		}
		note.Params = raw
	}
	payload, err := json.Marshal(&note)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.notify.marshal_fail",
			slog.String("method", string(method)),
			slog.String("err", err.Error()),
		)
		return
	}
	if _, err := sess.WriteMessage(ctx, payload); err != nil {
		e.log.InfoContext(ctx, "engine.notify.write_fail",
			slog.String("session_id", sess.SessionID()),
			slog.String("method", string(method)),
			slog.String("err", err.Error()),
		)
	}
}

// wireSession attaches list-changed emitters to the session and re-attaches
// forwarders for any persisted resource subscriptions. Idempotent per process
// and session.
func (e *Engine) wireSession(ctx context.Context, sess *sessioncore.Handle) {
	sid := sess.SessionID()

	e.wireMu.Lock()
	if e.wired[sid] {
		e.wireMu.Unlock()
		return
	}
	e.wired[sid] = true
	e.wireMu.Unlock()

	// Root context for everything attached to this session in this process.
	rootCtx, cancel := context.WithCancel(context.Background())
	e.subMu.Lock()
	if e.subCancels[sid] == nil {
		e.subCancels[sid] = make(map[string]context.CancelFunc)
	}
	e.subCancels[sid][""] = cancel
	e.subRoots[sid] = rootCtx
	e.subMu.Unlock()

	e.wireListChangedEmitters(rootCtx, sess)
	e.restoreSubscriptions(ctx, rootCtx, sess)
}

// unwireSession tears down emitters and forwarders for the session in this
// process.
func (e *Engine) unwireSession(sid string) {
	e.subMu.Lock()
	cancels := e.subCancels[sid]
	delete(e.subCancels, sid)
	delete(e.subRoots, sid)
	e.subMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	e.wireMu.Lock()
	delete(e.wired, sid)
	e.wireMu.Unlock()
}

// wireListChangedEmitters registers list-changed callbacks on each advertised
// capability so registry mutations fan out to the session stream.
func (e *Engine) wireListChangedEmitters(rootCtx context.Context, sess *sessioncore.Handle) {
	caps := sess.Capabilities()

	if caps.Tools {
		if toolsCap, ok, err := e.srv.GetToolsCapability(rootCtx, sess); err == nil && ok {
			if lc, ok, err := toolsCap.GetListChangedCapability(rootCtx, sess); err == nil && ok {
				_, _ = lc.Register(rootCtx, sess, func(ctx context.Context, _ sessions.Session) {
					e.publishNotification(ctx, sess, mcp.ToolsListChangedNotificationMethod, nil)
				})
			}
		}
	}

	if caps.Resources {
		if resCap, ok, err := e.srv.GetResourcesCapability(rootCtx, sess); err == nil && ok {
			if lc, ok, err := resCap.GetListChangedCapability(rootCtx, sess); err == nil && ok {
				_, _ = lc.Register(rootCtx, sess, func(ctx context.Context, _ sessions.Session, uri string) {
					if uri == "" {
						e.publishNotification(ctx, sess, mcp.ResourcesListChangedNotificationMethod, nil)
						return
					}
					e.publishNotification(ctx, sess, mcp.ResourcesUpdatedNotificationMethod, &mcp.ResourceUpdatedNotification{URI: uri})
				})
			}
		}
	}

	if caps.Prompts {
		if promptsCap, ok, err := e.srv.GetPromptsCapability(rootCtx, sess); err == nil && ok {
			if lc, ok, err := promptsCap.GetListChangedCapability(rootCtx, sess); err == nil && ok {
				_, _ = lc.Register(rootCtx, sess, func(ctx context.Context, _ sessions.Session) {
					e.publishNotification(ctx, sess, mcp.PromptsListChangedNotificationMethod, nil)
				})
			}
		}
	}
}

// restoreSubscriptions replays persisted subscription records against the
// live capability after a resolve in a fresh process.
func (e *Engine) restoreSubscriptions(ctx, rootCtx context.Context, sess *sessioncore.Handle) {
	if !sess.Capabilities().ResourcesSubscribe {
		return
	}
	keys, err := sess.ListData(ctx, subscriptionKeyPrefix)
	if err != nil || len(keys) == 0 {
		return
	}
	resCap, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if err != nil || !ok {
		return
	}
	subCap, ok, err := resCap.GetSubscriptionCapability(ctx, sess)
	if err != nil || !ok {
		return
	}
	for _, key := range keys {
		uri := strings.TrimPrefix(key, subscriptionKeyPrefix)
		if uri == "" {
			continue
		}
		if err := subCap.Subscribe(ctx, sess, uri); err != nil {
			// Resource vanished while the session was away: drop the record.
			_ = sess.DeleteData(ctx, key)
			continue
		}
		e.startResourceForwarder(rootCtx, sess, resCap, uri)
	}
}

// startResourceForwarder bridges per-URI change ticks to resources/updated
// notifications on the session stream. One forwarder per (session, uri).
func (e *Engine) startResourceForwarder(rootCtx context.Context, sess *sessioncore.Handle, resCap mcpservice.ResourcesCapability, uri string) {
	sub, ok := resCap.(uriSubscriber)
	if !ok {
		return
	}

	sid := sess.SessionID()
	e.subMu.Lock()
	if e.subCancels[sid] == nil {
		e.subCancels[sid] = make(map[string]context.CancelFunc)
	}
	if _, exists := e.subCancels[sid][uri]; exists {
		e.subMu.Unlock()
		return
	}
	fctx, cancel := context.WithCancel(rootCtx)
	e.subCancels[sid][uri] = cancel
	e.subMu.Unlock()

	ch := sub.SubscriberForURI(uri)
	go func() {
		defer cancel()
		for {
			select {
			case <-fctx.Done():
				return
			case _, open := <-ch:
				if !open {
					return
				}
				e.publishNotification(fctx, sess, mcp.ResourcesUpdatedNotificationMethod, &mcp.ResourceUpdatedNotification{URI: uri})
			}
		}
	}()
}

// stopResourceForwarder tears down the forwarder for one (session, uri).
func (e *Engine) stopResourceForwarder(sid, uri string) {
	e.subMu.Lock()
	cancel := e.subCancels[sid][uri]
	delete(e.subCancels[sid], uri)
	e.subMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// sessionRootContext returns the session's wiring root. Forwarders started
// outside a wired session derive from Background and stop on explicit
// unsubscribe or termination.
func (e *Engine) sessionRootContext(sid string) context.Context {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if root, ok := e.subRoots[sid]; ok {
		return root
	}
	return context.Background()
}

func (e *Engine) handleResourcesSubscribe(ctx context.Context, sess *sessioncore.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	resCap, errRes := e.resourcesCapabilityFor(ctx, sess, req.ID)
	if errRes != nil {
		return errRes, nil
	}
	if !sess.Capabilities().ResourcesSubscribe {
		return frozenCapabilityError(req.ID, kindResource, "resource subscription"), nil
	}
	subCap, ok, err := resCap.GetSubscriptionCapability(ctx, sess)
	if err != nil {
		return e.mapDomainError(ctx, kindResource, req.ID, err), nil
	}
	if !ok {
		return frozenCapabilityError(req.ID, kindResource, "resource subscription"), nil
	}

	var params mcp.SubscribeRequest
	if res := decodeParams(req, &params); res != nil {
		return res, nil
	}
	if params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", "missing resource uri"), nil
	}

	if err := subCap.Subscribe(ctx, sess, params.URI); err != nil {
		return e.mapDomainError(ctx, kindResource, req.ID, err), nil
	}
	if err := sess.PutData(ctx, subscriptionKeyPrefix+params.URI, []byte("1")); err != nil && !errors.Is(err, context.Canceled) {
		e.log.WarnContext(ctx, "engine.subscribe.persist_fail",
			slog.String("uri", params.URI),
			slog.String("err", err.Error()),
		)
	}
	e.startResourceForwarder(e.sessionRootContext(sess.SessionID()), sess, resCap, params.URI)

	e.log.DebugContext(ctx, "engine.subscribe.ok", slog.String("uri", params.URI))
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

func (e *Engine) handleResourcesUnsubscribe(ctx context.Context, sess *sessioncore.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	resCap, errRes := e.resourcesCapabilityFor(ctx, sess, req.ID)
	if errRes != nil {
		return errRes, nil
	}
	subCap, ok, err := resCap.GetSubscriptionCapability(ctx, sess)
	if err != nil {
		return e.mapDomainError(ctx, kindResource, req.ID, err), nil
	}
	if !ok {
		return frozenCapabilityError(req.ID, kindResource, "resource subscription"), nil
	}

	var params mcp.UnsubscribeRequest
	if res := decodeParams(req, &params); res != nil {
		return res, nil
	}
	if params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", "missing resource uri"), nil
	}

	if err := subCap.Unsubscribe(ctx, sess, params.URI); err != nil {
		return e.mapDomainError(ctx, kindResource, req.ID, err), nil
	}
	_ = sess.DeleteData(ctx, subscriptionKeyPrefix+params.URI)
	e.stopResourceForwarder(sess.SessionID(), params.URI)

	e.log.DebugContext(ctx, "engine.unsubscribe.ok", slog.String("uri", params.URI))
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}
