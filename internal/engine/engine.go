// Package engine implements the protocol core: the initialize handshake, the
// method dispatch table, per-session capability gating, and fan-out of server
// originated notifications. It is transport-agnostic; streaminghttp adapts it
// to HTTP.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamplane/mcpd/internal/jsonrpc"
	"github.com/streamplane/mcpd/internal/logctx"
	"github.com/streamplane/mcpd/internal/sessioncore"
	"github.com/streamplane/mcpd/mcp"
	"github.com/streamplane/mcpd/mcpservice"
	"github.com/streamplane/mcpd/sessions"
)

// Engine drives MCP semantics over a session manager and a server capability
// surface. One Engine serves many concurrent sessions.
type Engine struct {
	mgr *sessioncore.Manager
	srv mcpservice.ServerCapabilities
	log *slog.Logger

	requestTimeout time.Duration

	dispatch map[string]handlerFunc

	inflightMu sync.Mutex
	inflight   map[string]context.CancelCauseFunc

	// wired tracks which sessions already have list-changed emitters and
	// subscription forwarders attached in this process.
	wireMu sync.Mutex
	wired  map[string]bool

	subMu      sync.Mutex
	subRoots   map[string]context.Context
	subCancels map[string]map[string]context.CancelFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger used for engine diagnostics.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithRequestTimeout bounds the execution of a single request handler. Zero
// disables the bound.
func WithRequestTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.requestTimeout = d }
}

// NewEngine constructs an engine over the given session manager and server
// capability surface.
func NewEngine(mgr *sessioncore.Manager, srv mcpservice.ServerCapabilities, opts ...EngineOption) *Engine {
	e := &Engine{
		mgr:            mgr,
		srv:            srv,
		log:            slog.Default(),
		requestTimeout: 60 * time.Second,
		inflight:       make(map[string]context.CancelCauseFunc),
		wired:          make(map[string]bool),
		subRoots:       make(map[string]context.Context),
		subCancels:     make(map[string]map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatch = e.buildDispatch()
	return e
}

// Run starts background maintenance (the expiry sweeper) and blocks until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mgr.StartSweeper(ctx)
	<-ctx.Done()
	return ctx.Err()
}

// probeSession stands in for the not-yet-created session while the engine
// freezes the capability surface at initialize time. Capability providers see
// the authenticated user but an empty session id.
type probeSession struct {
	userID string
	proto  string
}

func (p probeSession) SessionID() string       { return "" }
func (p probeSession) UserID() string          { return p.userID }
func (p probeSession) ProtocolVersion() string { return p.proto }

// InitializeSession performs the initialize handshake for a fresh connection:
// it negotiates the protocol version, probes the capability surface, freezes
// it into the session record, and creates the session. The returned handle
// carries the wire token the transport surfaces as the session header.
func (e *Engine) InitializeSession(ctx context.Context, userID string, req *mcp.InitializeRequest) (*sessioncore.Handle, *mcp.InitializeResult, error) {
	proto := e.negotiateProtocolVersion(ctx, req.ProtocolVersion)
	probe := probeSession{userID: userID, proto: proto}

	serverInfo, err := e.srv.GetServerInfo(ctx, probe)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get server info: %w", err)
	}

	caps, wire, err := e.probeCapabilities(ctx, probe)
	if err != nil {
		return nil, nil, err
	}

	client := sessions.ClientInfo{
		Name:    req.ClientInfo.Name,
		Version: req.ClientInfo.Version,
	}

	sess, err := e.mgr.CreateSession(ctx, userID, proto, caps, client)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	res := &mcp.InitializeResult{
		ProtocolVersion: proto,
		Capabilities:    wire,
		ServerInfo:      serverInfo,
	}
	if instructions, ok, err := e.srv.GetInstructions(ctx, sess); err != nil {
		e.log.WarnContext(ctx, "engine.initialize.instructions_fail", slog.String("err", err.Error()))
	} else if ok {
		res.Instructions = instructions
	}

	e.wireSession(ctx, sess)

	e.log.InfoContext(logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           sess.State(),
	}), "engine.initialize.ok",
		slog.String("client_name", client.Name),
		slog.String("client_version", client.Version),
		slog.String("protocol_version", proto),
	)

	return sess, res, nil
}

func (e *Engine) negotiateProtocolVersion(ctx context.Context, requested string) string {
	if preferred, ok, err := e.srv.GetPreferredProtocolVersion(ctx); err == nil && ok {
		return preferred
	}
	if mcp.IsSupportedProtocolVersion(requested) {
		return requested
	}
	return mcp.LatestProtocolVersion
}

// probeCapabilities snapshots the capability surface for a session-to-be,
// returning both the persisted capability set and the wire advertisement.
func (e *Engine) probeCapabilities(ctx context.Context, probe sessions.Session) (sessions.CapabilitySet, mcp.ServerCapabilities, error) {
	var caps sessions.CapabilitySet
	var wire mcp.ServerCapabilities

	if toolsCap, ok, err := e.srv.GetToolsCapability(ctx, probe); err != nil {
		return caps, wire, fmt.Errorf("failed to probe tools capability: %w", err)
	} else if ok {
		caps.Tools = true
		listChanged := false
		if _, lcOK, err := toolsCap.GetListChangedCapability(ctx, probe); err == nil && lcOK {
			listChanged = true
		}
		wire.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: listChanged}
	}

	if resCap, ok, err := e.srv.GetResourcesCapability(ctx, probe); err != nil {
		return caps, wire, fmt.Errorf("failed to probe resources capability: %w", err)
	} else if ok {
		caps.Resources = true
		subscribe := false
		if _, subOK, err := resCap.GetSubscriptionCapability(ctx, probe); err == nil && subOK {
			subscribe = true
			caps.ResourcesSubscribe = true
		}
		listChanged := false
		if _, lcOK, err := resCap.GetListChangedCapability(ctx, probe); err == nil && lcOK {
			listChanged = true
		}
		wire.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{ListChanged: listChanged, Subscribe: subscribe}
	}

	if promptsCap, ok, err := e.srv.GetPromptsCapability(ctx, probe); err != nil {
		return caps, wire, fmt.Errorf("failed to probe prompts capability: %w", err)
	} else if ok {
		caps.Prompts = true
		listChanged := false
		if _, lcOK, err := promptsCap.GetListChangedCapability(ctx, probe); err == nil && lcOK {
			listChanged = true
		}
		wire.Prompts = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: listChanged}
	}

	if _, ok, err := e.srv.GetLoggingCapability(ctx, probe); err != nil {
		return caps, wire, fmt.Errorf("failed to probe logging capability: %w", err)
	} else if ok {
		caps.Logging = true
		wire.Logging = &struct{}{}
	}

	if _, ok, err := e.srv.GetCompletionsCapability(ctx, probe); err != nil {
		return caps, wire, fmt.Errorf("failed to probe completions capability: %w", err)
	} else if ok {
		caps.Completions = true
		wire.Completions = &struct{}{}
	}

	return caps, wire, nil
}

// ResolveSession authenticates a wire token against the expected user and
// returns a live handle. Resolution touches the session's activity window and
// lazily re-attaches notification emitters after a process restart.
func (e *Engine) ResolveSession(ctx context.Context, token, expectUser string) (*sessioncore.Handle, error) {
	sess, err := e.mgr.ResolveSession(ctx, token, expectUser)
	if err != nil {
		return nil, err
	}
	e.wireSession(ctx, sess)
	return sess, nil
}

// TerminateSession ends the session and stops any notification forwarders
// attached to it in this process.
func (e *Engine) TerminateSession(ctx context.Context, sess *sessioncore.Handle) error {
	// An already-closed session has no close transition left; that is the same
	// not-found answer an expired session would give.
	if _, err := advanceLifecycle(ctx, lifecycleStateFor(sess), eventClose); err != nil {
		return sessioncore.ErrSessionNotFound
	}
	e.unwireSession(sess.SessionID())
	if err := e.mgr.TerminateSession(ctx, sess.WireToken()); err != nil {
		return err
	}
	e.log.InfoContext(ctx, "engine.terminate.ok", slog.String("session_id", sess.SessionID()))
	return nil
}

// HandleNotification processes a client notification. Notifications never get
// a reply; a returned error is for logging only.
func (e *Engine) HandleNotification(ctx context.Context, sess *sessioncore.Handle, note *jsonrpc.Request) error {
	switch note.Method {
	case string(mcp.InitializedNotificationMethod):
		if sess == nil {
			return fmt.Errorf("initialized notification without a session")
		}
		// The confirmation is a lifecycle transition; the machine decides
		// whether it is admissible before the durable record changes.
		if _, err := advanceLifecycle(ctx, lifecycleStateFor(sess), eventConfirm); err != nil {
			return fmt.Errorf("initialized notification out of order: %w", err)
		}
		if err := sess.Activate(ctx); err != nil {
			return fmt.Errorf("failed to activate session: %w", err)
		}
		e.log.InfoContext(ctx, "engine.session.activated", slog.String("session_id", sess.SessionID()))
		return nil
	case string(mcp.CancelledNotificationMethod):
		var params mcp.CancelledNotification
		if len(note.Params) > 0 {
			if err := json.Unmarshal(note.Params, &params); err != nil {
				return fmt.Errorf("invalid cancelled notification params: %w", err)
			}
		}
		reqID := rawRequestIDString(params.RequestID)
		if e.CancelInFlight(sess, reqID, params.Reason) {
			e.log.DebugContext(ctx, "engine.request.cancelled",
				slog.String("request_id", reqID),
				slog.String("reason", params.Reason),
			)
		}
		return nil
	case string(mcp.ProgressNotificationMethod):
		// Client-side progress has no server obligation.
		return nil
	default:
		e.log.DebugContext(ctx, "engine.handle_notification.unknown", slog.String("method", note.Method))
		return nil
	}
}

// rawRequestIDString normalizes a raw wire id (string or number) to the same
// textual form RequestID.String produces, so cancellation keys line up.
func rawRequestIDString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id jsonrpc.RequestID
	if err := id.UnmarshalJSON(raw); err != nil {
		return ""
	}
	return id.String()
}

// frozenCapabilityError reports a request against a capability the session's
// frozen set does not include. A capability absent at handshake time stays
// absent for the session's lifetime even if the server later enables it.
func frozenCapabilityError(id *jsonrpc.RequestID, kind domainKind, what string) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(id, kind.code(), fmt.Sprintf("%s capability not available", what), nil)
}

func decodeParams[T any](req *jsonrpc.Request, into *T) *jsonrpc.Response {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, into); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", err.Error())
	}
	return nil
}

func cursorPtr(cursor string) *string {
	if cursor == "" {
		return nil
	}
	return &cursor
}

func (e *Engine) handleToolsList(ctx context.Context, sess *sessioncore.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if !sess.Capabilities().Tools {
		return frozenCapabilityError(req.ID, kindTool, "tools"), nil
	}
	toolsCap, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		return e.mapDomainError(ctx, kindTool, req.ID, err), nil
	}
	if !ok {
		return frozenCapabilityError(req.ID, kindTool, "tools"), nil
	}

	var params mcp.ListToolsRequest
	if res := decodeParams(req, &params); res != nil {
		return res, nil
	}

	page, err := toolsCap.ListTools(ctx, sess, cursorPtr(params.Cursor))
	if err != nil {
		return e.mapDomainError(ctx, kindTool, req.ID, err), nil
	}

	result := &mcp.ListToolsResult{Tools: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleToolCall(ctx context.Context, sess *sessioncore.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if !sess.Capabilities().Tools {
		return frozenCapabilityError(req.ID, kindTool, "tools"), nil
	}
	toolsCap, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		return e.mapDomainError(ctx, kindTool, req.ID, err), nil
	}
	if !ok {
		return frozenCapabilityError(req.ID, kindTool, "tools"), nil
	}

	var params mcp.CallToolRequestReceived
	if res := decodeParams(req, &params); res != nil {
		return res, nil
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", "missing tool name"), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})
	start := time.Now()
	result, err := toolsCap.CallTool(ctx, sess, &params)
	if err != nil {
		e.log.InfoContext(ctx, "engine.tool_call.fail",
			slog.String("tool", params.Name),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()),
			slog.String("err", err.Error()),
		)
		return e.mapDomainError(ctx, kindTool, req.ID, err), nil
	}
	e.log.DebugContext(ctx, "engine.tool_call.ok",
		slog.String("tool", params.Name),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		slog.Bool("is_error", result.IsError),
	)
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) resourcesCapabilityFor(ctx context.Context, sess *sessioncore.Handle, id *jsonrpc.RequestID) (mcpservice.ResourcesCapability, *jsonrpc.Response) {
	if !sess.Capabilities().Resources {
		return nil, frozenCapabilityError(id, kindResource, "resources")
	}
	resCap, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if err != nil {
		return nil, e.mapDomainError(ctx, kindResource, id, err)
	}
	if !ok {
		return nil, frozenCapabilityError(id, kindResource, "resources")
	}
	return resCap, nil
}

func (e *Engine) handleResourcesList(ctx context.Context, sess *sessioncore.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	resCap, errRes := e.resourcesCapabilityFor(ctx, sess, req.ID)
	if errRes != nil {
		return errRes, nil
	}

	var params mcp.ListResourcesRequest
	if res := decodeParams(req, &params); res != nil {
		return res, nil
	}

	page, err := resCap.ListResources(ctx, sess, cursorPtr(params.Cursor))
	if err != nil {
		return e.mapDomainError(ctx, kindResource, req.ID, err), nil
	}

	result := &mcp.ListResourcesResult{Resources: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleResourcesTemplatesList(ctx context.Context, sess *sessioncore.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	resCap, errRes := e.resourcesCapabilityFor(ctx, sess, req.ID)
	if errRes != nil {
		return errRes, nil
	}

	var params mcp.ListResourceTemplatesRequest
	if res := decodeParams(req, &params); res != nil {
		return res, nil
	}

	page, err := resCap.ListResourceTemplates(ctx, sess, cursorPtr(params.Cursor))
	if err != nil {
		return e.mapDomainError(ctx, kindResource, req.ID, err), nil
	}

	result := &mcp.ListResourceTemplatesResult{ResourceTemplates: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleResourcesRead(ctx context.Context, sess *sessioncore.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	resCap, errRes := e.resourcesCapabilityFor(ctx, sess, req.ID)
	if errRes != nil {
		return errRes, nil
	}

	var params mcp.ReadResourceRequest
	if res := decodeParams(req, &params); res != nil {
		return res, nil
	}
	if params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", "missing resource uri"), nil
	}

	contents, err := resCap.ReadResource(ctx, sess, params.URI)
	if err != nil {
		return e.mapDomainError(ctx, kindResource, req.ID, err), nil
	}
	return jsonrpc.NewResultResponse(req.ID, &mcp.ReadResourceResult{Contents: contents})
}

func (e *Engine) handlePromptsList(ctx context.Context, sess *sessioncore.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if !sess.Capabilities().Prompts {
		return frozenCapabilityError(req.ID, kindPrompt, "prompts"), nil
	}
	promptsCap, ok, err := e.srv.GetPromptsCapability(ctx, sess)
	if err != nil {
		return e.mapDomainError(ctx, kindPrompt, req.ID, err), nil
	}
	if !ok {
		return frozenCapabilityError(req.ID, kindPrompt, "prompts"), nil
	}

	var params mcp.ListPromptsRequest
	if res := decodeParams(req, &params); res != nil {
		return res, nil
	}

	page, err := promptsCap.ListPrompts(ctx, sess, cursorPtr(params.Cursor))
	if err != nil {
		return e.mapDomainError(ctx, kindPrompt, req.ID, err), nil
	}

	result := &mcp.ListPromptsResult{Prompts: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handlePromptsGet(ctx context.Context, sess *sessioncore.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if !sess.Capabilities().Prompts {
		return frozenCapabilityError(req.ID, kindPrompt, "prompts"), nil
	}
	promptsCap, ok, err := e.srv.GetPromptsCapability(ctx, sess)
	if err != nil {
		return e.mapDomainError(ctx, kindPrompt, req.ID, err), nil
	}
	if !ok {
		return frozenCapabilityError(req.ID, kindPrompt, "prompts"), nil
	}

	var params mcp.GetPromptRequest
	if res := decodeParams(req, &params); res != nil {
		return res, nil
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", "missing prompt name"), nil
	}

	result, err := promptsCap.GetPrompt(ctx, sess, &params)
	if err != nil {
		return e.mapDomainError(ctx, kindPrompt, req.ID, err), nil
	}
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleCompletionsComplete(ctx context.Context, sess *sessioncore.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if !sess.Capabilities().Completions {
		return frozenCapabilityError(req.ID, kindPrompt, "completions"), nil
	}
	compCap, ok, err := e.srv.GetCompletionsCapability(ctx, sess)
	if err != nil {
		return e.mapDomainError(ctx, kindPrompt, req.ID, err), nil
	}
	if !ok {
		return frozenCapabilityError(req.ID, kindPrompt, "completions"), nil
	}

	var params mcp.CompleteRequest
	if res := decodeParams(req, &params); res != nil {
		return res, nil
	}

	result, err := compCap.Complete(ctx, sess, &params)
	if err != nil {
		return e.mapDomainError(ctx, kindPrompt, req.ID, err), nil
	}
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleSetLoggingLevel(ctx context.Context, sess *sessioncore.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if !sess.Capabilities().Logging {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "logging capability not available", nil), nil
	}
	logCap, ok, err := e.srv.GetLoggingCapability(ctx, sess)
	if err != nil {
		return e.mapDomainError(ctx, kindTool, req.ID, err), nil
	}
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "logging capability not available", nil), nil
	}

	var params mcp.SetLevelRequest
	if res := decodeParams(req, &params); res != nil {
		return res, nil
	}
	if !mcp.IsValidLoggingLevel(params.Level) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", fmt.Sprintf("unknown logging level %q", params.Level)), nil
	}

	if err := logCap.SetLevel(ctx, sess, params.Level); err != nil {
		if errors.Is(err, mcpservice.ErrInvalidLoggingLevel) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", err.Error()), nil
		}
		return e.mapDomainError(ctx, kindTool, req.ID, err), nil
	}
	if err := sess.SetLoggingLevel(ctx, params.Level); err != nil {
		return e.mapDomainError(ctx, kindTool, req.ID, err), nil
	}

	e.log.DebugContext(ctx, "engine.logging.set_level", slog.String("level", string(params.Level)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}
