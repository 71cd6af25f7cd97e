package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/streamplane/mcpd/internal/jsonrpc"
	"github.com/streamplane/mcpd/internal/sessioncore"
	"github.com/streamplane/mcpd/mcp"
	"github.com/streamplane/mcpd/mcpservice"
	"github.com/streamplane/mcpd/sessions"
	"github.com/streamplane/mcpd/sessions/memoryhost"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Message string `json:"message"`
}

func newTestEngine(t *testing.T, opts ...mcpservice.ServerOption) (*Engine, *mcpservice.ToolsContainer) {
	t.Helper()

	tools := mcpservice.NewToolsContainer(
		mcpservice.NewTool[echoArgs]("echo", func(ctx context.Context, session sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[echoArgs]) error {
			return w.AppendText("you said: " + r.Args().Message)
		}, mcpservice.WithToolDescription("Echo a message back")),
		mcpservice.NewTool[struct{}]("boom", func(ctx context.Context, session sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[struct{}]) error {
			panic("deliberate failure")
		}),
	)
	resources := mcpservice.NewResourcesContainer(
		mcpservice.TextResource("text://hello", "hello", "text/plain", "hello, world"),
	)

	serverOpts := append([]mcpservice.ServerOption{
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "0.0.1"}),
		mcpservice.WithToolsFrom(tools),
		mcpservice.WithResourcesFrom(resources),
	}, opts...)
	srv := mcpservice.NewServer(serverOpts...)

	mgr, err := sessioncore.NewManager(memoryhost.New(), nil, sessioncore.ManagerConfig{})
	require.NoError(t, err)

	return NewEngine(mgr, srv, WithRequestTimeout(5*time.Second)), tools
}

func mustInitialize(t *testing.T, e *Engine) *sessioncore.Handle {
	t.Helper()
	sess, res, err := e.InitializeSession(context.Background(), "user-1", &mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0"},
	})
	require.NoError(t, err)
	require.Equal(t, mcp.LatestProtocolVersion, res.ProtocolVersion)
	return sess
}

func newLevelVar() *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(slog.LevelInfo)
	return lv
}

func envelope(t *testing.T, payload string) []jsonrpc.BatchItem {
	t.Helper()
	items, _, errObj := jsonrpc.DecodeEnvelope([]byte(payload))
	require.Nil(t, errObj)
	return items
}

func TestInitializeFreezesCapabilities(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	caps := sess.Capabilities()
	require.True(t, caps.Tools)
	require.True(t, caps.Resources)
	require.True(t, caps.ResourcesSubscribe)
	require.False(t, caps.Prompts)
	require.False(t, caps.Logging)
}

func TestInitializeAdvertisesCapabilities(t *testing.T) {
	e, _ := newTestEngine(t)
	_, res, err := e.InitializeSession(context.Background(), "user-1", &mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Capabilities.Tools)
	require.True(t, res.Capabilities.Tools.ListChanged)
	require.NotNil(t, res.Capabilities.Resources)
	require.True(t, res.Capabilities.Resources.Subscribe)
	require.Nil(t, res.Capabilities.Prompts)
	require.Nil(t, res.Capabilities.Logging)
	require.Equal(t, "test-server", res.ServerInfo.Name)
}

func TestSecondInitializeRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	items := envelope(t, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	require.Equal(t, jsonrpc.ErrorCodeInvalidRequest, responses[0].Error.Code)
}

func TestBatchMixedMembersYieldPerRequestResponses(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	items := envelope(t, `[
		{"jsonrpc":"2.0","id":"a","method":"ping"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":"b","method":"tools/list"}
	]`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 2)
	require.Equal(t, "a", responses[0].ID.String())
	require.Equal(t, "b", responses[1].ID.String())
	require.Nil(t, responses[0].Error)
	require.Nil(t, responses[1].Error)
}

func TestEnvelopeStreamEmitsEachResponseOnCompletion(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	items := envelope(t, `[
		{"jsonrpc":"2.0","id":"a","method":"ping"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":"b","method":"tools/list"},
		{"jsonrpc":"2.0","id":"c","method":"tools/call","params":{"name":"boom"}}
	]`)

	var got []*jsonrpc.Response
	e.HandleEnvelopeStream(context.Background(), sess, items, func(res *jsonrpc.Response) {
		got = append(got, res)
	})

	// Completion order is unspecified; one response per request, id-correlated.
	require.Len(t, got, 3)
	byID := map[string]*jsonrpc.Response{}
	for _, res := range got {
		byID[res.ID.String()] = res
	}
	require.Nil(t, byID["a"].Error)
	require.Nil(t, byID["b"].Error)
	require.NotNil(t, byID["c"].Error)
	require.Equal(t, jsonrpc.ErrorCodeInternalError, byID["c"].Error.Code)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	items := envelope(t, `{"jsonrpc":"2.0","id":1,"method":"no/such/method"}`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	require.Equal(t, jsonrpc.ErrorCodeMethodNotFound, responses[0].Error.Code)
}

func TestUnknownToolReturnsDomainCodeNotMethodNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	items := envelope(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	require.Equal(t, jsonrpc.ErrorCodeTool, responses[0].Error.Code)
	require.NotEqual(t, jsonrpc.ErrorCodeMethodNotFound, responses[0].Error.Code)
}

func TestToolPanicIsolatedToItsBatchMember(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	items := envelope(t, `[
		{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"boom"}},
		{"jsonrpc":"2.0","id":2,"method":"ping"}
	]`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 2)

	require.NotNil(t, responses[0].Error)
	require.Equal(t, jsonrpc.ErrorCodeInternalError, responses[0].Error.Code)

	require.Nil(t, responses[1].Error)
	require.Equal(t, "2", responses[1].ID.String())
}

func TestNullIDIsARequestNotANotification(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	items := envelope(t, `{"jsonrpc":"2.0","id":null,"method":"ping"}`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)
	require.NotNil(t, responses[0].ID)
	require.True(t, responses[0].ID.IsNull())
}

func TestCallToolRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	items := envelope(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)

	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(responses[0].Result, &result))
	require.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	require.Equal(t, "you said: hi", result.Content[0].Text)
}

func TestInvalidToolArgumentsReturnInvalidParams(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	items := envelope(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"unknown_field":true}}}`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	require.Equal(t, jsonrpc.ErrorCodeInvalidParams, responses[0].Error.Code)
}

func TestCapabilityAbsentForSessionStaysAbsent(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	items := envelope(t, `{"jsonrpc":"2.0","id":1,"method":"prompts/list"}`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	require.Equal(t, jsonrpc.ErrorCodePrompt, responses[0].Error.Code)
}

func TestInitializedNotificationActivatesSession(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)
	require.Equal(t, sessions.StateCreated, sess.State())

	items := envelope(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Empty(t, responses)

	got, err := e.ResolveSession(context.Background(), sess.WireToken(), "user-1")
	require.NoError(t, err)
	require.Equal(t, sessions.StateActive, got.State())
}

func TestReadResource(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	items := envelope(t, `{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"text://hello"}}`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)

	var result mcp.ReadResourceResult
	require.NoError(t, json.Unmarshal(responses[0].Result, &result))
	require.Len(t, result.Contents, 1)
	require.Equal(t, "hello, world", result.Contents[0].Text)
}

func TestUnknownResourceReturnsDomainCode(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	items := envelope(t, `{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"text://missing"}}`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	require.Equal(t, jsonrpc.ErrorCodeResource, responses[0].Error.Code)
}

func TestSetLoggingLevelValidation(t *testing.T) {
	e, _ := newTestEngine(t, mcpservice.WithLoggingCapability(mcpservice.NewSlogLevelVarLogging(newLevelVar())))
	sess := mustInitialize(t, e)
	require.True(t, sess.Capabilities().Logging)

	items := envelope(t, `{"jsonrpc":"2.0","id":1,"method":"logging/setLevel","params":{"level":"loud"}}`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	require.Equal(t, jsonrpc.ErrorCodeInvalidParams, responses[0].Error.Code)

	items = envelope(t, `{"jsonrpc":"2.0","id":2,"method":"logging/setLevel","params":{"level":"warning"}}`)
	responses = e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)
	require.Equal(t, mcp.LoggingLevelWarning, sess.LoggingLevel())
}

func TestToolListChangedFanout(t *testing.T) {
	e, tools := newTestEngine(t)
	sess := mustInitialize(t, e)

	require.NoError(t, tools.Add(context.Background(), mcpservice.NewTool[struct{}]("late", func(ctx context.Context, session sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[struct{}]) error {
		return w.AppendText("late")
	})))

	errFound := errors.New("found")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sess.ConsumeMessages(ctx, "", func(ctx context.Context, msgID string, msg []byte) error {
		var note jsonrpc.Request
		if json.Unmarshal(msg, &note) == nil && note.Method == string(mcp.ToolsListChangedNotificationMethod) {
			return errFound
		}
		return nil
	})
	require.ErrorIs(t, err, errFound)
}

func TestCancelInFlightUnknownRequest(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)
	require.False(t, e.CancelInFlight(sess, "999", "test"))
}

func TestSubscribeThenUpdateDeliversNotification(t *testing.T) {
	resources := mcpservice.NewResourcesContainer(
		mcpservice.TextResource("text://watched", "watched", "text/plain", "v1"),
	)
	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "0.0.1"}),
		mcpservice.WithResourcesFrom(resources),
	)
	mgr, err := sessioncore.NewManager(memoryhost.New(), nil, sessioncore.ManagerConfig{})
	require.NoError(t, err)
	e := NewEngine(mgr, srv)

	sess := mustInitialize(t, e)

	items := envelope(t, `{"jsonrpc":"2.0","id":1,"method":"resources/subscribe","params":{"uri":"text://watched"}}`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)

	resources.MarkUpdated("text://watched")

	errFound := errors.New("found")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = sess.ConsumeMessages(ctx, "", func(ctx context.Context, msgID string, msg []byte) error {
		var note jsonrpc.Request
		if json.Unmarshal(msg, &note) == nil && note.Method == string(mcp.ResourcesUpdatedNotificationMethod) {
			var params mcp.ResourceUpdatedNotification
			require.NoError(t, json.Unmarshal(note.Params, &params))
			require.Equal(t, "text://watched", params.URI)
			return errFound
		}
		return nil
	})
	require.ErrorIs(t, err, errFound)
}

func TestSubscribeUnknownResourceReturnsDomainCode(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	items := envelope(t, `{"jsonrpc":"2.0","id":1,"method":"resources/subscribe","params":{"uri":"text://missing"}}`)
	responses := e.HandleEnvelope(context.Background(), sess, items)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	require.Equal(t, jsonrpc.ErrorCodeResource, responses[0].Error.Code)
}

func TestTerminateSessionThenResolveFails(t *testing.T) {
	e, _ := newTestEngine(t)
	sess := mustInitialize(t, e)

	require.NoError(t, e.TerminateSession(context.Background(), sess))
	_, err := e.ResolveSession(context.Background(), sess.WireToken(), "user-1")
	require.ErrorIs(t, err, sessioncore.ErrSessionNotFound)

	require.ErrorIs(t, e.TerminateSession(context.Background(), sess), sessioncore.ErrSessionNotFound)
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()

	next, err := advanceLifecycle(ctx, stateUninitialized, eventInitialize)
	require.NoError(t, err)
	require.Equal(t, stateInitializing, next)

	next, err = advanceLifecycle(ctx, next, eventConfirm)
	require.NoError(t, err)
	require.Equal(t, stateInitialized, next)

	// The confirmation is idempotent while open.
	next, err = advanceLifecycle(ctx, next, eventConfirm)
	require.NoError(t, err)
	require.Equal(t, stateInitialized, next)

	next, err = advanceLifecycle(ctx, next, eventClose)
	require.NoError(t, err)
	require.Equal(t, stateClosed, next)

	// Nothing moves out of closed.
	_, err = advanceLifecycle(ctx, stateClosed, eventConfirm)
	require.Error(t, err)
	_, err = advanceLifecycle(ctx, stateClosed, eventInitialize)
	require.Error(t, err)
	_, err = advanceLifecycle(ctx, stateClosed, eventClose)
	require.Error(t, err)
}
