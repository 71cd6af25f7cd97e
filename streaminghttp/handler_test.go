package streaminghttp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/streamplane/mcpd/auth/authtest"
	"github.com/streamplane/mcpd/internal/jsonrpc"
	"github.com/streamplane/mcpd/mcp"
	"github.com/streamplane/mcpd/mcpservice"
	"github.com/streamplane/mcpd/sessions"
	"github.com/streamplane/mcpd/sessions/memoryhost"
	"github.com/streamplane/mcpd/streaminghttp"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Message string `json:"message"`
}

func newTestServer(t *testing.T) (*httptest.Server, *mcpservice.ToolsContainer) {
	t.Helper()

	tools := mcpservice.NewToolsContainer(
		mcpservice.NewTool[echoArgs]("echo", func(ctx context.Context, session sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[echoArgs]) error {
			return w.AppendText("you said: " + r.Args().Message)
		}, mcpservice.WithToolDescription("Echo a message back")),
	)
	resources := mcpservice.NewResourcesContainer(
		mcpservice.TextResource("text://hello", "hello", "text/plain", "hello, world"),
	)
	server := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "0.0.1"}),
		mcpservice.WithToolsFrom(tools),
		mcpservice.WithResourcesFrom(resources),
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h, err := streaminghttp.New(ctx, "http://127.0.0.1/mcp", memoryhost.New(), server, authtest.NewNoAuth("user-1"))
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, tools
}

func doPost(t *testing.T, srv *httptest.Server, sessID, body string, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Authorization", "Bearer test-token")
	if sessID != "" {
		req.Header.Set("Mcp-Session-Id", sessID)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) *jsonrpc.Response {
	t.Helper()
	defer resp.Body.Close()
	var res jsonrpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return &res
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"test-client","version":"1.0"}}}`

func mustInitialize(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := doPost(t, srv, "", initializeBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessID)
	res := decodeResponse(t, resp)
	require.Nil(t, res.Error)

	ack := doPost(t, srv, sessID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	ack.Body.Close()
	require.Equal(t, http.StatusAccepted, ack.StatusCode)
	return sessID
}

func TestInitializeCreatesSession(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doPost(t, srv, "", initializeBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Mcp-Session-Id"))
	require.Equal(t, mcp.LatestProtocolVersion, resp.Header.Get("Mcp-Protocol-Version"))

	res := decodeResponse(t, resp)
	require.Nil(t, res.Error)
	var initRes mcp.InitializeResult
	require.NoError(t, json.Unmarshal(res.Result, &initRes))
	require.Equal(t, "test-server", initRes.ServerInfo.Name)
	require.NotNil(t, initRes.Capabilities.Tools)
}

func TestFirstContactMustBeInitialize(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doPost(t, srv, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSecondInitializeOnSessionRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := mustInitialize(t, srv)

	resp := doPost(t, srv, sessID, initializeBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeResponse(t, resp)
	require.NotNil(t, res.Error)
	require.Equal(t, jsonrpc.ErrorCodeInvalidRequest, res.Error.Code)
}

func TestPostRequiresJSONContentType(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doPost(t, srv, "", initializeBody, map[string]string{"Content-Type": "text/plain"})
	resp.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestPostRequiresDualAccept(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, accept := range []string{"text/plain", "application/json", "text/event-stream"} {
		resp := doPost(t, srv, "", initializeBody, map[string]string{"Accept": accept})
		resp.Body.Close()
		require.Equal(t, http.StatusNotAcceptable, resp.StatusCode, "accept %q", accept)
	}
}

func TestParseErrorGetsErrorEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := mustInitialize(t, srv)

	resp := doPost(t, srv, sessID, `{"jsonrpc":`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeResponse(t, resp)
	require.NotNil(t, res.Error)
	require.Equal(t, jsonrpc.ErrorCodeParseError, res.Error.Code)
}

func TestEmptyBatchRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := mustInitialize(t, srv)

	resp := doPost(t, srv, sessID, `[]`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	res := decodeResponse(t, resp)
	require.NotNil(t, res.Error)
	require.Equal(t, jsonrpc.ErrorCodeInvalidRequest, res.Error.Code)
}

func TestNotificationOnlyEnvelopeAcknowledged(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := mustInitialize(t, srv)

	resp := doPost(t, srv, sessID, `{"jsonrpc":"2.0","method":"notifications/progress"}`, nil)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Empty(t, body)
}

func TestBatchStreamsOneResponsePerRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := mustInitialize(t, srv)

	resp := doPost(t, srv, sessID, `[
		{"jsonrpc":"2.0","id":"a","method":"ping"},
		{"jsonrpc":"2.0","method":"notifications/progress"},
		{"jsonrpc":"2.0","id":"b","method":"tools/list"}
	]`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := collectPostEvents(t, resp)
	require.Len(t, events, 2)

	// Completion order is unspecified; correlate by response id.
	seen := map[string]bool{}
	for _, evt := range events {
		var res jsonrpc.Response
		require.NoError(t, json.Unmarshal([]byte(evt.data), &res))
		require.Nil(t, res.Error)
		seen[res.ID.String()] = true
	}
	require.True(t, seen["a"])
	require.True(t, seen["b"])
}

func TestSingleRequestWithStreamPreferenceGetsEventStream(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := mustInitialize(t, srv)

	resp := doPost(t, srv, sessID, `{"jsonrpc":"2.0","id":7,"method":"ping"}`, map[string]string{
		"Accept": "text/event-stream, application/json;q=0.5",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := collectPostEvents(t, resp)
	require.Len(t, events, 1)
	var res jsonrpc.Response
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &res))
	require.Nil(t, res.Error)
	require.Equal(t, "7", res.ID.String())
}

// collectPostEvents drains a finished streamed POST body into its frames. The
// stream closes when the batch drains, so reading to EOF terminates.
func collectPostEvents(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	defer resp.Body.Close()
	var out []sseEvent
	var evt sseEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			evt.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			evt.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if evt.data != "" {
				out = append(out, evt)
			}
			evt = sseEvent{}
		}
	}
	require.NoError(t, sc.Err())
	return out
}

func TestSingleRequestGetsBareResponseObject(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := mustInitialize(t, srv)

	resp := doPost(t, srv, sessID, `{"jsonrpc":"2.0","id":7,"method":"ping"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(strings.TrimSpace(string(raw)), "{"), "expected object framing, got %s", raw)
}

func TestUnknownToolGetsDomainError(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := mustInitialize(t, srv)

	resp := doPost(t, srv, sessID, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"no-such-tool"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeResponse(t, resp)
	require.NotNil(t, res.Error)
	require.Equal(t, jsonrpc.ErrorCodeTool, res.Error.Code)
	require.NotEqual(t, jsonrpc.ErrorCodeMethodNotFound, res.Error.Code)
}

func TestCallToolOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := mustInitialize(t, srv)

	resp := doPost(t, srv, sessID, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeResponse(t, resp)
	require.Nil(t, res.Error)
	var callRes mcp.CallToolResult
	require.NoError(t, json.Unmarshal(res.Result, &callRes))
	require.Len(t, callRes.Content, 1)
}

func TestUnknownSessionGets404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doPost(t, srv, "not-a-real-token", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMissingAuthorizationGetsChallenge(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader(initializeBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("WWW-Authenticate"), "Bearer"))
}

func TestMalformedAuthorizationRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doPost(t, srv, "", initializeBody, map[string]string{"Authorization": "Basic dXNlcjpwYXNz"})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_request")
}

func TestDeleteTerminatesSession(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := mustInitialize(t, srv)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The session is gone; further traffic on it looks like any unknown session.
	resp2 := doPost(t, srv, sessID, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestDeleteUnknownSessionGets404(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Mcp-Session-Id", "bogus")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRequiresEventStreamAccept(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := mustInitialize(t, srv)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestGetRequiresSessionHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type sseEvent struct {
	id   string
	data string
}

// openStream attaches an SSE consumer to the session and feeds decoded frames
// into the returned channel until the response body is closed.
func openStream(t *testing.T, srv *httptest.Server, sessID, lastEventID string) (<-chan sseEvent, func()) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Mcp-Session-Id", sessID)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		var evt sseEvent
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				evt.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				evt.data = strings.TrimPrefix(line, "data: ")
			case line == "":
				if evt.data != "" {
					events <- evt
				}
				evt = sseEvent{}
			}
		}
	}()
	return events, func() { resp.Body.Close() }
}

func waitEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case evt, ok := <-events:
		require.True(t, ok, "stream closed before an event arrived")
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

func addListedTool(t *testing.T, tools *mcpservice.ToolsContainer, name string) {
	t.Helper()
	require.NoError(t, tools.Add(context.Background(), mcpservice.NewTool[struct{}](name, func(ctx context.Context, session sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[struct{}]) error {
		return w.AppendText("ok")
	})))
}

func TestStreamDeliversListChangedNotifications(t *testing.T) {
	srv, tools := newTestServer(t)
	sessID := mustInitialize(t, srv)

	events, closeStream := openStream(t, srv, sessID, "")
	defer closeStream()

	addListedTool(t, tools, "late-arrival")

	evt := waitEvent(t, events)
	require.NotEmpty(t, evt.id)
	var note jsonrpc.Request
	require.NoError(t, json.Unmarshal([]byte(evt.data), &note))
	require.Equal(t, "notifications/tools/list_changed", note.Method)
}

func TestStreamResumesAfterLastEventID(t *testing.T) {
	srv, tools := newTestServer(t)
	sessID := mustInitialize(t, srv)

	events, closeStream := openStream(t, srv, sessID, "")
	addListedTool(t, tools, "first")
	first := waitEvent(t, events)
	closeStream()

	// Published while no consumer is attached; must not be lost.
	addListedTool(t, tools, "second")

	// Give the fan-out goroutine time to write before we resume.
	require.Eventually(t, func() bool {
		events2, closeStream2 := openStream(t, srv, sessID, first.id)
		defer closeStream2()
		select {
		case evt, ok := <-events2:
			if !ok {
				return false
			}
			require.NotEqual(t, first.id, evt.id)
			var note jsonrpc.Request
			require.NoError(t, json.Unmarshal([]byte(evt.data), &note))
			require.Equal(t, "notifications/tools/list_changed", note.Method)
			return true
		case <-time.After(500 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)
}

func TestWellKnownEndpointsRespond(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/.well-known/oauth-protected-resource/mcp")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
}

func TestProtocolVersionMismatchRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := mustInitialize(t, srv)

	resp := doPost(t, srv, sessID, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, map[string]string{
		"Mcp-Protocol-Version": "1999-01-01",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
