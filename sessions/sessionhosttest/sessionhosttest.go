package sessionhosttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streamplane/mcpd/internal/jsonrpc"
	"github.com/streamplane/mcpd/sessions"
)

// HostFactory creates a new SessionHost instance for testing.
type HostFactory func(t *testing.T) sessions.SessionHost

// RunSessionHostTests runs the complete SessionHost test suite against the provided factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Messaging_PublishAfterSubscribe", func(t *testing.T) { testPublishAndSubscribeFromBeginning(t, factory) })
	t.Run("Messaging_PublishAndResumeFromLastEventID", func(t *testing.T) { testPublishAndSubscribeFromLastEventID(t, factory) })
	t.Run("Messaging_IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("Messaging_SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionContextCancellation(t, factory) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })

	t.Run("Metadata_CreateGetRoundTrip", func(t *testing.T) { testMetadataRoundTrip(t, factory) })
	t.Run("Metadata_CreateDuplicateFails", func(t *testing.T) { testCreateDuplicate(t, factory) })
	t.Run("Metadata_MutatePersists", func(t *testing.T) { testMutatePersists(t, factory) })
	t.Run("Metadata_DeleteThenGetNotFound", func(t *testing.T) { testDeleteThenGet(t, factory) })
	t.Run("Sweep_RemovesOnlyExpired", func(t *testing.T) { testSweepRemovesOnlyExpired(t, factory) })
	t.Run("Sweep_TouchedSessionSurvives", func(t *testing.T) { testSweepTouchRace(t, factory) })

	t.Run("KV_PutGetDeleteList", func(t *testing.T) { testKV(t, factory) })
}

func newMeta(sessionID string, ttl time.Duration) *sessions.SessionMetadata {
	now := time.Now().UTC()
	return &sessions.SessionMetadata{
		MetaVersion: 1,
		SessionID:   sessionID,
		UserID:      "user-1",
		State:       sessions.StateCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastAccess:  now,
		TTL:         ttl,
	}
}

func mustCreate(t *testing.T, h sessions.SessionHost, sessionID string, ttl time.Duration) {
	t.Helper()
	if err := h.CreateSession(context.Background(), newMeta(sessionID, ttl)); err != nil {
		t.Fatalf("create session %s: %v", sessionID, err)
	}
}

// --- Messaging tests ---

func testPublishAndSubscribeFromBeginning(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := "sess-1"
	mustCreate(t, h, sessionID, time.Hour)

	req := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "test/method", ID: jsonrpc.NewRequestID(1)}
	reqBytes, _ := json.Marshal(req)

	var received []struct {
		id   string
		data []byte
	}
	var mu sync.Mutex

	done := make(chan error, 1)
	go func() {
		err := h.SubscribeSession(ctx, sessionID, "", func(ctx context.Context, msgID string, msg []byte) error {
			mu.Lock()
			received = append(received, struct {
				id   string
				data []byte
			}{msgID, msg})
			mu.Unlock()
			cancel()
			return nil
		})
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)

	evID, err := h.PublishSession(ctx, sessionID, reqBytes)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if evID == "" {
		t.Fatalf("expected non-empty event id")
	}

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			t.Fatalf("subscribe returned: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 message, got %d", len(received))
	}
	if received[0].id != evID {
		t.Fatalf("expected event id %s, got %s", evID, received[0].id)
	}

	var got jsonrpc.Request
	if err := json.Unmarshal(received[0].data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Method != req.Method {
		t.Fatalf("expected method %s, got %s", req.Method, got.Method)
	}
}

func testPublishAndSubscribeFromLastEventID(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := "sess-2"
	mustCreate(t, h, sessionID, time.Hour)

	r1 := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "test/m1", ID: jsonrpc.NewRequestID(1)}
	b1, _ := json.Marshal(r1)
	ev1, err := h.PublishSession(ctx, sessionID, b1)
	if err != nil {
		t.Fatalf("publish 1: %v", err)
	}

	r2 := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "test/m2", ID: jsonrpc.NewRequestID(2)}
	b2, _ := json.Marshal(r2)
	ev2, err := h.PublishSession(ctx, sessionID, b2)
	if err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	var received []struct {
		id   string
		data []byte
	}
	var mu sync.Mutex
	done := make(chan error, 1)

	go func() {
		err := h.SubscribeSession(ctx, sessionID, ev1, func(ctx context.Context, msgID string, msg []byte) error {
			mu.Lock()
			received = append(received, struct {
				id   string
				data []byte
			}{msgID, msg})
			mu.Unlock()
			cancel()
			return nil
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			t.Fatalf("subscribe: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 msg, got %d", len(received))
	}
	if received[0].id != ev2 {
		t.Fatalf("expected id %s, got %s", ev2, received[0].id)
	}

	var got jsonrpc.Request
	if err := json.Unmarshal(received[0].data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Method != r2.Method {
		t.Fatalf("expected %s, got %s", r2.Method, got.Method)
	}
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1, s2 := "sess-3a", "sess-3b"
	mustCreate(t, h, s1, time.Hour)
	mustCreate(t, h, s2, time.Hour)

	r1 := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "test/a", ID: jsonrpc.NewRequestID(1)}
	b1, _ := json.Marshal(r1)
	r2 := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "test/b", ID: jsonrpc.NewRequestID(2)}
	b2, _ := json.Marshal(r2)

	var got1, got2 []string
	var mu1, mu2 sync.Mutex

	d1 := make(chan error, 1)
	go func() {
		err := h.SubscribeSession(ctx, s1, "", func(ctx context.Context, id string, msg []byte) error {
			var req jsonrpc.Request
			_ = json.Unmarshal(msg, &req)
			mu1.Lock()
			got1 = append(got1, req.Method)
			mu1.Unlock()
			return nil
		})
		d1 <- err
	}()

	d2 := make(chan error, 1)
	go func() {
		err := h.SubscribeSession(ctx, s2, "", func(ctx context.Context, id string, msg []byte) error {
			var req jsonrpc.Request
			_ = json.Unmarshal(msg, &req)
			mu2.Lock()
			got2 = append(got2, req.Method)
			mu2.Unlock()
			return nil
		})
		d2 <- err
	}()

	time.Sleep(100 * time.Millisecond)
	if _, err := h.PublishSession(ctx, s1, b1); err != nil {
		t.Fatalf("publish s1: %v", err)
	}
	if _, err := h.PublishSession(ctx, s2, b2); err != nil {
		t.Fatalf("publish s2: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	cancel()

	<-d1
	<-d2

	mu1.Lock()
	c1 := len(got1)
	mu1.Unlock()
	mu2.Lock()
	c2 := len(got2)
	mu2.Unlock()
	if c1 != 1 {
		t.Fatalf("s1 expected 1, got %d", c1)
	}
	if c2 != 1 {
		t.Fatalf("s2 expected 1, got %d", c2)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	sessionID := "sess-4"
	mustCreate(t, h, sessionID, time.Hour)
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sessionID, "", func(ctx context.Context, id string, msg []byte) error { return nil })
	}()

	select {
	case err := <-done:
		if err != context.DeadlineExceeded {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := "sess-5"
	mustCreate(t, h, sessionID, time.Hour)
	req := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "test/m", ID: jsonrpc.NewRequestID(1)}
	b, _ := json.Marshal(req)
	expectedErr := errors.New("handler error")

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sessionID, "", func(ctx context.Context, id string, msg []byte) error { return expectedErr })
	}()
	time.Sleep(100 * time.Millisecond)
	if _, err := h.PublishSession(ctx, sessionID, b); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, expectedErr) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}
}

// --- Metadata tests ---

func testMetadataRoundTrip(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	meta := newMeta("meta-1", time.Hour)
	meta.ProtocolVersion = "2025-06-18"
	meta.Capabilities = sessions.CapabilitySet{Tools: true, Logging: true}
	meta.Client = sessions.ClientInfo{Name: "test-client", Version: "1.0"}
	if err := h.CreateSession(ctx, meta); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := h.GetSession(ctx, "meta-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SessionID != meta.SessionID || got.UserID != meta.UserID {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if got.ProtocolVersion != meta.ProtocolVersion {
		t.Fatalf("protocol version mismatch: %q", got.ProtocolVersion)
	}
	if !got.Capabilities.Tools || !got.Capabilities.Logging || got.Capabilities.Prompts {
		t.Fatalf("capability mismatch: %+v", got.Capabilities)
	}
	if got.State != sessions.StateCreated {
		t.Fatalf("expected created state, got %s", got.State)
	}
}

func testCreateDuplicate(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	mustCreate(t, h, "dup-1", time.Hour)
	err := h.CreateSession(ctx, newMeta("dup-1", time.Hour))
	if !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func testMutatePersists(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	mustCreate(t, h, "mut-1", time.Hour)

	if err := h.MutateSession(ctx, "mut-1", func(m *sessions.SessionMetadata) error {
		m.State = sessions.StateActive
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	got, err := h.GetSession(ctx, "mut-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != sessions.StateActive {
		t.Fatalf("expected active, got %s", got.State)
	}
}

func testDeleteThenGet(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	mustCreate(t, h, "del-1", time.Hour)
	if err := h.DeleteSession(ctx, "del-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.GetSession(ctx, "del-1"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := h.DeleteSession(ctx, "del-1"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second delete, got %v", err)
	}
	if err := h.DeleteSession(ctx, "never-existed"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for unknown id, got %v", err)
	}
}

func testSweepRemovesOnlyExpired(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	mustCreate(t, h, "sweep-live", time.Hour)

	stale := newMeta("sweep-stale", time.Minute)
	stale.LastAccess = time.Now().UTC().Add(-10 * time.Minute)
	if err := h.CreateSession(ctx, stale); err != nil {
		t.Fatalf("create stale: %v", err)
	}

	removed, err := h.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(removed) != 1 || removed[0] != "sweep-stale" {
		t.Fatalf("expected [sweep-stale], got %v", removed)
	}

	if _, err := h.GetSession(ctx, "sweep-live"); err != nil {
		t.Fatalf("live session removed: %v", err)
	}
	if _, err := h.GetSession(ctx, "sweep-stale"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("stale session survived: %v", err)
	}
}

// A touch racing the sweep must win: the sweep re-checks LastAccess under
// exclusive access, so a freshly touched session is never removed.
func testSweepTouchRace(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	meta := newMeta("race-1", time.Minute)
	meta.LastAccess = time.Now().UTC().Add(-10 * time.Minute)
	if err := h.CreateSession(ctx, meta); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = h.TouchSession(ctx, "race-1", now)
	}()
	var removed []string
	go func() {
		defer wg.Done()
		removed, _ = h.SweepExpired(ctx, now)
	}()
	wg.Wait()

	_, err := h.GetSession(ctx, "race-1")
	if len(removed) == 0 {
		// Touch won: the session must still resolve.
		if err != nil {
			t.Fatalf("session neither removed nor resolvable: %v", err)
		}
	} else {
		// Sweep won: the touch landed after removal and the id is gone.
		if !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("removed session still resolvable: %v", err)
		}
	}
}

// --- KV tests ---

func testKV(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	mustCreate(t, h, "kv-1", time.Hour)

	if err := h.PutSessionData(ctx, "kv-1", "sub:file:///a.txt", []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := h.PutSessionData(ctx, "kv-1", "sub:file:///b.txt", []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := h.PutSessionData(ctx, "kv-1", "other", []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}

	v, err := h.GetSessionData(ctx, "kv-1", "other")
	if err != nil || string(v) != "x" {
		t.Fatalf("get: %v %q", err, v)
	}

	keys, err := h.ListSessionData(ctx, "kv-1", "sub:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}

	if err := h.DeleteSessionData(ctx, "kv-1", "other"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	v, err = h.GetSessionData(ctx, "kv-1", "other")
	if err != nil || v != nil {
		t.Fatalf("expected nil after delete, got %v %q", err, v)
	}
}
