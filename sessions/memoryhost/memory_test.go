package memoryhost

import (
	"context"
	"testing"
	"time"

	"github.com/streamplane/mcpd/sessions"
	"github.com/streamplane/mcpd/sessions/sessionhosttest"
)

func TestMemorySessionHost(t *testing.T) {
	sessionhosttest.RunSessionHostTests(t, func(t *testing.T) sessions.SessionHost {
		return New()
	})
}

// A subscriber resuming from a cursor that fell out of the retention window
// must start from the present rather than fail or replay a gap.
func TestResumeBeyondRetentionStartsFromPresent(t *testing.T) {
	h := New(WithRetention(4))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	meta := &sessions.SessionMetadata{
		MetaVersion: 1,
		SessionID:   "ret-1",
		UserID:      "user-1",
		State:       sessions.StateCreated,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
		LastAccess:  time.Now().UTC(),
		TTL:         time.Hour,
	}
	if err := h.CreateSession(ctx, meta); err != nil {
		t.Fatalf("create: %v", err)
	}

	var first string
	for i := 0; i < 10; i++ {
		id, err := h.PublishSession(ctx, "ret-1", []byte(`{"jsonrpc":"2.0","method":"noop"}`))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		if i == 0 {
			first = id
		}
	}

	// The first cursor is long evicted; resuming from it must deliver only
	// events published after the subscription starts.
	got := make(chan string, 1)
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go func() {
		_ = h.SubscribeSession(subCtx, "ret-1", first, func(ctx context.Context, id string, msg []byte) error {
			got <- string(msg)
			subCancel()
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)
	if _, err := h.PublishSession(ctx, "ret-1", []byte(`{"jsonrpc":"2.0","method":"fresh"}`)); err != nil {
		t.Fatalf("publish fresh: %v", err)
	}

	select {
	case msg := <-got:
		if msg != `{"jsonrpc":"2.0","method":"fresh"}` {
			t.Fatalf("expected only the fresh event, got %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fresh event")
	}
}

func TestMalformedCursorStartsFromPresent(t *testing.T) {
	h := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	meta := &sessions.SessionMetadata{
		MetaVersion: 1,
		SessionID:   "cur-1",
		UserID:      "user-1",
		State:       sessions.StateCreated,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
		LastAccess:  time.Now().UTC(),
		TTL:         time.Hour,
	}
	if err := h.CreateSession(ctx, meta); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Retained history that a zero-valued cursor would replay.
	for i := 0; i < 3; i++ {
		if _, err := h.PublishSession(ctx, "cur-1", []byte(`{"jsonrpc":"2.0","method":"old"}`)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	got := make(chan string, 1)
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go func() {
		_ = h.SubscribeSession(subCtx, "cur-1", "not-a-cursor", func(ctx context.Context, id string, msg []byte) error {
			got <- string(msg)
			subCancel()
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)
	if _, err := h.PublishSession(ctx, "cur-1", []byte(`{"jsonrpc":"2.0","method":"fresh"}`)); err != nil {
		t.Fatalf("publish fresh: %v", err)
	}

	select {
	case msg := <-got:
		if msg != `{"jsonrpc":"2.0","method":"fresh"}` {
			t.Fatalf("expected only the fresh event, got %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fresh event")
	}
}
