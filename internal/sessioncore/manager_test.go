package sessioncore

import (
	"context"
	"testing"
	"time"

	"github.com/streamplane/mcpd/sessions"
	"github.com/streamplane/mcpd/sessions/memoryhost"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	m, err := NewManager(memoryhost.New(), nil, cfg)
	require.NoError(t, err)
	return m
}

func TestCreateAndResolveRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, ManagerConfig{})

	caps := sessions.CapabilitySet{Tools: true, Logging: true}
	h, err := m.CreateSession(ctx, "user-1", "2025-06-18", caps, sessions.ClientInfo{Name: "c", Version: "1"})
	require.NoError(t, err)
	require.NotEmpty(t, h.WireToken())
	require.NotEqual(t, h.SessionID(), h.WireToken())

	got, err := m.ResolveSession(ctx, h.WireToken(), "user-1")
	require.NoError(t, err)
	require.Equal(t, h.SessionID(), got.SessionID())
	require.Equal(t, "2025-06-18", got.ProtocolVersion())
	require.Equal(t, caps, got.Capabilities())
}

func TestResolveRejectsTamperedToken(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, ManagerConfig{})

	h, err := m.CreateSession(ctx, "user-1", "2025-06-18", sessions.CapabilitySet{}, sessions.ClientInfo{})
	require.NoError(t, err)

	tampered := h.WireToken() + "x"
	_, err = m.ResolveSession(ctx, tampered, "user-1")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ResolveSession(ctx, "not-a-token", "user-1")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestResolveRejectsWrongUser(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, ManagerConfig{})

	h, err := m.CreateSession(ctx, "user-1", "2025-06-18", sessions.CapabilitySet{}, sessions.ClientInfo{})
	require.NoError(t, err)

	_, err = m.ResolveSession(ctx, h.WireToken(), "user-2")
	require.ErrorIs(t, err, ErrSessionUserMismatch)
}

func TestTerminateThenResolveNotFound(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, ManagerConfig{})

	h, err := m.CreateSession(ctx, "user-1", "2025-06-18", sessions.CapabilitySet{}, sessions.ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, m.TerminateSession(ctx, h.WireToken()))
	require.ErrorIs(t, m.TerminateSession(ctx, h.WireToken()), ErrSessionNotFound)

	_, err = m.ResolveSession(ctx, h.WireToken(), "user-1")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestIdleStateDerivedFromInactivity(t *testing.T) {
	ctx := context.Background()
	host := memoryhost.New()
	m, err := NewManager(host, nil, ManagerConfig{IdleAfter: time.Minute})
	require.NoError(t, err)

	h, err := m.CreateSession(ctx, "user-1", "2025-06-18", sessions.CapabilitySet{}, sessions.ClientInfo{})
	require.NoError(t, err)
	require.NotEqual(t, sessions.StateIdle, h.State())

	// Backdate past the idle threshold but well inside the TTL.
	require.NoError(t, host.MutateSession(ctx, h.SessionID(), func(meta *sessions.SessionMetadata) error {
		meta.LastAccess = time.Now().UTC().Add(-10 * time.Minute)
		return nil
	}))

	got, err := m.ResolveSession(ctx, h.WireToken(), "user-1")
	require.NoError(t, err)
	require.Equal(t, sessions.StateIdle, got.State())

	// Activity revives the session: an activated, freshly touched record
	// presents as active again.
	require.NoError(t, got.Activate(ctx))
	require.NoError(t, host.TouchSession(ctx, got.SessionID(), time.Now().UTC()))
	fresh, err := m.ResolveSession(ctx, h.WireToken(), "user-1")
	require.NoError(t, err)
	require.Equal(t, sessions.StateActive, fresh.State())
}

func TestExpiredSessionRemovedOnResolve(t *testing.T) {
	ctx := context.Background()
	host := memoryhost.New()
	m, err := NewManager(host, nil, ManagerConfig{})
	require.NoError(t, err)

	h, err := m.CreateSession(ctx, "user-1", "2025-06-18", sessions.CapabilitySet{}, sessions.ClientInfo{})
	require.NoError(t, err)

	// Backdate the last access far past the TTL.
	require.NoError(t, host.MutateSession(ctx, h.SessionID(), func(meta *sessions.SessionMetadata) error {
		meta.TTL = time.Minute
		meta.LastAccess = time.Now().UTC().Add(-time.Hour)
		return nil
	}))

	_, err = m.ResolveSession(ctx, h.WireToken(), "user-1")
	require.ErrorIs(t, err, ErrSessionNotFound)

	// The lazy removal is indistinguishable from never having existed.
	_, err = host.GetSession(ctx, h.SessionID())
	require.ErrorIs(t, err, sessions.ErrSessionNotFound)
}

func TestHandleStateAndLoggingLevel(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, ManagerConfig{})

	h, err := m.CreateSession(ctx, "user-1", "2025-06-18", sessions.CapabilitySet{Logging: true}, sessions.ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, sessions.StateCreated, h.State())

	require.NoError(t, h.Activate(ctx))
	require.NoError(t, h.SetLoggingLevel(ctx, "warning"))

	got, err := m.ResolveSession(ctx, h.WireToken(), "user-1")
	require.NoError(t, err)
	require.Equal(t, sessions.StateActive, got.State())
	require.Equal(t, "warning", string(got.LoggingLevel()))
}

func TestPutDataEnforcesSizeLimit(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, ManagerConfig{DataMaxValueBytes: 4})

	h, err := m.CreateSession(ctx, "user-1", "2025-06-18", sessions.CapabilitySet{}, sessions.ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, h.PutData(ctx, "k", []byte("1234")))
	require.ErrorIs(t, h.PutData(ctx, "k", []byte("12345")), ErrDataTooLarge)
}
