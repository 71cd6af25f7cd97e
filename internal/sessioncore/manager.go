package sessioncore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streamplane/mcpd/sessions"
)

// MetricsSink allows optional instrumentation without a hard dependency on a
// specific metrics library.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	DefaultTTL        time.Duration
	MinTTL            time.Duration
	MaxTTL            time.Duration
	TouchDebounce     time.Duration
	SweepInterval     time.Duration
	IdleAfter         time.Duration
	DataMaxValueBytes int
	Metrics           MetricsSink
	Logger            *slog.Logger
}

func (c *ManagerConfig) applyDefaults() {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = time.Hour
	}
	if c.TouchDebounce == 0 {
		c.TouchDebounce = 5 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.IdleAfter == 0 {
		c.IdleAfter = 5 * time.Minute
	}
	if c.DataMaxValueBytes == 0 {
		c.DataMaxValueBytes = 8 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Errors returned by the manager.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionUserMismatch = errors.New("session user mismatch")
	ErrInvalidToken        = errors.New("invalid session token")
	ErrDataTooLarge        = errors.New("session data value exceeds max bytes")
)

// Manager orchestrates creation, resolution, and termination of sessions
// backed by host-stored metadata. The ids it hands to clients are compact JWS
// tokens wrapping the backend session id, so a forged or tampered id fails
// verification before it ever reaches the host. Safe for concurrent use.
type Manager struct {
	host   sessions.SessionHost
	tokens JWSSignerVerifier
	cfg    ManagerConfig

	lastTouchMu sync.Mutex
	lastTouch   map[string]time.Time
}

// NewManager constructs a session manager. If signer is nil an ephemeral
// in-memory key is generated; tokens minted with it do not survive restarts.
func NewManager(host sessions.SessionHost, signer JWSSignerVerifier, cfg ManagerConfig) (*Manager, error) {
	cfg.applyDefaults()
	if signer == nil {
		var err error
		signer, err = NewEphemeralJWS()
		if err != nil {
			return nil, err
		}
	}
	return &Manager{host: host, tokens: signer, cfg: cfg, lastTouch: make(map[string]time.Time)}, nil
}

// CreateSession allocates a new session record and returns a handle carrying
// the signed wire token. Capabilities are frozen at this point and never
// change for the life of the session.
func (m *Manager) CreateSession(ctx context.Context, userID, proto string, caps sessions.CapabilitySet, client sessions.ClientInfo) (*Handle, error) {
	now := time.Now().UTC()
	ttl := m.cfg.DefaultTTL
	if m.cfg.MinTTL > 0 && ttl < m.cfg.MinTTL {
		ttl = m.cfg.MinTTL
	}
	if m.cfg.MaxTTL > 0 && ttl > m.cfg.MaxTTL {
		ttl = m.cfg.MaxTTL
	}
	meta := &sessions.SessionMetadata{
		MetaVersion:     1,
		SessionID:       uuid.NewString(),
		UserID:          userID,
		ProtocolVersion: proto,
		Client:          client,
		Capabilities:    caps,
		State:           sessions.StateCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastAccess:      now,
		TTL:             ttl,
	}
	if err := m.host.CreateSession(ctx, meta); err != nil {
		return nil, err
	}
	token, err := m.mintToken(meta, now)
	if err != nil {
		// Roll back the orphaned record; the client never saw its id.
		_ = m.host.DeleteSession(ctx, meta.SessionID)
		return nil, err
	}
	m.count("sessions_created", nil)
	return &Handle{meta: meta, token: token, mgr: m}, nil
}

// ResolveSession verifies a wire token, loads the session it names, and
// refreshes its last-access time. Expired sessions are removed on sight
// rather than waiting for the next sweep.
func (m *Manager) ResolveSession(ctx context.Context, token, expectUser string) (*Handle, error) {
	sid, uid, err := m.parseToken(token)
	if err != nil {
		m.count("sessions_resolve_rejected", map[string]string{"reason": "token"})
		return nil, ErrInvalidToken
	}
	meta, err := m.host.GetSession(ctx, sid)
	if err != nil {
		m.count("sessions_resolve_rejected", map[string]string{"reason": "not_found"})
		return nil, ErrSessionNotFound
	}
	now := time.Now().UTC()
	if meta.ExpiredAt(now) {
		_ = m.host.DeleteSession(ctx, sid)
		_ = m.host.CleanupSession(ctx, sid)
		m.count("sessions_resolve_rejected", map[string]string{"reason": "expired"})
		return nil, ErrSessionNotFound
	}
	if meta.UserID != uid || (expectUser != "" && meta.UserID != expectUser) {
		m.count("sessions_resolve_rejected", map[string]string{"reason": "user"})
		return nil, ErrSessionUserMismatch
	}
	m.maybeTouch(sid, now)
	return &Handle{meta: meta, token: token, mgr: m}, nil
}

// TerminateSession removes the session and its event stream. Idempotent:
// terminating an unknown or already-terminated session reports not found,
// the same answer an expired session would get.
func (m *Manager) TerminateSession(ctx context.Context, token string) error {
	sid, _, err := m.parseToken(token)
	if err != nil {
		return ErrInvalidToken
	}
	if err := m.host.DeleteSession(ctx, sid); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	_ = m.host.CleanupSession(ctx, sid)
	m.forgetTouch(sid)
	m.count("sessions_terminated", nil)
	return nil
}

// StartSweeper runs the background expiry sweep until ctx is cancelled.
// It owns its goroutine; callers cancel ctx to stop it.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepOnce(ctx)
			}
		}
	}()
}

func (m *Manager) sweepOnce(ctx context.Context) {
	start := time.Now()
	removed, err := m.host.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		m.cfg.Logger.ErrorContext(ctx, "session.sweep.failed", slog.String("err", err.Error()))
		return
	}
	for _, sid := range removed {
		_ = m.host.CleanupSession(ctx, sid)
		m.forgetTouch(sid)
	}
	if len(removed) > 0 {
		m.cfg.Logger.InfoContext(ctx, "session.sweep.removed", slog.Int("count", len(removed)))
	}
	m.count("sessions_swept", nil)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ObserveHistogram("session_sweep_seconds", time.Since(start).Seconds(), nil)
	}
}

// maybeTouch refreshes last-access at most once per debounce window per
// session so hot sessions do not hammer the host with writes.
func (m *Manager) maybeTouch(sessionID string, now time.Time) {
	if m.cfg.TouchDebounce <= 0 {
		_ = m.host.TouchSession(context.Background(), sessionID, now)
		return
	}
	m.lastTouchMu.Lock()
	last := m.lastTouch[sessionID]
	if !last.IsZero() && now.Sub(last) < m.cfg.TouchDebounce {
		m.lastTouchMu.Unlock()
		m.count("sessions_touch_debounced", nil)
		return
	}
	m.lastTouch[sessionID] = now
	m.lastTouchMu.Unlock()
	go func() { _ = m.host.TouchSession(context.Background(), sessionID, now) }()
}

func (m *Manager) forgetTouch(sessionID string) {
	m.lastTouchMu.Lock()
	delete(m.lastTouch, sessionID)
	m.lastTouchMu.Unlock()
}

func (m *Manager) count(name string, tags map[string]string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.IncCounter(name, tags)
	}
}
