package memoryhost

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/streamplane/mcpd/sessions"
)

// DefaultRetention is the number of events kept per session for stream
// resumption.
const DefaultRetention = 1024

// Option configures the host.
type Option func(*Host)

// WithRetention sets the per-session event retention window. A subscriber
// presenting a cursor older than the window resumes from the present.
func WithRetention(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.retention = n
		}
	}
}

// Host is an in-memory implementation of sessions.SessionHost. It is suitable
// for single-instance servers and tests.
type Host struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionState
	retention int
}

type sessionState struct {
	mu   sync.RWMutex
	meta *sessions.SessionMetadata
	data map[string][]byte

	// Ordered event log. Cursor ids are strictly increasing per session and
	// bounded by the retention window; the LRU evicts oldest-first since
	// writes and reads both advance in cursor order.
	events      *lru.Cache[int64, []byte]
	nextCursor  int64
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	notify chan struct{}
	stop   chan struct{}
}

func New(opts ...Option) *Host {
	h := &Host{
		sessions:  make(map[string]*sessionState),
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// --- Metadata lifecycle ---

func (h *Host) CreateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sessions[meta.SessionID]; exists {
		return sessions.ErrSessionExists
	}
	events, err := lru.New[int64, []byte](h.retention)
	if err != nil {
		return err
	}
	cp := *meta
	h.sessions[meta.SessionID] = &sessionState{
		meta:        &cp,
		data:        make(map[string][]byte),
		events:      events,
		subscribers: make(map[*subscriber]struct{}),
	}
	return nil
}

func (h *Host) GetSession(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	ss, err := h.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	cp := *ss.meta
	return &cp, nil
}

func (h *Host) MutateSession(ctx context.Context, sessionID string, fn func(*sessions.SessionMetadata) error) error {
	ss, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	cp := *ss.meta
	if err := fn(&cp); err != nil {
		return err
	}
	cp.UpdatedAt = time.Now().UTC()
	ss.meta = &cp
	return nil
}

func (h *Host) TouchSession(ctx context.Context, sessionID string, now time.Time) error {
	ss, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if now.After(ss.meta.LastAccess) {
		cp := *ss.meta
		cp.LastAccess = now
		ss.meta = &cp
	}
	return nil
}

func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	ss, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return sessions.ErrSessionNotFound
	}
	ss.teardown()
	return nil
}

// SweepExpired removes lapsed sessions. Expiry is re-checked under each
// session's write lock so a concurrent touch that lands first wins and the
// session survives.
func (h *Host) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	h.mu.RLock()
	candidates := make(map[string]*sessionState, len(h.sessions))
	for id, ss := range h.sessions {
		candidates[id] = ss
	}
	h.mu.RUnlock()

	var removed []string
	for id, ss := range candidates {
		ss.mu.Lock()
		expired := ss.meta.ExpiredAt(now)
		if expired {
			cp := *ss.meta
			cp.State = sessions.StateExpired
			ss.meta = &cp
		}
		ss.mu.Unlock()
		if !expired {
			continue
		}

		h.mu.Lock()
		cur, ok := h.sessions[id]
		if ok && cur == ss {
			delete(h.sessions, id)
		} else {
			ok = false
		}
		h.mu.Unlock()
		if ok {
			ss.teardown()
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// --- Messaging ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	ss, err := h.lookup(sessionID)
	if err != nil {
		return "", err
	}

	ss.mu.Lock()
	ss.nextCursor++
	cursor := ss.nextCursor
	ss.events.Add(cursor, append([]byte(nil), data...))
	subs := make([]*subscriber, 0, len(ss.subscribers))
	for sub := range ss.subscribers {
		subs = append(subs, sub)
	}
	ss.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.notify <- struct{}{}:
		default:
			// Subscriber already has a wakeup pending.
		}
	}
	return strconv.FormatInt(cursor, 10), nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	ss, err := h.lookup(sessionID)
	if err != nil {
		return err
	}

	// A malformed or out-of-window cursor resumes from the present.
	var after int64
	parsed := false
	if lastEventID != "" {
		if v, err := strconv.ParseInt(lastEventID, 10, 64); err == nil {
			after = v
			parsed = true
		}
	}

	sub := &subscriber{notify: make(chan struct{}, 1), stop: make(chan struct{})}
	ss.mu.Lock()
	ss.subscribers[sub] = struct{}{}
	latest := ss.nextCursor
	if !parsed || after > latest || !ss.retainedLocked(after+1) {
		after = latest
	}
	ss.mu.Unlock()
	defer func() {
		ss.mu.Lock()
		delete(ss.subscribers, sub)
		ss.mu.Unlock()
	}()

	for {
		// Drain everything past the subscriber's cursor in order.
		for {
			ss.mu.RLock()
			latest := ss.nextCursor
			var (
				data []byte
				ok   bool
			)
			if after < latest {
				// Peek keeps recency order equal to insertion order so the
				// cache always evicts the oldest cursor first.
				data, ok = ss.events.Peek(after + 1)
			}
			ss.mu.RUnlock()
			if after >= latest {
				break
			}
			after++
			if !ok {
				// Evicted while draining; the gap is lost.
				continue
			}
			if err := handler(ctx, strconv.FormatInt(after, 10), data); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.stop:
			return nil
		case <-sub.notify:
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	ss, err := h.lookup(sessionID)
	if err != nil {
		return nil
	}
	ss.teardown()
	return nil
}

// --- KV storage ---

func (h *Host) PutSessionData(ctx context.Context, sessionID, key string, value []byte) error {
	ss, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	ss.data[key] = append([]byte(nil), value...)
	ss.mu.Unlock()
	return nil
}

func (h *Host) GetSessionData(ctx context.Context, sessionID, key string) ([]byte, error) {
	ss, err := h.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	v, ok := ss.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (h *Host) DeleteSessionData(ctx context.Context, sessionID, key string) error {
	ss, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	delete(ss.data, key)
	ss.mu.Unlock()
	return nil
}

func (h *Host) ListSessionData(ctx context.Context, sessionID, prefix string) ([]string, error) {
	ss, err := h.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	var keys []string
	for k := range ss.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// --- internals ---

func (h *Host) lookup(sessionID string) (*sessionState, error) {
	h.mu.RLock()
	ss, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return ss, nil
}

// retainedLocked reports whether the cursor is still within the retention
// window. Callers hold ss.mu.
func (ss *sessionState) retainedLocked(cursor int64) bool {
	if cursor > ss.nextCursor {
		return false
	}
	_, ok := ss.events.Peek(cursor)
	return ok
}

func (ss *sessionState) teardown() {
	ss.mu.Lock()
	subs := make([]*subscriber, 0, len(ss.subscribers))
	for sub := range ss.subscribers {
		subs = append(subs, sub)
	}
	ss.subscribers = make(map[*subscriber]struct{})
	ss.events.Purge()
	ss.data = make(map[string][]byte)
	ss.mu.Unlock()
	for _, sub := range subs {
		select {
		case <-sub.stop:
		default:
			close(sub.stop)
		}
	}
}

// Ensure interface compliance
var _ sessions.SessionHost = (*Host)(nil)
