package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound indicates the session id is unknown to the host.
	// Hosts return it for expired, terminated, and never-existent ids alike
	// so callers cannot distinguish why an id failed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates a create collided with an existing id.
	ErrSessionExists = errors.New("session already exists")
)

// SessionHost is the durability and coordination contract behind the session
// manager. It combines session metadata CRUD with an ordered, resumable
// per-session message log and a small per-session KV store, and works across
// in-memory and distributed implementations.
type SessionHost interface {
	// Metadata lifecycle.
	CreateSession(ctx context.Context, meta *SessionMetadata) error
	GetSession(ctx context.Context, sessionID string) (*SessionMetadata, error)
	// MutateSession applies fn to the stored metadata under the host's write
	// lock and persists the result. fn must be short and free of I/O.
	MutateSession(ctx context.Context, sessionID string, fn func(*SessionMetadata) error) error
	// TouchSession advances LastAccess to now. It is the only mutation allowed
	// to race with SweepExpired; the sweep re-checks LastAccess under
	// exclusive access so a touched session is never removed.
	TouchSession(ctx context.Context, sessionID string, now time.Time) error
	// DeleteSession removes the session and tears down its stream and
	// subscriptions. Returns ErrSessionNotFound for an unknown id.
	DeleteSession(ctx context.Context, sessionID string) error

	// SweepExpired removes every session whose activity window lapsed as of
	// now, tearing down its message log and subscriptions. It returns the ids
	// removed. Safe to call concurrently with normal traffic and with itself.
	SweepExpired(ctx context.Context, now time.Time) ([]string, error)

	// Messaging — ordered per session ID with resume via lastEventID. Event
	// ids are strictly increasing per session. A lastEventID older than the
	// host's retention window resumes from the present; the gap is lost.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error
	// CleanupSession tears down the message log and live subscriptions
	// without touching metadata. DeleteSession implies it.
	CleanupSession(ctx context.Context, sessionID string) error

	// KV storage, bounded and session-scoped.
	PutSessionData(ctx context.Context, sessionID, key string, value []byte) error
	GetSessionData(ctx context.Context, sessionID, key string) ([]byte, error)
	DeleteSessionData(ctx context.Context, sessionID, key string) error
	// ListSessionData returns the keys under the session with the given
	// prefix, in unspecified order.
	ListSessionData(ctx context.Context, sessionID, prefix string) ([]string, error)
}
