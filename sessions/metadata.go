package sessions

import (
	"time"

	"github.com/streamplane/mcpd/mcp"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateCreated means the initialize handshake succeeded but the client has
	// not yet confirmed with notifications/initialized.
	StateCreated State = "created"
	// StateActive means the session is fully open for traffic.
	StateActive State = "active"
	// StateIdle is a derived state: the session is open but has seen no
	// activity for longer than the idle threshold. It is never persisted.
	StateIdle State = "idle"
	// StateExpired means the session's activity window lapsed. Expired
	// sessions are removed by the sweep; the state exists transiently so the
	// sweep and explicit termination share one cleanup path.
	StateExpired State = "expired"
	// StateTerminated means the client explicitly ended the session.
	StateTerminated State = "terminated"
)

// CapabilitySet captures the server capability surface frozen at initialize
// time. It reflects which feature registries were enabled at that instant;
// later enablement changes do not alter an existing session's set. Booleans
// keep it cheap to serialize, compare, and extend.
type CapabilitySet struct {
	Tools              bool `json:"tools,omitempty"`
	Resources          bool `json:"resources,omitempty"`
	ResourcesSubscribe bool `json:"resources_subscribe,omitempty"`
	Prompts            bool `json:"prompts,omitempty"`
	Completions        bool `json:"completions,omitempty"`
	Logging            bool `json:"logging,omitempty"`
}

// SessionMetadata is the authoritative persisted representation of an MCP
// session.
//
// Fields marked immutable must not be changed after creation. Timestamps are
// wall-clock times in UTC. TTL is a sliding window: the host expires a
// session once LastAccess + TTL < now (subject to touch debounce). If
// MaxLifetime > 0, the session also expires once CreatedAt + MaxLifetime <
// now regardless of activity.
type SessionMetadata struct {
	MetaVersion     int           `json:"meta_version"`               // For forward migration; starts at 1
	SessionID       string        `json:"session_id"`                 // immutable
	UserID          string        `json:"user_id"`                    // immutable
	ProtocolVersion string        `json:"protocol_version,omitempty"` // immutable after creation handshake
	Client          ClientInfo    `json:"client,omitempty"`           // immutable
	Capabilities    CapabilitySet `json:"capabilities,omitempty"`     // immutable

	State        State            `json:"state"`
	LoggingLevel mcp.LoggingLevel `json:"logging_level,omitempty"`

	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	LastAccess  time.Time     `json:"last_access"`
	TTL         time.Duration `json:"ttl"`
	MaxLifetime time.Duration `json:"max_lifetime,omitempty"`
}

// ExpiresAt returns the instant the session lapses given its activity window,
// accounting for MaxLifetime when set.
func (m *SessionMetadata) ExpiresAt() time.Time {
	exp := m.LastAccess.Add(m.TTL)
	if m.MaxLifetime > 0 {
		if hard := m.CreatedAt.Add(m.MaxLifetime); hard.Before(exp) {
			exp = hard
		}
	}
	return exp
}

// ExpiredAt reports whether the session has lapsed as of now.
func (m *SessionMetadata) ExpiredAt(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.ExpiresAt())
}

// StateAt derives the externally visible state as of now. Persisted Created
// and Active states degrade to Idle once inactivity exceeds the idle
// threshold, and to Expired once the activity window lapses.
func (m *SessionMetadata) StateAt(now time.Time, idleAfter time.Duration) State {
	switch m.State {
	case StateTerminated, StateExpired:
		return m.State
	}
	if m.ExpiredAt(now) {
		return StateExpired
	}
	if idleAfter > 0 && now.Sub(m.LastAccess) > idleAfter {
		return StateIdle
	}
	return m.State
}
