package sessions

import "context"

// Session represents a negotiated MCP session. Implementations MUST be safe
// for concurrent use.
type Session interface {
	SessionID() string
	UserID() string
	// ProtocolVersion is the negotiated MCP protocol version baked into the
	// session at initialize time.
	ProtocolVersion() string
}

// MessageHandlerFunction handles ordered messages for a session stream.
// If the handler returns an error, the subscription will terminate with that error.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// ClientInfo records optional client identity details supplied at
// initialization for observability / logging. All fields are optional.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// SessionData is an optional extension for per-session key/value storage.
// Callers should use a type assertion: if ds, ok := sess.(SessionData); ok { ... }.
type SessionData interface {
	PutData(ctx context.Context, key string, value []byte) error
	GetData(ctx context.Context, key string) ([]byte, error)
	DeleteData(ctx context.Context, key string) error
}
