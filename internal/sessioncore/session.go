package sessioncore

import (
	"context"
	"time"

	"github.com/streamplane/mcpd/mcp"
	"github.com/streamplane/mcpd/sessions"
)

// Handle is the engine-facing view of a resolved session. It implements
// sessions.Session and mediates all host access for the session it wraps.
type Handle struct {
	meta  *sessions.SessionMetadata
	token string
	mgr   *Manager
}

var _ sessions.Session = (*Handle)(nil)

func (h *Handle) SessionID() string       { return h.meta.SessionID }
func (h *Handle) UserID() string          { return h.meta.UserID }
func (h *Handle) ProtocolVersion() string { return h.meta.ProtocolVersion }

// WireToken is the signed id presented to clients in the Mcp-Session-Id header.
func (h *Handle) WireToken() string { return h.token }

// Capabilities returns the capability set frozen at session creation.
func (h *Handle) Capabilities() sessions.CapabilitySet { return h.meta.Capabilities }

func (h *Handle) ClientInfo() sessions.ClientInfo { return h.meta.Client }

// State derives the externally visible lifecycle state as of now: a persisted
// Created or Active session presents as Idle once inactivity exceeds the
// manager's idle threshold, and as Expired once its activity window lapses.
func (h *Handle) State() sessions.State {
	return h.meta.StateAt(time.Now().UTC(), h.mgr.cfg.IdleAfter)
}

// LoggingLevel reports the session's minimum logging level as of resolution.
func (h *Handle) LoggingLevel() mcp.LoggingLevel { return h.meta.LoggingLevel }

// Activate marks a freshly created session active once the client confirms
// initialization.
func (h *Handle) Activate(ctx context.Context) error {
	return h.mgr.host.MutateSession(ctx, h.meta.SessionID, func(m *sessions.SessionMetadata) error {
		m.State = sessions.StateActive
		h.meta.State = sessions.StateActive
		return nil
	})
}

// SetLoggingLevel persists the session's minimum logging level.
func (h *Handle) SetLoggingLevel(ctx context.Context, level mcp.LoggingLevel) error {
	return h.mgr.host.MutateSession(ctx, h.meta.SessionID, func(m *sessions.SessionMetadata) error {
		m.LoggingLevel = level
		h.meta.LoggingLevel = level
		return nil
	})
}

// WriteMessage appends a message to the session's ordered event stream.
func (h *Handle) WriteMessage(ctx context.Context, msg []byte) (string, error) {
	return h.mgr.host.PublishSession(ctx, h.meta.SessionID, msg)
}

// ConsumeMessages replays and follows the session's event stream, invoking
// handleMsgFn for each message. Blocks until ctx is cancelled, the handler
// errors, or the session is torn down.
func (h *Handle) ConsumeMessages(ctx context.Context, lastEventID string, handleMsgFn sessions.MessageHandlerFunction) error {
	return h.mgr.host.SubscribeSession(ctx, h.meta.SessionID, lastEventID, handleMsgFn)
}

// PutData stores a session-scoped key/value pair, enforcing the configured
// per-value size limit.
func (h *Handle) PutData(ctx context.Context, key string, value []byte) error {
	if len(value) > h.mgr.cfg.DataMaxValueBytes {
		h.mgr.count("session_data_rejected", map[string]string{"reason": "too_large"})
		return ErrDataTooLarge
	}
	return h.mgr.host.PutSessionData(ctx, h.meta.SessionID, key, value)
}

func (h *Handle) GetData(ctx context.Context, key string) ([]byte, error) {
	return h.mgr.host.GetSessionData(ctx, h.meta.SessionID, key)
}

func (h *Handle) DeleteData(ctx context.Context, key string) error {
	return h.mgr.host.DeleteSessionData(ctx, h.meta.SessionID, key)
}

func (h *Handle) ListData(ctx context.Context, prefix string) ([]string, error) {
	return h.mgr.host.ListSessionData(ctx, h.meta.SessionID, prefix)
}
