package engine

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/streamplane/mcpd/internal/sessioncore"
	"github.com/streamplane/mcpd/sessions"
)

// Router lifecycle states. A session moves strictly forward: the initialize
// handshake produces an initializing session, the client's
// notifications/initialized confirmation opens it, and termination or expiry
// closes it. There is no path back.
const (
	stateUninitialized = "uninitialized"
	stateInitializing  = "initializing"
	stateInitialized   = "initialized"
	stateClosed        = "closed"
)

// Lifecycle events.
const (
	eventInitialize = "initialize"
	eventConfirm    = "confirm"
	eventClose      = "close"
)

// newLifecycle builds the router state machine seeded at the given state.
// The machine encodes which transitions exist at all; admissibility of
// individual protocol methods is derived from the current state via
// methodAllowed.
func newLifecycle(current string) *fsm.FSM {
	return fsm.NewFSM(current, fsm.Events{
		{Name: eventInitialize, Src: []string{stateUninitialized}, Dst: stateInitializing},
		{Name: eventConfirm, Src: []string{stateInitializing, stateInitialized}, Dst: stateInitialized},
		{Name: eventClose, Src: []string{stateUninitialized, stateInitializing, stateInitialized}, Dst: stateClosed},
	}, fsm.Callbacks{})
}

// lifecycleStateFor maps a resolved session (or its absence) to a router
// lifecycle state. The persisted session record is the durable side of the
// state machine; this derives the in-memory seed from it.
func lifecycleStateFor(sess *sessioncore.Handle) string {
	if sess == nil {
		return stateUninitialized
	}
	switch sess.State() {
	case sessions.StateCreated:
		return stateInitializing
	case sessions.StateActive, sessions.StateIdle:
		return stateInitialized
	default:
		return stateClosed
	}
}

// canInitialize reports whether an initialize request is admissible from the
// given lifecycle state. Re-initializing an existing session is a protocol
// violation.
func canInitialize(state string) bool {
	return newLifecycle(state).Can(eventInitialize)
}

// advanceLifecycle fires event on a machine seeded at current and returns the
// resulting state. The machine is authoritative: an error means no such
// transition exists from current, and the caller must not apply the
// corresponding durable state change.
func advanceLifecycle(ctx context.Context, current, event string) (string, error) {
	machine := newLifecycle(current)
	if err := machine.Event(ctx, event); err != nil {
		return current, err
	}
	return machine.Current(), nil
}

// sessionOpen reports whether feature traffic may flow in the given state.
// Handshake-complete sessions accept feature requests even before the client's
// initialized confirmation lands; only uninitialized and closed refuse.
func sessionOpen(state string) bool {
	return state == stateInitializing || state == stateInitialized
}
