// Package sessions defines the core session abstraction shared by the MCP
// transport and server capability code. A session represents the negotiated
// protocol version, authenticated principal, and frozen capability set for a
// connected client. The transport creates and persists session metadata via a
// SessionHost implementation.
//
// Layers & Roles
//
//	Transport      -> orchestrates initialize handshake, manages lifetime
//	SessionHost    -> durability & coordination (ordered client stream + metadata + KV)
//	Session object -> per-session view exposed to capability code
//
// # Host Interface
//
// SessionHost abstracts persistence and ordered fan-out semantics required by
// the streaming transport:
//   - PublishSession / SubscribeSession : ordered client-visible message log with cursor resume
//   - Metadata CRUD + sliding TTL       : lifecycle, touch, sweep
//   - Bounded per-session KV            : small auxiliary state (resource subscriptions)
//
// Implementations
//
//	memoryhost : in-memory reference used for tests / single-process servers
//	redishost  : Redis Streams backed implementation for horizontal scale
//
// # Lifecycle
//
// Sessions move Created -> Active when the client confirms initialization,
// degrade to Idle (derived, never persisted) under inactivity, and are
// removed either by the periodic expiry sweep or by explicit termination.
// The sweep re-checks LastAccess under the host's write lock so a session
// touched by a racing request is never removed.
package sessions
