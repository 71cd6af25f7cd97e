// Package streaminghttp implements the MCP streamable HTTP transport. It
// mounts as a standard net/http handler: POST carries inbound JSON-RPC
// envelopes (single messages or batches), GET attaches the session's ordered
// Server-Sent Events stream, and DELETE terminates the session.
//
// POST delivery depends on the envelope. Notification-only envelopes are
// acknowledged with 202 and no body. A lone request gets a unary JSON
// response unless the client's Accept header prefers text/event-stream, in
// which case the response arrives as a one-event SSE stream. Envelopes with
// multiple requests always stream: each response is emitted as its own SSE
// event as it completes, and the stream closes once every request has
// answered.
//
// Responsibilities
//   - Session creation & validation (via sessions.SessionHost)
//   - Authentication (pluggable auth.Authenticator; OIDC or manual config)
//   - Capability discovery (invokes mcpservice.ServerCapabilities getters)
//   - Ordered outbound event fan-out (progress, listChanged, resource updates)
//   - Subscription bridging (resources/updated per session + URI)
//
// Construction
//
//	h, err := streaminghttp.New(
//	    ctx,
//	    "https://api.example/mcp", // public endpoint base
//	    host,                       // sessions.SessionHost implementation
//	    server,                     // mcpservice.ServerCapabilities
//	    authenticator,              // auth.Authenticator
//	    // Security metadata inferred from authenticator (implements auth.SecurityDescriptor)
//	)
//
// A GET stream resumes after the Last-Event-ID header when supplied; ids
// that have fallen out of retention restart delivery from the current tail.
//
// # Session Context Lifetimes
//
// The handler derives a parent context per session (decoupled from individual
// HTTP request cancellation) allowing long-lived subscription forwarders to run
// while individual RPC requests time out or disconnect. Cancellation occurs
// on explicit session termination or invalidation.
//
// # Scaling
//
// Horizontal scale relies on a shared SessionHost. Each node handles any mix
// of requests; ordering for a given session is preserved by the host's stream
// semantics, not sticky routing.
//
// Protected Resource Metadata (PRM)
//
// When OIDC discovery or manual metadata is configured, the handler exposes a
// /.well-known/oauth-protected-resource endpoint advertising issuer, jwks_uri
// and supported authorization parameters, enabling clients to bootstrap without
// out-of-band configuration.
//
// # Error Handling
//
// Transport-level errors map to HTTP status codes; MCP-level errors are
// serialized as JSON-RPC error responses. Authentication failures surface a
// WWW-Authenticate challenge per the authorization spec.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/mcp/", h) // route prefix
//	http.ListenAndServe(":8080", mux)
package streaminghttp
