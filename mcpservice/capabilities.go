package mcpservice

import (
	"context"

	"github.com/streamplane/mcpd/mcp"
	"github.com/streamplane/mcpd/sessions"
)

// Capability interfaces consumed by the protocol engine. Implementations may
// be static (same capabilities for all sessions) or dynamic (vary by session)
// but MUST be safe for concurrent use and respect the provided context.
//
// Conventions used throughout this package:
//   - Capability discovery methods return (cap, ok, err). A false ok indicates
//     that the capability is not supported for the given session; err should be
//     reserved for transient or internal failures while determining support.
//   - The sessions.Session value is the unit of isolation. Implementations
//     SHOULD treat it as the boundary for authorization, tenancy and resource
//     visibility.
//   - Pagination uses the Page[T] type in this package; a nil cursor requests
//     the first page. Implementations SHOULD populate NextCursor when more data
//     is available.

// ServerCapabilities is the root discovery surface the engine consults per
// session.
type ServerCapabilities interface {
	// GetServerInfo returns static implementation information about the server
	// that is surfaced in initialize results (name, version, etc.).
	GetServerInfo(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error)

	// GetPreferredProtocolVersion returns the server's preferred MCP protocol
	// version. If ok is false, the engine falls back to the client's requested
	// version when supported.
	GetPreferredProtocolVersion(ctx context.Context) (version string, ok bool, err error)

	// GetInstructions returns optional human-readable instructions surfaced to
	// the client during initialization. If ok is false, the field is omitted.
	GetInstructions(ctx context.Context, session sessions.Session) (instructions string, ok bool, err error)

	// GetResourcesCapability returns the resources capability for the session.
	// If ok is false, resources support is not advertised.
	GetResourcesCapability(ctx context.Context, session sessions.Session) (cap ResourcesCapability, ok bool, err error)

	// GetToolsCapability returns the tools capability for the session. If ok
	// is false, tool support is not advertised.
	GetToolsCapability(ctx context.Context, session sessions.Session) (cap ToolsCapability, ok bool, err error)

	// GetPromptsCapability returns the prompts capability for the session. If
	// ok is false, prompt support is not advertised.
	GetPromptsCapability(ctx context.Context, session sessions.Session) (cap PromptsCapability, ok bool, err error)

	// GetLoggingCapability returns the logging capability for the session. If
	// ok is false, logging support is not advertised.
	GetLoggingCapability(ctx context.Context, session sessions.Session) (cap LoggingCapability, ok bool, err error)

	// GetCompletionsCapability returns the completions capability for the
	// session. If ok is false, completions support is not advertised.
	GetCompletionsCapability(ctx context.Context, session sessions.Session) (cap CompletionsCapability, ok bool, err error)
}

// ResourcesCapability defines the resource operations supported by the server.
type ResourcesCapability interface {
	// ListResources returns a (possibly paginated) list of resources available
	// to the session.
	ListResources(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Resource], error)

	// ListResourceTemplates returns a (possibly paginated) list of resource templates.
	ListResourceTemplates(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error)

	// ReadResource returns the contents for a specific resource URI. Unknown
	// URIs result in an error wrapping ErrNotFound.
	ReadResource(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error)

	// GetSubscriptionCapability returns an optional capability for managing
	// per-session resource subscriptions. Its presence controls whether the
	// "subscribe" capability is advertised.
	GetSubscriptionCapability(ctx context.Context, session sessions.Session) (cap ResourceSubscriptionCapability, ok bool, err error)

	// GetListChangedCapability returns an optional capability for observing
	// resource list changes. Its presence controls whether "listChanged" is
	// advertised.
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap ResourceListChangedCapability, ok bool, err error)
}

// NotifyResourceChangeFunc is invoked to signal that the server's resource set
// has changed. The uri argument refers to the resource whose presence or
// metadata changed; the empty string indicates a general list change.
type NotifyResourceChangeFunc func(ctx context.Context, session sessions.Session, uri string)

// ResourceSubscriptionCapability enables opt-in support for resource
// subscriptions. Subscribe and Unsubscribe MUST be idempotent with respect to
// duplicate calls for the same (session, uri) pair.
type ResourceSubscriptionCapability interface {
	Subscribe(ctx context.Context, session sessions.Session, uri string) error
	Unsubscribe(ctx context.Context, session sessions.Session, uri string) error
}

// ResourceListChangedCapability provides list-changed notification support.
// Register should be idempotent for the same (session, fn) pair and respect
// ctx cancellation to stop delivering callbacks.
type ResourceListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyResourceChangeFunc) (ok bool, err error)
}

// ToolsCapability defines the server's tools surface area.
type ToolsCapability interface {
	// ListTools returns a (possibly paginated) list of tools available to the session.
	ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error)

	// CallTool invokes a named tool with the provided request payload. Unknown
	// tools yield an error wrapping ErrNotFound; argument validation failures
	// yield an error wrapping ErrInvalidArguments.
	CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

	// GetListChangedCapability returns an optional capability for observing
	// tool list changes.
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap ToolListChangedCapability, ok bool, err error)
}

// NotifyToolsListChangedFunc is invoked when the server's tool list changes
// for the session. Implementations MAY coalesce rapid changes.
type NotifyToolsListChangedFunc func(ctx context.Context, session sessions.Session)

// ToolListChangedCapability provides tools list-changed notification support.
type ToolListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyToolsListChangedFunc) (ok bool, err error)
}

// PromptsCapability defines the server's prompts surface area.
type PromptsCapability interface {
	// ListPrompts returns a (possibly paginated) list of prompts available to the session.
	ListPrompts(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Prompt], error)

	// GetPrompt returns the prompt messages for the given name and arguments.
	GetPrompt(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error)

	// GetListChangedCapability returns an optional capability for observing
	// prompt list changes.
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap PromptListChangedCapability, ok bool, err error)
}

// NotifyPromptsListChangedFunc is invoked when the server's prompt list
// changes for the session.
type NotifyPromptsListChangedFunc func(ctx context.Context, session sessions.Session)

// PromptListChangedCapability provides prompts list-changed notification support.
type PromptListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyPromptsListChangedFunc) (ok bool, err error)
}

// LoggingCapability allows the client to adjust the minimum level of log
// message notifications for the session.
type LoggingCapability interface {
	SetLevel(ctx context.Context, session sessions.Session, level mcp.LoggingLevel) error
}

// CompletionsCapability enables argument autocompletion suggestions for
// prompts and resource template arguments.
type CompletionsCapability interface {
	Complete(ctx context.Context, session sessions.Session, req *mcp.CompleteRequest) (*mcp.CompleteResult, error)
}

// Provider interfaces. Containers satisfy these directly; closures can adapt
// per-session selection logic. ok == false means "capability absent"; an empty
// value with ok == true is still advertised.

type ResourcesCapabilityProvider interface {
	ProvideResources(ctx context.Context, session sessions.Session) (ResourcesCapability, bool, error)
}

type ToolsCapabilityProvider interface {
	ProvideTools(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error)
}

type PromptsCapabilityProvider interface {
	ProvidePrompts(ctx context.Context, session sessions.Session) (PromptsCapability, bool, error)
}

type LoggingCapabilityProvider interface {
	ProvideLogging(ctx context.Context, session sessions.Session) (LoggingCapability, bool, error)
}
