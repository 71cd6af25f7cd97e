package mcp

import "encoding/json"

// Method names a protocol operation. Requests and notifications share the
// namespace; notification methods carry the "notifications/" prefix.
type Method string

const (
	PingMethod                    Method = "ping"
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"
	CancelledNotificationMethod   Method = "notifications/cancelled"
	ProgressNotificationMethod    Method = "notifications/progress"

	ToolsListMethod                    Method = "tools/list"
	ToolsCallMethod                    Method = "tools/call"
	ToolsListChangedNotificationMethod Method = "notifications/tools/list_changed"

	ResourcesListMethod                    Method = "resources/list"
	ResourcesReadMethod                    Method = "resources/read"
	ResourcesTemplatesListMethod           Method = "resources/templates/list"
	ResourcesSubscribeMethod               Method = "resources/subscribe"
	ResourcesUnsubscribeMethod             Method = "resources/unsubscribe"
	ResourcesListChangedNotificationMethod Method = "notifications/resources/list_changed"
	ResourcesUpdatedNotificationMethod     Method = "notifications/resources/updated"

	PromptsListMethod                    Method = "prompts/list"
	PromptsGetMethod                     Method = "prompts/get"
	PromptsListChangedNotificationMethod Method = "notifications/prompts/list_changed"

	LoggingSetLevelMethod            Method = "logging/setLevel"
	LoggingMessageNotificationMethod Method = "notifications/message"

	CompletionCompleteMethod Method = "completion/complete"
)

// PaginatedRequest is embedded by list requests that accept an opaque cursor.
type PaginatedRequest struct {
	Cursor string `json:"cursor,omitzero"`
}

// PaginatedResult is embedded by list results; a non-empty NextCursor means
// another page exists.
type PaginatedResult struct {
	NextCursor string `json:"nextCursor,omitzero"`
}

// BaseMetadata is embedded by results that may carry a _meta side channel.
type BaseMetadata struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

// ProgressToken correlates progress notifications with the request that asked
// for them. The protocol allows a string or a number.
type ProgressToken any

// PingRequest has no parameters; a ping succeeds by returning an empty result.
type PingRequest struct{}

// InitializeRequest opens the handshake: the client states the protocol
// version it wants and what it can do.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult answers the handshake with the negotiated version, the
// server's capabilities, and optional operator instructions.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
	BaseMetadata
}

// InitializedNotification is the client's acknowledgment that the handshake
// finished and normal traffic may begin.
type InitializedNotification struct{}

// CancelledNotification withdraws an in-flight request. RequestID stays raw
// because the peer may have sent it as a string or a number.
type CancelledNotification struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitzero"`
}

// ProgressNotificationParams reports partial completion of a long-running
// request identified by its progress token.
type ProgressNotificationParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitzero"`
}

// ListToolsRequest asks for a page of the tool catalog.
type ListToolsRequest struct {
	PaginatedRequest
}

// ListToolsResult is one page of the tool catalog.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
	PaginatedResult
	BaseMetadata
}

// CallToolRequestReceived is the inbound shape of a tools/call: arguments stay
// raw until the tool's own decoder handles them.
type CallToolRequestReceived struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult carries a tool's output. Tool failures are reported in-band
// via IsError rather than as JSON-RPC errors.
type CallToolResult struct {
	Content           []ContentBlock `json:"content,omitempty"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitzero"`
	BaseMetadata
}

// ToolListChangedNotification tells the client to refetch the tool catalog.
type ToolListChangedNotification struct{}

// ListResourcesRequest asks for a page of concrete resources.
type ListResourcesRequest struct {
	PaginatedRequest
}

// ListResourcesResult is one page of concrete resources.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
	PaginatedResult
	BaseMetadata
}

// ListResourceTemplatesRequest asks for a page of URI templates.
type ListResourceTemplatesRequest struct {
	PaginatedRequest
}

// ListResourceTemplatesResult is one page of URI templates.
type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	PaginatedResult
	BaseMetadata
}

// ReadResourceRequest fetches a resource's contents by URI.
type ReadResourceRequest struct {
	URI string `json:"uri"`
}

// ReadResourceResult returns the contents of the requested resource. A single
// URI may expand to multiple contents entries.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
	BaseMetadata
}

// SubscribeRequest registers interest in updates to one resource URI.
type SubscribeRequest struct {
	URI string `json:"uri"`
}

// UnsubscribeRequest withdraws a prior subscription.
type UnsubscribeRequest struct {
	URI string `json:"uri"`
}

// ResourceListChangedNotification tells the client to refetch the resource
// list.
type ResourceListChangedNotification struct{}

// ResourceUpdatedNotification fires for a URI the client subscribed to.
type ResourceUpdatedNotification struct {
	URI string `json:"uri"`
}

// ListPromptsRequest asks for a page of the prompt catalog.
type ListPromptsRequest struct {
	PaginatedRequest
}

// ListPromptsResult is one page of the prompt catalog.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
	PaginatedResult
	BaseMetadata
}

// GetPromptRequest renders a named prompt with the given arguments.
type GetPromptRequest struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult is the rendered prompt.
type GetPromptResult struct {
	Description string          `json:"description,omitzero"`
	Messages    []PromptMessage `json:"messages"`
	BaseMetadata
}

// PromptListChangedNotification tells the client to refetch the prompt
// catalog.
type PromptListChangedNotification struct{}

// SetLevelRequest raises or lowers the floor for log message notifications.
type SetLevelRequest struct {
	Level LoggingLevel `json:"level"`
}

// LoggingMessageNotification is a server-to-client log record.
type LoggingMessageNotification struct {
	Level  LoggingLevel `json:"level"`
	Data   any          `json:"data"`
	Logger string       `json:"logger,omitzero"`
}

// CompleteRequest asks for argument completion against a prompt or resource
// template reference.
type CompleteRequest struct {
	Ref      CompletionReference `json:"ref"`
	Argument CompleteArgument    `json:"argument"`
}

// CompleteResult lists completion candidates.
type CompleteResult struct {
	Completion Completion `json:"completion"`
	BaseMetadata
}

// EmptyResult answers requests whose success carries no data.
type EmptyResult struct {
	BaseMetadata
}
