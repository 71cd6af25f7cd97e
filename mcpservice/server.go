package mcpservice

import (
	"context"

	"github.com/streamplane/mcpd/mcp"
	"github.com/streamplane/mcpd/sessions"
)

// binding holds one configurable facet of a server: either a fixed value or a
// per-session provider. The provider wins when both are set.
type binding[T any] struct {
	static   *T
	provider func(ctx context.Context, session sessions.Session) (T, bool, error)
}

func (b binding[T]) resolve(ctx context.Context, session sessions.Session) (T, bool, error) {
	if b.provider != nil {
		return b.provider(ctx, session)
	}
	if b.static != nil {
		return *b.static, true, nil
	}
	var zero T
	return zero, false, nil
}

type server struct {
	info         binding[mcp.ImplementationInfo]
	protocol     binding[string]
	instructions binding[string]
	resources    binding[ResourcesCapability]
	tools        binding[ToolsCapability]
	prompts      binding[PromptsCapability]
	logging      binding[LoggingCapability]
	completions  binding[CompletionsCapability]
}

// ServerOption configures the ServerCapabilities built by NewServer.
type ServerOption func(*server)

// NewServer assembles a ServerCapabilities from functional options. Each facet
// (info, instructions, each capability) can be a fixed value shared by every
// session or a provider consulted per session.
func NewServer(opts ...ServerOption) ServerCapabilities {
	s := &server{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithServerInfo fixes the implementation info the server reports.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *server) { s.info.static = &info }
}

// WithServerInfoProvider consults fn for implementation info per session.
func WithServerInfoProvider(fn func(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error)) ServerOption {
	return func(s *server) {
		s.info.provider = func(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, bool, error) {
			info, err := fn(ctx, session)
			return info, err == nil, err
		}
	}
}

// WithPreferredProtocolVersion fixes the protocol version the server prefers
// during version negotiation.
func WithPreferredProtocolVersion(version string) ServerOption {
	return func(s *server) { s.protocol.static = &version }
}

// WithPreferredProtocolVersionProvider consults fn for the preferred protocol
// version.
func WithPreferredProtocolVersionProvider(fn func(ctx context.Context) (string, bool, error)) ServerOption {
	return func(s *server) {
		s.protocol.provider = func(ctx context.Context, _ sessions.Session) (string, bool, error) {
			return fn(ctx)
		}
	}
}

// WithInstructions fixes the instructions text returned from initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *server) { s.instructions.static = &instr }
}

// WithInstructionsProvider consults fn for instructions per session.
func WithInstructionsProvider(fn func(ctx context.Context, session sessions.Session) (string, bool, error)) ServerOption {
	return func(s *server) { s.instructions.provider = fn }
}

// WithResourcesCapability serves cap to every session.
func WithResourcesCapability(cap ResourcesCapability) ServerOption {
	return func(s *server) { s.resources.static = &cap }
}

// WithResourcesFrom wires a per-session resources provider such as a
// ResourcesContainer.
func WithResourcesFrom(p ResourcesCapabilityProvider) ServerOption {
	return func(s *server) { s.resources.provider = p.ProvideResources }
}

// WithResourcesProvider consults fn for the resources capability per session.
func WithResourcesProvider(fn func(ctx context.Context, session sessions.Session) (ResourcesCapability, bool, error)) ServerOption {
	return func(s *server) { s.resources.provider = fn }
}

// WithToolsCapability serves cap to every session.
func WithToolsCapability(cap ToolsCapability) ServerOption {
	return func(s *server) { s.tools.static = &cap }
}

// WithToolsFrom wires a per-session tools provider such as a ToolsContainer.
func WithToolsFrom(p ToolsCapabilityProvider) ServerOption {
	return func(s *server) { s.tools.provider = p.ProvideTools }
}

// WithToolsProvider consults fn for the tools capability per session.
func WithToolsProvider(fn func(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error)) ServerOption {
	return func(s *server) { s.tools.provider = fn }
}

// WithPromptsCapability serves cap to every session.
func WithPromptsCapability(cap PromptsCapability) ServerOption {
	return func(s *server) { s.prompts.static = &cap }
}

// WithPromptsFrom wires a per-session prompts provider such as a
// PromptsContainer.
func WithPromptsFrom(p PromptsCapabilityProvider) ServerOption {
	return func(s *server) { s.prompts.provider = p.ProvidePrompts }
}

// WithPromptsProvider consults fn for the prompts capability per session.
func WithPromptsProvider(fn func(ctx context.Context, session sessions.Session) (PromptsCapability, bool, error)) ServerOption {
	return func(s *server) { s.prompts.provider = fn }
}

// WithLoggingCapability serves cap to every session.
func WithLoggingCapability(cap LoggingCapability) ServerOption {
	return func(s *server) { s.logging.static = &cap }
}

// WithLoggingFrom wires a per-session logging provider.
func WithLoggingFrom(p LoggingCapabilityProvider) ServerOption {
	return func(s *server) { s.logging.provider = p.ProvideLogging }
}

// WithLoggingProvider consults fn for the logging capability per session.
func WithLoggingProvider(fn func(ctx context.Context, session sessions.Session) (LoggingCapability, bool, error)) ServerOption {
	return func(s *server) { s.logging.provider = fn }
}

// WithCompletionsCapability serves cap to every session.
func WithCompletionsCapability(cap CompletionsCapability) ServerOption {
	return func(s *server) { s.completions.static = &cap }
}

// WithCompletionsProvider consults fn for the completions capability per session.
func WithCompletionsProvider(fn func(ctx context.Context, session sessions.Session) (CompletionsCapability, bool, error)) ServerOption {
	return func(s *server) { s.completions.provider = fn }
}

func (s *server) GetServerInfo(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error) {
	info, _, err := s.info.resolve(ctx, session)
	return info, err
}

func (s *server) GetPreferredProtocolVersion(ctx context.Context) (string, bool, error) {
	version, ok, err := s.protocol.resolve(ctx, nil)
	if err != nil || !ok || version == "" {
		return "", false, err
	}
	return version, true, nil
}

func (s *server) GetInstructions(ctx context.Context, session sessions.Session) (string, bool, error) {
	return s.instructions.resolve(ctx, session)
}

func (s *server) GetResourcesCapability(ctx context.Context, session sessions.Session) (ResourcesCapability, bool, error) {
	return s.resources.resolve(ctx, session)
}

func (s *server) GetToolsCapability(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error) {
	return s.tools.resolve(ctx, session)
}

func (s *server) GetPromptsCapability(ctx context.Context, session sessions.Session) (PromptsCapability, bool, error) {
	return s.prompts.resolve(ctx, session)
}

func (s *server) GetLoggingCapability(ctx context.Context, session sessions.Session) (LoggingCapability, bool, error) {
	return s.logging.resolve(ctx, session)
}

func (s *server) GetCompletionsCapability(ctx context.Context, session sessions.Session) (CompletionsCapability, bool, error) {
	return s.completions.resolve(ctx, session)
}
