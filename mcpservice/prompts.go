package mcpservice

import (
	"context"
	"fmt"
	"strings"

	"github.com/streamplane/mcpd/mcp"
	"github.com/streamplane/mcpd/sessions"
)

// PromptHandler handles a prompt get request to produce messages.
type PromptHandler func(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error)

// StaticPrompt pairs a prompt descriptor with a handler that can materialize it.
type StaticPrompt struct {
	Descriptor mcp.Prompt
	Handler    PromptHandler
}

// PromptsContainer owns a mutable, threadsafe set of prompt descriptors and
// handlers on top of the generic Registry. Required arguments declared in a
// descriptor are checked before the handler runs. It embeds a ChangeNotifier
// so the prompts capability exposes listChanged support.
type PromptsContainer struct {
	reg      *Registry[mcp.Prompt, PromptHandler]
	notifier ChangeNotifier
	pageSize int
}

// NewPromptsContainer constructs a PromptsContainer with the given builtin
// prompts.
func NewPromptsContainer(defs ...StaticPrompt) *PromptsContainer {
	pc := &PromptsContainer{pageSize: defaultPageSize}
	pc.reg = NewRegistry[mcp.Prompt, PromptHandler](validatePromptDefinition, &pc.notifier)
	for _, d := range defs {
		_ = pc.reg.Register(d.Descriptor.Name, d.Descriptor, d.Handler, 0, OriginBuiltin)
	}
	return pc
}

func validatePromptDefinition(name string, def mcp.Prompt) error {
	if def.Name == "" || def.Name != name {
		return fmt.Errorf("prompt name mismatch: %q vs %q", def.Name, name)
	}
	return nil
}

// ProvidePrompts implements PromptsCapabilityProvider. Always present, even
// when empty.
func (pc *PromptsContainer) ProvidePrompts(ctx context.Context, session sessions.Session) (PromptsCapability, bool, error) {
	return pc, true, nil
}

// SetPageSize sets the pagination size used by ListPrompts.
func (pc *PromptsContainer) SetPageSize(n int) {
	if n > 0 {
		pc.pageSize = n
	}
}

// SetEnabled flips the prompts feature gate.
func (pc *PromptsContainer) SetEnabled(enabled bool) { pc.reg.SetEnabled(enabled) }

// Enabled reports the prompts feature gate.
func (pc *PromptsContainer) Enabled() bool { return pc.reg.Enabled() }

// Add registers a new prompt. Returns ErrDuplicateName if the name is taken.
func (pc *PromptsContainer) Add(_ context.Context, def StaticPrompt) error {
	return pc.reg.Register(def.Descriptor.Name, def.Descriptor, def.Handler, 0, OriginDynamic)
}

// AddWithPriority registers a new prompt at the given listing priority.
func (pc *PromptsContainer) AddWithPriority(_ context.Context, def StaticPrompt, priority int) error {
	return pc.reg.Register(def.Descriptor.Name, def.Descriptor, def.Handler, priority, OriginDynamic)
}

// Replace swaps the named prompt wholesale, inserting it if absent.
func (pc *PromptsContainer) Replace(_ context.Context, def StaticPrompt) error {
	return pc.reg.Replace(def.Descriptor.Name, def.Descriptor, def.Handler, 0, OriginDynamic)
}

// Remove removes a prompt by name.
func (pc *PromptsContainer) Remove(_ context.Context, name string) error {
	_, err := pc.reg.Unregister(name)
	return err
}

// Get returns the descriptor for a named prompt. Works while disabled.
func (pc *PromptsContainer) Get(name string) (mcp.Prompt, error) {
	e, err := pc.reg.Get(name)
	if err != nil {
		return mcp.Prompt{}, err
	}
	return e.Definition, nil
}

// Snapshot returns a copy of the current prompt descriptors in listing order.
func (pc *PromptsContainer) Snapshot() []mcp.Prompt {
	entries := pc.reg.List()
	out := make([]mcp.Prompt, len(entries))
	for i, e := range entries {
		out[i] = e.Definition
	}
	return out
}

// Subscriber implements ChangeSubscriber by returning a per-subscriber channel
// that receives a signal whenever the prompt set changes.
func (pc *PromptsContainer) Subscriber() <-chan struct{} { return pc.notifier.Subscriber() }

// --- PromptsCapability implementation ---

// ListPrompts implements PromptsCapability with internal pagination.
func (pc *PromptsContainer) ListPrompts(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Prompt], error) {
	return pageSlice(pc.Snapshot(), pc.pageSize, cursor), nil
}

// GetPrompt implements PromptsCapability. Missing required arguments surface
// as ErrInvalidArguments, unknown prompts as ErrNotFound.
func (pc *PromptsContainer) GetPrompt(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("%w: missing prompt name", ErrInvalidArguments)
	}
	e, err := pc.reg.Get(req.Name)
	if err != nil {
		return nil, fmt.Errorf("prompt %q: %w", req.Name, err)
	}
	h, err := pc.reg.Handler(req.Name)
	if err != nil {
		return nil, fmt.Errorf("prompt %q: %w", req.Name, err)
	}
	for _, arg := range e.Definition.Arguments {
		if arg.Required {
			if _, ok := req.Arguments[arg.Name]; !ok {
				return nil, fmt.Errorf("%w: missing required argument %q", ErrInvalidArguments, arg.Name)
			}
		}
	}
	if h == nil {
		return nil, fmt.Errorf("prompt %q: %w", req.Name, ErrNotFound)
	}
	return h(ctx, session, req)
}

// GetListChangedCapability always returns support for listChanged.
func (pc *PromptsContainer) GetListChangedCapability(ctx context.Context, session sessions.Session) (PromptListChangedCapability, bool, error) {
	return promptsListChangedFromSubscriber{sub: pc}, true, nil
}

// CompleteArgument suggests values for a prompt argument by prefix matching
// against the argument's declared completions, if any.
func (pc *PromptsContainer) CompleteArgument(promptName, argName, prefix string) ([]string, error) {
	e, err := pc.reg.Get(promptName)
	if err != nil {
		return nil, fmt.Errorf("prompt %q: %w", promptName, err)
	}
	for _, arg := range e.Definition.Arguments {
		if arg.Name != argName {
			continue
		}
		var out []string
		for _, v := range arg.Completions {
			if prefix == "" || strings.HasPrefix(v, prefix) {
				out = append(out, v)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("prompt %q argument %q: %w", promptName, argName, ErrNotFound)
}

// promptsListChangedFromSubscriber adapts a ChangeSubscriber to PromptListChangedCapability.
type promptsListChangedFromSubscriber struct{ sub ChangeSubscriber }

func (p promptsListChangedFromSubscriber) Register(ctx context.Context, session sessions.Session, fn NotifyPromptsListChangedFunc) (bool, error) {
	if p.sub == nil || fn == nil {
		return false, nil
	}
	ch := p.sub.Subscriber()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn(ctx, session)
			}
		}
	}()
	return true, nil
}
