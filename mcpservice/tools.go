package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/streamplane/mcpd/mcp"
	"github.com/streamplane/mcpd/sessions"
)

// ToolHandler is the function signature used to handle a tool invocation.
type ToolHandler func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// ErrInvalidArguments marks a tool call whose arguments failed schema
// validation for a known tool. Distinct from ErrNotFound so callers can map
// the two to different protocol error codes.
var ErrInvalidArguments = errors.New("invalid arguments")

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolRequest is the container for tool call input and request metadata.
// It is generic over the typed argument struct A.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
	meta                      map[string]any
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false and
// runtime decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// WithToolMeta attaches arbitrary metadata to the tool descriptor's _meta
// field. The map is copied.
func WithToolMeta(meta map[string]any) ToolOption {
	return func(c *toolConfig) {
		if len(meta) == 0 {
			return
		}
		m := make(map[string]any, len(meta))
		for k, v := range meta {
			m[k] = v
		}
		c.meta = m
	}
}

// NewTool constructs a StaticTool from a typed args struct A. It reflects a
// JSON Schema from A, down-converts it to MCP's simplified input schema, and
// wraps fn with runtime decoding that rejects unknown fields by default.
func NewTool[A any](name string, fn func(ctx context.Context, session sessions.Session, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	input := reflectToMCPInputSchema[A](cfg.allowAdditionalProperties)
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: input,
		Meta:        cfg.meta,
	}

	handler := func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, errRes := decodeToolArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if errRes != nil {
			return errRes, nil
		}
		w := newToolResponseWriter(ctx)
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		if err := fn(ctx, session, w, r); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// ToolResponseWriterTyped extends ToolResponseWriter for typed-output tools.
// It allows setting a structuredContent value of type O.
type ToolResponseWriterTyped[O any] interface {
	ToolResponseWriter
	SetStructured(v O)
}

type toolResponseWriterTyped[O any] struct {
	ToolResponseWriter
	structured any // concrete O, serialized at finalize
}

func (tw *toolResponseWriterTyped[O]) SetStructured(v O) { tw.structured = v }

// NewToolWithOutput constructs a typed-input, typed-output tool. The output
// type O is reflected into the descriptor's outputSchema, and values passed to
// SetStructured are serialized into the result's structuredContent.
func NewToolWithOutput[A, O any](name string, fn func(ctx context.Context, session sessions.Session, w ToolResponseWriterTyped[O], r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	input := reflectToMCPInputSchema[A](cfg.allowAdditionalProperties)
	outSchema := reflectToMCPOutputSchema[O]()
	desc := mcp.Tool{
		Name:         name,
		Description:  cfg.description,
		InputSchema:  input,
		OutputSchema: &outSchema,
		Meta:         cfg.meta,
	}

	handler := func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, errRes := decodeToolArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if errRes != nil {
			return errRes, nil
		}
		base := newToolResponseWriter(ctx)
		tw := &toolResponseWriterTyped[O]{ToolResponseWriter: base}
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		if err := fn(ctx, session, tw, r); err != nil {
			return nil, err
		}
		res := base.Result()
		if tw.structured != nil {
			if b, err := json.Marshal(tw.structured); err == nil {
				var m map[string]any
				if err := json.Unmarshal(b, &m); err == nil {
					res.StructuredContent = m
				}
			}
		}
		return res, nil
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

func decodeToolArgs[A any](raw json.RawMessage, allowAdditional bool) (A, *mcp.CallToolResult) {
	var a A
	if len(raw) == 0 {
		return a, nil
	}
	if allowAdditional {
		if err := json.Unmarshal(raw, &a); err != nil {
			return a, Errorf("invalid arguments: %v", err)
		}
		return a, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return a, Errorf("invalid arguments: %v", err)
	}
	return a, nil
}

// TypedTool wraps a strongly typed args function into a StaticTool.
// It unmarshals req.Arguments into A and invokes fn.
func TypedTool[A any](desc mcp.Tool, fn func(ctx context.Context, session sessions.Session, args A) (*mcp.CallToolResult, error)) StaticTool {
	return StaticTool{
		Descriptor: desc,
		Handler: func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			var a A
			if len(req.Arguments) > 0 {
				if err := json.Unmarshal(req.Arguments, &a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			}
			return fn(ctx, session, a)
		},
	}
}

// reflectToMCPInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema. Unknown field policy is
// surfaced via the AdditionalProperties flag on the returned schema.
func reflectToMCPInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	// ExpandedStruct hoists the root definition by type name, which only
	// exists for named types. Unnamed args (struct{} literals) reflect
	// without expansion so bare tools get the empty object schema.
	t := reflect.TypeOf(new(A)).Elem()
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            t.Kind() == reflect.Struct && t.Name() != "",
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Only object schemas map cleanly to MCP ToolInputSchema. If not an object,
	// expose an empty object with the configured additionalProperties policy.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// reflectToMCPOutputSchema reflects a Go type O into a mcp.ToolOutputSchema.
func reflectToMCPOutputSchema[O any]() mcp.ToolOutputSchema {
	// Same named-type constraint as the input side: expansion needs a type
	// name to hoist the root definition by.
	t := reflect.TypeOf(new(O)).Elem()
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: t.Kind() == reflect.Struct && t.Name() != "",
	}
	s := r.Reflect(new(O))
	if s == nil || s.Type != "object" {
		return mcp.ToolOutputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}
	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}
	return mcp.ToolOutputSchema{Type: "object", Properties: props, Required: required}
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// toolRuntime is the registry handler payload for a tool: the handler plus
// the compiled argument schema, compiled once at registration.
type toolRuntime struct {
	handler ToolHandler
	schema  *schemavalidate.Schema
}

// ToolsContainer owns a mutable, threadsafe set of tool descriptors and
// handlers on top of the generic Registry. It validates call arguments
// against each tool's input schema before dispatch, and embeds a
// ChangeNotifier so the tools capability exposes listChanged support.
type ToolsContainer struct {
	reg      *Registry[mcp.Tool, toolRuntime]
	notifier ChangeNotifier
	pageSize int
}

// NewToolsContainer constructs a ToolsContainer with the given builtin tools.
// Duplicate names among defs are rejected the same way they are at runtime;
// the first registration wins.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	tc := &ToolsContainer{pageSize: defaultPageSize}
	tc.reg = NewRegistry[mcp.Tool, toolRuntime](validateToolDefinition, &tc.notifier)
	for _, d := range defs {
		_ = tc.register(d, 0, OriginBuiltin)
	}
	return tc
}

func validateToolDefinition(name string, def mcp.Tool) error {
	if def.Name == "" || def.Name != name {
		return fmt.Errorf("tool name mismatch: %q vs %q", def.Name, name)
	}
	if def.InputSchema.Type != "object" {
		return fmt.Errorf("tool %q: input schema must be an object", name)
	}
	return nil
}

func (tc *ToolsContainer) register(def StaticTool, priority int, origin Origin) error {
	rt := toolRuntime{handler: def.Handler}
	if compiled, err := compileInputSchema(def.Descriptor); err == nil {
		rt.schema = compiled
	} else {
		return errors.Join(ErrInvalidDefinition, err)
	}
	return tc.reg.Register(def.Descriptor.Name, def.Descriptor, rt, priority, origin)
}

func compileInputSchema(desc mcp.Tool) (*schemavalidate.Schema, error) {
	raw, err := json.Marshal(desc.InputSchema)
	if err != nil {
		return nil, err
	}
	c := schemavalidate.NewCompiler()
	c.Draft = schemavalidate.Draft2020
	url := "mcpd:///tools/" + desc.Name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// ProvideTools makes *ToolsContainer satisfy ToolsCapabilityProvider. An empty
// container is a present-but-empty capability rather than an absent one.
func (tc *ToolsContainer) ProvideTools(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error) {
	return tc, true, nil
}

// SetPageSize sets the pagination size used by ListTools.
// A non-positive value is ignored.
func (tc *ToolsContainer) SetPageSize(n int) {
	if n > 0 {
		tc.pageSize = n
	}
}

// SetEnabled flips the tools feature gate. While disabled, listing and Get
// keep working but registration and calls are refused.
func (tc *ToolsContainer) SetEnabled(enabled bool) { tc.reg.SetEnabled(enabled) }

// Enabled reports the tools feature gate.
func (tc *ToolsContainer) Enabled() bool { return tc.reg.Enabled() }

// Add registers a new tool with default priority. Returns ErrDuplicateName if
// the name is taken.
func (tc *ToolsContainer) Add(_ context.Context, def StaticTool) error {
	return tc.register(def, 0, OriginDynamic)
}

// AddWithPriority registers a new tool at the given listing priority.
func (tc *ToolsContainer) AddWithPriority(_ context.Context, def StaticTool, priority int) error {
	return tc.register(def, priority, OriginDynamic)
}

// Replace swaps the named tool wholesale, inserting it if absent.
func (tc *ToolsContainer) Replace(_ context.Context, def StaticTool, priority int) error {
	rt := toolRuntime{handler: def.Handler}
	compiled, err := compileInputSchema(def.Descriptor)
	if err != nil {
		return errors.Join(ErrInvalidDefinition, err)
	}
	rt.schema = compiled
	return tc.reg.Replace(def.Descriptor.Name, def.Descriptor, rt, priority, OriginDynamic)
}

// Remove removes a tool by name.
func (tc *ToolsContainer) Remove(_ context.Context, name string) error {
	_, err := tc.reg.Unregister(name)
	return err
}

// Get returns the descriptor for a named tool. Works while disabled.
func (tc *ToolsContainer) Get(name string) (mcp.Tool, error) {
	e, err := tc.reg.Get(name)
	if err != nil {
		return mcp.Tool{}, err
	}
	return e.Definition, nil
}

// Snapshot returns a copy of the current tool descriptors in listing order.
func (tc *ToolsContainer) Snapshot() []mcp.Tool {
	entries := tc.reg.List()
	out := make([]mcp.Tool, len(entries))
	for i, e := range entries {
		out[i] = e.Definition
	}
	return out
}

// Subscriber implements ChangeSubscriber by returning a per-subscriber channel
// that receives a signal whenever the tool set changes.
func (tc *ToolsContainer) Subscriber() <-chan struct{} {
	return tc.notifier.Subscriber()
}

// --- ToolsCapability implementation ---

// ListTools implements ToolsCapability with internal pagination.
func (tc *ToolsContainer) ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error) {
	return pageSlice(tc.Snapshot(), tc.pageSize, cursor), nil
}

// CallTool implements ToolsCapability. Arguments are validated against the
// tool's input schema before the handler runs; validation failures surface as
// ErrInvalidArguments, unknown tools as ErrNotFound.
func (tc *ToolsContainer) CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("%w: missing tool name", ErrInvalidArguments)
	}
	rt, err := tc.reg.Handler(req.Name)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", req.Name, err)
	}
	if rt.schema != nil {
		var v any
		if len(req.Arguments) > 0 {
			if err := json.Unmarshal(req.Arguments, &v); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
			}
		} else {
			v = map[string]any{}
		}
		if err := rt.schema.Validate(v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}
	if rt.handler == nil {
		return nil, fmt.Errorf("tool %q: %w", req.Name, ErrNotFound)
	}
	return rt.handler(ctx, session, req)
}

// GetListChangedCapability always returns support for listChanged.
func (tc *ToolsContainer) GetListChangedCapability(ctx context.Context, session sessions.Session) (ToolListChangedCapability, bool, error) {
	return toolsListChangedFromSubscriber{sub: tc}, true, nil
}

// toolsListChangedFromSubscriber adapts a ChangeSubscriber to ToolListChangedCapability.
type toolsListChangedFromSubscriber struct{ sub ChangeSubscriber }

func (t toolsListChangedFromSubscriber) Register(ctx context.Context, session sessions.Session, fn NotifyToolsListChangedFunc) (bool, error) {
	if t.sub == nil || fn == nil {
		return false, nil
	}
	ch := t.sub.Subscriber()
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

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: s}}}
}

// Errorf returns an error CallToolResult with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: msg}}, IsError: true}
}
