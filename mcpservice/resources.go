package mcpservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/streamplane/mcpd/mcp"
	"github.com/streamplane/mcpd/sessions"
)

// ResourceHandler produces the contents for a resource URI.
type ResourceHandler func(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error)

// StaticResource pairs a resource descriptor with the handler that reads it.
type StaticResource struct {
	Descriptor mcp.Resource
	Handler    ResourceHandler
}

// TextResource builds a StaticResource serving fixed text content.
func TextResource(uri, name, mimeType, text string) StaticResource {
	contents := []mcp.ResourceContents{{URI: uri, MimeType: mimeType, Text: text}}
	return StaticResource{
		Descriptor: mcp.Resource{URI: uri, Name: name, MimeType: mimeType},
		Handler: func(ctx context.Context, session sessions.Session, _ string) ([]mcp.ResourceContents, error) {
			out := make([]mcp.ResourceContents, len(contents))
			copy(out, contents)
			return out, nil
		},
	}
}

// ResourcesContainer owns a mutable, threadsafe set of resources and
// templates keyed by URI on top of the generic Registry. It also tracks
// per-session subscriptions and prunes them automatically when resources are
// removed.
type ResourcesContainer struct {
	reg      *Registry[mcp.Resource, ResourceHandler]
	notifier ChangeNotifier
	pageSize int

	mu        sync.RWMutex
	templates []mcp.ResourceTemplate

	// uri -> set(sessionID) and the inverse, for subscription bookkeeping.
	subsByURI     map[string]map[string]struct{}
	subsBySession map[string]map[string]struct{}

	// per-URI notifiers that tick when contents for a URI are updated, used
	// for bridging notifications/resources/updated.
	updatedNotifiers map[string]*ChangeNotifier
}

// NewResourcesContainer constructs a ResourcesContainer with the given builtin
// resources.
func NewResourcesContainer(defs ...StaticResource) *ResourcesContainer {
	rc := &ResourcesContainer{
		pageSize:         defaultPageSize,
		subsByURI:        make(map[string]map[string]struct{}),
		subsBySession:    make(map[string]map[string]struct{}),
		updatedNotifiers: make(map[string]*ChangeNotifier),
	}
	rc.reg = NewRegistry[mcp.Resource, ResourceHandler](validateResourceDefinition, &rc.notifier)
	for _, d := range defs {
		_ = rc.reg.Register(d.Descriptor.URI, d.Descriptor, d.Handler, 0, OriginBuiltin)
	}
	return rc
}

func validateResourceDefinition(uri string, def mcp.Resource) error {
	if def.URI == "" || def.URI != uri {
		return fmt.Errorf("resource uri mismatch: %q vs %q", def.URI, uri)
	}
	if def.Name == "" {
		return fmt.Errorf("resource %q: missing name", uri)
	}
	return nil
}

// ProvideResources implements ResourcesCapabilityProvider. Always present,
// even when empty.
func (rc *ResourcesContainer) ProvideResources(ctx context.Context, session sessions.Session) (ResourcesCapability, bool, error) {
	return rc, true, nil
}

// SetPageSize configures the maximum number of items returned per page.
// Values < 1 are ignored.
func (rc *ResourcesContainer) SetPageSize(n int) {
	if n > 0 {
		rc.pageSize = n
	}
}

// SetEnabled flips the resources feature gate.
func (rc *ResourcesContainer) SetEnabled(enabled bool) { rc.reg.SetEnabled(enabled) }

// Enabled reports the resources feature gate.
func (rc *ResourcesContainer) Enabled() bool { return rc.reg.Enabled() }

// Add registers a new resource. Returns ErrDuplicateName if the URI is taken.
func (rc *ResourcesContainer) Add(_ context.Context, def StaticResource) error {
	return rc.reg.Register(def.Descriptor.URI, def.Descriptor, def.Handler, 0, OriginDynamic)
}

// AddWithPriority registers a new resource at the given listing priority.
func (rc *ResourcesContainer) AddWithPriority(_ context.Context, def StaticResource, priority int) error {
	return rc.reg.Register(def.Descriptor.URI, def.Descriptor, def.Handler, priority, OriginDynamic)
}

// Replace swaps the resource under its URI wholesale, inserting if absent.
// Subscribers to the URI are told its contents changed.
func (rc *ResourcesContainer) Replace(_ context.Context, def StaticResource) error {
	if err := rc.reg.Replace(def.Descriptor.URI, def.Descriptor, def.Handler, 0, OriginDynamic); err != nil {
		return err
	}
	rc.MarkUpdated(def.Descriptor.URI)
	return nil
}

// Remove removes a resource by URI and prunes its subscriptions.
func (rc *ResourcesContainer) Remove(_ context.Context, uri string) error {
	if _, err := rc.reg.Unregister(uri); err != nil {
		return err
	}
	rc.mu.Lock()
	rc.unsubscribeAllForURILocked(uri)
	rc.mu.Unlock()
	return nil
}

// Get returns the descriptor for a URI. Works while disabled.
func (rc *ResourcesContainer) Get(uri string) (mcp.Resource, error) {
	e, err := rc.reg.Get(uri)
	if err != nil {
		return mcp.Resource{}, err
	}
	return e.Definition, nil
}

// HasResource reports whether a URI exists in the current set.
func (rc *ResourcesContainer) HasResource(uri string) bool {
	_, err := rc.reg.Get(uri)
	return err == nil
}

// Snapshot returns a copy of the current resource descriptors in listing order.
func (rc *ResourcesContainer) Snapshot() []mcp.Resource {
	entries := rc.reg.List()
	out := make([]mcp.Resource, len(entries))
	for i, e := range entries {
		out[i] = e.Definition
	}
	return out
}

// ReplaceTemplates atomically replaces the template set.
func (rc *ResourcesContainer) ReplaceTemplates(_ context.Context, templates []mcp.ResourceTemplate) {
	rc.mu.Lock()
	rc.templates = make([]mcp.ResourceTemplate, len(templates))
	copy(rc.templates, templates)
	rc.mu.Unlock()
	go func() { _ = rc.notifier.Notify(context.Background()) }()
}

// SnapshotTemplates returns a copy of the current templates slice.
func (rc *ResourcesContainer) SnapshotTemplates() []mcp.ResourceTemplate {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]mcp.ResourceTemplate, len(rc.templates))
	copy(out, rc.templates)
	return out
}

// Subscribe adds a subscription mapping; returns false if the URI is unknown.
func (rc *ResourcesContainer) Subscribe(_ context.Context, sessionID, uri string) bool {
	if !rc.HasResource(uri) {
		return false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, ok := rc.subsByURI[uri]; !ok {
		rc.subsByURI[uri] = make(map[string]struct{})
	}
	if _, ok := rc.subsBySession[sessionID]; !ok {
		rc.subsBySession[sessionID] = make(map[string]struct{})
	}
	rc.subsByURI[uri][sessionID] = struct{}{}
	rc.subsBySession[sessionID][uri] = struct{}{}
	return true
}

// Unsubscribe removes a subscription mapping. Idempotent.
func (rc *ResourcesContainer) Unsubscribe(_ context.Context, sessionID, uri string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.unsubscribeLocked(sessionID, uri)
}

func (rc *ResourcesContainer) unsubscribeLocked(sessionID, uri string) bool {
	changed := false
	if m, ok := rc.subsByURI[uri]; ok {
		if _, ok := m[sessionID]; ok {
			delete(m, sessionID)
			changed = true
			if len(m) == 0 {
				delete(rc.subsByURI, uri)
			}
		}
	}
	if m, ok := rc.subsBySession[sessionID]; ok {
		delete(m, uri)
		if len(m) == 0 {
			delete(rc.subsBySession, sessionID)
		}
	}
	return changed
}

func (rc *ResourcesContainer) unsubscribeAllForURILocked(uri string) {
	for sid := range rc.subsByURI[uri] {
		rc.unsubscribeLocked(sid, uri)
	}
}

// UnsubscribeAllForSession removes all subscriptions for a session, called on
// session teardown.
func (rc *ResourcesContainer) UnsubscribeAllForSession(_ context.Context, sessionID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for uri := range rc.subsBySession[sessionID] {
		if m, ok := rc.subsByURI[uri]; ok {
			delete(m, sessionID)
			if len(m) == 0 {
				delete(rc.subsByURI, uri)
			}
		}
	}
	delete(rc.subsBySession, sessionID)
}

// ListSessionsForURI returns the sessionIDs subscribed to a URI.
func (rc *ResourcesContainer) ListSessionsForURI(uri string) []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	subs := rc.subsByURI[uri]
	if len(subs) == 0 {
		return nil
	}
	out := make([]string, 0, len(subs))
	for sid := range subs {
		out = append(out, sid)
	}
	return out
}

// Subscriber implements ChangeSubscriber by returning a channel that receives
// a signal whenever the resource list or templates change.
func (rc *ResourcesContainer) Subscriber() <-chan struct{} {
	return rc.notifier.Subscriber()
}

// SubscriberForURI returns a channel that receives a tick each time the
// specific URI's contents are marked updated.
func (rc *ResourcesContainer) SubscriberForURI(uri string) <-chan struct{} {
	rc.mu.Lock()
	n := rc.updatedNotifiers[uri]
	if n == nil {
		n = &ChangeNotifier{}
		rc.updatedNotifiers[uri] = n
	}
	rc.mu.Unlock()
	return n.Subscriber()
}

// MarkUpdated triggers a best-effort tick on the per-URI notifier, if any.
func (rc *ResourcesContainer) MarkUpdated(uri string) {
	rc.mu.RLock()
	n := rc.updatedNotifiers[uri]
	rc.mu.RUnlock()
	if n == nil {
		return
	}
	_ = n.Notify(context.Background())
}

// --- ResourcesCapability implementation ---

// ListResources implements ResourcesCapability.
func (rc *ResourcesContainer) ListResources(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Resource], error) {
	return pageSlice(rc.Snapshot(), rc.pageSize, cursor), nil
}

// ListResourceTemplates implements ResourcesCapability.
func (rc *ResourcesContainer) ListResourceTemplates(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error) {
	return pageSlice(rc.SnapshotTemplates(), rc.pageSize, cursor), nil
}

// ReadResource implements ResourcesCapability. The feature gate applies: a
// disabled container refuses reads through the capability surface while Get
// and Snapshot keep working for diagnostics.
func (rc *ResourcesContainer) ReadResource(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error) {
	h, err := rc.reg.Handler(uri)
	if err != nil {
		return nil, fmt.Errorf("resource %q: %w", uri, err)
	}
	if h == nil {
		return nil, fmt.Errorf("resource %q: %w", uri, ErrNotFound)
	}
	return h(ctx, session, uri)
}

// GetSubscriptionCapability implements ResourcesCapability.
func (rc *ResourcesContainer) GetSubscriptionCapability(ctx context.Context, session sessions.Session) (ResourceSubscriptionCapability, bool, error) {
	return resourceSubscriptionFromContainer{rc: rc}, true, nil
}

// GetListChangedCapability implements ResourcesCapability.
func (rc *ResourcesContainer) GetListChangedCapability(ctx context.Context, session sessions.Session) (ResourceListChangedCapability, bool, error) {
	return resourceListChangedFromSubscriber{sub: rc}, true, nil
}

// resourceSubscriptionFromContainer adapts ResourcesContainer to ResourceSubscriptionCapability.
type resourceSubscriptionFromContainer struct{ rc *ResourcesContainer }

func (r resourceSubscriptionFromContainer) Subscribe(ctx context.Context, session sessions.Session, uri string) error {
	if !r.rc.Subscribe(ctx, session.SessionID(), uri) {
		return fmt.Errorf("resource %q: %w", uri, ErrNotFound)
	}
	return nil
}

func (r resourceSubscriptionFromContainer) Unsubscribe(ctx context.Context, session sessions.Session, uri string) error {
	r.rc.Unsubscribe(ctx, session.SessionID(), uri)
	return nil
}

// resourceListChangedFromSubscriber adapts ChangeSubscriber to ResourceListChangedCapability.
type resourceListChangedFromSubscriber struct{ sub ChangeSubscriber }

func (r resourceListChangedFromSubscriber) Register(ctx context.Context, session sessions.Session, fn NotifyResourceChangeFunc) (bool, error) {
	if r.sub == nil || fn == nil {
		return false, nil
	}
	ch := r.sub.Subscriber()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn(ctx, session, "")
			}
		}
	}()
	return true, nil
}
