package mcpservice

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Origin records how an entry came to exist in a registry.
type Origin string

const (
	// OriginBuiltin marks entries registered at server construction.
	OriginBuiltin Origin = "builtin"
	// OriginDynamic marks entries registered after startup.
	OriginDynamic Origin = "dynamic"
)

var (
	// ErrDuplicateName is returned by Register when the name is already taken.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrNotFound is returned when a named entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRegistryDisabled is returned by mutating and invoking operations while
	// the registry's feature gate is off. Reads still succeed so diagnostics
	// remain available in the degraded state.
	ErrRegistryDisabled = errors.New("registry disabled")
	// ErrInvalidDefinition is returned when a definition fails shape validation.
	ErrInvalidDefinition = errors.New("invalid definition")
)

// Entry is one named registration: a definition visible in listings and the
// handler invoked for it. Entries are immutable once inserted; Replace swaps
// the whole entry rather than mutating in place.
type Entry[V any, H any] struct {
	Name       string
	Definition V
	Handler    H
	Priority   int
	Origin     Origin

	seq uint64
}

// Registry is a name-keyed, concurrently accessible store shared by the tools,
// resources, and prompts containers. Readers always observe a consistent
// snapshot: List copies under the read lock and insertion never exposes a
// partially built entry. Mutations hold the write lock for map surgery only,
// never while running validation callbacks' I/O or handler logic.
type Registry[V any, H any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[V, H]
	nextSeq uint64
	enabled bool

	validate func(name string, def V) error
	notifier *ChangeNotifier
}

// NewRegistry constructs an enabled registry. validate, when non-nil, is run
// against every definition before insertion; notifier, when non-nil, receives
// a change signal after every successful mutation.
func NewRegistry[V any, H any](validate func(name string, def V) error, notifier *ChangeNotifier) *Registry[V, H] {
	return &Registry[V, H]{
		entries:  make(map[string]Entry[V, H]),
		enabled:  true,
		validate: validate,
		notifier: notifier,
	}
}

// SetEnabled flips the registry-wide feature gate.
func (r *Registry[V, H]) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
}

// Enabled reports the feature gate. Get and List work regardless; Register,
// Unregister, and Handler require it.
func (r *Registry[V, H]) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Register inserts a new entry. Fails with ErrDuplicateName if the name is
// taken; callers that intend an overwrite must use Replace.
func (r *Registry[V, H]) Register(name string, def V, handler H, priority int, origin Origin) error {
	if name == "" {
		return ErrInvalidDefinition
	}
	if r.validate != nil {
		if err := r.validate(name, def); err != nil {
			return errors.Join(ErrInvalidDefinition, err)
		}
	}
	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		return ErrRegistryDisabled
	}
	if _, exists := r.entries[name]; exists {
		r.mu.Unlock()
		return ErrDuplicateName
	}
	r.nextSeq++
	r.entries[name] = Entry[V, H]{Name: name, Definition: def, Handler: handler, Priority: priority, Origin: origin, seq: r.nextSeq}
	r.mu.Unlock()
	r.notify()
	return nil
}

// Replace atomically swaps the entry under name, or inserts it if absent.
// An existing entry keeps its insertion position for equal-priority ordering.
func (r *Registry[V, H]) Replace(name string, def V, handler H, priority int, origin Origin) error {
	if name == "" {
		return ErrInvalidDefinition
	}
	if r.validate != nil {
		if err := r.validate(name, def); err != nil {
			return errors.Join(ErrInvalidDefinition, err)
		}
	}
	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		return ErrRegistryDisabled
	}
	seq := r.nextSeq + 1
	if prev, exists := r.entries[name]; exists {
		seq = prev.seq
	} else {
		r.nextSeq = seq
	}
	r.entries[name] = Entry[V, H]{Name: name, Definition: def, Handler: handler, Priority: priority, Origin: origin, seq: seq}
	r.mu.Unlock()
	r.notify()
	return nil
}

// Unregister removes and returns the named entry.
func (r *Registry[V, H]) Unregister(name string) (Entry[V, H], error) {
	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		return Entry[V, H]{}, ErrRegistryDisabled
	}
	e, exists := r.entries[name]
	if !exists {
		r.mu.Unlock()
		return Entry[V, H]{}, ErrNotFound
	}
	delete(r.entries, name)
	r.mu.Unlock()
	r.notify()
	return e, nil
}

// Get returns the named entry. Works even while the registry is disabled.
func (r *Registry[V, H]) Get(name string) (Entry[V, H], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.entries[name]
	if !exists {
		return Entry[V, H]{}, ErrNotFound
	}
	return e, nil
}

// Handler resolves the invocation target for name. Unlike Get it honors the
// feature gate: a disabled registry refuses invocations.
func (r *Registry[V, H]) Handler(name string) (H, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var zero H
	if !r.enabled {
		return zero, ErrRegistryDisabled
	}
	e, exists := r.entries[name]
	if !exists {
		return zero, ErrNotFound
	}
	return e.Handler, nil
}

// List returns a snapshot of all entries ordered by descending priority, then
// insertion order for equal priorities. Works while disabled.
func (r *Registry[V, H]) List() []Entry[V, H] {
	r.mu.RLock()
	out := make([]Entry[V, H], 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Len reports the number of entries.
func (r *Registry[V, H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// notify signals list-changed subscribers. Fire-and-forget: a failed or
// closed notifier never fails the mutation that triggered it.
func (r *Registry[V, H]) notify() {
	if r.notifier == nil {
		return
	}
	go func() { _ = r.notifier.Notify(context.Background()) }()
}
