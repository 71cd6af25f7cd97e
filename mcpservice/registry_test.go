package mcpservice

import (
	"errors"
	"testing"
	"time"
)

func newTestRegistry() *Registry[string, func() string] {
	return NewRegistry[string, func() string](nil, nil)
}

func TestRegistry_RegisterThenGetRoundTrip(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()
	if err := reg.Register("alpha", "def-alpha", func() string { return "a" }, 0, OriginBuiltin); err != nil {
		t.Fatalf("register: %v", err)
	}
	e, err := reg.Get("alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Name != "alpha" || e.Definition != "def-alpha" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	h, err := reg.Handler("alpha")
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got := h(); got != "a" {
		t.Fatalf("handler returned %q", got)
	}
}

func TestRegistry_DuplicateNameKeepsOriginal(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()
	if err := reg.Register("dup", "original", func() string { return "1" }, 0, OriginBuiltin); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := reg.Register("dup", "impostor", func() string { return "2" }, 5, OriginDynamic)
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	e, err := reg.Get("dup")
	if err != nil {
		t.Fatalf("get after failed register: %v", err)
	}
	if e.Definition != "original" || e.Priority != 0 {
		t.Fatalf("original entry mutated: %+v", e)
	}
	h, _ := reg.Handler("dup")
	if got := h(); got != "1" {
		t.Fatalf("handler replaced: %q", got)
	}
}

func TestRegistry_EmptyNameRejected(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()
	err := reg.Register("", "anon", func() string { return "" }, 0, OriginDynamic)
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestRegistry_ListOrdering(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()
	// Interleave priorities to exercise priority-then-insertion ordering.
	for _, reg1 := range []struct {
		name string
		prio int
	}{
		{"low-first", 0},
		{"high", 10},
		{"low-second", 0},
		{"mid", 5},
		{"low-third", 0},
	} {
		if err := reg.Register(reg1.name, reg1.name, func() string { return "" }, reg1.prio, OriginDynamic); err != nil {
			t.Fatalf("register %s: %v", reg1.name, err)
		}
	}
	got := reg.List()
	want := []string{"high", "mid", "low-first", "low-second", "low-third"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Fatalf("position %d: expected %s, got %s", i, name, got[i].Name)
		}
	}
}

func TestRegistry_ReplaceKeepsInsertionOrder(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()
	for _, name := range []string{"a", "b", "c"} {
		if err := reg.Register(name, name, func() string { return "" }, 0, OriginDynamic); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := reg.Replace("b", "b-v2", func() string { return "v2" }, 0, OriginDynamic); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got := reg.List()
	if got[0].Name != "a" || got[1].Name != "b" || got[2].Name != "c" {
		t.Fatalf("replace disturbed ordering: %v %v %v", got[0].Name, got[1].Name, got[2].Name)
	}
	if got[1].Definition != "b-v2" {
		t.Fatalf("replace did not update definition: %+v", got[1])
	}
}

func TestRegistry_UnregisterThenGetNotFound(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()
	if err := reg.Register("gone", "gone", func() string { return "" }, 0, OriginDynamic); err != nil {
		t.Fatalf("register: %v", err)
	}
	removed, err := reg.Unregister("gone")
	if err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if removed.Name != "gone" {
		t.Fatalf("unexpected removed entry: %+v", removed)
	}
	if _, err := reg.Get("gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := reg.Unregister("gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second unregister, got %v", err)
	}
}

func TestRegistry_DisabledGateAsymmetry(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()
	if err := reg.Register("kept", "kept", func() string { return "ok" }, 0, OriginBuiltin); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.SetEnabled(false)

	// Read paths keep working while disabled.
	if _, err := reg.Get("kept"); err != nil {
		t.Fatalf("get while disabled: %v", err)
	}
	if got := reg.List(); len(got) != 1 {
		t.Fatalf("list while disabled: %d entries", len(got))
	}

	// Registration and invocation are refused.
	if err := reg.Register("new", "new", func() string { return "" }, 0, OriginDynamic); !errors.Is(err, ErrRegistryDisabled) {
		t.Fatalf("expected ErrRegistryDisabled on register, got %v", err)
	}
	if _, err := reg.Handler("kept"); !errors.Is(err, ErrRegistryDisabled) {
		t.Fatalf("expected ErrRegistryDisabled on handler, got %v", err)
	}

	reg.SetEnabled(true)
	if _, err := reg.Handler("kept"); err != nil {
		t.Fatalf("handler after re-enable: %v", err)
	}
}

func TestRegistry_NotifierSignalsOnMutation(t *testing.T) {
	t.Parallel()
	var notifier ChangeNotifier
	reg := NewRegistry[string, func() string](nil, &notifier)
	ch := notifier.Subscriber()

	if err := reg.Register("sig", "sig", func() string { return "" }, 0, OriginDynamic); err != nil {
		t.Fatalf("register: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no change signal after register")
	}

	if _, err := reg.Unregister("sig"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no change signal after unregister")
	}
}

func TestRegistry_ValidateHookRejectsDefinition(t *testing.T) {
	t.Parallel()
	reg := NewRegistry[string, func() string](func(name, def string) error {
		if def == "bad" {
			return errors.New("definition rejected")
		}
		return nil
	}, nil)
	err := reg.Register("x", "bad", func() string { return "" }, 0, OriginDynamic)
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
	if _, gerr := reg.Get("x"); !errors.Is(gerr, ErrNotFound) {
		t.Fatalf("rejected definition should not be stored: %v", gerr)
	}
}
