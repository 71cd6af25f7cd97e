package mcpservice

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeSession string

func (s fakeSession) SessionID() string       { return string(s) }
func (s fakeSession) UserID() string          { return string(s) }
func (s fakeSession) ProtocolVersion() string { return "" }

func seedFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestFSResourcesListsAndReadsFiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	seedFile(t, dir, "notes/a.txt", "hello")
	seedFile(t, dir, "b.md", "# readme")

	r := NewFSResources(WithOSDir(dir), WithBaseURI("fs://test"))

	page, err := r.ListResources(ctx, fakeSession("s1"), nil)
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("want 2 resources, got %d", len(page.Items))
	}
	if page.Items[0].URI != "fs://test/b.md" {
		t.Fatalf("want URI-sorted listing, first = %q", page.Items[0].URI)
	}

	contents, err := r.ReadResource(ctx, fakeSession("s1"), "fs://test/notes/a.txt")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(contents) != 1 || contents[0].Text != "hello" || contents[0].MimeType == "" {
		t.Fatalf("unexpected contents: %+v", contents)
	}
}

func TestFSResourcesRejectsEscapingURIs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	outside := t.TempDir()
	secret := seedFile(t, outside, "secret.txt", "nope")
	dir := t.TempDir()
	if err := os.Symlink(secret, filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlink: %v", err)
	}

	r := NewFSResources(WithOSDir(dir), WithBaseURI("fs://root"))

	if _, err := r.ReadResource(ctx, fakeSession("s"), "fs://root/link.txt"); err == nil {
		t.Fatal("symlink pointing outside the root must not be readable")
	}
	if _, err := r.ReadResource(ctx, fakeSession("s"), "fs://root/../secret.txt"); err == nil {
		t.Fatal("parent traversal must not be readable")
	}
}

func TestFSResourcesCoalescesUpdateBursts(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dir := t.TempDir()
	seedFile(t, dir, "file.txt", "v1")

	r := NewFSResources(WithOSDir(dir), WithBaseURI("fs://t"), WithPolling(50*time.Millisecond))
	r.updateDebounce = 30 * time.Millisecond

	uri := "fs://t/file.txt"
	subCap, ok, err := r.GetSubscriptionCapability(ctx, fakeSession("s1"))
	if err != nil || !ok {
		t.Fatalf("subscription capability: ok=%v err=%v", ok, err)
	}
	if err := subCap.Subscribe(ctx, fakeSession("s1"), uri); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = subCap.Unsubscribe(context.Background(), fakeSession("s1"), uri) }()

	ch := r.subscriberForURI(uri)

	// Several writes inside one debounce window should surface as one tick.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte("v2"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-ch:
	case <-ctx.Done():
		t.Fatal("timeout waiting for coalesced update")
	}

	select {
	case <-ch:
		time.Sleep(20 * time.Millisecond)
		select {
		case <-ch:
			t.Fatal("burst of writes produced back-to-back ticks; expected one coalesced update")
		default:
		}
	default:
	}
}
