package mcpservice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/streamplane/mcpd/mcp"
	"github.com/streamplane/mcpd/sessions"
)

// FSResources serves a directory tree as MCP resources. Two backings are
// supported: an OS directory, where reads are confined to the symlink-resolved
// root and changes are watched via fsnotify, and a generic fs.FS such as
// embed.FS, where symlinks are skipped and change detection falls back to
// polling when enabled.
//
// A file under the root becomes a resource whose URI is the configured base
// plus the slash-separated, percent-escaped relative path.
type FSResources struct {
	mu sync.RWMutex

	fsys   fs.FS
	osRoot string // symlink-resolved absolute root when backed by an OS dir

	baseURI  string
	pageSize int

	pollInterval time.Duration // generic-FS change detection; <= 0 disabled
	notifier     ChangeNotifier
	watchOnce    sync.Once
	watching     atomic.Bool

	subsByURI     map[string]map[string]struct{}
	subsBySession map[string]map[string]struct{}

	updateDebounce   time.Duration
	updatedNotifiers map[string]*ChangeNotifier
	coalescers       map[string]*updateCoalescer
}

// FSOption configures FSResources.
type FSOption func(*FSResources)

// WithOSDir roots the capability at an OS directory. The root is resolved
// through symlinks up front and every read is checked for containment within
// the resolved root, so a symlink planted under the tree cannot reach outside
// it.
func WithOSDir(root string) FSOption {
	return func(r *FSResources) {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		if real, err := filepath.EvalSymlinks(root); err == nil {
			root = real
		}
		// A missing root surfaces as empty listings and not-found reads.
		r.osRoot = root
		r.fsys = os.DirFS(root)
	}
}

// WithFS roots the capability at a generic fs.FS such as embed.FS. Symlinks
// are never followed and parent traversal is rejected.
func WithFS(f fs.FS) FSOption {
	return func(r *FSResources) { r.fsys = f; r.osRoot = "" }
}

// WithBaseURI sets the URI prefix for served resources, e.g. "fs://workspace".
func WithBaseURI(base string) FSOption {
	return func(r *FSResources) { r.baseURI = strings.TrimRight(base, "/") }
}

// WithFSPageSize overrides the listing page size (default 50).
func WithFSPageSize(n int) FSOption {
	return func(r *FSResources) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithPolling enables change detection for generic fs.FS backings by scanning
// at the given interval. OS-dir backings use fsnotify instead and ignore this.
func WithPolling(interval time.Duration) FSOption {
	return func(r *FSResources) { r.pollInterval = interval }
}

// WithUpdateDebounce sets how long per-URI update signals are held so a burst
// of writes produces one notification. Zero disables coalescing.
func WithUpdateDebounce(d time.Duration) FSOption {
	return func(r *FSResources) { r.updateDebounce = d }
}

// NewFSResources builds a filesystem-backed resources capability.
func NewFSResources(opts ...FSOption) *FSResources {
	r := &FSResources{
		baseURI:          "fs://",
		pageSize:         50,
		updateDebounce:   250 * time.Millisecond,
		subsByURI:        make(map[string]map[string]struct{}),
		subsBySession:    make(map[string]map[string]struct{}),
		updatedNotifiers: make(map[string]*ChangeNotifier),
		coalescers:       make(map[string]*updateCoalescer),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *FSResources) ListResources(ctx context.Context, _ sessions.Session, cursor *string) (Page[mcp.Resource], error) {
	if r.fsys == nil {
		return NewPage[mcp.Resource](nil), nil
	}
	all, err := r.listAll(ctx)
	if err != nil {
		return NewPage[mcp.Resource](nil), err
	}
	return pageSlice(all, r.pageSize, cursor), nil
}

func (r *FSResources) ListResourceTemplates(ctx context.Context, _ sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error) {
	// A flat directory view has no templates.
	return NewPage[mcp.ResourceTemplate](nil), nil
}

func (r *FSResources) ReadResource(ctx context.Context, _ sessions.Session, uri string) ([]mcp.ResourceContents, error) {
	if r.fsys == nil {
		return nil, fmt.Errorf("resource not found: %s", uri)
	}
	rel, ok := r.resolvePath(uri)
	if !ok {
		return nil, fmt.Errorf("resource not found: %s", uri)
	}

	if r.osRoot != "" {
		// Resolve through symlinks, then require the result to still live
		// under the root before touching it.
		real, err := filepath.EvalSymlinks(filepath.Join(r.osRoot, filepath.FromSlash(rel)))
		if err != nil || !containedIn(real, r.osRoot) {
			return nil, fmt.Errorf("resource not found: %s", uri)
		}
		data, err := os.ReadFile(real)
		if err != nil {
			return nil, fmt.Errorf("read failed: %w", err)
		}
		return []mcp.ResourceContents{fileContents(uri, mimeTypeFor(real), data)}, nil
	}

	if !safeRelPath(rel) {
		return nil, fmt.Errorf("resource not found: %s", uri)
	}
	data, err := fs.ReadFile(r.fsys, rel)
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	return []mcp.ResourceContents{fileContents(uri, mimeTypeFor(rel), data)}, nil
}

func mimeTypeFor(p string) string {
	return mime.TypeByExtension(strings.ToLower(path.Ext(filepath.ToSlash(p))))
}

// fileContents picks the text or blob representation based on whether the
// bytes are valid UTF-8.
func fileContents(uri, mimeType string, data []byte) mcp.ResourceContents {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if utf8.Valid(data) {
		return mcp.ResourceContents{URI: uri, MimeType: mimeType, Text: string(data)}
	}
	return mcp.ResourceContents{URI: uri, MimeType: mimeType, Blob: base64.StdEncoding.EncodeToString(data)}
}

func (r *FSResources) GetSubscriptionCapability(ctx context.Context, _ sessions.Session) (ResourceSubscriptionCapability, bool, error) {
	return fsSubscriptions{r: r}, true, nil
}

func (r *FSResources) GetListChangedCapability(ctx context.Context, _ sessions.Session) (ResourceListChangedCapability, bool, error) {
	if r.osRoot == "" && r.pollInterval <= 0 {
		return nil, false, nil
	}
	return fsListChanged{r: r}, true, nil
}

// startWatch launches the change detector once per instance: fsnotify for an
// OS root, the polling scanner otherwise.
func (r *FSResources) startWatch(ctx context.Context) {
	r.watchOnce.Do(func() {
		switch {
		case r.osRoot != "":
			go r.watchLoop(ctx)
		case r.pollInterval > 0:
			go r.pollLoop(ctx)
		}
	})
}

type fsListChanged struct{ r *FSResources }

func (f fsListChanged) Register(ctx context.Context, s sessions.Session, fn NotifyResourceChangeFunc) (bool, error) {
	if fn == nil {
		return false, nil
	}
	f.r.startWatch(ctx)
	ch := f.r.notifier.Subscriber()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn(ctx, s, "")
			}
		}
	}()
	return true, nil
}

// pollLoop rescans the tree at the configured interval and compares file
// stamps against the previous scan. Adds and removes raise a list-changed
// signal; a changed stamp on a surviving file raises a per-URI update.
func (r *FSResources) pollLoop(ctx context.Context) {
	if !r.watching.CompareAndSwap(false, true) {
		return
	}
	defer r.watching.Store(false)

	prev, _ := r.stampTree(ctx)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur, err := r.stampTree(ctx)
			if err != nil {
				continue
			}
			listChanged := false
			for p, stamp := range cur {
				old, existed := prev[p]
				switch {
				case !existed:
					listChanged = true
				case old != stamp:
					r.noteUpdated(r.resourceURI(p))
					listChanged = true
				}
			}
			for p := range prev {
				if _, ok := cur[p]; !ok {
					listChanged = true
				}
			}
			if listChanged {
				prev = cur
				_ = r.notifier.Notify(ctx)
			}
		}
	}
}

// watchLoop drives fsnotify over the OS root. Creates, removes and renames
// raise list-changed; writes raise a per-URI update after containment checks.
func (r *FSResources) watchLoop(ctx context.Context) {
	if r.osRoot == "" || !r.watching.CompareAndSwap(false, true) {
		return
	}
	defer r.watching.Store(false)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("fsnotify unavailable", slog.String("err", err.Error()))
		return
	}
	defer func() {
		_ = w.Close()
	}()

	// Watch every directory under the root; fsnotify is not recursive.
	walkErr := filepath.WalkDir(r.osRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return w.Add(p)
	})
	if walkErr != nil {
		slog.Debug("fsnotify add dirs failed", slog.String("err", walkErr.Error()))
	}

	// One signal on startup so listeners converge with current disk state.
	_ = r.notifier.Notify(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			r.handleFSEvent(ctx, w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Debug("fsnotify error", slog.String("err", err.Error()))
		}
	}
}

func (r *FSResources) handleFSEvent(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = w.Add(ev.Name)
		}
		_ = r.notifier.Notify(ctx)
	}
	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		// The watch on a removed directory is dropped by the kernel.
		_ = r.notifier.Notify(ctx)
	}
	if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Chmod) {
		abs := ev.Name
		if a, err := filepath.Abs(abs); err == nil {
			abs = a
		}
		if !containedIn(abs, r.osRoot) {
			return
		}
		rel, err := filepath.Rel(r.osRoot, abs)
		if err != nil {
			return
		}
		r.noteUpdated(r.resourceURI(filepath.ToSlash(rel)))
	}
}

// fileStamp identifies a file version well enough for change polling.
type fileStamp struct {
	size int64
	mod  int64 // unix nanos
}

// stampTree records a stamp for every visible regular file.
func (r *FSResources) stampTree(ctx context.Context) (map[string]fileStamp, error) {
	if r.fsys == nil {
		return nil, errors.New("no fs configured")
	}
	stamps := make(map[string]fileStamp)
	err := fs.WalkDir(r.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil || d.IsDir() || entryIsSymlink(d) || !safeRelPath(p) {
			return nil
		}
		if info, e := d.Info(); e == nil {
			stamps[p] = fileStamp{size: info.Size(), mod: info.ModTime().UnixNano()}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stamps, nil
}

// listAll walks the tree and converts every visible file to a resource entry,
// sorted by URI for stable pagination.
func (r *FSResources) listAll(ctx context.Context) ([]mcp.Resource, error) {
	var out []mcp.Resource
	err := fs.WalkDir(r.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil || d.IsDir() || entryIsSymlink(d) || !safeRelPath(p) {
			return nil
		}
		out = append(out, mcp.Resource{
			URI:      r.resourceURI(p),
			Name:     path.Base(p),
			MimeType: mimeTypeFor(p),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

func entryIsSymlink(d fs.DirEntry) bool {
	if d == nil {
		return false
	}
	if d.Type()&fs.ModeSymlink != 0 {
		return true
	}
	if info, err := d.Info(); err == nil {
		return info.Mode()&fs.ModeSymlink != 0
	}
	return false
}

// safeRelPath accepts only clean, rooted-relative paths with no ".." segments
// and no colon (Windows volume or scheme-looking input).
func safeRelPath(p string) bool {
	return fs.ValidPath(p) && !strings.Contains(p, ":")
}

// resourceURI maps a slash-separated relative path to its served URI,
// percent-escaping each segment.
func (r *FSResources) resourceURI(rel string) string {
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return r.baseURI + "/" + strings.Join(segs, "/")
}

// resolvePath inverts resourceURI: it strips the base, unescapes segments and
// rejects anything that cleans to the root or escapes it.
func (r *FSResources) resolvePath(uri string) (string, bool) {
	base := strings.TrimRight(r.baseURI, "/") + "/"
	rest, found := strings.CutPrefix(uri, base)
	if !found {
		return "", false
	}
	segs := strings.Split(rest, "/")
	for i, s := range segs {
		dec, err := url.PathUnescape(s)
		if err != nil {
			return "", false
		}
		segs[i] = dec
	}
	rel := path.Clean(strings.Join(segs, "/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// containedIn reports whether target equals root or sits beneath it.
func containedIn(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && !strings.HasPrefix(rel, "../"))
}

type fsSubscriptions struct{ r *FSResources }

func (f fsSubscriptions) Subscribe(ctx context.Context, s sessions.Session, uri string) error {
	if !f.r.uriExists(ctx, uri) {
		return fmt.Errorf("resource not found: %s", uri)
	}
	// The watcher outlives the subscribing request.
	f.r.startWatch(context.Background())

	sid := s.SessionID()
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if f.r.subsByURI[uri] == nil {
		f.r.subsByURI[uri] = make(map[string]struct{})
	}
	if f.r.subsBySession[sid] == nil {
		f.r.subsBySession[sid] = make(map[string]struct{})
	}
	f.r.subsByURI[uri][sid] = struct{}{}
	f.r.subsBySession[sid][uri] = struct{}{}
	return nil
}

func (f fsSubscriptions) Unsubscribe(ctx context.Context, s sessions.Session, uri string) error {
	sid := s.SessionID()
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if m := f.r.subsByURI[uri]; m != nil {
		delete(m, sid)
		if len(m) == 0 {
			delete(f.r.subsByURI, uri)
		}
	}
	if m := f.r.subsBySession[sid]; m != nil {
		delete(m, uri)
		if len(m) == 0 {
			delete(f.r.subsBySession, sid)
		}
	}
	return nil
}

// uriExists reports whether the URI names a regular file inside the root.
func (r *FSResources) uriExists(ctx context.Context, uri string) bool {
	rel, ok := r.resolvePath(uri)
	if !ok {
		return false
	}
	if r.osRoot != "" {
		real, err := filepath.EvalSymlinks(filepath.Join(r.osRoot, filepath.FromSlash(rel)))
		if err != nil || !containedIn(real, r.osRoot) {
			return false
		}
		st, err := os.Stat(real)
		return err == nil && st.Mode().IsRegular()
	}
	if !safeRelPath(rel) {
		return false
	}
	info, err := fs.Stat(r.fsys, rel)
	return err == nil && info.Mode().IsRegular()
}

// noteUpdated schedules a coalesced update signal for one URI.
func (r *FSResources) noteUpdated(uri string) {
	r.mu.Lock()
	c, ok := r.coalescers[uri]
	if !ok {
		n := r.notifierForURILocked(uri)
		c = &updateCoalescer{
			interval: r.updateDebounce,
			fire:     func() { _ = n.Notify(context.Background()) },
		}
		r.coalescers[uri] = c
	}
	r.mu.Unlock()
	c.trigger()
}

func (r *FSResources) notifierForURILocked(uri string) *ChangeNotifier {
	if r.updatedNotifiers[uri] == nil {
		r.updatedNotifiers[uri] = &ChangeNotifier{}
	}
	return r.updatedNotifiers[uri]
}

func (r *FSResources) subscriberForURI(uri string) <-chan struct{} {
	r.mu.Lock()
	n := r.notifierForURILocked(uri)
	r.mu.Unlock()
	return n.Subscriber()
}

// SubscriberForURI returns a channel that ticks when the named resource
// changes on disk. The engine bridges these ticks to resources/updated
// notifications for subscribed sessions.
func (r *FSResources) SubscriberForURI(uri string) <-chan struct{} {
	return r.subscriberForURI(uri)
}

// updateCoalescer turns a burst of triggers into one fire per interval.
type updateCoalescer struct {
	mu       sync.Mutex
	timer    *time.Timer
	pending  bool
	interval time.Duration
	fire     func()
}

func (c *updateCoalescer) trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interval <= 0 {
		c.fire()
		return
	}
	if c.pending {
		return
	}
	c.pending = true
	if c.timer == nil {
		c.timer = time.AfterFunc(c.interval, c.flush)
	} else {
		c.timer.Reset(c.interval)
	}
}

func (c *updateCoalescer) flush() {
	c.mu.Lock()
	c.pending = false
	c.mu.Unlock()
	c.fire()
}
