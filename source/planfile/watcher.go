package planfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/semplan/workflow"
)

const eventChannelBuffer = 64

// WatchConfig configures plan file watching.
type WatchConfig struct {
	// DebounceDelay is how long to wait for more changes before processing.
	DebounceDelay string `json:"debounce_delay" yaml:"debounce_delay"`

	// Patterns are doublestar globs, relative to the watched root, selecting
	// plan files.
	Patterns []string `json:"patterns" yaml:"patterns"`

	// ExcludeDirs lists directory names to skip.
	ExcludeDirs []string `json:"exclude_dirs" yaml:"exclude_dirs"`
}

// DefaultWatchConfig returns default watch configuration.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		DebounceDelay: "500ms",
		Patterns:      []string{"**/plan.yaml", "**/*.plan.yaml"},
		ExcludeDirs:   []string{".git", "node_modules", "vendor"},
	}
}

// Validate checks the configuration.
func (c WatchConfig) Validate() error {
	if c.DebounceDelay != "" {
		if _, err := time.ParseDuration(c.DebounceDelay); err != nil {
			return fmt.Errorf("invalid debounce_delay: %w", err)
		}
	}
	for _, p := range c.Patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid pattern %q", p)
		}
	}
	return nil
}

// GetDebounceDelay returns the debounce delay as a duration.
func (c WatchConfig) GetDebounceDelay() time.Duration {
	d, err := time.ParseDuration(c.DebounceDelay)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// Operation indicates the type of file change.
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// Change is a plan file that appeared, changed or went away. Spec is set for
// create and modify; Err is set instead when the file no longer parses.
type Change struct {
	Path      string
	AbsPath   string
	Operation Operation
	Spec      workflow.PlanSpec
	Err       error
}

// Watcher emits a Change whenever the content of a matching plan file
// changes. Rewrites with identical content are suppressed.
type Watcher struct {
	config   WatchConfig
	root     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	excludes map[string]bool

	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	hashes map[string]string

	events chan Change
}

// NewWatcher creates a watcher over root.
func NewWatcher(config WatchConfig, root string, logger *slog.Logger) (*Watcher, error) {
	if len(config.Patterns) == 0 {
		config.Patterns = DefaultWatchConfig().Patterns
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	excludes := make(map[string]bool, len(config.ExcludeDirs))
	for _, dir := range config.ExcludeDirs {
		excludes[dir] = true
	}

	return &Watcher{
		config:   config,
		root:     abs,
		watcher:  fsw,
		logger:   logger.With("root", abs),
		excludes: excludes,
		pending:  make(map[string]fsnotify.Op),
		hashes:   make(map[string]string),
		events:   make(chan Change, eventChannelBuffer),
	}, nil
}

// Events returns the channel of changes. It is closed when the watcher stops.
func (w *Watcher) Events() <-chan Change {
	return w.events
}

// Start emits a create Change for every plan file already present, then
// watches for edits until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addWatchesRecursive(w.root); err != nil {
		return err
	}
	existing, err := w.Scan()
	if err != nil {
		return err
	}

	go w.processEvents(ctx, existing)

	w.logger.Info("Plan watcher started",
		"patterns", w.config.Patterns,
		"existing", len(existing),
		"debounce", w.config.GetDebounceDelay())
	return nil
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// Scan returns the absolute paths of plan files currently under the root,
// sorted.
func (w *Watcher) Scan() ([]string, error) {
	fsys := os.DirFS(w.root)
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range w.config.Patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if seen[m] || w.excluded(m) {
				continue
			}
			seen[m] = true
			out = append(out, filepath.Join(w.root, filepath.FromSlash(m)))
		}
	}
	slices.Sort(out)
	return out, nil
}

// Matches reports whether a path under the root is a plan file.
func (w *Watcher) Matches(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	if w.excluded(rel) {
		return false
	}
	for _, pattern := range w.config.Patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) excluded(rel string) bool {
	parts := strings.Split(rel, "/")
	for _, dir := range parts[:len(parts)-1] {
		if w.excludes[dir] {
			return true
		}
	}
	return false
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) skipDir(name string) bool {
	return w.excludes[name] || strings.HasPrefix(name, ".")
}

func (w *Watcher) processEvents(ctx context.Context, existing []string) {
	defer close(w.events)

	for _, path := range existing {
		if !w.emitContent(ctx, path) {
			return
		}
	}

	ticker := time.NewTicker(w.config.GetDebounceDelay())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			if !w.flushPending(ctx) {
				return
			}
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if !w.skipDir(filepath.Base(path)) {
				if err := w.addWatchesRecursive(path); err != nil {
					w.logger.Warn("Failed to watch new directory", "path", path, "error", err)
				}
				w.enqueueExisting(path)
			}
			return
		}
	}
	if !w.Matches(path) {
		return
	}

	w.pendingMu.Lock()
	w.pending[path] |= event.Op
	w.pendingMu.Unlock()

	w.logger.Debug("Plan file change detected", "path", path, "op", event.Op.String())
}

// enqueueExisting queues plan files that landed in a new directory before
// its watch was added.
func (w *Watcher) enqueueExisting(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !w.Matches(path) {
			return nil
		}
		w.pendingMu.Lock()
		w.pending[path] |= fsnotify.Create
		w.pendingMu.Unlock()
		return nil
	})
}

// flushPending processes accumulated changes. It returns false once ctx is
// done.
func (w *Watcher) flushPending(ctx context.Context) bool {
	w.pendingMu.Lock()
	toProcess := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	paths := make([]string, 0, len(toProcess))
	for p := range toProcess {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	for _, path := range paths {
		if !w.emitContent(ctx, path) {
			return false
		}
	}
	return true
}

// emitContent reads path and sends the Change it implies, if any.
func (w *Watcher) emitContent(ctx context.Context, path string) bool {
	rel, _ := filepath.Rel(w.root, path)
	change := Change{Path: filepath.ToSlash(rel), AbsPath: path}

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if _, known := w.hashes[path]; !known {
			return true
		}
		delete(w.hashes, path)
		change.Operation = OpDelete
		return w.send(ctx, change)
	}
	if err != nil {
		w.logger.Warn("Failed to read plan file", "path", change.Path, "error", err)
		return true
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	old, known := w.hashes[path]
	if known && old == hash {
		return true
	}
	w.hashes[path] = hash

	change.Operation = OpModify
	if !known {
		change.Operation = OpCreate
	}
	change.Spec, change.Err = Parse(content)
	if change.Err != nil {
		w.logger.Warn("Plan file does not parse", "path", change.Path, "error", change.Err)
	}
	return w.send(ctx, change)
}

func (w *Watcher) send(ctx context.Context, change Change) bool {
	select {
	case w.events <- change:
		w.logger.Debug("Sent plan change", "path", change.Path, "op", change.Operation)
		return true
	case <-ctx.Done():
		return false
	}
}
