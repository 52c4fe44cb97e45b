package registry

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gurisko/cellar/internal/limits"
	"go.uber.org/zap"
)

var (
	// ErrInvalidInput indicates a bad registration path or an empty name
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound indicates the entry ID doesn't exist
	ErrNotFound = errors.New("entry not found")
	// ErrIO indicates a filesystem failure creating a bottle or writing the store
	ErrIO = errors.New("registry io error")
	// ErrPersistence indicates the store on disk is unreadable or corrupt
	ErrPersistence = errors.New("registry store unreadable")
)

// ExecutableExt is the only extension accepted by Register (compared case-insensitively).
const ExecutableExt = ".exe"

const peMIME = "application/vnd.microsoft.portable-executable"

// BackupSuffix is appended to the store path for the copy taken before each save.
const BackupSuffix = ".bak"

// Bottles allocates and creates bottle directories.
type Bottles interface {
	NewID() string
	Ensure(id string) (string, error)
}

// Suggester proposes a category for an application name.
type Suggester interface {
	Suggest(name string) string
}

type Options struct {
	Path      string
	Bottles   Bottles
	Suggester Suggester
	Logger    *zap.Logger
	Now       func() time.Time
}

// Registry owns the registered entries and the category index. All mutations are
// serialized; each one is applied to a copy that becomes live only after it was saved.
type Registry struct {
	filePath  string
	bottles   Bottles
	suggester Suggester
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	state    *state
	lastSum  [sha256.Size]byte // digest of the bytes last loaded or written
	degraded bool              // the store was unreadable; bottles on disk may belong to lost entries
}

// New creates an empty registry bound to opts.Path. Call Load to read the store.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		filePath:  opts.Path,
		bottles:   opts.Bottles,
		suggester: opts.Suggester,
		logger:    opts.Logger,
		now:       opts.Now,
		state:     newState(),
	}
}

// Path returns the store file path.
func (r *Registry) Path() string { return r.filePath }

// Load reads the store from disk. A missing file yields an empty registry with the
// built-in categories. An unreadable or corrupt file also leaves an empty, usable
// registry and returns ErrPersistence so the caller can decide how to proceed.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := readCapped(r.filePath)
	if err != nil {
		r.state = newState()
		r.lastSum = [sha256.Size]byte{}
		if os.IsNotExist(err) {
			r.degraded = false
			return nil
		}
		r.degraded = true
		return fmt.Errorf("%w: %s: %v", ErrPersistence, r.filePath, err)
	}

	s, err := decodeState(data, r.newBottleID, r.logger)
	if err != nil {
		r.state = newState()
		r.lastSum = [sha256.Size]byte{}
		r.degraded = true
		r.keepCorrupt(data)
		return fmt.Errorf("%w: %s: %v", ErrPersistence, r.filePath, err)
	}

	r.state = s
	r.lastSum = sha256.Sum256(data)
	r.degraded = false
	return nil
}

// Degraded reports whether the last Load found the store unreadable and no later Load or
// Reload has replaced the empty state with a readable one.
func (r *Registry) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// Reload re-reads the store if its bytes differ from what this registry last loaded or
// wrote. It reports whether the in-memory state was replaced. On a decode failure the
// current state is kept.
func (r *Registry) Reload() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := readCapped(r.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s: %v", ErrPersistence, r.filePath, err)
	}
	sum := sha256.Sum256(data)
	if sum == r.lastSum {
		return false, nil
	}

	s, err := decodeState(data, r.newBottleID, r.logger)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrPersistence, r.filePath, err)
	}
	r.state = s
	r.lastSum = sum
	r.degraded = false
	return true, nil
}

// Save persists the current state.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveNoLock(r.state)
}

// mutate applies fn to a copy of the state and commits it once persisted. fn reports
// whether it changed anything; unchanged copies are discarded without I/O.
func (r *Registry) mutate(fn func(s *state) (bool, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state.clone()
	changed, err := fn(next)
	if err != nil || !changed {
		return err
	}
	if err := r.saveNoLock(next); err != nil {
		return err
	}
	r.state = next
	return nil
}

// saveNoLock persists s without locking (caller must hold lock)
func (r *Registry) saveNoLock(s *state) error {
	data, err := encodeState(s)
	if err != nil {
		return fmt.Errorf("%w: marshal registry: %v", ErrIO, err)
	}

	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: create directory: %v", ErrIO, err)
	}

	// Keep the previous generation next to the store
	if prev, err := os.ReadFile(r.filePath); err == nil {
		if err := writeAtomic(r.filePath+BackupSuffix, prev); err != nil {
			r.logger.Warn("could not write registry backup", zap.String("path", r.filePath+BackupSuffix), zap.Error(err))
		}
	}

	if err := writeAtomic(r.filePath, data); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	r.lastSum = sha256.Sum256(data)
	return nil
}

// writeAtomic writes data to a temp file in the target directory and renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	// Best-effort cleanup if we fail
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to fsync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	// Atomic replace
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	// Ensure directory metadata is persisted
	if dirf, err := os.Open(dir); err == nil {
		_ = dirf.Sync()
		_ = dirf.Close()
	}
	return nil
}

func readCapped(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limits.Store+1))
	if err != nil {
		return nil, err
	}
	if len(data) > limits.Store {
		return nil, fmt.Errorf("store exceeds %d bytes", limits.Store)
	}
	return data, nil
}

// keepCorrupt copies an undecodable store aside so the next save cannot destroy it.
func (r *Registry) keepCorrupt(data []byte) {
	dst := r.filePath + ".corrupt"
	if err := writeAtomic(dst, data); err != nil {
		r.logger.Warn("could not preserve corrupt registry", zap.String("path", dst), zap.Error(err))
		return
	}
	r.logger.Warn("preserved corrupt registry", zap.String("path", dst))
}

func (r *Registry) newBottleID() string {
	if r.bottles == nil {
		return "bottle_" + strings.ReplaceAll(GenerateEntryID(), "-", "")[:12]
	}
	return r.bottles.NewID()
}

// validateExecutable canonicalizes path and checks that it names an existing .exe file.
func (r *Registry) validateExecutable(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidInput)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: path=%s: %v", ErrInvalidInput, path, err)
	}

	// Follow symlinks to get canonical path
	if realPath, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = realPath
	}

	st, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("%w: path=%s: %v", ErrInvalidInput, absPath, err)
	}
	if !st.Mode().IsRegular() {
		return "", fmt.Errorf("%w: path=%s: not a regular file", ErrInvalidInput, absPath)
	}
	if !strings.EqualFold(filepath.Ext(absPath), ExecutableExt) {
		return "", fmt.Errorf("%w: path=%s: expected a %s file", ErrInvalidInput, absPath, ExecutableExt)
	}

	if mt, err := mimetype.DetectFile(absPath); err == nil && !mt.Is(peMIME) {
		r.logger.Warn("registered file does not look like a PE executable",
			zap.String("path", absPath), zap.String("mime", mt.String()))
	}
	return absPath, nil
}

// Register adds an executable to category and returns a copy of the new entry. An empty
// category is filled from the suggester, falling back to DefaultCategory.
func (r *Registry) Register(path, category string) (*Entry, error) {
	absPath, err := r.validateExecutable(path)
	if err != nil {
		return nil, err
	}

	name := defaultName(absPath)
	category = strings.TrimSpace(category)
	if category == "" && r.suggester != nil {
		category = r.suggester.Suggest(name)
	}
	if category == "" {
		category = DefaultCategory
	}

	var created *Entry
	err = r.mutate(func(s *state) (bool, error) {
		e := &Entry{
			ID:           GenerateEntryID(),
			Name:         name,
			DisplayName:  name,
			Path:         absPath,
			Category:     category,
			Bottle:       r.newBottleID(),
			Args:         []string{},
			RegisteredAt: r.now().UTC(),
		}
		if r.bottles != nil {
			if _, err := r.bottles.Ensure(e.Bottle); err != nil {
				return false, fmt.Errorf("%w: %v", ErrIO, err)
			}
		}
		s.add(e)
		created = e.clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("registered application",
		zap.String("id", created.ID), zap.String("name", created.Name),
		zap.String("category", created.Category), zap.String("bottle", created.Bottle))
	return created, nil
}

// Get returns a copy of one entry.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.state.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

// Rename changes the display name.
func (r *Registry) Rename(id, displayName string) error {
	_, err := r.Edit(id, EntryPatch{DisplayName: &displayName})
	return err
}

// SetArgs replaces the launch arguments.
func (r *Registry) SetArgs(id string, args []string) error {
	_, err := r.Edit(id, EntryPatch{Args: &args})
	return err
}

// SetNotes replaces the notes.
func (r *Registry) SetNotes(id, notes string) error {
	_, err := r.Edit(id, EntryPatch{Notes: &notes})
	return err
}

// Move reassigns the entry to category, creating the category if absent. Moving to the
// current category succeeds without writing anything.
func (r *Registry) Move(id, category string) error {
	_, err := r.Edit(id, EntryPatch{Category: &category})
	return err
}

// Edit applies every set field of patch as one transaction and returns the updated entry.
func (r *Registry) Edit(id string, patch EntryPatch) (*Entry, error) {
	if patch.DisplayName != nil {
		name := strings.TrimSpace(*patch.DisplayName)
		if name == "" {
			return nil, fmt.Errorf("%w: display name is empty", ErrInvalidInput)
		}
		patch.DisplayName = &name
	}
	if patch.Category != nil {
		cat := strings.TrimSpace(*patch.Category)
		if cat == "" {
			return nil, fmt.Errorf("%w: category is empty", ErrInvalidInput)
		}
		patch.Category = &cat
	}
	if patch.Args != nil {
		args := normalizeArgs(*patch.Args)
		patch.Args = &args
	}

	var updated *Entry
	err := r.mutate(func(s *state) (bool, error) {
		e, ok := s.entries[id]
		if !ok {
			return false, ErrNotFound
		}

		changed := false
		if patch.DisplayName != nil && *patch.DisplayName != e.DisplayName {
			e.DisplayName = *patch.DisplayName
			changed = true
		}
		if patch.Args != nil && !equalArgs(*patch.Args, e.Args) {
			e.Args = append([]string{}, *patch.Args...)
			changed = true
		}
		if patch.Notes != nil && *patch.Notes != e.Notes {
			e.Notes = *patch.Notes
			changed = true
		}
		if patch.Category != nil && *patch.Category != e.Category {
			s.move(id, *patch.Category)
			changed = true
		}

		updated = e.clone()
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Remove deletes the entry and its membership. The bottle directory is left in place.
func (r *Registry) Remove(id string) (*Entry, error) {
	var removed *Entry
	err := r.mutate(func(s *state) (bool, error) {
		e, ok := s.entries[id]
		if !ok {
			return false, ErrNotFound
		}
		removed = e.clone()
		s.remove(id)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("removed application", zap.String("id", removed.ID), zap.String("bottle", removed.Bottle))
	return removed, nil
}

// CreateCategory adds an empty category. Existing names are a no-op.
func (r *Registry) CreateCategory(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: category is empty", ErrInvalidInput)
	}
	return r.mutate(func(s *state) (bool, error) {
		if s.category(name) != nil {
			return false, nil
		}
		s.ensureCategory(name)
		return true, nil
	})
}

// ListByCategory returns every category in creation order with its entries resolved.
// Members that do not resolve to an entry are skipped and logged.
func (r *Registry) ListByCategory() []CategoryListing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]CategoryListing, 0, len(r.state.categories))
	for _, c := range r.state.categories {
		listing := CategoryListing{Name: c.Name, Entries: make([]Entry, 0, len(c.Members))}
		for _, id := range c.Members {
			e, ok := r.state.entries[id]
			if !ok {
				r.logger.Warn("category references unknown entry", zap.String("category", c.Name), zap.String("id", id))
				continue
			}
			listing.Entries = append(listing.Entries, *e.clone())
		}
		out = append(out, listing)
	}
	return out
}

// Categories returns category names in order with their member counts.
func (r *Registry) Categories() []CategoryInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]CategoryInfo, 0, len(r.state.categories))
	for _, c := range r.state.categories {
		out = append(out, CategoryInfo{Name: c.Name, Count: len(c.Members), Builtin: isBuiltin(c.Name)})
	}
	return out
}

// BottleIDs returns the set of bottles referenced by registered entries.
func (r *Registry) BottleIDs() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make(map[string]bool, len(r.state.entries))
	for _, e := range r.state.entries {
		ids[e.Bottle] = true
	}
	return ids
}

// ReconcileBottles calls prune with the referenced bottle set while holding the write
// lock, so no registration can allocate a bottle between the snapshot and the prune.
// A degraded registry refuses with ErrPersistence: its entries were lost, not removed.
func (r *Registry) ReconcileBottles(prune func(keep map[string]bool) ([]string, error)) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.degraded {
		return nil, fmt.Errorf("%w: %s was unreadable at load; restore it (a copy is kept as %s.corrupt) before pruning bottles",
			ErrPersistence, r.filePath, filepath.Base(r.filePath))
	}

	keep := make(map[string]bool, len(r.state.entries))
	for _, e := range r.state.entries {
		keep[e.Bottle] = true
	}
	return prune(keep)
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.state.entries)
}

// Verify checks the membership invariant of the live state.
func (r *Registry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.verify()
}

func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if strings.TrimSpace(a) != "" {
			out = append(out, a)
		}
	}
	return out
}

func equalArgs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// snapshot returns the encoded live state; used to compare registries in tests.
func (r *Registry) snapshot() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, _ := encodeState(r.state)
	return bytes.Clone(data)
}
