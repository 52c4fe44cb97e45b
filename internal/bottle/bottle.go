// Package bottle allocates and addresses the per-application prefix directories
// handed to the compatibility runtime.
package bottle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrIO indicates the bottle directory could not be created or removed
	ErrIO = errors.New("bottle io error")
	// ErrInvalidID indicates an id that would escape the bottles root
	ErrInvalidID = errors.New("invalid bottle id")
)

const idPrefix = "bottle_"

// Manager maps bottle ids to directories under a single root.
type Manager struct {
	root   string
	logger *zap.Logger
}

func New(root string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{root: root, logger: logger}
}

func (m *Manager) Root() string { return m.root }

// Path returns the directory for id. It does not touch the filesystem.
func (m *Manager) Path(id string) string {
	return filepath.Join(m.root, id)
}

// NewID allocates an identifier that is never derived from a list position.
func (m *Manager) NewID() string {
	return idPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}

// Ensure creates the bottle directory and its parents if missing.
func (m *Manager) Ensure(id string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	dir := m.Path(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrIO, dir, err)
	}
	return dir, nil
}

// List returns the ids of all bottle directories, sorted. Only directories named with
// the bottle prefix count; anything else under the root is left alone.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, m.root, err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), idPrefix) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Prune deletes every bottle directory whose id is not in keep and returns the removed ids.
// Removal stops at the first failure; ids removed so far are still returned.
func (m *Manager) Prune(keep map[string]bool) ([]string, error) {
	ids, err := m.List()
	if err != nil {
		return nil, err
	}

	removed := []string{}
	for _, id := range ids {
		if keep[id] {
			continue
		}
		if err := os.RemoveAll(m.Path(id)); err != nil {
			return removed, fmt.Errorf("%w: remove %s: %v", ErrIO, id, err)
		}
		m.logger.Info("pruned orphaned bottle", zap.String("bottle", id))
		removed = append(removed, id)
	}
	return removed, nil
}
