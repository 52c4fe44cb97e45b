package bottle

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath_IsPure(t *testing.T) {
	root := t.TempDir()
	m := New(root, nil)

	assert.Equal(t, filepath.Join(root, "bottle_abc"), m.Path("bottle_abc"))
	_, err := os.Stat(m.Path("bottle_abc"))
	assert.True(t, os.IsNotExist(err), "Path must not create anything")
}

func TestEnsure_Idempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "bottles")
	m := New(root, nil)

	dir, err := m.Ensure("bottle_1")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "user.reg"), []byte("x"), 0o600))

	again, err := m.Ensure("bottle_1")
	require.NoError(t, err)
	assert.Equal(t, dir, again)
	assert.FileExists(t, filepath.Join(dir, "user.reg"))
}

func TestEnsure_RejectsEscapingIDs(t *testing.T) {
	m := New(t.TempDir(), nil)
	for _, id := range []string{"", ".", "..", "../x", "a/b", `a\b`} {
		t.Run(id, func(t *testing.T) {
			_, err := m.Ensure(id)
			assert.ErrorIs(t, err, ErrInvalidID)
		})
	}
}

func TestEnsure_IOError(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	m := New(blocker, nil)
	_, err := m.Ensure("bottle_1")
	assert.ErrorIs(t, err, ErrIO)
}

func TestNewID_Unique(t *testing.T) {
	m := New(t.TempDir(), nil)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := m.NewID()
		assert.True(t, strings.HasPrefix(id, "bottle_"))
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestPrune(t *testing.T) {
	m := New(t.TempDir(), nil)
	for _, id := range []string{"bottle_a", "bottle_b", "bottle_c"} {
		_, err := m.Ensure(id)
		require.NoError(t, err)
	}

	// Things under the root that are not bottles.
	foreign := []string{"shared-fonts", ".cache"}
	for _, name := range foreign {
		require.NoError(t, os.MkdirAll(filepath.Join(m.Root(), name, "keep"), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(m.Root(), "bottle_notes.txt"), []byte("x"), 0o644))

	removed, err := m.Prune(map[string]bool{"bottle_b": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"bottle_a", "bottle_c"}, removed)

	ids, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"bottle_b"}, ids)

	for _, name := range foreign {
		assert.DirExists(t, filepath.Join(m.Root(), name, "keep"))
	}
	assert.FileExists(t, filepath.Join(m.Root(), "bottle_notes.txt"))
}

func TestList_MissingRoot(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "missing"), nil)
	ids, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
