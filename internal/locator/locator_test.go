package locator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExec(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), mode))
}

func noPath(string) (string, error) { return "", errors.New("not on PATH") }

func TestFind_BundledFirst(t *testing.T) {
	dir := t.TempDir()
	bundled := filepath.Join(dir, "bin", "wine")
	writeExec(t, bundled, 0o755)
	writeExec(t, filepath.Join(dir, "a", "bin", "wine"), 0o755)

	system := filepath.Join(t.TempDir(), "wine")
	writeExec(t, system, 0o755)

	l := New(Options{Dir: dir, LookPath: func(string) (string, error) { return system, nil }})
	rt, err := l.Find()
	require.NoError(t, err)
	assert.Equal(t, bundled, rt.Path)
	assert.True(t, rt.Managed)
	assert.Equal(t, SourceBundled, rt.Source)
	assert.Equal(t, filepath.Join(dir, "lib"), rt.LibDir())
}

func TestFind_ScanPrefersShortestPath(t *testing.T) {
	dir := t.TempDir()
	deep := filepath.Join(dir, "wine-9.0", "usr", "local", "bin", "wine")
	shallow := filepath.Join(dir, "wine-9.0", "bin", "wine")
	writeExec(t, deep, 0o755)
	writeExec(t, shallow, 0o755)
	writeExec(t, filepath.Join(dir, "x", "wine"), 0o644) // not executable

	l := New(Options{Dir: dir, LookPath: noPath})
	rt, err := l.Find()
	require.NoError(t, err)
	assert.Equal(t, shallow, rt.Path)
	assert.True(t, rt.Managed)
	assert.Equal(t, SourceScan, rt.Source)
}

func TestFind_BundledNotExecutableFallsThrough(t *testing.T) {
	dir := t.TempDir()
	writeExec(t, filepath.Join(dir, "bin", "wine"), 0o644)
	scanned := filepath.Join(dir, "opt", "wine")
	writeExec(t, scanned, 0o700)

	rt, err := New(Options{Dir: dir, LookPath: noPath}).Find()
	require.NoError(t, err)
	assert.Equal(t, scanned, rt.Path)
}

func TestFind_ScanPattern(t *testing.T) {
	dir := t.TempDir()
	wine64 := filepath.Join(dir, "dist", "wine64")
	writeExec(t, wine64, 0o755)

	rt, err := New(Options{Dir: dir, Binary: "wine", ScanPattern: "wine{,64}", LookPath: noPath}).Find()
	require.NoError(t, err)
	assert.Equal(t, wine64, rt.Path)
}

func TestFind_SystemPath(t *testing.T) {
	system := filepath.Join(t.TempDir(), "wine")
	writeExec(t, system, 0o755)

	l := New(Options{Dir: t.TempDir(), LookPath: func(name string) (string, error) {
		assert.Equal(t, "wine", name)
		return system, nil
	}})
	rt, err := l.Find()
	require.NoError(t, err)
	assert.Equal(t, system, rt.Path)
	assert.False(t, rt.Managed)
	assert.Equal(t, SourcePath, rt.Source)
}

func TestFind_PathInsideManagedDirIsManaged(t *testing.T) {
	dir := t.TempDir()
	inside := filepath.Join(dir, "custom", "wine")
	writeExec(t, inside, 0o755)

	// Pattern excludes the scan hit so only PATH can find it.
	l := New(Options{Dir: dir, ScanPattern: "nothing", LookPath: func(string) (string, error) { return inside, nil }})
	rt, err := l.Find()
	require.NoError(t, err)
	assert.True(t, rt.Managed)
	assert.Equal(t, SourcePath, rt.Source)
}

func TestFind_NotFound(t *testing.T) {
	l := New(Options{Dir: filepath.Join(t.TempDir(), "missing"), LookPath: noPath})
	_, err := l.Find()
	assert.ErrorIs(t, err, ErrNotFound)
}
