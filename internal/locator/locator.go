// Package locator finds a usable compatibility-runtime binary.
//
// The search order is fixed: the well-known bin/ path inside the managed runtime
// directory, then a recursive scan of that directory, then the host PATH. A managed
// runtime always wins over a system-wide one.
package locator

import (
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"
)

// ErrNotFound indicates no runtime binary satisfied "exists and is executable".
var ErrNotFound = errors.New("runtime not found")

// Source records which step of the search produced a runtime.
type Source string

const (
	SourceBundled Source = "bundled"
	SourceScan    Source = "scan"
	SourcePath    Source = "path"
)

// Runtime is a located runtime binary.
type Runtime struct {
	Path string `json:"path"`
	// Managed is true when the binary lives inside the managed runtime directory.
	Managed bool   `json:"managed"`
	Source  Source `json:"source"`
}

// LibDir returns the library directory that sits next to the runtime's bin/ directory.
func (r Runtime) LibDir() string {
	return filepath.Join(filepath.Dir(filepath.Dir(r.Path)), "lib")
}

type Options struct {
	// Dir is the managed runtime directory.
	Dir string
	// Binary is the executable name, e.g. "wine".
	Binary string
	// ScanPattern is matched against base names during the recursive scan; defaults to Binary.
	ScanPattern string
	// LookPath resolves Binary on the host PATH; defaults to exec.LookPath.
	LookPath func(string) (string, error)
	Logger   *zap.Logger
}

type Locator struct {
	dir      string
	binary   string
	pattern  string
	lookPath func(string) (string, error)
	logger   *zap.Logger
}

func New(opts Options) *Locator {
	if opts.Binary == "" {
		opts.Binary = "wine"
	}
	if opts.ScanPattern == "" {
		opts.ScanPattern = opts.Binary
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Locator{
		dir:      opts.Dir,
		binary:   opts.Binary,
		pattern:  opts.ScanPattern,
		lookPath: opts.LookPath,
		logger:   opts.Logger,
	}
}

// Dir returns the managed runtime directory.
func (l *Locator) Dir() string { return l.dir }

// Find runs the search chain and returns the first match.
func (l *Locator) Find() (Runtime, error) {
	if l.dir != "" {
		bundled := filepath.Join(l.dir, "bin", l.binary)
		if isExecutable(bundled) {
			return Runtime{Path: bundled, Managed: true, Source: SourceBundled}, nil
		}

		if found, ok := l.scan(); ok {
			return Runtime{Path: found, Managed: true, Source: SourceScan}, nil
		}
	}

	if p, err := l.lookPath(l.binary); err == nil && isExecutable(p) {
		abs, absErr := filepath.Abs(p)
		if absErr == nil {
			p = abs
		}
		return Runtime{Path: p, Managed: l.within(p), Source: SourcePath}, nil
	}

	return Runtime{}, ErrNotFound
}

// scan walks the managed directory for executables whose base name matches the pattern.
// The walk is concurrent, so matches are collected and the shortest path wins.
func (l *Locator) scan() (string, bool) {
	if st, err := os.Stat(l.dir); err != nil || !st.IsDir() {
		return "", false
	}

	var (
		mu      sync.Mutex
		matches []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, l.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ok, matchErr := doublestar.Match(l.pattern, d.Name())
		if matchErr != nil || !ok {
			return nil
		}
		if !isExecutable(p) {
			return nil
		}
		mu.Lock()
		matches = append(matches, p)
		mu.Unlock()
		return nil
	})
	if err != nil {
		l.logger.Warn("runtime scan failed", zap.String("dir", l.dir), zap.Error(err))
	}
	if len(matches) == 0 {
		return "", false
	}

	sort.Slice(matches, func(i, j int) bool {
		if len(matches[i]) != len(matches[j]) {
			return len(matches[i]) < len(matches[j])
		}
		return matches[i] < matches[j]
	})
	return matches[0], true
}

func (l *Locator) within(p string) bool {
	if l.dir == "" {
		return false
	}
	rel, err := filepath.Rel(l.dir, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// isExecutable follows symlinks and requires a regular file with any execute bit set.
func isExecutable(p string) bool {
	st, err := os.Stat(p)
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	return st.Mode().Perm()&0o111 != 0
}
