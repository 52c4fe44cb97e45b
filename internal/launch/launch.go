// Package launch turns a registry entry into a running, detached runtime process.
//
// Each attempt walks requested → validating → runtime_resolved → environment_built and
// ends in spawned or failed. Nothing here mutates the registry.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gurisko/cellar/internal/locator"
	"github.com/gurisko/cellar/internal/registry"
	"go.uber.org/zap"
)

var (
	// ErrMissingFile indicates the registered executable no longer exists
	ErrMissingFile = errors.New("executable missing")
	// ErrRuntimeUnavailable indicates no runtime binary could be located
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
	// ErrLaunch indicates the process could not be spawned
	ErrLaunch = errors.New("launch failed")
)

// LogFile is created inside the bottle and receives the child's stdout and stderr.
const LogFile = "cellar.log"

type State string

const (
	StateRequested        State = "requested"
	StateValidating       State = "validating"
	StateRuntimeResolved  State = "runtime_resolved"
	StateEnvironmentBuilt State = "environment_built"
	StateSpawned          State = "spawned"
	StateFailed           State = "failed"
)

// RuntimeFinder locates the runtime binary.
type RuntimeFinder interface {
	Find() (locator.Runtime, error)
}

// BottleEnsurer creates a bottle directory on demand.
type BottleEnsurer interface {
	Ensure(id string) (string, error)
}

// Spec is everything a Spawner needs to start the child.
type Spec struct {
	Argv    []string
	Env     []string
	Dir     string
	LogPath string
}

// Spawner starts a process without waiting for it and returns its pid.
type Spawner interface {
	Spawn(spec Spec) (int, error)
}

// Recorder is notified of every finished attempt, successful or not.
type Recorder interface {
	RecordLaunch(ctx context.Context, res *Result)
}

// Result describes one launch attempt.
type Result struct {
	EntryID     string    `json:"entry_id"`
	DisplayName string    `json:"display_name"`
	State       State     `json:"state"`
	FailedAt    State     `json:"failed_at,omitempty"` // last state reached before failing
	Runtime     string    `json:"runtime,omitempty"`
	Managed     bool      `json:"managed"`
	Bottle      string    `json:"bottle,omitempty"`
	Argv        []string  `json:"argv,omitempty"`
	PID         int       `json:"pid,omitempty"`
	Error       string    `json:"error,omitempty"`
	Started     time.Time `json:"started"`

	Err error `json:"-"`
}

// OK reports whether the process was spawned.
func (r *Result) OK() bool { return r.State == StateSpawned }

type Options struct {
	Runtime RuntimeFinder
	Bottles BottleEnsurer
	// PrefixEnv names the variable pointing the runtime at the bottle (WINEPREFIX).
	PrefixEnv string
	// LibraryEnv names the library search variable set for managed runtimes. Empty disables it.
	LibraryEnv string
	// Environ returns the inherited environment; defaults to os.Environ.
	Environ   func() []string
	Spawner   Spawner
	Recorders []Recorder
	Logger    *zap.Logger
	Now       func() time.Time
}

type Coordinator struct {
	runtime    RuntimeFinder
	bottles    BottleEnsurer
	prefixEnv  string
	libraryEnv string
	environ    func() []string
	spawner    Spawner
	recorders  []Recorder
	logger     *zap.Logger
	now        func() time.Time
}

func New(opts Options) *Coordinator {
	if opts.PrefixEnv == "" {
		opts.PrefixEnv = "WINEPREFIX"
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	if opts.Spawner == nil {
		opts.Spawner = ProcessSpawner{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		runtime:    opts.Runtime,
		bottles:    opts.Bottles,
		prefixEnv:  opts.PrefixEnv,
		libraryEnv: opts.LibraryEnv,
		environ:    opts.Environ,
		spawner:    opts.Spawner,
		recorders:  opts.Recorders,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// AddRecorder registers another observer of finished attempts. Not safe to call
// concurrently with Launch.
func (c *Coordinator) AddRecorder(r Recorder) {
	c.recorders = append(c.recorders, r)
}

// Launch starts entry under the located runtime and returns as soon as the spawn call
// has returned. The returned Result is never nil; on failure its Err matches the
// returned error.
func (c *Coordinator) Launch(ctx context.Context, entry registry.Entry) (*Result, error) {
	res := &Result{
		EntryID:     entry.ID,
		DisplayName: entry.Label(),
		State:       StateRequested,
		Bottle:      entry.Bottle,
		Started:     c.now().UTC(),
	}
	defer c.finish(ctx, res)

	res.State = StateValidating
	if st, err := os.Stat(entry.Path); err != nil || st.IsDir() {
		return c.fail(res, fmt.Errorf("%w: %s", ErrMissingFile, entry.Path))
	}

	rt, err := c.runtime.Find()
	if err != nil {
		return c.fail(res, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err))
	}
	res.State = StateRuntimeResolved
	res.Runtime = rt.Path
	res.Managed = rt.Managed

	bottleDir, err := c.bottles.Ensure(entry.Bottle)
	if err != nil {
		return c.fail(res, err)
	}

	env := Environment(c.environ(), c.prefixEnv, bottleDir, c.libraryEnv, rt)
	res.Argv = Argv(rt.Path, entry.Path, entry.Args)
	res.State = StateEnvironmentBuilt

	pid, err := c.spawner.Spawn(Spec{
		Argv:    res.Argv,
		Env:     env,
		Dir:     filepath.Dir(entry.Path),
		LogPath: filepath.Join(bottleDir, LogFile),
	})
	if err != nil {
		return c.fail(res, fmt.Errorf("%w: %v", ErrLaunch, err))
	}

	res.State = StateSpawned
	res.PID = pid
	c.logger.Info("launched application",
		zap.String("id", entry.ID), zap.String("name", res.DisplayName),
		zap.String("runtime", rt.Path), zap.Bool("managed", rt.Managed), zap.Int("pid", pid))
	return res, nil
}

func (c *Coordinator) fail(res *Result, err error) (*Result, error) {
	res.FailedAt = res.State
	res.State = StateFailed
	res.Err = err
	res.Error = err.Error()
	c.logger.Warn("launch failed",
		zap.String("id", res.EntryID), zap.String("stage", string(res.FailedAt)), zap.Error(err))
	return res, err
}

func (c *Coordinator) finish(ctx context.Context, res *Result) {
	for _, r := range c.recorders {
		r.RecordLaunch(ctx, res)
	}
}

// Environment returns base with the prefix variable pointing at bottleDir. For a managed
// runtime whose library directory exists, libraryEnv is set to that directory as well;
// a system runtime never gets the override. The result is sorted by key, one entry per key.
func Environment(base []string, prefixEnv, bottleDir, libraryEnv string, rt locator.Runtime) []string {
	vars := make(map[string]string, len(base)+2)
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = v
	}

	vars[prefixEnv] = bottleDir
	if libraryEnv != "" && rt.Managed {
		if st, err := os.Stat(rt.LibDir()); err == nil && st.IsDir() {
			vars[libraryEnv] = rt.LibDir()
		}
	}

	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Argv is the runtime, the executable, then every argument split on whitespace.
func Argv(runtime, exe string, args []string) []string {
	argv := []string{runtime, exe}
	for _, a := range args {
		argv = append(argv, strings.Fields(a)...)
	}
	return argv
}
