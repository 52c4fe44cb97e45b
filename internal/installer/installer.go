// Package installer acquires a runtime build and unpacks it into the managed runtime
// directory. Acquisition is slow, so callers normally go through Async and re-run the
// runtime lookup from the completion callback.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

var (
	// ErrBusy indicates an acquisition is already running
	ErrBusy = errors.New("runtime acquisition already running")
	// ErrNoSource indicates no archive location was configured
	ErrNoSource = errors.New("no runtime source configured")
	// ErrUnsupportedArchive indicates an archive format that cannot be unpacked
	ErrUnsupportedArchive = errors.New("unsupported archive format")
	// ErrUnsafePath indicates an archive member that would land outside the target
	ErrUnsafePath = errors.New("archive member escapes target directory")
)

type Options struct {
	// Source is a local archive path or an http(s) URL.
	Source string
	// Dir is the managed runtime directory that gets replaced on success.
	Dir    string
	Client *retryablehttp.Client
	Logger *zap.Logger
}

type Installer struct {
	source string
	dir    string
	client *retryablehttp.Client
	logger *zap.Logger
	busy   atomic.Bool
}

func New(opts Options) *Installer {
	if opts.Client == nil {
		opts.Client = NewClient()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Installer{
		source: opts.Source,
		dir:    opts.Dir,
		client: opts.Client,
		logger: opts.Logger,
	}
}

// NewClient returns the retrying HTTP client used for downloads.
func NewClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 1 * time.Second
	c.RetryWaitMax = 30 * time.Second
	c.Logger = nil
	return c
}

// Source returns the configured archive location.
func (i *Installer) Source() string { return i.source }

// Busy reports whether an acquisition is in progress.
func (i *Installer) Busy() bool { return i.busy.Load() }

// Acquire downloads (if needed) and unpacks the runtime archive, then swaps it into
// place. It reports true only when the new runtime directory is in place.
func (i *Installer) Acquire(ctx context.Context) (bool, error) {
	if !i.busy.CompareAndSwap(false, true) {
		return false, ErrBusy
	}
	defer i.busy.Store(false)
	return i.acquire(ctx)
}

// Async starts Acquire on its own goroutine and calls done with the outcome.
// It returns ErrBusy without calling done if an acquisition is already running.
func (i *Installer) Async(ctx context.Context, done func(ok bool, err error)) error {
	if !i.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	go func() {
		ok, err := i.acquire(ctx)
		i.busy.Store(false)
		if done != nil {
			done(ok, err)
		}
	}()
	return nil
}

func (i *Installer) acquire(ctx context.Context) (bool, error) {
	if strings.TrimSpace(i.source) == "" {
		return false, ErrNoSource
	}
	format, err := detectFormat(archiveName(i.source))
	if err != nil {
		return false, err
	}

	parent := filepath.Dir(i.dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", parent, err)
	}

	archive := i.source
	if isURL(i.source) {
		tmp, err := i.download(ctx, parent)
		if err != nil {
			return false, err
		}
		defer os.Remove(tmp)
		archive = tmp
	}

	staging, err := os.MkdirTemp(parent, ".runtime-staging-*")
	if err != nil {
		return false, fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	i.logger.Info("unpacking runtime", zap.String("source", i.source), zap.String("format", string(format)))
	files, err := extract(ctx, archive, format, staging, i.logger)
	if err != nil {
		return false, err
	}

	if err := swap(staging, i.dir); err != nil {
		return false, err
	}
	i.logger.Info("runtime installed", zap.String("dir", i.dir), zap.Int("files", files))
	return true, nil
}

// download fetches the source into a temp file under dir and returns its path.
func (i *Installer) download(ctx context.Context, dir string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, i.source, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "cellar")

	i.logger.Info("downloading runtime", zap.String("url", i.source))
	resp, err := i.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: %s", resp.Status)
	}

	f, err := os.CreateTemp(dir, ".runtime-download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("download failed: %w", err)
	}
	i.logger.Info("downloaded runtime", zap.Int64("bytes", n))
	return f.Name(), nil
}

// swap moves staging into dir, keeping the previous directory until the rename succeeded.
func swap(staging, dir string) error {
	old := ""
	if _, err := os.Stat(dir); err == nil {
		old = fmt.Sprintf("%s.old-%d", dir, time.Now().UnixNano())
		if err := os.Rename(dir, old); err != nil {
			return fmt.Errorf("failed to move previous runtime aside: %w", err)
		}
	}
	if err := os.Rename(staging, dir); err != nil {
		if old != "" {
			_ = os.Rename(old, dir)
		}
		return fmt.Errorf("failed to install runtime: %w", err)
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// archiveName is the last path element of the source, used for format detection.
func archiveName(source string) string {
	if isURL(source) {
		if u, err := url.Parse(source); err == nil {
			return path.Base(u.Path)
		}
	}
	return filepath.Base(source)
}
