package installer

import (
	"archive/tar"
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

type format string

const (
	formatTarGz  format = "tar.gz"
	formatTarZst format = "tar.zst"
	formatTar    format = "tar"
	formatZip    format = "zip"
)

func detectFormat(name string) (format, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return formatTarGz, nil
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return formatTarZst, nil
	case strings.HasSuffix(lower, ".tar"):
		return formatTar, nil
	case strings.HasSuffix(lower, ".zip"):
		return formatZip, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedArchive, name)
	}
}

// extractor writes archive members under root. Every write first resolves the
// symlinks already on disk along the member's parent path and refuses anything that
// lands outside root, so a chain of individually harmless links cannot climb out.
type extractor struct {
	root   string // symlink-free absolute path
	logger *zap.Logger
}

// extract unpacks archive into dest and returns the number of regular files written.
func extract(ctx context.Context, archive string, f format, dest string, logger *zap.Logger) (int, error) {
	root, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", dest, err)
	}
	x := &extractor{root: root, logger: logger}

	if f == formatZip {
		return x.zip(ctx, archive)
	}

	file, err := os.Open(archive)
	if err != nil {
		return 0, fmt.Errorf("open failed: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	switch f {
	case formatTarGz:
		gz, err := gzip.NewReader(file)
		if err != nil {
			return 0, fmt.Errorf("gzip failed: %w", err)
		}
		defer gz.Close()
		r = gz
	case formatTarZst:
		zr, err := zstd.NewReader(file)
		if err != nil {
			return 0, fmt.Errorf("zstd failed: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return x.tar(ctx, tar.NewReader(r))
}

func (x *extractor) tar(ctx context.Context, tr *tar.Reader) (int, error) {
	files := 0
	for {
		if err := ctx.Err(); err != nil {
			return files, fmt.Errorf("extraction cancelled: %w", err)
		}

		header, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("tar failed: %w", err)
		}

		target, err := safeJoin(x.root, header.Name)
		if err != nil {
			return files, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := x.mkdir(target); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := x.writeFile(target, tr, header.FileInfo().Mode().Perm()); err != nil {
				return files, err
			}
			files++
		case tar.TypeSymlink:
			if err := x.symlink(target, header.Linkname); err != nil {
				return files, err
			}
		case tar.TypeLink:
			if err := x.hardlink(target, header.Linkname); err != nil {
				return files, err
			}
			files++
		default:
			x.logger.Warn("skipping archive member",
				zap.String("name", header.Name), zap.String("type", string(header.Typeflag)))
		}
	}
}

func (x *extractor) zip(ctx context.Context, archive string) (int, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return 0, fmt.Errorf("zip failed: %w", err)
	}
	defer zr.Close()

	files := 0
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return files, fmt.Errorf("extraction cancelled: %w", err)
		}

		target, err := safeJoin(x.root, zf.Name)
		if err != nil {
			return files, err
		}

		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := x.mkdir(target); err != nil {
				return files, err
			}
		case mode&os.ModeSymlink != 0:
			link, err := readZipEntry(zf)
			if err != nil {
				return files, err
			}
			if err := x.symlink(target, link); err != nil {
				return files, err
			}
		default:
			rc, err := zf.Open()
			if err != nil {
				return files, fmt.Errorf("zip entry %s: %w", zf.Name, err)
			}
			err = x.writeFile(target, rc, mode.Perm())
			rc.Close()
			if err != nil {
				return files, err
			}
			files++
		}
	}
	return files, nil
}

func readZipEntry(zf *zip.File) (string, error) {
	rc, err := zf.Open()
	if err != nil {
		return "", fmt.Errorf("zip entry %s: %w", zf.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", fmt.Errorf("zip entry %s: %w", zf.Name, err)
	}
	return string(data), nil
}

// resolve returns p with the symlinks of its existing prefix resolved, failing when the
// result is outside root. Components that do not exist yet, dangling links included,
// are appended unchanged.
func (x *extractor) resolve(p string) (string, error) {
	existing, rest := p, ""
	for existing != x.root {
		if _, err := os.Stat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnsafePath, relTo(x.root, p), err)
	}
	if !within(x.root, resolved) {
		return "", fmt.Errorf("%w: %s resolves outside the runtime dir", ErrUnsafePath, relTo(x.root, p))
	}
	return filepath.Join(resolved, rest), nil
}

// parentOf resolves the directory target will be created in and clears a symlink
// already sitting at target, so the write replaces it instead of following it.
func (x *extractor) parentOf(target string) (string, error) {
	dir, err := x.resolve(filepath.Dir(target))
	if err != nil {
		return "", err
	}
	if fi, err := os.Lstat(target); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(target); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func (x *extractor) mkdir(target string) error {
	dir, err := x.resolve(target)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (x *extractor) writeFile(target string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	dir, err := x.parentOf(target)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(dir, filepath.Base(target))
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return out.Close()
}

// symlink creates target -> link, refusing absolute links and links that point
// outside root from where they are actually created.
func (x *extractor) symlink(target, link string) error {
	if filepath.IsAbs(link) {
		return fmt.Errorf("%w: absolute symlink %s -> %s", ErrUnsafePath, relTo(x.root, target), link)
	}
	dir, err := x.parentOf(target)
	if err != nil {
		return err
	}
	if _, err := x.resolve(filepath.Join(dir, link)); err != nil {
		return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, relTo(x.root, target), link)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(dir, filepath.Base(target))
	_ = os.Remove(path)
	return os.Symlink(link, path)
}

// hardlink recreates a tar hard link. The source is an archive path, already extracted.
func (x *extractor) hardlink(target, source string) error {
	src, err := safeJoin(x.root, source)
	if err != nil {
		return err
	}
	srcDir, err := x.resolve(filepath.Dir(src))
	if err != nil {
		return err
	}
	src = filepath.Join(srcDir, filepath.Base(src))
	fi, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("hard link %s -> %s: %w", relTo(x.root, target), source, err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: hard link %s -> %s is not a regular file", ErrUnsafePath, relTo(x.root, target), source)
	}

	dir, err := x.parentOf(target)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, filepath.Base(target))
	_ = os.Remove(path)
	return os.Link(src, path)
}

func relTo(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return rel
}

// within reports whether p is root or below it.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// safeJoin joins name under root and rejects anything that would climb out of it.
func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(root, clean)
	if !within(root, target) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}
