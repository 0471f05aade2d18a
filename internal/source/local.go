package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/ashita-ai/pgrewind/internal/filemap"
)

// Local reads the source cluster from a data directory on local disk.
type Local struct {
	datadir string
	target  Target
	logger  *slog.Logger
}

// NewLocal returns a source over datadir, writing fetched ranges into
// target.
func NewLocal(datadir string, target Target, logger *slog.Logger) *Local {
	return &Local{datadir: datadir, target: target, logger: logger}
}

// List walks the data directory. Symbolic links are reported verbatim and
// followed only where the server itself would: the pg_xlog directory link
// and tablespace links under pg_tblspc. Files that vanish mid-walk are
// skipped with a warning; the source cluster may still be running.
func (s *Local) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := s.walk(ctx, "", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// followLink reports whether the walk descends through a symlink at rel.
func followLink(rel string) bool {
	return rel == "pg_xlog" || path.Dir(rel) == "pg_tblspc"
}

func (s *Local) walk(ctx context.Context, rel string, out *[]Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dirents, err := os.ReadDir(filepath.Join(s.datadir, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("source: read directory %q: %w", rel, err)
	}

	for _, de := range dirents {
		childRel := de.Name()
		if rel != "" {
			childRel = rel + "/" + de.Name()
		}
		full := filepath.Join(s.datadir, filepath.FromSlash(childRel))

		fi, err := os.Lstat(full)
		if err != nil {
			if os.IsNotExist(err) {
				s.logger.Warn("file vanished during source traversal", "path", childRel)
				continue
			}
			return fmt.Errorf("source: lstat %q: %w", childRel, err)
		}

		switch {
		case fi.Mode().IsDir():
			*out = append(*out, Entry{Path: childRel, Type: filemap.Directory})
			if err := s.walk(ctx, childRel, out); err != nil {
				return err
			}

		case fi.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(full)
			if err != nil {
				return fmt.Errorf("source: readlink %q: %w", childRel, err)
			}
			*out = append(*out, Entry{Path: childRel, Type: filemap.Symlink, LinkTarget: linkTarget})
			if followLink(childRel) {
				if err := s.walk(ctx, childRel, out); err != nil {
					return err
				}
			}

		case fi.Mode().IsRegular():
			*out = append(*out, Entry{Path: childRel, Type: filemap.Regular, Size: fi.Size()})

		default:
			// Sockets, fifos and the like never belong to a data
			// directory's payload.
			s.logger.Warn("skipping special file", "path", childRel, "mode", fi.Mode().String())
		}
	}
	return nil
}

// FetchFile reads one file fully into memory.
func (s *Local) FetchFile(ctx context.Context, rel string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.datadir, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("source: fetch %q: %w", rel, err)
	}
	return data, nil
}

// QueueRange reads the range right away and hands it to the target; there
// is nothing to batch on local disk.
func (s *Local) QueueRange(ctx context.Context, rel string, off, length int64) error {
	if length == 0 {
		return nil
	}
	full := filepath.Join(s.datadir, filepath.FromSlash(rel))
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("source: open %q: %w", rel, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return fmt.Errorf("source: read %q at %d: %w", rel, off, err)
	}
	// A short read means the file shrank since listing; write what exists.
	if n == 0 {
		return nil
	}
	return s.target.WriteRange(rel, off, buf[:n])
}

// Flush is a no-op: local ranges are written as they are queued.
func (s *Local) Flush(ctx context.Context) error {
	return nil
}

// Close has nothing to release for the local back-end.
func (s *Local) Close(ctx context.Context) error {
	return nil
}
