// Package rewind composes the control-file, timeline, WAL-scan, inventory
// and file-map machinery into the actual resynchronization run, and applies
// the finalized plan to the target data directory.
package rewind

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ashita-ai/pgrewind/internal/filemap"
	"github.com/ashita-ai/pgrewind/internal/relpath"
	"github.com/ashita-ai/pgrewind/internal/source"
)

// Executor applies a finalized file map to the target directory. It
// implements source.Target so the back-ends can stream fetched ranges into
// it. A single target file descriptor is kept open across successive writes
// to the same path.
type Executor struct {
	targetDir string
	dryRun    bool
	noSync    bool
	logger    *slog.Logger

	open     *os.File
	openPath string

	bytesWritten int64
	filesTouched int
	mutated      map[string]bool
}

// NewExecutor prepares an executor for targetDir. With dryRun set, all
// reads and decisions still run but nothing is mutated.
func NewExecutor(targetDir string, dryRun, noSync bool, logger *slog.Logger) *Executor {
	return &Executor{
		targetDir: targetDir,
		dryRun:    dryRun,
		noSync:    noSync,
		logger:    logger,
		mutated:   map[string]bool{},
	}
}

func (ex *Executor) abs(rel string) string {
	return filepath.Join(ex.targetDir, filepath.FromSlash(rel))
}

// Execute runs the plan: per entry it first drains the page map into ranged
// fetches, then applies the file-level action. Actions mutate the target
// immediately; fetched bytes arrive through WriteRange, for the remote
// back-end only after Flush.
func (ex *Executor) Execute(ctx context.Context, m *filemap.Map, src source.Source) error {
	for _, e := range m.Entries() {
		it := e.PageMap.Iterate()
		for {
			blk, ok := it.Next()
			if !ok {
				break
			}
			off := int64(blk) * relpath.BlockSize
			if err := src.QueueRange(ctx, e.Path, off, relpath.BlockSize); err != nil {
				return err
			}
		}

		switch e.Action {
		case filemap.ActionNone:
			// No file-level operation.

		case filemap.ActionCopy:
			if err := ex.openTarget(e.Path, true); err != nil {
				return err
			}
			if err := src.QueueRange(ctx, e.Path, 0, e.NewSize); err != nil {
				return err
			}

		case filemap.ActionCopyTail:
			if err := src.QueueRange(ctx, e.Path, e.OldSize, e.NewSize-e.OldSize); err != nil {
				return err
			}

		case filemap.ActionTruncate:
			if err := ex.truncate(e.Path, e.NewSize); err != nil {
				return err
			}

		case filemap.ActionCreate:
			if err := ex.create(e); err != nil {
				return err
			}

		case filemap.ActionRemove:
			if err := ex.remove(e); err != nil {
				return err
			}
		}
	}

	if err := src.Flush(ctx); err != nil {
		return err
	}
	if err := ex.closeOpen(); err != nil {
		return err
	}
	if err := ex.syncTarget(); err != nil {
		return err
	}

	ex.logger.Info("target updated",
		"files_changed", ex.filesTouched,
		"bytes_written", ex.bytesWritten,
		"dry_run", ex.dryRun)
	return nil
}

// openTarget makes path the cached open file, truncating it when asked.
func (ex *Executor) openTarget(rel string, trunc bool) error {
	if ex.openPath == rel && !trunc {
		return nil
	}
	if err := ex.closeOpen(); err != nil {
		return err
	}
	ex.markMutated(rel)
	if ex.dryRun {
		ex.openPath = rel
		return nil
	}

	flags := os.O_WRONLY | os.O_CREATE
	if trunc {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(ex.abs(rel), flags, 0o600)
	if err != nil {
		return &TargetIOError{Op: "open", Path: rel, Err: err}
	}
	ex.open = f
	ex.openPath = rel
	return nil
}

func (ex *Executor) closeOpen() error {
	if ex.open != nil {
		if err := ex.open.Close(); err != nil {
			return &TargetIOError{Op: "close", Path: ex.openPath, Err: err}
		}
	}
	ex.open = nil
	ex.openPath = ""
	return nil
}

// WriteRange writes fetched bytes at off into the target's copy of path.
func (ex *Executor) WriteRange(rel string, off int64, data []byte) error {
	if err := ex.openTarget(rel, false); err != nil {
		return err
	}
	ex.bytesWritten += int64(len(data))
	if ex.dryRun {
		return nil
	}
	if _, err := ex.open.WriteAt(data, off); err != nil {
		return &TargetIOError{Op: "write", Path: rel, Err: err}
	}
	return nil
}

// RemoveVanished deletes the target's copy of a file that disappeared from
// the source between listing and fetching.
func (ex *Executor) RemoveVanished(rel string) error {
	if ex.openPath == rel {
		if err := ex.closeOpen(); err != nil {
			return err
		}
	}
	ex.markMutated(rel)
	if ex.dryRun {
		return nil
	}
	if err := os.Remove(ex.abs(rel)); err != nil && !os.IsNotExist(err) {
		return &TargetIOError{Op: "remove", Path: rel, Err: err}
	}
	return nil
}

func (ex *Executor) truncate(rel string, size int64) error {
	ex.markMutated(rel)
	ex.logger.Debug("truncating", "path", rel, "size", size)
	if ex.dryRun {
		return nil
	}
	if err := os.Truncate(ex.abs(rel), size); err != nil {
		return &TargetIOError{Op: "truncate", Path: rel, Err: err}
	}
	return nil
}

func (ex *Executor) create(e *filemap.Entry) error {
	ex.markMutated(e.Path)
	ex.logger.Debug("creating", "path", e.Path, "type", e.Type.String())
	if ex.dryRun {
		return nil
	}
	switch e.Type {
	case filemap.Directory:
		if err := os.Mkdir(ex.abs(e.Path), 0o700); err != nil {
			return &TargetIOError{Op: "mkdir", Path: e.Path, Err: err}
		}
	case filemap.Symlink:
		if err := os.Symlink(e.LinkTarget, ex.abs(e.Path)); err != nil {
			return &TargetIOError{Op: "symlink", Path: e.Path, Err: err}
		}
	default:
		return fmt.Errorf("rewind: cannot create %q of type %s", e.Path, e.Type)
	}
	return nil
}

func (ex *Executor) remove(e *filemap.Entry) error {
	ex.markMutated(e.Path)
	ex.logger.Debug("removing", "path", e.Path, "type", e.Type.String())
	if ex.dryRun {
		return nil
	}
	err := os.Remove(ex.abs(e.Path))
	if err != nil && e.Type == filemap.Regular && os.IsNotExist(err) {
		// Already gone; the postmaster may have dropped it before
		// shutting down.
		return nil
	}
	if err != nil {
		return &TargetIOError{Op: "remove", Path: e.Path, Err: err}
	}
	return nil
}

func (ex *Executor) markMutated(rel string) {
	if !ex.mutated[rel] {
		ex.mutated[rel] = true
		ex.filesTouched++
	}
}

// syncTarget flushes every mutated file, the directories containing them,
// and the data directory root. The rewound cluster must not lose the plan's
// effects to a crash right after we exit.
func (ex *Executor) syncTarget() error {
	if ex.dryRun || ex.noSync {
		return nil
	}

	dirs := map[string]bool{".": true}
	for rel := range ex.mutated {
		dirs[filepath.Dir(filepath.FromSlash(rel))] = true

		f, err := os.OpenFile(ex.abs(rel), os.O_RDONLY, 0)
		if err != nil {
			if os.IsNotExist(err) {
				continue // removed entries
			}
			return &TargetIOError{Op: "open", Path: rel, Err: err}
		}
		fi, err := f.Stat()
		if err == nil && fi.Mode().IsRegular() {
			if err := f.Sync(); err != nil {
				_ = f.Close()
				return &TargetIOError{Op: "fsync", Path: rel, Err: err}
			}
		}
		_ = f.Close()
	}

	for dir := range dirs {
		f, err := os.Open(filepath.Join(ex.targetDir, dir))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return &TargetIOError{Op: "open", Path: dir, Err: err}
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return &TargetIOError{Op: "fsync", Path: dir, Err: err}
		}
		_ = f.Close()
	}
	return nil
}

var _ source.Target = (*Executor)(nil)
