// Package filemap reconciles the source inventory, the target inventory,
// and the WAL page map into an ordered plan of filesystem actions to run
// against the target data directory.
package filemap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ashita-ai/pgrewind/internal/pagemap"
	"github.com/ashita-ai/pgrewind/internal/relpath"
)

// FileType classifies an inventory entry.
type FileType int

const (
	Regular FileType = iota
	Directory
	Symlink
)

func (t FileType) String() string {
	switch t {
	case Regular:
		return "regular"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	default:
		return fmt.Sprintf("filetype %d", int(t))
	}
}

// Action is the file-level operation decided for an entry.
type Action int

const (
	ActionNone Action = iota
	ActionCopy        // copy the whole file from source
	ActionCopyTail    // append the range [oldsize, newsize) from source
	ActionTruncate    // shrink to newsize
	ActionCreate      // create directory or symlink
	ActionRemove      // delete, children before parents
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionCopy:
		return "copy"
	case ActionCopyTail:
		return "copy-tail"
	case ActionTruncate:
		return "truncate"
	case ActionCreate:
		return "create"
	case ActionRemove:
		return "remove"
	default:
		return fmt.Sprintf("action %d", int(a))
	}
}

// actionRank fixes execution order: parents are created before children,
// removals run last so children go before parents. The comparator owns the
// order; the enum values don't.
func actionRank(a Action) int {
	switch a {
	case ActionCreate:
		return 0
	case ActionCopy:
		return 1
	case ActionCopyTail:
		return 2
	case ActionNone:
		return 3
	case ActionTruncate:
		return 4
	case ActionRemove:
		return 5
	}
	return 6
}

// Entry is one path's reconciliation outcome. Paths are slash-separated and
// relative to the data directory root. For regular files an entry with
// ActionNone can still carry page-map bits that must be fetched.
type Entry struct {
	Path       string
	Type       FileType
	Action     Action
	OldSize    int64 // current size on the target, 0 if absent
	NewSize    int64 // size on the source, 0 for non-regular files
	LinkTarget string
	PageMap    pagemap.Map
}

// ErrTypeMismatch is returned when source and target disagree about what a
// path is.
var ErrTypeMismatch = errors.New("filemap: file type mismatch")

// Map accumulates entries in two phases: source entries first, then target
// entries, then page-map updates; Finalize sorts it into execution order.
type Map struct {
	// targetDir is the data directory being rewound; local state of each
	// source path is probed here.
	targetDir string

	entries []*Entry
	byPath  map[string]*Entry
	final   bool
}

// New returns an empty map that probes target state under targetDir.
func New(targetDir string) *Map {
	return &Map{
		targetDir: targetDir,
		byPath:    map[string]*Entry{},
	}
}

func (m *Map) add(e *Entry) *Entry {
	m.entries = append(m.entries, e)
	m.byPath[e.Path] = e
	return e
}

// lstatTarget probes what the target currently has at path.
func (m *Map) lstatTarget(path string) (exists bool, typ FileType, size int64, err error) {
	fi, err := os.Lstat(filepath.Join(m.targetDir, filepath.FromSlash(path)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, Regular, 0, nil
		}
		return false, Regular, 0, fmt.Errorf("filemap: lstat %s: %w", path, err)
	}
	switch {
	case fi.Mode().IsDir():
		return true, Directory, 0, nil
	case fi.Mode()&os.ModeSymlink != 0:
		return true, Symlink, 0, nil
	case fi.Mode().IsRegular():
		return true, Regular, fi.Size(), nil
	default:
		return false, Regular, 0, fmt.Errorf("filemap: %s has unexpected file mode %s", path, fi.Mode())
	}
}

// ProcessRemote decides the action for one source entry by comparing it with
// the target's state at the same path.
func (m *Map) ProcessRemote(path string, typ FileType, newSize int64, linkTarget string) error {
	if m.final {
		return errors.New("filemap: map already finalized")
	}
	if isIgnoredPath(path) {
		return nil
	}

	exists, localType, localSize, err := m.lstatTarget(path)
	if err != nil {
		return err
	}

	e := &Entry{Path: path, Type: typ, NewSize: newSize, LinkTarget: linkTarget}

	switch typ {
	case Directory, Symlink:
		if !exists {
			e.Action = ActionCreate
		} else if localType != typ {
			return fmt.Errorf("%w: %q is a %s on source but a %s on target",
				ErrTypeMismatch, path, typ, localType)
		} else {
			e.Action = ActionNone
		}

	case Regular:
		if exists && localType != Regular {
			return fmt.Errorf("%w: %q is a regular file on source but a %s on target",
				ErrTypeMismatch, path, localType)
		}
		e.OldSize = localSize
		switch {
		case path == "PG_VERSION":
			// Present on both sides, never overwritten.
			e.Action = ActionNone
		case !exists || !relpath.IsRelDataFile(path):
			e.Action = ActionCopy
			e.OldSize = 0
		case localSize < newSize:
			e.Action = ActionCopyTail
		case localSize > newSize:
			e.Action = ActionTruncate
		default:
			e.Action = ActionNone
		}
	}

	m.add(e)
	return nil
}

// ProcessLocal registers one target entry. Anything the source does not have
// is scheduled for removal. Must run after all ProcessRemote calls.
func (m *Map) ProcessLocal(path string, typ FileType, oldSize int64, linkTarget string) error {
	if m.final {
		return errors.New("filemap: map already finalized")
	}
	if isIgnoredPath(path) {
		return nil
	}
	if _, ok := m.byPath[path]; ok {
		return nil
	}
	m.add(&Entry{
		Path:       path,
		Type:       typ,
		Action:     ActionRemove,
		OldSize:    oldSize,
		LinkTarget: linkTarget,
	})
	return nil
}

// ProcessBlock routes one WAL block reference into the page map of the file
// holding that block. References to files the source no longer has are
// dropped: the file will be removed (or never existed) anyway.
func (m *Map) ProcessBlock(rnode relpath.RelFileNode, fork relpath.ForkNumber, blkno uint32) error {
	segno := blkno / relpath.SegmentSize
	blkInSeg := int64(blkno % relpath.SegmentSize)
	path := relpath.DataFilePath(rnode, fork, segno)

	e, ok := m.byPath[path]
	if !ok {
		return nil
	}

	switch e.Action {
	case ActionNone, ActionCopyTail, ActionTruncate:
		if (blkInSeg+1)*relpath.BlockSize <= e.NewSize {
			e.PageMap.Add(uint32(blkInSeg))
		}
		// Otherwise the block lies beyond the source size and will be
		// truncated away.
	case ActionCopy, ActionRemove:
		// The whole file is fetched or dropped; individual pages are
		// redundant.
	case ActionCreate:
		return fmt.Errorf("filemap: unexpected page modification for directory or symlink %q", path)
	}
	return nil
}

// Finalize freezes the map into execution order. After it returns, Entries
// yields each path at most once, sorted by action class and path; remove
// entries sort path-descending so children precede parents.
func (m *Map) Finalize() error {
	sort.SliceStable(m.entries, func(i, j int) bool {
		a, b := m.entries[i], m.entries[j]
		if ra, rb := actionRank(a.Action), actionRank(b.Action); ra != rb {
			return ra < rb
		}
		if a.Action == ActionRemove {
			return a.Path > b.Path
		}
		return a.Path < b.Path
	})

	seen := make(map[string]bool, len(m.entries))
	for _, e := range m.entries {
		if seen[e.Path] {
			return fmt.Errorf("filemap: duplicate entry for %q", e.Path)
		}
		seen[e.Path] = true
	}
	m.final = true
	return nil
}

// Entries returns the finalized plan.
func (m *Map) Entries() []*Entry {
	return m.entries
}

// Print renders the plan the way --verbose wants to see it: one line per
// entry plus its pending page fetches.
func (m *Map) Print() string {
	var sb strings.Builder
	for _, e := range m.entries {
		fmt.Fprintf(&sb, "%s (%s)\n", e.Path, e.Action)
		sb.WriteString(e.PageMap.String())
	}
	return sb.String()
}

// isIgnoredPath filters cluster-local runtime state that must never be
// copied or removed: the postmaster's own files, temporary sort areas, and
// anything under a pgsql_tmp directory.
func isIgnoredPath(path string) bool {
	if path == "postmaster.pid" || path == "postmaster.opts" {
		return true
	}
	for _, comp := range strings.Split(path, "/") {
		if strings.HasPrefix(comp, "pgsql_tmp") {
			return true
		}
	}
	return false
}
