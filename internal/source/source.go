// Package source enumerates and reads a cluster's files, either from a
// second data directory on local disk or from a live server over the
// Postgres wire protocol. Both back-ends present the same capability set:
// list, whole-file fetch, and a queued range-fetch plan drained into a
// target writer.
package source

import (
	"context"

	"github.com/ashita-ai/pgrewind/internal/filemap"
)

// Entry is one file of the source inventory. Paths are slash-separated and
// relative to the source data directory; directories appear before their
// contents.
type Entry struct {
	Path       string
	Type       filemap.FileType
	Size       int64
	LinkTarget string
}

// Target receives the bytes the source fetches. The executor implements it.
type Target interface {
	// WriteRange writes data at off into the target's copy of path.
	WriteRange(path string, off int64, data []byte) error
	// RemoveVanished deletes path on the target because the file
	// disappeared from the source mid-run; a missing target file is fine.
	RemoveVanished(path string) error
}

// Source is a cluster file inventory plus ranged reads.
type Source interface {
	// List enumerates the data directory in pre-order.
	List(ctx context.Context) ([]Entry, error)
	// FetchFile reads one whole file into memory.
	FetchFile(ctx context.Context, path string) ([]byte, error)
	// QueueRange schedules [off, off+length) of path for fetching. The
	// local back-end fetches immediately; the remote one batches.
	QueueRange(ctx context.Context, path string, off, length int64) error
	// Flush drains everything queued into the Target.
	Flush(ctx context.Context) error
	// Close releases connections and other scoped resources.
	Close(ctx context.Context) error
}
