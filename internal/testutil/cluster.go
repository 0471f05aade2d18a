package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/pgrewind/internal/controlfile"
	"github.com/ashita-ai/pgrewind/internal/xlog"
)

// ClusterOpts parameterizes a fixture data directory.
type ClusterOpts struct {
	SystemID   uint64
	TLI        xlog.TimeLineID
	State      controlfile.DBState
	CheckPoint xlog.LSN // checkpoint record location; also used as redo
	Redo       xlog.LSN // overrides CheckPoint as redo when set
	Checksums  bool
	WALHints   bool
	SegSize    uint32
}

// CreateCluster builds a minimal data directory under dir: the standard
// subdirectories, PG_VERSION, and an encoded control file.
func CreateCluster(t *testing.T, dir string, opts ClusterOpts) {
	t.Helper()

	if opts.SegSize == 0 {
		opts.SegSize = xlog.DefaultSegmentSize
	}
	redo := opts.Redo
	if !redo.Valid() {
		redo = opts.CheckPoint
	}

	for _, sub := range []string{"global", "base/1", "pg_xlog", "pg_tblspc"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o700))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "PG_VERSION"), []byte("13\n"), 0o600))

	cf := &controlfile.ControlFile{
		SystemIdentifier: opts.SystemID,
		Version:          controlfile.Version,
		CatalogVersion:   202007201,
		State:            opts.State,
		CheckPoint:       opts.CheckPoint,
		CheckPointCopy: controlfile.CheckPoint{
			Redo:           redo,
			ThisTimeLineID: opts.TLI,
			FullPageWrites: true,
		},
		WALLogHints:  opts.WALHints,
		BlockSize:    8192,
		RelSegSize:   131072,
		WALBlockSize: 8192,
		WALSegSize:   opts.SegSize,
	}
	if opts.Checksums {
		cf.DataChecksumVersion = 1
	}
	WriteControlFile(t, dir, cf)
}

// WriteControlFile (re)writes global/pg_control in dir.
func WriteControlFile(t *testing.T, dir string, cf *controlfile.ControlFile) {
	t.Helper()
	require.NoError(t,
		os.WriteFile(filepath.Join(dir, "global", "pg_control"), cf.Encode(), 0o600))
}

// WriteFile creates a file (and its parents) under the data directory.
func WriteFile(t *testing.T, dir, rel string, data []byte) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

// Block returns a BLCKSZ-sized page filled with the given byte.
func Block(fill byte) []byte {
	b := make([]byte, 8192)
	for i := range b {
		b[i] = fill
	}
	return b
}
