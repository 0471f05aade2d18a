package walscan_test

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/pgrewind/internal/relpath"
	"github.com/ashita-ai/pgrewind/internal/testutil"
	"github.com/ashita-ai/pgrewind/internal/walscan"
	"github.com/ashita-ai/pgrewind/internal/xlog"
)

const segSize = 16 * 1024 * 1024

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestReadSingleRecord(t *testing.T) {
	dir := t.TempDir()
	w := testutil.NewWALWriter(t, 1, segSize, 42, 0)
	rel := relpath.RelFileNode{SpcNode: 1663, DBNode: 1, RelNode: 16384}
	lsn := w.AppendHeapInsert(rel, 7, 100)
	w.Flush(t, dir)

	r := walscan.NewReader(dir, 1, segSize)
	defer r.Close()

	rec, err := r.ReadRecordAt(lsn)
	require.NoError(t, err)
	assert.Equal(t, uint8(10), rec.RmgrID)
	assert.Equal(t, uint32(100), rec.Xid)
	require.Len(t, rec.Blocks, 1)
	assert.Equal(t, rel, rec.Blocks[0].RelNode)
	assert.Equal(t, relpath.MainFork, rec.Blocks[0].Fork)
	assert.Equal(t, uint32(7), rec.Blocks[0].BlockNo)
	assert.Greater(t, uint64(rec.End), uint64(rec.LSN))
}

func TestReadRecordAtPageBoundarySkipsHeader(t *testing.T) {
	dir := t.TempDir()
	w := testutil.NewWALWriter(t, 1, segSize, 42, 0)
	rel := relpath.RelFileNode{SpcNode: 1663, DBNode: 1, RelNode: 16384}
	first := w.AppendHeapInsert(rel, 0, 1)
	w.Flush(t, dir)

	r := walscan.NewReader(dir, 1, segSize)
	defer r.Close()

	// Asking for the segment start lands on the first real record.
	rec, err := r.ReadRecordAt(0)
	require.NoError(t, err)
	assert.Equal(t, first, rec.LSN)
}

func TestRecordSpanningPages(t *testing.T) {
	dir := t.TempDir()
	w := testutil.NewWALWriter(t, 1, segSize, 42, 0)
	rel := relpath.RelFileNode{SpcNode: 1663, DBNode: 1, RelNode: 16384}

	// A main-data payload much larger than one WAL page forces contrecords.
	big := make([]byte, 3*xlog.WALPageSize)
	for i := range big {
		big[i] = byte(i)
	}
	lsn := w.Append(10, 0x00, 5,
		[]testutil.BlockSpec{{Rel: rel, Fork: relpath.MainFork, BlockNo: 3}}, big)
	after := w.AppendHeapInsert(rel, 4, 6)
	w.Flush(t, dir)

	r := walscan.NewReader(dir, 1, segSize)
	defer r.Close()

	rec, err := r.ReadRecordAt(lsn)
	require.NoError(t, err)
	assert.Equal(t, big, rec.MainData)
	require.Len(t, rec.Blocks, 1)
	assert.Equal(t, after, rec.End)

	next, err := r.ReadRecordAt(rec.End)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), next.Blocks[0].BlockNo)
}

func TestCorruptCRCIsFatal(t *testing.T) {
	dir := t.TempDir()
	w := testutil.NewWALWriter(t, 1, segSize, 42, 0)
	rel := relpath.RelFileNode{SpcNode: 1663, DBNode: 1, RelNode: 16384}
	lsn := w.AppendHeapInsert(rel, 0, 1)
	w.Flush(t, dir)

	// Flip a payload byte on disk.
	seg := dir + "/pg_xlog/" + xlog.SegmentFileName(1, 0, segSize)
	data := readFile(t, seg)
	data[uint64(lsn)+30] ^= 0xFF
	writeFile(t, seg, data)

	r := walscan.NewReader(dir, 1, segSize)
	defer r.Close()
	_, err := r.ReadRecordAt(lsn)
	require.ErrorIs(t, err, walscan.ErrDecode)
}

func TestExtractPageMap(t *testing.T) {
	dir := t.TempDir()
	w := testutil.NewWALWriter(t, 1, segSize, 42, 0)
	rel := relpath.RelFileNode{SpcNode: 1663, DBNode: 1, RelNode: 16384}
	other := relpath.RelFileNode{SpcNode: 1663, DBNode: 1, RelNode: 24576}

	start := w.AppendCheckpoint(0, 1, true)
	w.AppendHeapInsert(rel, 0, 10)
	w.AppendHeapInsert(rel, 2, 11)
	w.AppendHeapInsert(other, 9, 12)
	end := w.Position()
	// The record starting exactly at the end point is still read; anything
	// beyond it is not.
	w.AppendHeapInsert(rel, 99, 13)
	w.AppendHeapInsert(rel, 100, 14)
	w.Flush(t, dir)

	var refs []walscan.BlockRef
	err := walscan.ExtractPageMap(dir, start, 1, end, segSize, func(ref walscan.BlockRef) error {
		refs = append(refs, ref)
		return nil
	}, discard)
	require.NoError(t, err)

	require.Len(t, refs, 4)
	assert.Equal(t, uint32(0), refs[0].BlockNo)
	assert.Equal(t, uint32(2), refs[1].BlockNo)
	assert.Equal(t, other, refs[2].RelNode)
	assert.Equal(t, uint32(99), refs[3].BlockNo)
}

func TestExtractPageMapStopsAtEOF(t *testing.T) {
	dir := t.TempDir()
	w := testutil.NewWALWriter(t, 1, segSize, 42, 0)
	rel := relpath.RelFileNode{SpcNode: 1663, DBNode: 1, RelNode: 16384}
	start := w.AppendHeapInsert(rel, 1, 1)
	w.Flush(t, dir)

	var n int
	err := walscan.ExtractPageMap(dir, start, 1, xlog.LSN(0xFFFFFFFF), segSize,
		func(walscan.BlockRef) error { n++; return nil }, discard)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFindLastCheckpoint(t *testing.T) {
	dir := t.TempDir()
	w := testutil.NewWALWriter(t, 1, segSize, 42, 0)
	rel := relpath.RelFileNode{SpcNode: 1663, DBNode: 1, RelNode: 16384}

	w.AppendHeapInsert(rel, 0, 1)
	chkpt := w.AppendCheckpoint(xlog.LSN(0x100), 1, false)
	w.AppendHeapInsert(rel, 1, 2)
	w.AppendHeapInsert(rel, 2, 3)
	divergence := w.Position()
	w.AppendHeapInsert(rel, 3, 4)
	w.Flush(t, dir)

	cp, err := walscan.FindLastCheckpoint(dir, divergence, 1, segSize)
	require.NoError(t, err)
	assert.Equal(t, chkpt, cp.RecPtr)
	assert.Equal(t, xlog.LSN(0x100), cp.Redo)
	assert.Equal(t, xlog.TimeLineID(1), cp.TLI)
}

func TestReadOneRecord(t *testing.T) {
	dir := t.TempDir()
	w := testutil.NewWALWriter(t, 1, segSize, 42, 0)
	rel := relpath.RelFileNode{SpcNode: 1663, DBNode: 1, RelNode: 16384}
	lsn := w.AppendHeapInsert(rel, 0, 1)
	end := w.Position()
	w.Flush(t, dir)

	got, err := walscan.ReadOneRecord(dir, lsn, 1, segSize)
	require.NoError(t, err)
	assert.Equal(t, end, got)
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
