// Package testutil builds throwaway on-disk cluster fixtures: control files,
// data files, and syntactically valid WAL segments for the scanner to chew
// on.
package testutil

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/pgrewind/internal/relpath"
	"github.com/ashita-ai/pgrewind/internal/xlog"
)

const (
	walMagic            = 0xD10D
	xlpFirstIsContrecord = 0x0001
	xlpLongHeader        = 0x0002
	shortPageHeaderSize  = 24
	longPageHeaderSize   = 40
	recordHeaderSize     = 24
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// BlockSpec is one block reference to attach to a generated record.
type BlockSpec struct {
	Rel     relpath.RelFileNode
	Fork    relpath.ForkNumber
	BlockNo uint32
	Data    []byte // optional per-block data payload
}

// WALWriter emits WAL segments in the PostgreSQL 13 on-disk format. It keeps
// touched segments in memory until Flush.
type WALWriter struct {
	tli      xlog.TimeLineID
	segSize  uint64
	sysID    uint64
	segments map[uint64][]byte
	pos      uint64
	prev     uint64
}

// NewWALWriter starts writing at start, which must sit on a segment
// boundary.
func NewWALWriter(t *testing.T, tli xlog.TimeLineID, segSize uint64, sysID uint64, start xlog.LSN) *WALWriter {
	t.Helper()
	require.Zero(t, uint64(start)%segSize, "WAL writer must start on a segment boundary")
	return &WALWriter{
		tli:      tli,
		segSize:  segSize,
		sysID:    sysID,
		segments: map[uint64][]byte{},
		pos:      uint64(start),
	}
}

func (w *WALWriter) segment(segno uint64) []byte {
	seg, ok := w.segments[segno]
	if !ok {
		seg = make([]byte, w.segSize)
		w.segments[segno] = seg
	}
	return seg
}

// initPage writes the header of the page at pageAddr if it is still blank,
// with remLen bytes of record continuation announced.
func (w *WALWriter) initPage(pageAddr uint64, remLen uint32) int {
	seg := w.segment(pageAddr / w.segSize)
	off := pageAddr % w.segSize

	info := uint16(0)
	size := shortPageHeaderSize
	if off == 0 {
		info |= xlpLongHeader
		size = longPageHeaderSize
	}
	if remLen > 0 {
		info |= xlpFirstIsContrecord
	}

	page := seg[off:]
	binary.LittleEndian.PutUint16(page[0:2], walMagic)
	binary.LittleEndian.PutUint16(page[2:4], info)
	binary.LittleEndian.PutUint32(page[4:8], uint32(w.tli))
	binary.LittleEndian.PutUint64(page[8:16], pageAddr)
	binary.LittleEndian.PutUint32(page[16:20], remLen)
	if off == 0 {
		binary.LittleEndian.PutUint64(page[24:32], w.sysID)
		binary.LittleEndian.PutUint32(page[32:36], uint32(w.segSize))
		binary.LittleEndian.PutUint32(page[36:40], xlog.WALPageSize)
	}
	return size
}

// Position returns the LSN where the next record will begin.
func (w *WALWriter) Position() xlog.LSN {
	pos := w.pos
	if pos%xlog.WALPageSize == 0 {
		if pos%w.segSize == 0 {
			pos += longPageHeaderSize
		} else {
			pos += shortPageHeaderSize
		}
	}
	return xlog.LSN(pos)
}

// Append writes one record and returns its start LSN.
func (w *WALWriter) Append(rmid, info uint8, xid uint32, blocks []BlockSpec, mainData []byte) xlog.LSN {
	// Land the insert position past the page header if we sit on a
	// boundary.
	if w.pos%xlog.WALPageSize == 0 {
		w.pos += uint64(w.initPage(w.pos, 0))
	}
	start := w.pos

	rec := buildRecord(rmid, info, xid, w.prev, blocks, mainData)

	// Scatter the record across pages.
	remaining := rec
	pos := start
	for len(remaining) > 0 {
		pageAddr := pos - pos%xlog.WALPageSize
		if pos%xlog.WALPageSize == 0 {
			pos += uint64(w.initPage(pageAddr, uint32(len(remaining))))
		}
		seg := w.segment(pos / w.segSize)
		free := pageAddr + xlog.WALPageSize - pos
		n := uint64(len(remaining))
		if n > free {
			n = free
		}
		copy(seg[pos%w.segSize:], remaining[:n])
		remaining = remaining[n:]
		pos += n
	}

	w.prev = start
	w.pos = (pos + 7) &^ 7
	return xlog.LSN(start)
}

// AppendCheckpoint writes a checkpoint record (shutdown if requested) whose
// main data carries the given redo pointer and timeline.
func (w *WALWriter) AppendCheckpoint(redo xlog.LSN, tli xlog.TimeLineID, shutdown bool) xlog.LSN {
	main := make([]byte, 80)
	binary.LittleEndian.PutUint64(main[0:8], uint64(redo))
	binary.LittleEndian.PutUint32(main[8:12], uint32(tli))
	info := uint8(0x10) // XLOG_CHECKPOINT_ONLINE
	if shutdown {
		info = 0x00
	}
	return w.Append(0, info, 0, nil, main)
}

// AppendHeapInsert writes a heap-insert record touching one block.
func (w *WALWriter) AppendHeapInsert(rel relpath.RelFileNode, blkno uint32, xid uint32) xlog.LSN {
	return w.Append(10, 0x00, xid,
		[]BlockSpec{{Rel: rel, Fork: relpath.MainFork, BlockNo: blkno, Data: []byte("tuple")}},
		[]byte{0, 0, 0})
}

// Flush writes every touched segment into datadir/pg_xlog.
func (w *WALWriter) Flush(t *testing.T, datadir string) {
	t.Helper()
	walDir := filepath.Join(datadir, "pg_xlog")
	require.NoError(t, os.MkdirAll(walDir, 0o700))
	for segno, seg := range w.segments {
		name := xlog.SegmentFileName(w.tli, segno, w.segSize)
		require.NoError(t, os.WriteFile(filepath.Join(walDir, name), seg, 0o600))
	}
}

// buildRecord assembles a full record image: header, block headers, main
// data header, payloads, with the CRC filled in.
func buildRecord(rmid, info uint8, xid uint32, prev uint64, blocks []BlockSpec, mainData []byte) []byte {
	var body []byte
	for i, b := range blocks {
		forkFlags := uint8(b.Fork) & 0x0F
		if len(b.Data) > 0 {
			forkFlags |= 0x20 // BKPBLOCK_HAS_DATA
		}
		body = append(body, uint8(i), forkFlags)
		body = binary.LittleEndian.AppendUint16(body, uint16(len(b.Data)))
		body = binary.LittleEndian.AppendUint32(body, b.Rel.SpcNode)
		body = binary.LittleEndian.AppendUint32(body, b.Rel.DBNode)
		body = binary.LittleEndian.AppendUint32(body, b.Rel.RelNode)
		body = binary.LittleEndian.AppendUint32(body, b.BlockNo)
	}
	if len(mainData) > 0 {
		if len(mainData) < 256 {
			body = append(body, 255, uint8(len(mainData))) // XLR_BLOCK_ID_DATA_SHORT
		} else {
			body = append(body, 254) // XLR_BLOCK_ID_DATA_LONG
			body = binary.LittleEndian.AppendUint32(body, uint32(len(mainData)))
		}
	}
	for _, b := range blocks {
		body = append(body, b.Data...)
	}
	body = append(body, mainData...)

	totLen := uint32(recordHeaderSize + len(body))
	rec := make([]byte, recordHeaderSize, totLen)
	binary.LittleEndian.PutUint32(rec[0:4], totLen)
	binary.LittleEndian.PutUint32(rec[4:8], xid)
	binary.LittleEndian.PutUint64(rec[8:16], prev)
	rec[16] = info
	rec[17] = rmid
	rec = append(rec, body...)

	crc := crc32.Update(0, crcTable, rec[recordHeaderSize:])
	crc = crc32.Update(crc, crcTable, rec[:20])
	binary.LittleEndian.PutUint32(rec[20:24], crc)
	return rec
}
