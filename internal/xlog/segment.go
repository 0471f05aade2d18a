package xlog

import "fmt"

// DefaultSegmentSize is the stock WAL segment size (16 MiB). The actual
// size for a cluster comes from its control file and must be a power of 2.
const DefaultSegmentSize = 16 * 1024 * 1024

// WALPageSize is the WAL block size (XLOG_BLCKSZ).
const WALPageSize = 8192

// SegmentNo returns the segment number containing l for the given segment size.
func (l LSN) SegmentNo(segSize uint64) uint64 {
	return uint64(l) / segSize
}

// SegmentOffset returns the byte offset of l within its segment.
func (l LSN) SegmentOffset(segSize uint64) uint64 {
	return uint64(l) % segSize
}

// SegmentFileName returns the 24-hex-character WAL file name for a segment
// on a timeline, e.g. 000000010000000000000002.
func SegmentFileName(tli TimeLineID, segno uint64, segSize uint64) string {
	segsPerXLogID := uint64(0x100000000) / segSize
	return fmt.Sprintf("%08X%08X%08X", uint32(tli),
		uint32(segno/segsPerXLogID), uint32(segno%segsPerXLogID))
}

// HistoryFileName returns the name of a timeline's history file,
// e.g. 00000003.history.
func HistoryFileName(tli TimeLineID) string {
	return fmt.Sprintf("%08X.history", uint32(tli))
}
