// Package walscan reads on-disk WAL segments and extracts, for every record,
// the relation blocks it touches. It implements just enough of the record
// format to recover the write footprint of a WAL range; it never applies
// records.
package walscan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/ashita-ai/pgrewind/internal/relpath"
	"github.com/ashita-ai/pgrewind/internal/xlog"
)

// ErrDecode is wrapped by every malformed-WAL failure. A scan that hits one
// must be treated as fatal; a partial page map is worse than none.
var ErrDecode = errors.New("walscan: malformed WAL")

// RecordHeaderSize is sizeof(XLogRecord): xl_tot_len, xl_xid, xl_prev,
// xl_info, xl_rmid, 2 pad bytes, xl_crc.
const RecordHeaderSize = 24

// Resource manager IDs.
const (
	RmgrXLOG      = 0
	RmgrXact      = 1
	RmgrSmgr      = 2
	RmgrCLOG      = 3
	RmgrDatabase  = 4
	RmgrTblspc    = 5
	RmgrMultiXact = 6
	RmgrRelMap    = 7
	RmgrStandby   = 8
	RmgrHeap2     = 9
	RmgrHeap      = 10
	RmgrBtree     = 11
	RmgrHash      = 12
	RmgrGin       = 13
	RmgrGist      = 14
	RmgrSeq       = 15
	RmgrSPGist    = 16
	RmgrBrin      = 17
	RmgrCommitTS  = 18
	RmgrReplOrig  = 19
	RmgrGeneric   = 20
	RmgrLogicalMsg = 21
)

// XLOG resource manager info codes (high nibble of xl_info).
const (
	InfoCheckpointShutdown = 0x00
	InfoCheckpointOnline   = 0x10
	InfoSwitch             = 0x40
)

// Block-header markers and flags.
const (
	maxBlockID      = 32
	blockIDDataShort   = 255
	blockIDDataLong    = 254
	blockIDOrigin      = 253
	blockIDToplevelXid = 252

	bkpblockForkMask = 0x0F
	bkpblockHasImage = 0x10
	bkpblockHasData  = 0x20
	bkpblockSameRel  = 0x80

	bkpimageHasHole      = 0x01
	bkpimageIsCompressed = 0x02
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// BlockRef is one relation block referenced by a record.
type BlockRef struct {
	RelNode relpath.RelFileNode
	Fork    relpath.ForkNumber
	BlockNo uint32
}

// Record is a decoded WAL record: the fixed header, the referenced blocks,
// and the rmgr-specific main data. Payload images and per-block data are
// skipped, not retained.
type Record struct {
	LSN  xlog.LSN // start position
	End  xlog.LSN // first position after the record, 8-byte aligned
	Prev xlog.LSN // start of the previous record

	Xid    uint32
	Info   uint8
	RmgrID uint8

	Blocks   []BlockRef
	MainData []byte
}

// IsCheckpoint reports whether the record is a shutdown or online checkpoint.
func (rec *Record) IsCheckpoint() bool {
	info := rec.Info & 0xF0
	return rec.RmgrID == RmgrXLOG &&
		(info == InfoCheckpointShutdown || info == InfoCheckpointOnline)
}

// IsSwitch reports whether the record is an xlog-switch; the remainder of
// its segment is padding.
func (rec *Record) IsSwitch() bool {
	return rec.RmgrID == RmgrXLOG && rec.Info&0xF0 == InfoSwitch
}

// decodeRecord parses an assembled record buffer (header included). The
// buffer length must equal xl_tot_len.
func decodeRecord(buf []byte, lsn xlog.LSN) (*Record, error) {
	if len(buf) < RecordHeaderSize {
		return nil, fmt.Errorf("%w: record at %s shorter than header", ErrDecode, lsn)
	}
	totLen := binary.LittleEndian.Uint32(buf[0:4])
	if int(totLen) != len(buf) {
		return nil, fmt.Errorf("%w: record at %s length mismatch", ErrDecode, lsn)
	}

	rec := &Record{
		LSN:    lsn,
		Xid:    binary.LittleEndian.Uint32(buf[4:8]),
		Prev:   xlog.LSN(binary.LittleEndian.Uint64(buf[8:16])),
		Info:   buf[16],
		RmgrID: buf[17],
	}

	crc := crc32.Update(0, crcTable, buf[RecordHeaderSize:])
	crc = crc32.Update(crc, crcTable, buf[:20])
	if want := binary.LittleEndian.Uint32(buf[20:24]); crc != want {
		return nil, fmt.Errorf("%w: bad CRC at %s (have %08X, want %08X)",
			ErrDecode, lsn, crc, want)
	}

	// Walk the block-header area. remaining counts unconsumed bytes of the
	// record; datatotal accumulates the payload bytes owed to already-seen
	// headers. When they meet, the headers are done.
	pos := RecordHeaderSize
	remaining := len(buf) - RecordHeaderSize
	datatotal := 0
	mainLen := 0

	take := func(n int) ([]byte, error) {
		if remaining-datatotal < n {
			return nil, fmt.Errorf("%w: truncated headers at %s", ErrDecode, lsn)
		}
		b := buf[pos : pos+n]
		pos += n
		remaining -= n
		return b, nil
	}

	var lastRel relpath.RelFileNode
	haveRel := false

	for remaining > datatotal {
		idb, err := take(1)
		if err != nil {
			return nil, err
		}
		switch id := idb[0]; {
		case id == blockIDDataShort:
			b, err := take(1)
			if err != nil {
				return nil, err
			}
			mainLen = int(b[0])
			// The main-data header is always last; everything that
			// remains is payload.
			datatotal = remaining

		case id == blockIDDataLong:
			b, err := take(4)
			if err != nil {
				return nil, err
			}
			mainLen = int(binary.LittleEndian.Uint32(b))
			datatotal = remaining

		case id == blockIDOrigin:
			if _, err := take(2); err != nil {
				return nil, err
			}

		case id == blockIDToplevelXid:
			if _, err := take(4); err != nil {
				return nil, err
			}

		case id <= maxBlockID:
			b, err := take(3)
			if err != nil {
				return nil, err
			}
			forkFlags := b[0]
			dataLen := int(binary.LittleEndian.Uint16(b[1:3]))
			if forkFlags&bkpblockHasData == 0 && dataLen != 0 {
				return nil, fmt.Errorf("%w: block %d at %s has data length without data flag",
					ErrDecode, id, lsn)
			}
			datatotal += dataLen

			if forkFlags&bkpblockHasImage != 0 {
				img, err := take(5)
				if err != nil {
					return nil, err
				}
				imgLen := int(binary.LittleEndian.Uint16(img[0:2]))
				bimgInfo := img[4]
				if bimgInfo&bkpimageHasHole != 0 && bimgInfo&bkpimageIsCompressed != 0 {
					if _, err := take(2); err != nil {
						return nil, err
					}
				}
				datatotal += imgLen
			}

			if forkFlags&bkpblockSameRel == 0 {
				b, err := take(12)
				if err != nil {
					return nil, err
				}
				lastRel = relpath.RelFileNode{
					SpcNode: binary.LittleEndian.Uint32(b[0:4]),
					DBNode:  binary.LittleEndian.Uint32(b[4:8]),
					RelNode: binary.LittleEndian.Uint32(b[8:12]),
				}
				haveRel = true
			} else if !haveRel {
				return nil, fmt.Errorf("%w: BKPBLOCK_SAME_REL without prior relation at %s",
					ErrDecode, lsn)
			}

			b, err = take(4)
			if err != nil {
				return nil, err
			}
			rec.Blocks = append(rec.Blocks, BlockRef{
				RelNode: lastRel,
				Fork:    relpath.ForkNumber(forkFlags & bkpblockForkMask),
				BlockNo: binary.LittleEndian.Uint32(b),
			})

		default:
			return nil, fmt.Errorf("%w: unexpected block id %d at %s", ErrDecode, id, lsn)
		}
	}

	// Main data sits at the very end of the record, after all block images
	// and block data.
	if mainLen > remaining {
		return nil, fmt.Errorf("%w: main data length %d exceeds record at %s",
			ErrDecode, mainLen, lsn)
	}
	if mainLen > 0 {
		rec.MainData = buf[len(buf)-mainLen:]
	}
	return rec, nil
}
