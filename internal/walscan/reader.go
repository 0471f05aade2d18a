package walscan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ashita-ai/pgrewind/internal/xlog"
)

// WAL page layout.
const (
	walMagic = 0xD10D // PostgreSQL 13 WAL format

	xlpFirstIsContrecord = 0x0001
	xlpLongHeader        = 0x0002

	shortPageHeaderSize = 24
	longPageHeaderSize  = 40
)

// ErrEOF is returned by the reader when WAL simply ends: the next segment
// file is missing, or the page runs into zeroed padding.
var ErrEOF = errors.New("walscan: end of WAL")

// Reader iterates records of one timeline from the pg_xlog directory of a
// data directory. It keeps a single segment file open and a single page
// buffered at a time.
type Reader struct {
	walDir  string
	tli     xlog.TimeLineID
	segSize uint64

	file      *os.File
	openSegNo uint64

	page     []byte
	pageAddr uint64
	havePage bool
}

// NewReader prepares a reader over datadir/pg_xlog for one timeline.
func NewReader(datadir string, tli xlog.TimeLineID, segSize uint64) *Reader {
	return &Reader{
		walDir:  filepath.Join(datadir, "pg_xlog"),
		tli:     tli,
		segSize: segSize,
		page:    make([]byte, xlog.WALPageSize),
	}
}

// Close releases the open segment file, if any.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

type pageHeader struct {
	magic    uint16
	info     uint16
	tli      xlog.TimeLineID
	pageAddr uint64
	remLen   uint32
}

func (h *pageHeader) size() int {
	if h.info&xlpLongHeader != 0 {
		return longPageHeaderSize
	}
	return shortPageHeaderSize
}

// readPage loads the WAL page starting at pageAddr and validates its header.
func (r *Reader) readPage(pageAddr uint64) (*pageHeader, error) {
	segno := pageAddr / r.segSize
	if r.file == nil || segno != r.openSegNo {
		if r.file != nil {
			_ = r.file.Close()
			r.file = nil
		}
		name := xlog.SegmentFileName(r.tli, segno, r.segSize)
		f, err := os.Open(filepath.Join(r.walDir, name))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: no segment %s", ErrEOF, name)
			}
			return nil, fmt.Errorf("walscan: open segment %s: %w", name, err)
		}
		r.file = f
		r.openSegNo = segno
		r.havePage = false
	}

	if !r.havePage || r.pageAddr != pageAddr {
		off := int64(pageAddr % r.segSize)
		if _, err := r.file.ReadAt(r.page, off); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("%w: segment truncated at %X", ErrEOF, pageAddr)
			}
			return nil, fmt.Errorf("walscan: read page at %X: %w", pageAddr, err)
		}
		r.pageAddr = pageAddr
		r.havePage = true
	}

	h := &pageHeader{
		magic:    binary.LittleEndian.Uint16(r.page[0:2]),
		info:     binary.LittleEndian.Uint16(r.page[2:4]),
		tli:      xlog.TimeLineID(binary.LittleEndian.Uint32(r.page[4:8])),
		pageAddr: binary.LittleEndian.Uint64(r.page[8:16]),
		remLen:   binary.LittleEndian.Uint32(r.page[16:20]),
	}
	if h.magic == 0 && h.info == 0 && h.pageAddr == 0 {
		return nil, fmt.Errorf("%w: zeroed page at %X", ErrEOF, pageAddr)
	}
	if h.magic != walMagic {
		return nil, fmt.Errorf("%w: unexpected page magic %04X at %X",
			ErrDecode, h.magic, pageAddr)
	}
	if h.pageAddr != pageAddr {
		return nil, fmt.Errorf("%w: page address %X where %X expected",
			ErrDecode, h.pageAddr, pageAddr)
	}
	return h, nil
}

// ReadRecordAt reads and decodes the record starting at start. If start
// points at a page boundary, the record is taken to begin just after the
// page header, the way positions at segment boundaries are conventionally
// addressed. Records spanning pages are reassembled.
func (r *Reader) ReadRecordAt(start xlog.LSN) (*Record, error) {
	pos := uint64(start)
	if pos%8 != 0 {
		return nil, fmt.Errorf("%w: misaligned record position %s", ErrDecode, start)
	}

	pageOff := pos % xlog.WALPageSize
	h, err := r.readPage(pos - pageOff)
	if err != nil {
		return nil, err
	}
	hdrLen := uint64(h.size())
	if pageOff == 0 {
		if h.info&xlpFirstIsContrecord != 0 {
			return nil, fmt.Errorf("%w: contrecord requested at %s", ErrDecode, start)
		}
		pageOff = hdrLen
		pos += hdrLen
	} else if pageOff < hdrLen {
		return nil, fmt.Errorf("%w: record position %s inside page header", ErrDecode, start)
	}

	frag := r.page[pageOff:]
	if len(frag) < 4 {
		return nil, fmt.Errorf("%w: record position %s too close to page end", ErrDecode, start)
	}
	totLen := binary.LittleEndian.Uint32(frag)
	if totLen == 0 {
		return nil, fmt.Errorf("%w: zero-length record at %X", ErrEOF, pos)
	}
	if totLen < RecordHeaderSize || uint64(totLen) > r.segSize {
		return nil, fmt.Errorf("%w: implausible record length %d at %X",
			ErrDecode, totLen, pos)
	}

	buf := make([]byte, 0, totLen)
	take := uint64(totLen)
	if take > uint64(len(frag)) {
		take = uint64(len(frag))
	}
	buf = append(buf, frag[:take]...)
	end := pos + take

	nextPage := pos - pageOff + xlog.WALPageSize
	for uint32(len(buf)) < totLen {
		ch, err := r.readPage(nextPage)
		if err != nil {
			return nil, err
		}
		if ch.info&xlpFirstIsContrecord == 0 {
			return nil, fmt.Errorf("%w: continuation missing at %X", ErrDecode, nextPage)
		}
		want := totLen - uint32(len(buf))
		if ch.remLen != want {
			return nil, fmt.Errorf("%w: continuation of %d bytes where %d expected at %X",
				ErrDecode, ch.remLen, want, nextPage)
		}
		chLen := uint64(ch.size())
		n := uint64(want)
		if max := xlog.WALPageSize - chLen; n > max {
			n = max
		}
		buf = append(buf, r.page[chLen:chLen+n]...)
		end = nextPage + chLen + n
		nextPage += xlog.WALPageSize
	}

	rec, err := decodeRecord(buf, xlog.LSN(pos))
	if err != nil {
		return nil, err
	}
	rec.End = xlog.LSN((end + 7) &^ 7)
	if rec.IsSwitch() {
		// The rest of the segment after an xlog-switch is padding.
		rec.End = xlog.LSN((end + r.segSize - 1) / r.segSize * r.segSize)
	}
	return rec, nil
}
