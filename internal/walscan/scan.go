package walscan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/pgrewind/internal/xlog"
)

// BlockFunc receives every relation block referenced by a scanned record.
type BlockFunc func(ref BlockRef) error

// noRelationRmgrs lists resource managers whose records never carry
// relation-block references; their records are skipped without looking.
var noRelationRmgrs = map[uint8]bool{
	RmgrXLOG:      true,
	RmgrXact:      true,
	RmgrCLOG:      true,
	RmgrMultiXact: true,
	RmgrStandby:   true,
}

// ExtractPageMap scans records on tli from start up to endPoint and reports
// every referenced block to fn. The scan stops after the record whose start
// reaches endPoint, or at end of WAL. Any decode failure is fatal: a page
// map missing even one block would silently corrupt the rewound cluster.
func ExtractPageMap(datadir string, start xlog.LSN, tli xlog.TimeLineID,
	endPoint xlog.LSN, segSize uint64, fn BlockFunc, logger *slog.Logger) error {

	r := NewReader(datadir, tli, segSize)
	defer r.Close()

	logger.Debug("scanning WAL for page references",
		"start", start.String(), "end", endPoint.String(), "timeline", uint32(tli))

	nrecords := 0
	ptr := start
	for {
		rec, err := r.ReadRecordAt(ptr)
		if err != nil {
			if errors.Is(err, ErrEOF) {
				break
			}
			return fmt.Errorf("walscan: reading record at %s: %w", ptr, err)
		}
		nrecords++

		if !noRelationRmgrs[rec.RmgrID] {
			for _, ref := range rec.Blocks {
				if err := fn(ref); err != nil {
					return err
				}
			}
		}

		if rec.LSN >= endPoint {
			break
		}
		ptr = rec.End
	}

	logger.Debug("WAL scan complete", "records", nrecords)
	return nil
}

// ReadOneRecord reads the single record starting at ptr on tli and returns
// its end position.
func ReadOneRecord(datadir string, ptr xlog.LSN, tli xlog.TimeLineID,
	segSize uint64) (xlog.LSN, error) {

	r := NewReader(datadir, tli, segSize)
	defer r.Close()

	rec, err := r.ReadRecordAt(ptr)
	if err != nil {
		return xlog.InvalidLSN, fmt.Errorf("walscan: reading record at %s: %w", ptr, err)
	}
	return rec.End, nil
}

// Checkpoint locates a checkpoint record found by FindLastCheckpoint.
type Checkpoint struct {
	RecPtr xlog.LSN         // start of the checkpoint record
	TLI    xlog.TimeLineID  // timeline the checkpoint was written on
	Redo   xlog.LSN         // its redo pointer
}

// FindLastCheckpoint walks backward from forkPtr along xl_prev links until
// it finds a checkpoint record strictly before forkPtr. forkPtr must be a
// record boundary (the divergence position qualifies: both histories agree
// on everything before it). A checkpoint at or past the fork point belongs
// to the abandoned branch and is never the one recovery must restart from.
func FindLastCheckpoint(datadir string, forkPtr xlog.LSN, tli xlog.TimeLineID,
	segSize uint64) (Checkpoint, error) {

	r := NewReader(datadir, tli, segSize)
	defer r.Close()

	ptr := forkPtr
	for ptr.Valid() {
		rec, err := r.ReadRecordAt(ptr)
		if err != nil {
			return Checkpoint{}, fmt.Errorf(
				"walscan: could not find previous WAL record at %s: %w", ptr, err)
		}
		if rec.LSN < forkPtr && rec.IsCheckpoint() {
			cp, err := parseCheckpointData(rec)
			if err != nil {
				return Checkpoint{}, err
			}
			cp.RecPtr = rec.LSN
			return cp, nil
		}
		ptr = rec.Prev
	}
	return Checkpoint{}, fmt.Errorf(
		"walscan: no checkpoint found before %s on timeline %d", forkPtr, uint32(tli))
}

// parseCheckpointData pulls the redo pointer and timeline out of a
// checkpoint record's main data, which carries the same CheckPoint struct
// the control file embeds.
func parseCheckpointData(rec *Record) (Checkpoint, error) {
	if len(rec.MainData) < 12 {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint record at %s carries %d bytes of data",
			ErrDecode, rec.LSN, len(rec.MainData))
	}
	return Checkpoint{
		Redo: xlog.LSN(binary.LittleEndian.Uint64(rec.MainData[0:8])),
		TLI:  xlog.TimeLineID(binary.LittleEndian.Uint32(rec.MainData[8:12])),
	}, nil
}
