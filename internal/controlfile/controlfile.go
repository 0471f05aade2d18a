// Package controlfile decodes the fixed-size cluster control record stored
// at global/pg_control. The on-disk layout is the PostgreSQL 13 one: a
// little-endian C struct padded out to a full 8 KiB file.
package controlfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ashita-ai/pgrewind/internal/xlog"
)

// FileSize is the size of pg_control on disk (PG_CONTROL_FILE_SIZE). The
// meaningful struct occupies only the head of the file; the rest is zero.
const FileSize = 8192

// Version is the pg_control layout this package understands.
const Version = 1300

// ErrCorruptControl is returned for a control file of the wrong size or an
// unrecognized layout version.
var ErrCorruptControl = errors.New("controlfile: corrupt control file")

// DBState is the cluster state stored in the control file.
type DBState int32

const (
	StateStartup DBState = iota
	StateShutdowned
	StateShutdownedInRecovery
	StateShuttingDown
	StateInCrashRecovery
	StateInArchiveRecovery
	StateInProduction
)

func (s DBState) String() string {
	switch s {
	case StateStartup:
		return "starting up"
	case StateShutdowned:
		return "shut down"
	case StateShutdownedInRecovery:
		return "shut down in recovery"
	case StateShuttingDown:
		return "shutting down"
	case StateInCrashRecovery:
		return "in crash recovery"
	case StateInArchiveRecovery:
		return "in archive recovery"
	case StateInProduction:
		return "in production"
	default:
		return fmt.Sprintf("unrecognized state %d", int32(s))
	}
}

// CheckPoint is the copy of the last checkpoint record kept in the control
// file. Only the fields the rewind logic consumes are decoded.
type CheckPoint struct {
	Redo           xlog.LSN
	ThisTimeLineID xlog.TimeLineID
	PrevTimeLineID xlog.TimeLineID
	FullPageWrites bool
	NextXid        uint64
	NextOid        uint32
	Time           int64
}

// ControlFile is the decoded cluster control record.
type ControlFile struct {
	SystemIdentifier uint64
	Version          uint32
	CatalogVersion   uint32
	State            DBState
	Time             int64

	// CheckPoint is the LSN of the last checkpoint record; CheckPointCopy
	// is the body of that record.
	CheckPoint     xlog.LSN
	CheckPointCopy CheckPoint

	MinRecoveryPoint    xlog.LSN
	MinRecoveryPointTLI xlog.TimeLineID

	WALLevel     int32
	WALLogHints  bool
	MaxAlign     uint32
	FloatFormat  float64
	BlockSize    uint32
	RelSegSize   uint32
	WALBlockSize uint32
	WALSegSize   uint32

	DataChecksumVersion uint32
	CRC                 uint32

	raw []byte
}

// Struct field offsets, little endian, 64-bit maxalign.
const (
	offSystemIdentifier = 0
	offVersion          = 8
	offCatalogVersion   = 12
	offState            = 16
	offTime             = 24
	offCheckPoint       = 32
	offCheckPointCopy   = 40
	// Inside CheckPointCopy:
	offCPRedo       = offCheckPointCopy + 0
	offCPTLI        = offCheckPointCopy + 8
	offCPPrevTLI    = offCheckPointCopy + 12
	offCPFPW        = offCheckPointCopy + 16
	offCPNextXid    = offCheckPointCopy + 24
	offCPNextOid    = offCheckPointCopy + 32
	offCPTime       = offCheckPointCopy + 64
	cpSize          = 128
	offUnloggedLSN  = offCheckPointCopy + cpSize
	offMinRecovery  = 176
	offMinRecTLI    = 184
	offWALLevel     = 212
	offWALLogHints  = 216
	offMaxAlign     = 244
	offFloatFormat  = 248
	offBlockSize    = 256
	offRelSegSize   = 260
	offWALBlockSize = 264
	offWALSegSize   = 268
	offChecksumVer  = 292
	offCRC          = 328
)

// Parse decodes a buffer read from global/pg_control. The buffer must be
// exactly FileSize bytes; anything else is reported as corrupt. The CRC
// field is decoded but not verified.
func Parse(data []byte) (*ControlFile, error) {
	if len(data) != FileSize {
		return nil, fmt.Errorf("%w: unexpected size %d, expected %d",
			ErrCorruptControl, len(data), FileSize)
	}

	cf := &ControlFile{
		SystemIdentifier: binary.LittleEndian.Uint64(data[offSystemIdentifier:]),
		Version:          binary.LittleEndian.Uint32(data[offVersion:]),
		CatalogVersion:   binary.LittleEndian.Uint32(data[offCatalogVersion:]),
		State:            DBState(binary.LittleEndian.Uint32(data[offState:])),
		Time:             int64(binary.LittleEndian.Uint64(data[offTime:])),
		CheckPoint:       xlog.LSN(binary.LittleEndian.Uint64(data[offCheckPoint:])),
		CheckPointCopy: CheckPoint{
			Redo:           xlog.LSN(binary.LittleEndian.Uint64(data[offCPRedo:])),
			ThisTimeLineID: xlog.TimeLineID(binary.LittleEndian.Uint32(data[offCPTLI:])),
			PrevTimeLineID: xlog.TimeLineID(binary.LittleEndian.Uint32(data[offCPPrevTLI:])),
			FullPageWrites: data[offCPFPW] != 0,
			NextXid:        binary.LittleEndian.Uint64(data[offCPNextXid:]),
			NextOid:        binary.LittleEndian.Uint32(data[offCPNextOid:]),
			Time:           int64(binary.LittleEndian.Uint64(data[offCPTime:])),
		},
		MinRecoveryPoint:    xlog.LSN(binary.LittleEndian.Uint64(data[offMinRecovery:])),
		MinRecoveryPointTLI: xlog.TimeLineID(binary.LittleEndian.Uint32(data[offMinRecTLI:])),
		WALLevel:            int32(binary.LittleEndian.Uint32(data[offWALLevel:])),
		WALLogHints:         data[offWALLogHints] != 0,
		MaxAlign:            binary.LittleEndian.Uint32(data[offMaxAlign:]),
		FloatFormat:         math.Float64frombits(binary.LittleEndian.Uint64(data[offFloatFormat:])),
		BlockSize:           binary.LittleEndian.Uint32(data[offBlockSize:]),
		RelSegSize:          binary.LittleEndian.Uint32(data[offRelSegSize:]),
		WALBlockSize:        binary.LittleEndian.Uint32(data[offWALBlockSize:]),
		WALSegSize:          binary.LittleEndian.Uint32(data[offWALSegSize:]),
		DataChecksumVersion: binary.LittleEndian.Uint32(data[offChecksumVer:]),
		CRC:                 binary.LittleEndian.Uint32(data[offCRC:]),
		raw:                 append([]byte(nil), data...),
	}

	if cf.Version != Version {
		return nil, fmt.Errorf("%w: pg_control version %d, expected %d",
			ErrCorruptControl, cf.Version, Version)
	}
	return cf, nil
}

// Raw returns the verbatim file contents, for callers that want to run their
// own integrity checks over the record.
func (cf *ControlFile) Raw() []byte {
	return cf.raw
}

// Encode serializes cf back into a FileSize buffer using the same layout
// Parse reads. Fields not represented in ControlFile encode as zero.
func (cf *ControlFile) Encode() []byte {
	data := make([]byte, FileSize)
	binary.LittleEndian.PutUint64(data[offSystemIdentifier:], cf.SystemIdentifier)
	binary.LittleEndian.PutUint32(data[offVersion:], cf.Version)
	binary.LittleEndian.PutUint32(data[offCatalogVersion:], cf.CatalogVersion)
	binary.LittleEndian.PutUint32(data[offState:], uint32(cf.State))
	binary.LittleEndian.PutUint64(data[offTime:], uint64(cf.Time))
	binary.LittleEndian.PutUint64(data[offCheckPoint:], uint64(cf.CheckPoint))
	binary.LittleEndian.PutUint64(data[offCPRedo:], uint64(cf.CheckPointCopy.Redo))
	binary.LittleEndian.PutUint32(data[offCPTLI:], uint32(cf.CheckPointCopy.ThisTimeLineID))
	binary.LittleEndian.PutUint32(data[offCPPrevTLI:], uint32(cf.CheckPointCopy.PrevTimeLineID))
	if cf.CheckPointCopy.FullPageWrites {
		data[offCPFPW] = 1
	}
	binary.LittleEndian.PutUint64(data[offCPNextXid:], cf.CheckPointCopy.NextXid)
	binary.LittleEndian.PutUint32(data[offCPNextOid:], cf.CheckPointCopy.NextOid)
	binary.LittleEndian.PutUint64(data[offCPTime:], uint64(cf.CheckPointCopy.Time))
	binary.LittleEndian.PutUint64(data[offMinRecovery:], uint64(cf.MinRecoveryPoint))
	binary.LittleEndian.PutUint32(data[offMinRecTLI:], uint32(cf.MinRecoveryPointTLI))
	binary.LittleEndian.PutUint32(data[offWALLevel:], uint32(cf.WALLevel))
	if cf.WALLogHints {
		data[offWALLogHints] = 1
	}
	binary.LittleEndian.PutUint32(data[offMaxAlign:], cf.MaxAlign)
	binary.LittleEndian.PutUint64(data[offFloatFormat:], math.Float64bits(cf.FloatFormat))
	binary.LittleEndian.PutUint32(data[offBlockSize:], cf.BlockSize)
	binary.LittleEndian.PutUint32(data[offRelSegSize:], cf.RelSegSize)
	binary.LittleEndian.PutUint32(data[offWALBlockSize:], cf.WALBlockSize)
	binary.LittleEndian.PutUint32(data[offWALSegSize:], cf.WALSegSize)
	binary.LittleEndian.PutUint32(data[offChecksumVer:], cf.DataChecksumVersion)
	binary.LittleEndian.PutUint32(data[offCRC:], cf.CRC)
	return data
}
