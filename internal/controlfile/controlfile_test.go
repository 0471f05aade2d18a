package controlfile_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/pgrewind/internal/controlfile"
	"github.com/ashita-ai/pgrewind/internal/xlog"
)

func sampleControl() *controlfile.ControlFile {
	return &controlfile.ControlFile{
		SystemIdentifier: 0x1122334455667788,
		Version:          controlfile.Version,
		CatalogVersion:   202007201,
		State:            controlfile.StateShutdowned,
		CheckPoint:       xlog.LSN(0x2A00000),
		CheckPointCopy: controlfile.CheckPoint{
			Redo:           xlog.LSN(0x2A00000),
			ThisTimeLineID: 1,
			PrevTimeLineID: 1,
			FullPageWrites: true,
			NextXid:        1000,
			NextOid:        16384,
		},
		WALLogHints:         true,
		BlockSize:           8192,
		RelSegSize:          131072,
		WALBlockSize:        8192,
		WALSegSize:          16 * 1024 * 1024,
		DataChecksumVersion: 1,
	}
}

func TestParseRoundTrip(t *testing.T) {
	want := sampleControl()
	got, err := controlfile.Parse(want.Encode())
	require.NoError(t, err)

	assert.Equal(t, want.SystemIdentifier, got.SystemIdentifier)
	assert.Equal(t, want.CatalogVersion, got.CatalogVersion)
	assert.Equal(t, controlfile.StateShutdowned, got.State)
	assert.Equal(t, want.CheckPoint, got.CheckPoint)
	assert.Equal(t, want.CheckPointCopy.Redo, got.CheckPointCopy.Redo)
	assert.Equal(t, xlog.TimeLineID(1), got.CheckPointCopy.ThisTimeLineID)
	assert.True(t, got.CheckPointCopy.FullPageWrites)
	assert.True(t, got.WALLogHints)
	assert.Equal(t, uint32(16*1024*1024), got.WALSegSize)
	assert.Equal(t, uint32(1), got.DataChecksumVersion)
	assert.Len(t, got.Raw(), controlfile.FileSize)
}

func TestParseRejectsWrongSize(t *testing.T) {
	_, err := controlfile.Parse(make([]byte, 512))
	require.ErrorIs(t, err, controlfile.ErrCorruptControl)

	_, err = controlfile.Parse(make([]byte, controlfile.FileSize+1))
	require.ErrorIs(t, err, controlfile.ErrCorruptControl)
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	cf := sampleControl()
	cf.Version = 1100
	_, err := controlfile.Parse(cf.Encode())
	require.ErrorIs(t, err, controlfile.ErrCorruptControl)
}

func TestDBStateString(t *testing.T) {
	assert.Equal(t, "shut down", controlfile.StateShutdowned.String())
	assert.Equal(t, "in production", controlfile.StateInProduction.String())
	assert.Contains(t, controlfile.DBState(42).String(), "unrecognized")
}
