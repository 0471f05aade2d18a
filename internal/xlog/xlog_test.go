package xlog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/pgrewind/internal/xlog"
)

func TestLSNRoundTrip(t *testing.T) {
	cases := []struct {
		lsn  xlog.LSN
		text string
	}{
		{0x0000000001A00000, "0/1A00000"},
		{0x0000000200000000, "2/0"},
		{0xFFFFFFFFFFFFFFFF, "FFFFFFFF/FFFFFFFF"},
		{0x0000000100000001, "1/1"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.text, tc.lsn.String())
		parsed, err := xlog.ParseLSN(tc.text)
		require.NoError(t, err)
		assert.Equal(t, tc.lsn, parsed)
	}
}

func TestParseLSNRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "zz/10", "1.5"} {
		_, err := xlog.ParseLSN(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestLSNValid(t *testing.T) {
	assert.False(t, xlog.InvalidLSN.Valid())
	assert.True(t, xlog.LSN(1).Valid())
}

func TestSegmentFileName(t *testing.T) {
	segSize := uint64(16 * 1024 * 1024)

	lsn := xlog.LSN(0x0000000002A00000)
	assert.Equal(t, uint64(2), lsn.SegmentNo(segSize))
	assert.Equal(t, "000000010000000000000002",
		xlog.SegmentFileName(1, lsn.SegmentNo(segSize), segSize))

	// Segment numbers above 4 GiB of WAL roll into the middle hex group.
	high := xlog.LSN(0x0000000300000000)
	assert.Equal(t, "0000000500000003000000C0",
		xlog.SegmentFileName(5, high.SegmentNo(segSize)+0xC0, segSize))
}

func TestSegmentOffset(t *testing.T) {
	segSize := uint64(16 * 1024 * 1024)
	assert.Equal(t, uint64(0xA00000), xlog.LSN(0x0000000002A00000).SegmentOffset(segSize))
}

func TestHistoryFileName(t *testing.T) {
	assert.Equal(t, "00000003.history", xlog.HistoryFileName(3))
}

func TestParseHistory(t *testing.T) {
	data := []byte("# comment line\n\n1\t0/1A00000\tno recovery target specified\n2\t0/2B00000\tpromotion\n")
	entries, err := xlog.ParseHistory(data, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, xlog.HistoryEntry{TLI: 1, Begin: 0, End: 0x1A00000}, entries[0])
	assert.Equal(t, xlog.HistoryEntry{TLI: 2, Begin: 0x1A00000, End: 0x2B00000}, entries[1])
	assert.Equal(t, xlog.HistoryEntry{TLI: 3, Begin: 0x2B00000, End: 0}, entries[2])
}

func TestParseHistoryErrors(t *testing.T) {
	cases := map[string]struct {
		data string
		tli  xlog.TimeLineID
	}{
		"missing switch point":    {"1\n", 2},
		"bad LSN":                 {"1\tnope\tc\n", 2},
		"bad timeline":            {"x\t0/1\tc\n", 2},
		"decreasing timelines":    {"2\t0/1\tc\n1\t0/2\tc\n", 3},
		"target below last entry": {"5\t0/1\tc\n", 4},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := xlog.ParseHistory([]byte(tc.data), tc.tli)
			require.ErrorIs(t, err, xlog.ErrBadHistory)
		})
	}
}

func TestOneEntryHistory(t *testing.T) {
	entries := xlog.OneEntryHistory()
	require.Len(t, entries, 1)
	assert.Equal(t, xlog.HistoryEntry{TLI: 1, Begin: 0, End: 0}, entries[0])
}
