package xlog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadHistory is returned when a timeline history file cannot be parsed.
var ErrBadHistory = errors.New("xlog: malformed timeline history")

// HistoryEntry is one step in a timeline's ancestry. Begin is the LSN where
// TLI started; End is the LSN where the next timeline on this branch began.
// The final entry of a parsed history has End = 0, meaning the timeline is
// still current; its Begin is the last switch point (0 for timeline 1).
type HistoryEntry struct {
	TLI   TimeLineID
	Begin LSN
	End   LSN
}

// ParseHistory parses the contents of a .history file into the ancestry of
// targetTLI, oldest first. Lines are "<tli>\t<switch LSN>\t<comment>"; blank
// lines and # comments are ignored. The returned list always ends with the
// open entry (targetTLI, lastSwitch, 0).
func ParseHistory(data []byte, targetTLI TimeLineID) ([]HistoryEntry, error) {
	var (
		entries    []HistoryEntry
		lastTLI    TimeLineID
		lastSwitch LSN
	)

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: line %q", ErrBadHistory, sc.Text())
		}

		tli, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: timeline in line %q", ErrBadHistory, sc.Text())
		}
		lsn, err := ParseLSN(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: switch point in line %q", ErrBadHistory, sc.Text())
		}
		if TimeLineID(tli) <= lastTLI {
			return nil, fmt.Errorf("%w: timelines not in increasing order", ErrBadHistory)
		}

		entries = append(entries, HistoryEntry{
			TLI:   TimeLineID(tli),
			Begin: lastSwitch,
			End:   lsn,
		})
		lastTLI = TimeLineID(tli)
		lastSwitch = lsn
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHistory, err)
	}

	if targetTLI <= lastTLI {
		return nil, fmt.Errorf("%w: timeline %d is not above the last history entry %d",
			ErrBadHistory, targetTLI, lastTLI)
	}

	// The file never lists the final timeline itself; it is implied by the
	// file's name.
	entries = append(entries, HistoryEntry{TLI: targetTLI, Begin: lastSwitch, End: 0})
	return entries, nil
}

// OneEntryHistory is the synthetic ancestry of timeline 1, which never has a
// history file on disk.
func OneEntryHistory() []HistoryEntry {
	return []HistoryEntry{{TLI: 1, Begin: 0, End: 0}}
}
