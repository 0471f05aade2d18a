// Package xlog holds the small vocabulary of write-ahead-log positions:
// LSNs, timeline IDs, segment file naming, and timeline history parsing.
package xlog

import (
	"fmt"
)

// LSN is a 64-bit byte position in the write-ahead log.
// The zero value is invalid.
type LSN uint64

// InvalidLSN is the zero WAL position.
const InvalidLSN LSN = 0

// Valid reports whether l is a usable WAL position.
func (l LSN) Valid() bool {
	return l != InvalidLSN
}

// String formats l as the conventional %X/%X pair of 32-bit halves.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// ParseLSN parses the %X/%X textual form produced by String.
func ParseLSN(s string) (LSN, error) {
	var hi, lo uint32
	if n, err := fmt.Sscanf(s, "%X/%X", &hi, &lo); err != nil || n != 2 {
		return InvalidLSN, fmt.Errorf("xlog: invalid LSN %q", s)
	}
	return LSN(uint64(hi)<<32 | uint64(lo)), nil
}

// TimeLineID identifies a WAL branch. Timeline 1 has no history file.
type TimeLineID uint32
