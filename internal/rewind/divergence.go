package rewind

import (
	"fmt"

	"github.com/ashita-ai/pgrewind/internal/xlog"
)

// findCommonAncestor walks the source's timeline history from newest to
// oldest until it finds the entry for the target's current timeline. The
// LSN where the next timeline branched off that entry is the divergence
// point: the first position the two clusters disagree about.
func findCommonAncestor(history []xlog.HistoryEntry, targetTLI xlog.TimeLineID) (xlog.HistoryEntry, error) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].TLI == targetTLI {
			return history[i], nil
		}
	}
	return xlog.HistoryEntry{}, fmt.Errorf(
		"%w: could not find common ancestor of the source and target clusters (target timeline %d)",
		ErrSanity, uint32(targetTLI))
}
