package rewind

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashita-ai/pgrewind/internal/xlog"
)

// writeBackupLabel drops a backup_label into the target root so the
// restarted cluster begins replay at the last common checkpoint instead of
// trusting its own control file.
func writeBackupLabel(targetDir string, startWAL xlog.LSN, startTLI xlog.TimeLineID,
	checkpointLoc xlog.LSN, segSize uint64, now time.Time, dryRun bool) error {

	walFile := xlog.SegmentFileName(startTLI, startWAL.SegmentNo(segSize), segSize)
	content := fmt.Sprintf(
		"START WAL LOCATION: %s (file %s)\n"+
			"CHECKPOINT LOCATION: %s\n"+
			"BACKUP METHOD: rewound with pg_rewind\n"+
			"BACKUP FROM: master\n"+
			"START TIME: %s\n",
		startWAL, walFile, checkpointLoc, now.Format("2006-01-02 15:04:05 MST"))

	if dryRun {
		return nil
	}
	path := filepath.Join(targetDir, "backup_label")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return &TargetIOError{Op: "write", Path: "backup_label", Err: err}
	}
	return nil
}
