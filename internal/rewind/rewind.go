package rewind

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashita-ai/pgrewind/internal/config"
	"github.com/ashita-ai/pgrewind/internal/controlfile"
	"github.com/ashita-ai/pgrewind/internal/filemap"
	"github.com/ashita-ai/pgrewind/internal/source"
	"github.com/ashita-ai/pgrewind/internal/walscan"
	"github.com/ashita-ai/pgrewind/internal/xlog"
)

// Run performs the whole resynchronization: divergence computation, file-map
// construction, execution, and the backup label. Status lines meant for the
// operator (as opposed to log records) go to out. Returning nil covers both
// a completed rewind and the "no rewind required" case.
func Run(ctx context.Context, opts config.Options, logger *slog.Logger, out io.Writer) error {
	ex := NewExecutor(opts.TargetDir, opts.DryRun, opts.NoSync, logger)

	var src source.Source
	if opts.Remote() {
		remote, err := source.NewRemote(ctx, opts.SourceConn, ex, logger)
		if err != nil {
			return err
		}
		src = remote
	} else {
		src = source.NewLocal(opts.SourceDir, ex, logger)
	}
	defer func() {
		if err := src.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("closing source", "error", err)
		}
	}()

	targetCF, err := readTargetControlFile(opts.TargetDir)
	if err != nil {
		return err
	}
	sourceData, err := src.FetchFile(ctx, "global/pg_control")
	if err != nil {
		return err
	}
	sourceCF, err := controlfile.Parse(sourceData)
	if err != nil {
		return fmt.Errorf("rewind: source control file: %w", err)
	}

	if err := sanityCheck(sourceCF, targetCF); err != nil {
		return err
	}
	segSize := uint64(targetCF.WALSegSize)

	sourceTLI := sourceCF.CheckPointCopy.ThisTimeLineID
	targetTLI := targetCF.CheckPointCopy.ThisTimeLineID
	logger.Debug("cluster state",
		"source_timeline", uint32(sourceTLI),
		"target_timeline", uint32(targetTLI),
		"source_checkpoint", sourceCF.CheckPoint.String(),
		"target_checkpoint", targetCF.CheckPoint.String())

	// Locate the divergence point on the source's ancestry.
	var history []xlog.HistoryEntry
	if sourceTLI == 1 {
		history = xlog.OneEntryHistory()
	} else {
		data, err := src.FetchFile(ctx, "pg_xlog/"+xlog.HistoryFileName(sourceTLI))
		if err != nil {
			return err
		}
		history, err = xlog.ParseHistory(data, sourceTLI)
		if err != nil {
			return err
		}
	}
	ancestor, err := findCommonAncestor(history, targetTLI)
	if err != nil {
		return err
	}
	divergence := ancestor.End
	logger.Info("servers diverged",
		"lsn", divergence.String(), "timeline", uint32(ancestor.TLI))

	if !rewindNeeded(opts.TargetDir, targetCF, divergence, segSize) {
		fmt.Fprintln(out, "No rewind required.")
		return nil
	}

	// Find the checkpoint recovery will restart from: the last one the two
	// clusters still share.
	chkpt, err := walscan.FindLastCheckpoint(opts.TargetDir, divergence, targetTLI, segSize)
	if err != nil {
		return err
	}
	logger.Info("rewinding from last common checkpoint",
		"checkpoint", chkpt.RecPtr.String(), "redo", chkpt.Redo.String(),
		"timeline", uint32(chkpt.TLI))

	// Reconcile the two inventories and the target-only WAL footprint.
	fm := filemap.New(opts.TargetDir)

	sourceEntries, err := src.List(ctx)
	if err != nil {
		return err
	}
	for _, e := range sourceEntries {
		if err := fm.ProcessRemote(e.Path, e.Type, e.Size, e.LinkTarget); err != nil {
			return err
		}
	}

	targetEntries, err := source.NewLocal(opts.TargetDir, ex, logger).List(ctx)
	if err != nil {
		return err
	}
	for _, e := range targetEntries {
		if err := fm.ProcessLocal(e.Path, e.Type, e.Size, e.LinkTarget); err != nil {
			return err
		}
	}

	err = walscan.ExtractPageMap(opts.TargetDir, chkpt.RecPtr, chkpt.TLI, divergence, segSize,
		func(ref walscan.BlockRef) error {
			return fm.ProcessBlock(ref.RelNode, ref.Fork, ref.BlockNo)
		}, logger)
	if err != nil {
		return err
	}

	if err := fm.Finalize(); err != nil {
		return err
	}
	warnSymlinkDrift(fm, opts.TargetDir, logger)
	if opts.Verbose {
		logger.Debug("file map ready\n" + fm.Print())
	}

	if err := ex.Execute(ctx, fm, src); err != nil {
		return err
	}

	if err := writeBackupLabel(opts.TargetDir, chkpt.Redo, chkpt.TLI, chkpt.RecPtr,
		segSize, time.Now(), opts.DryRun); err != nil {
		return err
	}

	fmt.Fprintln(out, "Done!")
	return nil
}

func readTargetControlFile(targetDir string) (*controlfile.ControlFile, error) {
	path := filepath.Join(targetDir, "global", "pg_control")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &TargetIOError{Op: "read", Path: "global/pg_control", Err: err}
	}
	cf, err := controlfile.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rewind: target control file: %w", err)
	}
	return cf, nil
}

// sanityCheck enforces the preconditions that make a rewind meaningful at
// all.
func sanityCheck(src, tgt *controlfile.ControlFile) error {
	if src.SystemIdentifier != tgt.SystemIdentifier {
		return fmt.Errorf("%w: source and target clusters are from different systems", ErrSanity)
	}
	if src.Version != tgt.Version || src.CatalogVersion != tgt.CatalogVersion {
		return fmt.Errorf("%w: clusters are not compatible with this version of pgrewind", ErrSanity)
	}
	if src.WALSegSize != tgt.WALSegSize || src.BlockSize != tgt.BlockSize {
		return fmt.Errorf("%w: clusters use different block or WAL segment sizes", ErrSanity)
	}
	if tgt.WALSegSize == 0 || tgt.WALSegSize&(tgt.WALSegSize-1) != 0 {
		return fmt.Errorf("%w: WAL segment size %d is not a power of two", ErrSanity, tgt.WALSegSize)
	}
	if tgt.DataChecksumVersion == 0 && !tgt.WALLogHints {
		return fmt.Errorf("%w: target server needs to use either data checksums or \"wal_log_hints = on\"", ErrSanity)
	}
	if tgt.State != controlfile.StateShutdowned {
		return fmt.Errorf("%w: target server must be shut down cleanly", ErrSanity)
	}
	if src.CheckPointCopy.ThisTimeLineID == tgt.CheckPointCopy.ThisTimeLineID {
		return fmt.Errorf("%w: source and target cluster are both on the same timeline", ErrSanity)
	}
	return nil
}

// rewindNeeded decides whether the target actually wrote anything of its
// own past the divergence point. If its last checkpoint sits before the
// divergence and ends exactly there, the target never got further and can
// simply replay source WAL.
func rewindNeeded(targetDir string, tgt *controlfile.ControlFile,
	divergence xlog.LSN, segSize uint64) bool {

	if tgt.CheckPoint >= divergence {
		return true
	}
	endOfChkpt, err := walscan.ReadOneRecord(targetDir, tgt.CheckPoint,
		tgt.CheckPointCopy.ThisTimeLineID, segSize)
	if err != nil {
		return true
	}
	return endOfChkpt != divergence
}

// warnSymlinkDrift surfaces symlinks whose source and target destinations
// disagree. The plan deliberately leaves such links alone; the operator
// should know they differ.
func warnSymlinkDrift(fm *filemap.Map, targetDir string, logger *slog.Logger) {
	for _, e := range fm.Entries() {
		if e.Type != filemap.Symlink || e.Action != filemap.ActionNone {
			continue
		}
		local, err := os.Readlink(filepath.Join(targetDir, filepath.FromSlash(e.Path)))
		if err == nil && local != e.LinkTarget {
			logger.Warn("symlink targets differ between source and target; leaving target link as is",
				"path", e.Path, "source_target", e.LinkTarget, "target_target", local)
		}
	}
}
