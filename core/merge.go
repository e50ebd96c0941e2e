package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"
)

const (
	mergeStagingDirName = ".merge"
	mergeBackupDirName  = ".merge-backup"
	mergeCheckpointName = ".merge-checkpoint"
)

// mergeCheckpoint is written atomically to the storage directory before
// merge starts moving files around, and removed once the move completes.
// Its presence at Open means a crash interrupted the swap; Open replays
// whichever half of the rename sequence didn't happen using the same
// idempotent moves merge itself uses.
type mergeCheckpoint struct {
	StagingDir        string
	NewSegmentIDs     []uint64
	RetiredSegmentIDs []uint64
	KeepOldFiles      bool
}

// mergeWriter appends records into a sequence of fresh segments under a
// staging directory, rolling over by the same size threshold the active
// segment uses.
type mergeWriter struct {
	dir       string
	lastID    uint64
	threshold int64
	cur       *segment
	ids       []uint64
}

func newMergeWriter(dir string, startAfter uint64, threshold int64) (*mergeWriter, error) {
	mw := &mergeWriter{dir: dir, lastID: startAfter, threshold: threshold}
	if err := mw.roll(); err != nil {
		return nil, err
	}
	return mw, nil
}

func (mw *mergeWriter) roll() error {
	if mw.cur != nil {
		if err := mw.cur.close(); err != nil {
			return fmt.Errorf("close merge output segment %d: %w", mw.cur.id, err)
		}
	}

	id := newSegmentID(mw.lastID)
	seg, err := openActiveSegment(mw.dir, id)
	if err != nil {
		return fmt.Errorf("open merge output segment %d: %w", id, err)
	}

	mw.cur = seg
	mw.lastID = id
	mw.ids = append(mw.ids, id)
	return nil
}

func (mw *mergeWriter) write(ts int64, key, value []byte) (entry, error) {
	if mw.cur.size() >= mw.threshold {
		if err := mw.roll(); err != nil {
			return entry{}, err
		}
	}
	return mw.cur.append(ts, key, value)
}

func (mw *mergeWriter) close() error {
	if mw.cur == nil {
		return nil
	}
	return mw.cur.close()
}

// Merge compacts the entire live key directory, sealed segments and the
// active segment alike, into a fresh set of segment files, then atomically
// swaps them in: the last fresh segment becomes the new active segment, and
// everything it replaces — every sealed segment plus the old active one —
// is retired. Merge holds the engine's exclusive lock for its whole
// duration, so no concurrent Put/Get/Del/Scan can observe a half-merged
// directory or write into a segment that is about to be retired.
func (e *Engine) Merge() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closedLocked() {
		return ErrEngineClosed
	}

	e.oldMu.Lock()
	sealed := append([]uint64{}, e.oldIDs...)
	e.oldMu.Unlock()

	e.log.Infow("merge starting", "sealed_segments", sealed, "active_segment", e.active.id)
	if err := e.runMergeLocked(sealed); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	e.log.Infow("merge finished")
	return nil
}

// runMergeLocked does the actual compaction work and must be called with mu
// held for writing for its entire duration: it reads every live value
// (possibly from the soon-to-be-retired active segment), so the active
// segment cannot be swapped out from under it.
func (e *Engine) runMergeLocked(sealed []uint64) error {
	oldActive := e.active

	stagingDir := filepath.Join(e.dir, mergeStagingDirName)
	if err := os.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("clear stale staging dir: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	mw, err := newMergeWriter(stagingDir, oldActive.id, e.opts.rolloverThreshold)
	if err != nil {
		return fmt.Errorf("open merge writer: %w", err)
	}

	var copyErr error
	for key, ent := range e.index.snapshot() {
		if ent.isTombstone() {
			continue
		}

		value, err := e.readEntry(key, ent)
		if err != nil {
			copyErr = fmt.Errorf("read %q for merge: %w", key, err)
			break
		}

		newEnt, err := mw.write(ent.timestamp, []byte(key), value)
		if err != nil {
			copyErr = fmt.Errorf("write %q to merge output: %w", key, err)
			break
		}

		e.index.set(key, newEnt)
	}

	if closeErr := mw.close(); closeErr != nil && copyErr == nil {
		copyErr = fmt.Errorf("close merge writer: %w", closeErr)
	}
	if copyErr != nil {
		_ = os.RemoveAll(stagingDir)
		return copyErr
	}

	retired := append(append([]uint64{}, sealed...), oldActive.id)

	cp := mergeCheckpoint{
		StagingDir:        mergeStagingDirName,
		NewSegmentIDs:     mw.ids,
		RetiredSegmentIDs: retired,
		KeepOldFiles:      e.opts.keepOldFiles,
	}
	cpBytes, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal merge checkpoint: %w", err)
	}

	checkpointPath := filepath.Join(e.dir, mergeCheckpointName)
	if err := atomic.WriteFile(checkpointPath, bytes.NewReader(cpBytes)); err != nil {
		return fmt.Errorf("write merge checkpoint: %w", err)
	}

	if err := oldActive.close(); err != nil {
		e.log.Warnw("close old active segment before merge swap", "segment", oldActive.id, "err", err)
	}

	if err := finishMergeSwap(e.dir, stagingDir, cp, e.log); err != nil {
		return fmt.Errorf("swap merge output into place: %w", err)
	}

	newActiveID := mw.ids[len(mw.ids)-1]
	newActive, err := openActiveSegment(e.dir, newActiveID)
	if err != nil {
		return fmt.Errorf("open new active segment %d after merge: %w", newActiveID, err)
	}
	e.active = newActive

	e.oldMu.Lock()
	e.oldIDs = append([]uint64{}, mw.ids[:len(mw.ids)-1]...)
	for id, f := range e.oldHandles {
		_ = f.Close()
		delete(e.oldHandles, id)
	}
	e.oldMu.Unlock()

	if err := os.Remove(checkpointPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove merge checkpoint: %w", err)
	}

	return nil
}

// reconcileMerge is run once at Open, before any segment is touched. If a
// merge checkpoint is present, a previous run crashed mid-swap; this
// finishes the swap the same way runMergeLocked would have and removes the
// checkpoint.
func reconcileMerge(dir string, log *zap.SugaredLogger) error {
	path := filepath.Join(dir, mergeCheckpointName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read merge checkpoint: %w", err)
	}

	var cp mergeCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("parse merge checkpoint: %w", err)
	}

	log.Warnw("reconciling interrupted merge",
		"new_segments", cp.NewSegmentIDs, "retired_segments", cp.RetiredSegmentIDs)

	stagingDir := filepath.Join(dir, cp.StagingDir)
	if err := finishMergeSwap(dir, stagingDir, cp, log); err != nil {
		return fmt.Errorf("finish interrupted merge swap: %w", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove merge checkpoint: %w", err)
	}
	return nil
}

// finishMergeSwap performs the two halves of a merge swap — moving new
// segment files into the storage directory, then retiring the segments
// they replace — in a way that is safe to run twice: each step first
// checks whether it already happened.
func finishMergeSwap(dir, stagingDir string, cp mergeCheckpoint, log *zap.SugaredLogger) error {
	for _, id := range cp.NewSegmentIDs {
		if err := moveIfPresent(filepath.Join(stagingDir, dataFileName(id)), dataPath(dir, id)); err != nil {
			return err
		}
		if err := moveIfPresent(filepath.Join(stagingDir, hintFileName(id)), hintPath(dir, id)); err != nil {
			return err
		}
	}

	for _, id := range cp.RetiredSegmentIDs {
		if err := retireSegmentFiles(dir, id, cp.KeepOldFiles); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(stagingDir); err != nil {
		log.Warnw("remove merge staging dir", "dir", stagingDir, "err", err)
	}

	if err := syncDir(dir); err != nil {
		log.Warnw("sync storage dir after merge swap", "err", err)
	}

	return nil
}

// moveIfPresent renames src to dst if src still exists, and is a silent
// no-op otherwise — the rename may already have happened before a crash.
func moveIfPresent(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %q -> %q: %w", src, dst, err)
	}
	return nil
}

// retireSegmentFiles removes (or, with keepOldFiles, renames aside into
// mergeBackupDirName) the data+hint pair for a segment that merge has
// just replaced.
func retireSegmentFiles(dir string, id uint64, keepOldFiles bool) error {
	for _, name := range [2]string{dataFileName(id), hintFileName(id)} {
		src := filepath.Join(dir, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}

		if !keepOldFiles {
			if err := os.Remove(src); err != nil {
				return fmt.Errorf("remove %q: %w", src, err)
			}
			continue
		}

		backupDir := filepath.Join(dir, mergeBackupDirName)
		if err := os.MkdirAll(backupDir, 0o755); err != nil {
			return fmt.Errorf("create merge backup dir: %w", err)
		}
		if err := os.Rename(src, filepath.Join(backupDir, name)); err != nil {
			return fmt.Errorf("rename %q to backup: %w", src, err)
		}
	}
	return nil
}
