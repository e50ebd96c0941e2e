// Package core implements bitvault's storage engine: an append-only,
// log-structured, hash-indexed key/value store in the Bitcask tradition.
package core

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Engine is the concrete, synchronous implementation of the storage
// engine contract: Put/Get/Del/Scan/Merge/Close plus the DiskSize
// accessor. All engine calls block until durable; nothing here is
// modeled as cancellable, matching the design note that suspension and
// cancellation belong to a caller at the service boundary, not the
// engine itself.
type Engine struct {
	dir  string
	opts options
	log  *zap.SugaredLogger

	// mu guards active and closed: every Put/Get/Del/Scan/Merge/Close
	// takes at least a read lock, and anything that swaps the active
	// segment (rollover, the post-merge swap) takes the write lock.
	mu     sync.RWMutex
	active *segment
	index  *keyDir
	closed bool

	// oldMu guards oldHandles (the lazily-populated read-handle cache
	// for sealed segments) and oldIDs independently of mu. A reader
	// opening a cold segment handle does not hold oldMu during the open,
	// so concurrent readers of other segments are not held up by it.
	oldMu      sync.Mutex
	oldHandles map[uint64]*os.File
	oldIDs     []uint64
}

// Open recovers (or creates) a storage directory: it first reconciles any
// merge left interrupted by a crash, then replays every segment's hint
// log into a fresh key directory, verifies and truncates a torn tail on
// the active segment's data file, and finally opens that segment for
// append.
func Open(dir string, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir storage dir %q: %w", dir, err)
	}

	if err := reconcileMerge(dir, o.logger); err != nil {
		return nil, fmt.Errorf("reconcile interrupted merge: %w", err)
	}

	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, err
	}

	idx := newKeyDir()
	for _, id := range ids {
		if err := replayHintFile(dir, id, idx); err != nil {
			return nil, fmt.Errorf("replay hint file for segment %d: %w", id, err)
		}
	}

	var activeID uint64
	if len(ids) > 0 {
		activeID = ids[len(ids)-1]
	} else {
		activeID = newSegmentID(0)
	}

	dPath := dataPath(dir, activeID)
	validLen, err := verifiedDataLength(dPath)
	if err != nil {
		return nil, fmt.Errorf("verify active segment %d tail: %w", activeID, err)
	}
	if fi, statErr := os.Stat(dPath); statErr == nil && fi.Size() != validLen {
		o.logger.Warnw("truncating torn active segment tail",
			"segment", activeID, "from", fi.Size(), "to", validLen)
		if err := os.Truncate(dPath, validLen); err != nil {
			return nil, fmt.Errorf("truncate active segment %d: %w", activeID, err)
		}
	}

	if err := checkOrphanedSegments(dir, o.logger, ids, activeID); err != nil {
		return nil, fmt.Errorf("check orphaned segments: %w", err)
	}

	active, err := openActiveSegment(dir, activeID)
	if err != nil {
		return nil, fmt.Errorf("open active segment %d: %w", activeID, err)
	}

	var oldIDs []uint64
	for _, id := range ids {
		if id != activeID {
			oldIDs = append(oldIDs, id)
		}
	}

	e := &Engine{
		dir:        dir,
		opts:       o,
		log:        o.logger,
		active:     active,
		index:      idx,
		oldHandles: make(map[uint64]*os.File),
		oldIDs:     oldIDs,
	}

	o.logger.Infow("engine opened",
		"dir", dir, "active_segment", activeID, "sealed_segments", len(oldIDs), "keys", idx.len())

	return e, nil
}

// newSegmentID mints a segment id as a wall-clock nanosecond timestamp,
// bumping past last on collision so ids stay strictly increasing even
// under a coarse system clock.
func newSegmentID(last uint64) uint64 {
	id := uint64(time.Now().UnixNano())
	if id <= last {
		id = last + 1
	}
	return id
}

// checkOrphanedSegments scans the storage directory for .data/.hint files
// that don't belong to any known segment id (for example a .data file
// whose .hint sibling never got written because a crash landed between
// the two fsyncs) and logs a warning. Orphans are left on disk rather
// than removed, preserving forensic evidence of the gap.
func checkOrphanedSegments(dir string, log *zap.SugaredLogger, ids []uint64, activeID uint64) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read storage dir %q: %w", dir, err)
	}

	expected := mapset.NewSet[string]()
	for _, id := range append(append([]uint64{}, ids...), activeID) {
		expected.Add(dataFileName(id))
		expected.Add(hintFileName(id))
	}

	actual := mapset.NewSet[string]()
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasSuffix(name, ".data") || strings.HasSuffix(name, ".hint") {
			actual.Add(name)
		}
	}

	if orphans := actual.Difference(expected); orphans.Cardinality() != 0 {
		log.Warnw("orphaned segment files found", "files", orphans.ToSlice())
	}

	return nil
}

func (e *Engine) closedLocked() bool { return e.closed }

// Put rolls over the active segment first if it is already at or past the
// size threshold, then appends key/value as a new record and updates the
// key directory. An empty value is accepted and behaves exactly like Del:
// spec.md reserves it as the tombstone marker, erasing key from the
// directory rather than leaving a live-looking entry behind.
func (e *Engine) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closedLocked() {
		return ErrEngineClosed
	}

	if e.active.size() >= e.opts.rolloverThreshold {
		if err := e.rolloverLocked(); err != nil {
			return fmt.Errorf("rollover before put: %w", err)
		}
	}

	ts := time.Now().UnixNano()
	ent, err := e.active.append(ts, key, value)
	if err != nil {
		return fmt.Errorf("append to segment %d: %w", e.active.id, err)
	}

	if len(value) == 0 {
		e.index.delete(string(key))
	} else {
		e.index.set(string(key), ent)
	}

	return nil
}

// Del marks key as deleted by writing a tombstone record. Del is
// idempotent: deleting an absent key is not an error.
func (e *Engine) Del(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return e.Put(key, nil)
}

// Get returns the current value for key, or ErrNotFound if the key
// directory has no live (non-tombstone) entry for it.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closedLocked() {
		return nil, ErrEngineClosed
	}

	ent, ok := e.index.get(string(key))
	if !ok || ent.isTombstone() {
		return nil, ErrNotFound
	}

	return e.readEntry(string(key), ent)
}

// Scan runs a bounded/regex scan over the live keys; see Scanner.
func (e *Engine) Scan(s Scanner) (Scanner, []KV, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closedLocked() {
		return s, nil, ErrEngineClosed
	}

	return e.scan(s)
}

// DiskSize sums the on-disk size of every segment's data and hint files.
func (e *Engine) DiskSize() (int64, error) {
	e.mu.RLock()
	activeID := e.active.id
	e.mu.RUnlock()

	e.oldMu.Lock()
	ids := append(append([]uint64{}, e.oldIDs...), activeID)
	e.oldMu.Unlock()

	var total int64
	for _, id := range ids {
		for _, p := range [2]string{dataPath(e.dir, id), hintPath(e.dir, id)} {
			fi, err := os.Stat(p)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return 0, fmt.Errorf("stat %q: %w", p, err)
			}
			total += fi.Size()
		}
	}
	return total, nil
}

// Close syncs and closes every open segment handle, active and sealed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var err error
	err = multierr.Append(err, e.active.close())

	e.oldMu.Lock()
	for id, f := range e.oldHandles {
		if cerr := f.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close sealed segment %d: %w", id, cerr))
		}
	}
	e.oldMu.Unlock()

	e.log.Infow("engine closed", "dir", e.dir)
	return err
}

// readEntry dispatches a read to the active segment's own read path (which
// must restore the append position afterward) or to the old-segment
// handle cache.
func (e *Engine) readEntry(key string, ent entry) ([]byte, error) {
	if ent.segmentID == e.active.id {
		return e.active.readActiveValue(ent)
	}

	f, err := e.oldHandle(ent.segmentID)
	if err != nil {
		return nil, err
	}
	return readValueFrom(f, ent)
}

// oldHandle returns a cached read handle for a sealed segment's data
// file, opening and inserting it on first use. The lock is released
// before the open-on-miss syscall and reacquired to insert, so a slow
// open of one segment never blocks lookups of another.
func (e *Engine) oldHandle(id uint64) (*os.File, error) {
	e.oldMu.Lock()
	if f, ok := e.oldHandles[id]; ok {
		e.oldMu.Unlock()
		return f, nil
	}
	e.oldMu.Unlock()

	f, err := os.Open(dataPath(e.dir, id))
	if err != nil {
		return nil, fmt.Errorf("%w: segment %d: %v", ErrFileMissing, id, err)
	}

	e.oldMu.Lock()
	defer e.oldMu.Unlock()
	if existing, ok := e.oldHandles[id]; ok {
		_ = f.Close()
		return existing, nil
	}
	e.oldHandles[id] = f
	return f, nil
}

// rolloverLocked seals the current active segment and opens a fresh one,
// and must be called with mu held for writing.
func (e *Engine) rolloverLocked() error {
	sealed := e.active
	nextID := newSegmentID(sealed.id)

	next, err := openActiveSegment(e.dir, nextID)
	if err != nil {
		return fmt.Errorf("open new active segment %d: %w", nextID, err)
	}
	if err := syncDir(e.dir); err != nil {
		e.log.Warnw("sync storage dir after rollover", "err", err)
	}

	e.log.Infow("segment rollover", "sealed", sealed.id, "active", nextID)

	if err := sealed.close(); err != nil {
		e.log.Warnw("close sealed segment", "segment", sealed.id, "err", err)
	}

	e.oldMu.Lock()
	e.oldIDs = append(e.oldIDs, sealed.id)
	e.oldMu.Unlock()

	e.active = next
	return nil
}
