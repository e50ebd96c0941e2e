package core

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestPutAndGet(t *testing.T) {
	eng, _ := setupTempEngine(t)

	if err := eng.Put([]byte("foo"), []byte("bar")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := eng.Get([]byte("foo"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "bar" {
		t.Errorf("Get = %q, want %q", got, "bar")
	}
}

func TestOverwrite(t *testing.T) {
	eng, _ := setupTempEngine(t)

	_ = eng.Put([]byte("key"), []byte("first"))
	_ = eng.Put([]byte("key"), []byte("second"))

	got, err := eng.Get([]byte("key"))
	if err != nil || string(got) != "second" {
		t.Errorf("Get = %q, %v; want %q", got, err, "second")
	}
}

func TestKeyNotFound(t *testing.T) {
	eng, _ := setupTempEngine(t)

	if _, err := eng.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	eng, _ := setupTempEngine(t)

	if err := eng.Put(nil, []byte("v")); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Put(nil key) error = %v, want ErrEmptyKey", err)
	}
	if _, err := eng.Get(nil); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Get(nil key) error = %v, want ErrEmptyKey", err)
	}
	if err := eng.Del(nil); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Del(nil key) error = %v, want ErrEmptyKey", err)
	}
}

func TestDelIsTombstone(t *testing.T) {
	eng, _ := setupTempEngine(t)

	_ = eng.Put([]byte("k"), []byte("v"))
	if err := eng.Del([]byte("k")); err != nil {
		t.Fatalf("Del: %v", err)
	}

	if _, err := eng.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Del error = %v, want ErrNotFound", err)
	}

	// Del is idempotent.
	if err := eng.Del([]byte("k")); err != nil {
		t.Errorf("second Del: %v", err)
	}
	if err := eng.Del([]byte("never-existed")); err != nil {
		t.Errorf("Del on absent key: %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	eng, dir := setupTempEngine(t)

	_ = eng.Put([]byte("a"), []byte("1"))
	_ = eng.Put([]byte("b"), []byte("2"))
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close() // nolint:errcheck

	if v, err := reopened.Get([]byte("a")); err != nil || string(v) != "1" {
		t.Errorf("a = %q, %v; want 1", v, err)
	}
	if v, err := reopened.Get([]byte("b")); err != nil || string(v) != "2" {
		t.Errorf("b = %q, %v; want 2", v, err)
	}
}

func TestReopenKeepsOnlyLatestOverwrite(t *testing.T) {
	eng, dir := setupTempEngine(t)

	_ = eng.Put([]byte("foo"), []byte("first"))
	_ = eng.Put([]byte("foo"), []byte("second"))
	_ = eng.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close() // nolint:errcheck

	if v, err := reopened.Get([]byte("foo")); err != nil || string(v) != "second" {
		t.Errorf("foo = %q, %v; want second", v, err)
	}
}

func TestManyKeys(t *testing.T) {
	eng, _ := setupTempEngine(t)

	const n = 1000
	for i := 0; i < n; i++ {
		k, v := fmt.Sprintf("k%04d", i), fmt.Sprintf("v%04d", i)
		if err := eng.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Put %q: %v", k, err)
		}
	}

	for i := 0; i < n; i++ {
		k, want := fmt.Sprintf("k%04d", i), fmt.Sprintf("v%04d", i)
		got, err := eng.Get([]byte(k))
		if err != nil || string(got) != want {
			t.Errorf("Get(%q) = %q, %v; want %q", k, got, err, want)
		}
	}
}

func TestRolloverCreatesNewSegment(t *testing.T) {
	eng, dir := setupTempEngine(t, WithRolloverThreshold(64))

	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("key-%03d", i)
		if err := eng.Put([]byte(k), []byte("some-value-bytes")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	ids, err := listSegmentIDs(dir)
	if err != nil {
		t.Fatalf("listSegmentIDs: %v", err)
	}
	if len(ids) < 2 {
		t.Fatalf("expected rollover to produce multiple segments, got %d", len(ids))
	}
}

func TestGetLatestWinsAcrossSegments(t *testing.T) {
	eng, _ := setupTempEngine(t, WithRolloverThreshold(1)) // every put after the first rolls over

	_ = eng.Put([]byte("k"), []byte("v1"))
	_ = eng.Put([]byte("k"), []byte("v2"))

	got, err := eng.Get([]byte("k"))
	if err != nil || string(got) != "v2" {
		t.Fatalf("Get = %q, %v; want v2", got, err)
	}
}

func TestDiskSizeGrowsWithWrites(t *testing.T) {
	eng, _ := setupTempEngine(t)

	before, err := eng.DiskSize()
	if err != nil {
		t.Fatalf("DiskSize: %v", err)
	}

	_ = eng.Put([]byte("k"), []byte("a reasonably long value"))

	after, err := eng.DiskSize()
	if err != nil {
		t.Fatalf("DiskSize: %v", err)
	}
	if after <= before {
		t.Errorf("DiskSize did not grow: before=%d after=%d", before, after)
	}
}

// TestRecoveryTruncatesTornDataTail simulates a crash mid-append: the data
// file has a well-formed record followed by a half-written header. Open
// must recover the good record and discard the torn tail.
func TestRecoveryTruncatesTornDataTail(t *testing.T) {
	eng, dir := setupTempEngine(t)

	if err := eng.Put([]byte("x"), []byte("y")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	activeID := eng.active.id
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.OpenFile(dataPath(dir, activeID), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open data file: %v", err)
	}
	if _, err := f.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	_ = f.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen with torn tail: %v", err)
	}
	defer reopened.Close() // nolint:errcheck

	if v, err := reopened.Get([]byte("x")); err != nil || string(v) != "y" {
		t.Errorf("x = %q, %v; want y", v, err)
	}

	fi, err := os.Stat(dataPath(dir, activeID))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() != dataHeaderSize+1+1 {
		t.Errorf("expected torn tail to be truncated, data file size = %d", fi.Size())
	}
}

// TestRecoveryTruncatesTornHintTail checks that a torn hint-file tail
// (no matching data corruption) is dropped, and that subsequent appends
// extend the file cleanly rather than leaving garbage in the middle.
func TestRecoveryTruncatesTornHintTail(t *testing.T) {
	eng, dir := setupTempEngine(t)

	if err := eng.Put([]byte("x"), []byte("y")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	activeID := eng.active.id
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.OpenFile(hintPath(dir, activeID), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open hint file: %v", err)
	}
	if _, err := f.Write([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("write torn hint tail: %v", err)
	}
	_ = f.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen with torn hint tail: %v", err)
	}

	if v, err := reopened.Get([]byte("x")); err != nil || string(v) != "y" {
		t.Errorf("x = %q, %v; want y", v, err)
	}

	if err := reopened.Put([]byte("z"), []byte("w")); err != nil {
		t.Fatalf("Put after reopen: %v", err)
	}
	if v, err := reopened.Get([]byte("z")); err != nil || string(v) != "w" {
		t.Errorf("z = %q, %v; want w", v, err)
	}
	_ = reopened.Close()
}

func TestClosedEngineRejectsOps(t *testing.T) {
	eng, _ := setupTempEngine(t)
	_ = eng.Put([]byte("k"), []byte("v"))

	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := eng.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if err := eng.Put([]byte("k2"), []byte("v2")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Put after Close error = %v, want ErrEngineClosed", err)
	}
	if _, err := eng.Get([]byte("k")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Get after Close error = %v, want ErrEngineClosed", err)
	}
}
