package core

import (
	"fmt"
	"regexp"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestScanUnboundedNoRegexReturnsEverything(t *testing.T) {
	eng, _ := setupTempEngine(t)

	for i := 0; i < 10; i++ {
		_ = eng.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v"))
	}

	_, rows, err := eng.Scan(Scanner{Range: -1})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 10 {
		t.Errorf("got %d rows, want 10", len(rows))
	}
}

func TestScanRangeZeroReturnsNothing(t *testing.T) {
	eng, _ := setupTempEngine(t)
	_ = eng.Put([]byte("k"), []byte("v"))

	_, rows, err := eng.Scan(Scanner{Range: 0})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("got %d rows, want 0", len(rows))
	}
}

func TestScanRangeIsAStepBudgetNotAMatchCount(t *testing.T) {
	eng, _ := setupTempEngine(t)

	// 5 keys match, 5 don't; Range=3 should visit exactly 3 keys total,
	// regardless of how many of those 3 happen to match.
	for i := 0; i < 5; i++ {
		_ = eng.Put([]byte(fmt.Sprintf("match-%d", i)), []byte("v"))
		_ = eng.Put([]byte(fmt.Sprintf("skip-%d", i)), []byte("v"))
	}

	re := regexp.MustCompile(`^match-`)
	final, rows, err := eng.Scan(Scanner{Range: 3, Regex: re})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if final.Range != 0 {
		t.Errorf("final Range = %d, want 0 (fully consumed)", final.Range)
	}
	if len(rows) > 3 {
		t.Errorf("got %d rows, want at most 3 (one per step)", len(rows))
	}
}

func TestScanRegexFiltersKeys(t *testing.T) {
	eng, _ := setupTempEngine(t)

	_ = eng.Put([]byte("user:1"), []byte("a"))
	_ = eng.Put([]byte("user:2"), []byte("b"))
	_ = eng.Put([]byte("order:1"), []byte("c"))

	re := regexp.MustCompile(`^user:`)
	_, rows, err := eng.Scan(Scanner{Range: -1, Regex: re})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	for _, r := range rows {
		if !re.Match(r.Key) {
			t.Errorf("row key %q does not match filter", r.Key)
		}
	}
}

func TestScanSkipsTombstones(t *testing.T) {
	eng, _ := setupTempEngine(t)

	_ = eng.Put([]byte("a"), []byte("1"))
	_ = eng.Put([]byte("b"), []byte("2"))
	_ = eng.Del([]byte("a"))

	_, rows, err := eng.Scan(Scanner{Range: -1})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 1 || string(rows[0].Key) != "b" {
		t.Errorf("rows = %+v, want only b", rows)
	}
}

func TestScanResultMatchesExpectedSetExactly(t *testing.T) {
	eng, _ := setupTempEngine(t)

	want := []KV{
		{Key: []byte("x"), Value: []byte("1")},
		{Key: []byte("y"), Value: []byte("2")},
		{Key: []byte("z"), Value: []byte("3")},
	}
	for _, kv := range want {
		if err := eng.Put(kv.Key, kv.Value); err != nil {
			t.Fatalf("Put(%q): %v", kv.Key, err)
		}
	}

	_, got, err := eng.Scan(Scanner{Range: -1})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	sort.Slice(got, func(i, j int) bool { return string(got[i].Key) < string(got[j].Key) })

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("scan result mismatch (-want +got):\n%s", diff)
	}
}
