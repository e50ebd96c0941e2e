package core

import "regexp"

// KV is one result row from Scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Scanner carries the bounded/regex scan state described in spec.md §4.6.
// Range is a step budget, not a match count: it is consumed once per key
// visited regardless of whether that key matches Regex. A negative Range
// means unbounded — the scan runs to exhaustion of the key directory.
// Regex, when non-nil, filters on the key only; a nil Regex matches every
// key.
//
// Each call to Engine.Scan takes a fresh snapshot of the key directory, so
// two calls are independent passes rather than a resumable cursor: the
// directory's iteration order is unspecified and not guaranteed stable
// across calls, matching the original scanner this is grounded on.
type Scanner struct {
	Range int64
	Regex *regexp.Regexp
}

// scan walks a snapshot of the live keys, applying s's range budget and
// regex filter, and returns the updated Scanner (so a caller can see how
// much of the budget remains) alongside the matched rows.
func (e *Engine) scan(s Scanner) (Scanner, []KV, error) {
	keys := e.index.snapshotKeys()

	var out []KV
	for _, key := range keys {
		if s.Range == 0 {
			break
		}

		ent, ok := e.index.get(key)
		if !ok || ent.isTombstone() {
			continue
		}

		matched := s.Regex == nil || s.Regex.MatchString(key)
		if matched {
			value, err := e.readEntry(key, ent)
			if err != nil {
				return s, out, err
			}
			out = append(out, KV{Key: []byte(key), Value: value})
		}

		if s.Range > 0 {
			s.Range--
		}
	}

	return s, out, nil
}
