package core

import "errors"

// Error kinds surfaced across the engine, per the error handling design:
// the engine never recovers internally, every failure bubbles verbatim to
// the caller.
var (
	// ErrNotFound is returned by Get when the key directory has no live
	// entry for a key. Del is idempotent and does not return it.
	ErrNotFound = errors.New("bitvault: key not found")

	// ErrFileMissing means a directory entry points at a segment whose
	// data file is absent from disk. This is fatal for the operation;
	// the directory entry is left in place rather than dropped, since
	// silently dropping it would mask corruption.
	ErrFileMissing = errors.New("bitvault: segment data file missing")

	// ErrMergeInProgress is reserved for future concurrent-merge
	// rejection; bitvault today serializes merges behind the directory
	// lock instead of returning this.
	ErrMergeInProgress = errors.New("bitvault: merge already in progress")

	// ErrInvalidRegex names a scan regex that fails to compile. No engine
	// or service code returns it: the service layer reports a failed
	// compile as the InvalidRegex wire status, before the engine is called.
	ErrInvalidRegex = errors.New("bitvault: invalid scan regex")

	// ErrChecksumMismatch means a record's stored CRC32 disagrees with
	// the bytes read back. verifyDataCRC returns it; its one caller,
	// verifiedDataLength, treats any mismatch in the active segment at
	// Open as the start of a torn tail and truncates the file there.
	ErrChecksumMismatch = errors.New("bitvault: checksum mismatch")

	// ErrEmptyKey rejects the one case the data model forbids outright.
	ErrEmptyKey = errors.New("bitvault: key must not be empty")

	// ErrReservedValue flags a value bytes slice whose length is zero.
	// spec.md reserves the empty value as the tombstone marker; Put
	// accepts it (it behaves like a delete, by design) and does not
	// return this error.
	ErrReservedValue = errors.New("bitvault: empty value is reserved as a tombstone marker")

	// ErrEngineClosed guards operations after Close.
	ErrEngineClosed = errors.New("bitvault: engine is closed")
)
