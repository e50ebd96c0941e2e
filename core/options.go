package core

import "go.uber.org/zap"

// MergePolicy selects what a Merge call compacts. spec.md §6.4 reserves
// this as a single-variant enum ("only one policy is defined"); bitvault
// keeps that shape so a second, narrower policy can be added later
// without an API break.
type MergePolicy int

const (
	// MergePolicyAll compacts the entire live key directory: every sealed
	// segment and the active segment alike.
	MergePolicyAll MergePolicy = iota
)

// options holds Engine construction parameters, assembled from
// defaultOptions and a caller's Option values.
type options struct {
	rolloverThreshold int64
	keepOldFiles      bool
	mergePolicy       MergePolicy
	logger            *zap.SugaredLogger
}

func defaultOptions() options {
	logger, _ := zap.NewProduction()
	return options{
		rolloverThreshold: 1 * 1024 * 1024,
		keepOldFiles:      false,
		mergePolicy:       MergePolicyAll,
		logger:            logger.Sugar(),
	}
}

// Option configures an Engine at Open time.
type Option func(*options)

// WithRolloverThreshold sets the active segment's data-file size, in
// bytes, at or past which Put seals it and opens a new active segment.
func WithRolloverThreshold(n int64) Option {
	return func(o *options) { o.rolloverThreshold = n }
}

// WithKeepOldFiles renames pre-merge segment files aside into a
// `.merge-backup` directory inside the storage directory instead of
// deleting them, trading disk space for an easy rollback after a merge.
func WithKeepOldFiles(b bool) Option {
	return func(o *options) { o.keepOldFiles = b }
}

// WithMergePolicy selects which segments Merge compacts.
func WithMergePolicy(p MergePolicy) Option {
	return func(o *options) { o.mergePolicy = p }
}

// WithLogger overrides the engine's structured logger. The zero value
// (not calling this option) uses a production zap logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = l }
}
