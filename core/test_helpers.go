package core

import (
	"os"
	"testing"

	"go.uber.org/zap"
)

// setupTempEngine opens an Engine in a fresh temp directory and registers
// its cleanup, for use by any test in this package.
func setupTempEngine(tb testing.TB, opts ...Option) (eng *Engine, path string) {
	tb.Helper()

	path, err := os.MkdirTemp("", "bitvault_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp: %v", err)
	}

	opts = append([]Option{WithLogger(zap.NewNop().Sugar())}, opts...)

	eng, err = Open(path, opts...)
	if err != nil {
		_ = os.RemoveAll(path)
		tb.Fatalf("Open(%q): %v", path, err)
	}

	tb.Cleanup(func() {
		_ = eng.Close()
		_ = os.RemoveAll(path)
	})

	return eng, path
}
