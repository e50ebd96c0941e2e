package core

import (
	"fmt"
	"os"
)

// syncDir fsyncs a directory handle so that directory-entry changes made
// within it (file creation, rename, removal) are durable across a crash,
// not just the file contents themselves. Used after segment rollover
// creates a new segment pair and after a merge swap renames/removes
// segment files.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %q for sync: %w", dir, err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %q: %w", dir, err)
	}
	return nil
}
