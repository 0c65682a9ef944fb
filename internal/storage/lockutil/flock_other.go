//go:build !unix

package lockutil

import "os"

// Non-unix platforms fall back to the in-process mutex alone; the
// cross-process guarantee is unix-only, matching the tooling this
// repository targets (git's own worktree locking is unix-oriented too).
func flockBlocking(f *os.File) error { return nil }
func funlock(f *os.File) error       { return nil }
