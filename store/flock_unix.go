//go:build !windows
// +build !windows

package store

import (
	"fmt"
	"os"
	"syscall"
)

// flockExclusive blocks until it holds the write lock on f. Persist holds it
// across the whole index rewrite so concurrent loaders never see a torn file.
func flockExclusive(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire exclusive lock: %w", err)
	}
	return nil
}

// flockShared blocks until it holds a read lock on f. Readers stack.
func flockShared(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil {
		return fmt.Errorf("failed to acquire shared lock: %w", err)
	}
	return nil
}

func funlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
