//go:build windows
// +build windows

package store

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

var (
	storeKernel32   = syscall.NewLazyDLL("kernel32.dll")
	storeLockFileEx = storeKernel32.NewProc("LockFileEx")
	storeUnlockFile = storeKernel32.NewProc("UnlockFileEx")
)

const lockfileExclusive = 0x00000002

// lockRange calls LockFileEx over the first byte of f; one byte is enough to
// arbitrate the whole index file.
func lockRange(f *os.File, flags uintptr) error {
	var overlapped syscall.Overlapped
	ret, _, err := storeLockFileEx.Call(
		f.Fd(),
		flags,
		0,
		1,
		0,
		uintptr(unsafe.Pointer(&overlapped)),
	)
	if ret == 0 {
		return err
	}
	return nil
}

// flockExclusive blocks until it holds the write lock on f.
func flockExclusive(f *os.File) error {
	if err := lockRange(f, lockfileExclusive); err != nil {
		return fmt.Errorf("failed to acquire exclusive lock: %w", err)
	}
	return nil
}

// flockShared blocks until it holds a read lock on f. Omitting the exclusive
// flag makes LockFileEx take a shared lock.
func flockShared(f *os.File) error {
	if err := lockRange(f, 0); err != nil {
		return fmt.Errorf("failed to acquire shared lock: %w", err)
	}
	return nil
}

func funlock(f *os.File) error {
	var overlapped syscall.Overlapped
	ret, _, err := storeUnlockFile.Call(
		f.Fd(),
		0,
		1,
		0,
		uintptr(unsafe.Pointer(&overlapped)),
	)
	if ret == 0 {
		return fmt.Errorf("failed to unlock file: %w", err)
	}
	return nil
}
