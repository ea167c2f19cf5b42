//go:build !windows
// +build !windows

package daemon

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// IsProcessRunning reports whether pid is alive. Signal 0 probes existence
// without delivering anything.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// lockFile takes a non-blocking exclusive flock on f. The kernel releases it
// when the process exits, so a crashed daemon never wedges the next start.
func lockFile(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

// sysProcAttr detaches the spawned daemon into its own process group so
// terminal signals aimed at the parent do not reach it.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// livenessCheck detects daemon exit through an inherited pipe. The child
// holds the write end; when it dies for any reason the kernel closes its fds
// and the parent's read unblocks with EOF. Works even for zombies, which
// still count as running for signal probes.
type livenessCheck struct {
	readEnd, writeEnd *os.File
}

func newLivenessCheck() (*livenessCheck, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create liveness pipe: %w", err)
	}
	return &livenessCheck{readEnd: r, writeEnd: w}, nil
}

func (l *livenessCheck) configureCmd(cmd *exec.Cmd) {
	cmd.ExtraFiles = []*os.File{l.writeEnd}
}

// start hands the write end to the child and returns a channel closed when
// the child exits. The parent's copy of the write end must be closed first
// or EOF never arrives.
func (l *livenessCheck) start(_ int) <-chan struct{} {
	l.writeEnd.Close()
	exited := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		if _, err := l.readEnd.Read(buf); err != nil && err != io.EOF {
			_ = err // any unblocking counts as exit
		}
		l.readEnd.Close()
		close(exited)
	}()
	return exited
}

func (l *livenessCheck) cleanup() {
	l.readEnd.Close()
	l.writeEnd.Close()
}

// StopProcess asks the daemon to shut down with SIGINT, the same signal its
// foreground signal loop handles.
func StopProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("failed to send interrupt signal: %w", err)
	}
	return nil
}

// StopChannel never fires on Unix; shutdown arrives through os/signal.
func StopChannel() <-chan struct{} {
	return make(chan struct{})
}
