// Package daemon manages the background watch process: PID files, spawn,
// readiness markers, and stop signaling. Each project gets its own set of
// files keyed by its stable project ID, so daemons for different projects
// coexist under one log directory.
//
// The PID file holds a single line with the process ID as a decimal integer.
// PID writes are serialized with a lock file so two starts cannot race.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const (
	pidFileName   = "loom-serve.pid"
	logFileName   = "loom-serve.log"
	readyFileName = "loom-serve.ready"
	projectPrefix = "loom-project-"
)

// GetDefaultLogDir returns the OS-specific default log directory:
// $XDG_STATE_HOME/loom/logs (Linux), ~/Library/Logs/loom (macOS), or
// %LOCALAPPDATA%\loom\logs (Windows). The directory may not exist yet.
func GetDefaultLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Logs", "loom"), nil
	case "windows":
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			return filepath.Join(base, "loom", "logs"), nil
		}
		return filepath.Join(homeDir, "AppData", "Local", "loom", "logs"), nil
	default:
		if base := os.Getenv("XDG_STATE_HOME"); base != "" {
			return filepath.Join(base, "loom", "logs"), nil
		}
		return filepath.Join(homeDir, ".local", "state", "loom", "logs"), nil
	}
}

// PIDFile returns the PID file path for a project daemon. An empty projectID
// addresses the unscoped default daemon.
func PIDFile(logDir, projectID string) string {
	if projectID == "" {
		return filepath.Join(logDir, pidFileName)
	}
	return filepath.Join(logDir, projectPrefix+projectID+".pid")
}

// LogFile returns the log file path for a project daemon.
func LogFile(logDir, projectID string) string {
	if projectID == "" {
		return filepath.Join(logDir, logFileName)
	}
	return filepath.Join(logDir, projectPrefix+projectID+".log")
}

// ReadyFile returns the readiness marker path for a project daemon.
func ReadyFile(logDir, projectID string) string {
	if projectID == "" {
		return filepath.Join(logDir, readyFileName)
	}
	return filepath.Join(logDir, projectPrefix+projectID+".ready")
}

// WritePIDFile records the current process ID for a project daemon. The PID
// is written through a temp file rename, guarded by a non-blocking lock so a
// second concurrent start fails instead of clobbering the first.
func WritePIDFile(logDir, projectID string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	pidPath := PIDFile(logDir, projectID)
	lockPath := pidPath + ".lock"

	lockFh, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	if err := lockFile(lockFh); err != nil {
		lockFh.Close()
		return fmt.Errorf("another loom daemon is starting (lock held)")
	}
	defer lockFh.Close()

	content := fmt.Sprintf("%d\n", os.Getpid())
	tmpPath := pidPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if err := os.Rename(tmpPath, pidPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename PID file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the recorded PID, or 0 when no PID file exists. The
// process may no longer be running; use GetRunningPID for liveness.
func ReadPIDFile(logDir, projectID string) (int, error) {
	data, err := os.ReadFile(PIDFile(logDir, projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// RemovePIDFile removes a project daemon's PID file and its lock file.
func RemovePIDFile(logDir, projectID string) error {
	pidPath := PIDFile(logDir, projectID)
	_ = os.Remove(pidPath + ".lock")
	if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// GetRunningPID returns the PID of the live daemon for a project, or 0.
// Stale PID files left behind by a crashed daemon are cleaned up.
func GetRunningPID(logDir, projectID string) (int, error) {
	pid, err := ReadPIDFile(logDir, projectID)
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, nil
	}
	if !IsProcessRunning(pid) {
		_ = RemovePIDFile(logDir, projectID)
		return 0, nil
	}
	return pid, nil
}

// WriteReadyFile marks the daemon as fully initialized. Callers write this
// after the store, embedder, and initial scan are up.
func WriteReadyFile(logDir, projectID string) error {
	content := fmt.Sprintf("ready\n%d\n", os.Getpid())
	if err := os.WriteFile(ReadyFile(logDir, projectID), []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write ready file: %w", err)
	}
	return nil
}

// RemoveReadyFile removes the readiness marker.
func RemoveReadyFile(logDir, projectID string) error {
	if err := os.Remove(ReadyFile(logDir, projectID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove ready file: %w", err)
	}
	return nil
}

// IsReady reports whether the daemon has marked itself initialized.
func IsReady(logDir, projectID string) bool {
	_, err := os.Stat(ReadyFile(logDir, projectID))
	return err == nil
}

// SpawnBackground re-executes the current binary detached, with output going
// to the project's log file and LOOM_BACKGROUND=1 in the environment. The
// returned channel closes when the child exits, which surfaces early startup
// failures that a kill(0) liveness probe would miss.
func SpawnBackground(logDir, projectID string, args []string) (int, <-chan struct{}, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return 0, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	executable, err := os.Executable()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	logFile, err := os.OpenFile(LogFile(logDir, projectID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	liveness, err := newLivenessCheck()
	if err != nil {
		logFile.Close()
		return 0, nil, err
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), "LOOM_BACKGROUND=1")
	cmd.SysProcAttr = sysProcAttr()
	liveness.configureCmd(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		liveness.cleanup()
		return 0, nil, fmt.Errorf("failed to start background process: %w", err)
	}

	logFile.Close()
	return cmd.Process.Pid, liveness.start(cmd.Process.Pid), nil
}

// IsProcessRunning, StopProcess, and StopChannel are platform specific; see
// daemon_unix.go and daemon_windows.go.
