package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/app"
	"github.com/loomlabs/loom/config"
	"github.com/loomlabs/loom/daemon"
	"github.com/loomlabs/loom/git"
)

var (
	serveBackground bool
	serveLogDir     string
	serveStatus     bool
	serveStop       bool
	serveNoUI       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loom daemon for the current project",
	Long: `Run the loom daemon: watch the project for file changes, keep the
semantic index current, and mirror changes into shadow workspaces.

The daemon will:
- Reconcile the project tree against the existing index on startup
- Monitor filesystem events (create, modify, delete, rename)
- Debounce rapid changes before re-embedding (5s by default)
- Update only the chunks whose content actually changed

Background mode:
  loom serve --background    Run detached with logs in the default log directory
  loom serve --status        Check whether the daemon is running
  loom serve --stop          Stop the background daemon

Each project gets its own daemon, scoped by a stable project ID derived
from the git repository identity (worktrees of one repo share an ID).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveBackground, "background", false, "Run in background mode")
	serveCmd.Flags().StringVar(&serveLogDir, "log-dir", "", "Directory for log files (default: OS-specific)")
	serveCmd.Flags().BoolVar(&serveStatus, "status", false, "Show background daemon status")
	serveCmd.Flags().BoolVar(&serveStop, "stop", false, "Stop the background daemon")
	serveCmd.Flags().BoolVar(&serveNoUI, "no-ui", false, "Disable interactive UI in foreground mode")
	rootCmd.AddCommand(serveCmd)
}

// currentUserID scopes index entries. Everything running for one user must
// agree on it or metadata filters stop matching.
func currentUserID() string {
	if v := os.Getenv("LOOM_USER"); v != "" {
		return v
	}
	return "local"
}

func isBackgroundChild() bool {
	return os.Getenv("LOOM_BACKGROUND") == "1"
}

func runServe(cmd *cobra.Command, args []string) error {
	activeFlags := 0
	for _, f := range []bool{serveBackground, serveStatus, serveStop} {
		if f {
			activeFlags++
		}
	}
	if activeFlags > 1 {
		return fmt.Errorf("flags --background, --status, and --stop are mutually exclusive")
	}

	logDir := serveLogDir
	if logDir == "" {
		var err error
		logDir, err = daemon.GetDefaultLogDir()
		if err != nil {
			return fmt.Errorf("failed to get default log directory: %w", err)
		}
	}

	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return err
	}
	projectID := git.ProjectID(projectRoot)

	if serveStatus {
		return showServeStatus(logDir, projectID)
	}
	if serveStop {
		return stopServeDaemon(logDir, projectID)
	}
	if serveBackground {
		return startBackgroundServe(logDir, projectID)
	}

	// Refuse to double-run; stale PID files are cleaned up by the check.
	pid, err := daemon.GetRunningPID(logDir, projectID)
	if err != nil {
		return fmt.Errorf("failed to check running status: %w", err)
	}
	if pid > 0 && !isBackgroundChild() {
		return fmt.Errorf("daemon is already running (PID %d)\nUse 'loom serve --stop' to stop it", pid)
	}

	useUI := !serveNoUI && !isBackgroundChild() && isatty.IsTerminal(os.Stdout.Fd())
	return runServeForeground(projectRoot, projectID, logDir, useUI)
}

func showServeStatus(logDir, projectID string) error {
	pid, err := daemon.GetRunningPID(logDir, projectID)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	if pid == 0 {
		fmt.Println("Status: not running")
		fmt.Printf("Project ID: %s\n", projectID)
		fmt.Printf("Log directory: %s\n", logDir)
		return nil
	}

	fmt.Println("Status: running")
	fmt.Printf("PID: %d\n", pid)
	fmt.Printf("Project ID: %s\n", projectID)
	fmt.Printf("Log file: %s\n", daemon.LogFile(logDir, projectID))
	return nil
}

func stopServeDaemon(logDir, projectID string) error {
	pid, err := daemon.GetRunningPID(logDir, projectID)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	if pid == 0 {
		fmt.Println("No background daemon is running")
		return nil
	}

	fmt.Printf("Stopping background daemon (PID %d)...\n", pid)
	if err := daemon.StopProcess(pid); err != nil {
		return fmt.Errorf("failed to stop process: %w", err)
	}

	const shutdownTimeout = 30 * time.Second
	const pollInterval = 500 * time.Millisecond
	deadline := time.Now().Add(shutdownTimeout)
	for time.Now().Before(deadline) {
		if !daemon.IsProcessRunning(pid) {
			break
		}
		time.Sleep(pollInterval)
	}
	if daemon.IsProcessRunning(pid) {
		return fmt.Errorf("process did not stop within %v\nStill running? Try: kill -9 %d\nOr check logs at: %s",
			shutdownTimeout, pid, daemon.LogFile(logDir, projectID))
	}

	if err := daemon.RemovePIDFile(logDir, projectID); err != nil {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	fmt.Println("Background daemon stopped")
	return nil
}

func startBackgroundServe(logDir, projectID string) error {
	pid, err := daemon.GetRunningPID(logDir, projectID)
	if err != nil {
		return fmt.Errorf("failed to check running status: %w", err)
	}
	if pid > 0 {
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	}

	args := []string{"serve"}
	if serveLogDir != "" {
		args = append(args, "--log-dir", serveLogDir)
	}

	childPID, exitCh, err := daemon.SpawnBackground(logDir, projectID, args)
	if err != nil {
		return fmt.Errorf("failed to start background process: %w", err)
	}

	logFile := daemon.LogFile(logDir, projectID)

	// Poll for the ready marker, bailing out early if the child dies.
	const startupTimeout = 30 * time.Second
	const pollInterval = 250 * time.Millisecond
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		if daemon.IsReady(logDir, projectID) {
			fmt.Printf("Background daemon started (PID %d)\n", childPID)
			fmt.Printf("Logs: %s\n", logFile)
			fmt.Printf("\nUse 'loom serve --status' to check status\n")
			fmt.Printf("Use 'loom serve --stop' to stop the daemon\n")
			return nil
		}
		select {
		case <-exitCh:
			return fmt.Errorf("background process failed to start (check logs at %s)", logFile)
		default:
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("timeout waiting for process to become ready after %v (check logs at %s)", startupTimeout, logFile)
}

func runServeForeground(projectRoot, projectID, logDir string, useUI bool) error {
	ctx := context.Background()

	cfg, err := config.Load(projectRoot)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	background := isBackgroundChild()
	if background {
		if err := daemon.WritePIDFile(logDir, projectID); err != nil {
			return err
		}
		defer func() {
			if err := daemon.RemovePIDFile(logDir, projectID); err != nil {
				log.Printf("Warning: failed to remove PID file: %v", err)
			}
		}()
	}

	a, err := app.New(ctx, projectRoot, currentUserID(), cfg)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.Start(runCtx)

	if err := a.OpenProject(); err != nil {
		a.Close()
		return err
	}

	if background {
		if err := daemon.WriteReadyFile(logDir, projectID); err != nil {
			log.Printf("Warning: failed to write ready file: %v", err)
		}
		defer func() {
			if err := daemon.RemoveReadyFile(logDir, projectID); err != nil {
				log.Printf("Warning: failed to remove ready file: %v", err)
			}
		}()
		log.Printf("Serving project %s (backend: %s)", projectRoot, cfg.Store.Backend)
	}

	if useUI {
		err = runServeUI(a, projectRoot, cfg)
		cancel()
		if closeErr := a.Close(); err == nil {
			err = closeErr
		}
		return err
	}

	if !background {
		fmt.Printf("Serving project %s (backend: %s)\n", projectRoot, cfg.Store.Backend)
		fmt.Println("Watching for changes... (Press Ctrl+C to stop)")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	stopCh := daemon.StopChannel()

	select {
	case <-sigChan:
		if background {
			log.Println("Shutting down...")
		} else {
			fmt.Println("\nShutting down...")
		}
	case <-stopCh:
		log.Println("Stop file detected, shutting down...")
	}

	cancel()
	return a.Close()
}
