package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/sweetlink/sweetlink/internal/broker"
	"github.com/sweetlink/sweetlink/internal/config"
)

// NewDaemonCommand creates the daemon subcommand.
func NewDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the SweetLink daemon",
		Long:  `Start, stop, and inspect the daemon that brokers commands between the CLI and connected pages.`,
		Example: `  sweetlink daemon start -d
  sweetlink daemon status`,
	}

	cmd.PersistentFlags().IntP("port", "p", 0, "Daemon port (default: from config, or 4455)")
	cmd.PersistentFlags().String("host", "", "Daemon host (default: from config, or 127.0.0.1)")
	cmd.PersistentFlags().BoolP("detached", "d", false, "Run in background")

	cmd.AddCommand(newDaemonStartCommand())
	cmd.AddCommand(newDaemonStopCommand())
	cmd.AddCommand(newDaemonStatusCommand())
	cmd.AddCommand(newDaemonRestartCommand())

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runDaemonStart(cmd)
	}

	return cmd
}

func newDaemonStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		Example: `  # Foreground
  sweetlink daemon start

  # Background on another port
  sweetlink daemon start --detached --port 4460`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStart(cmd)
		},
	}
}

func newDaemonStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Short:   "Stop a background daemon",
		Example: `  sweetlink daemon stop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStop(cmd)
		},
	}
}

func newDaemonStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show daemon health",
		Example: `  sweetlink daemon status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStatus(cmd)
		},
	}
}

func newDaemonRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "restart",
		Short:   "Restart the daemon",
		Example: `  sweetlink daemon restart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonRestart(cmd)
		},
	}
}

// applyDaemonFlags lets --host and --port override the config file.
func applyDaemonFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Daemon.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Daemon.Host, _ = cmd.Flags().GetString("host")
	}
}

func runDaemonStart(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyDaemonFlags(cmd, cfg)

	if detached, _ := cmd.Flags().GetBool("detached"); detached {
		return startDetached(cmd, cfg)
	}

	lockPath := daemonLockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("error checking lock file: %w", err)
	}
	if !locked {
		fmt.Fprintln(out, "Error: a SweetLink daemon is already running.")
		fmt.Fprintf(out, "   Lock file found at: %s\n", lockPath)
		fmt.Fprintln(out, "   Stop it first with: sweetlink daemon stop")
		return errors.New("daemon already running")
	}
	defer func() { _ = fileLock.Unlock() }()

	if err := writeDaemonPID(); err != nil {
		return err
	}
	defer func() { _ = removeDaemonPID() }()

	logger := newLogger(cmd, cfg, "daemon")

	res, err := resolveSecret(cfg)
	if err != nil {
		return err
	}
	logger.Info().Str("source", string(res.Source)).Str("path", res.Path).Msg("Secret resolved")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codenames, closeCodenames, err := openCodenames(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open codename store: %w", err)
	}
	defer closeCodenames()

	srv, err := broker.New(broker.Options{
		Config:    cfg,
		Secret:    res.Secret,
		Codenames: codenames,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Starting SweetLink daemon on %s (pages connect to %s)\n", cfg.Daemon.Addr(), cfg.Daemon.SocketURL())

	if os.Getenv("SWEETLINK_SKIP_DAEMON_START") == "true" {
		fmt.Fprintln(out, "Skipping actual server start for testing.")
		return nil
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	return nil
}

// startDetached re-executes the binary in the foreground mode with output
// going to the daemon log file.
func startDetached(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	if err := ensureDaemonNotRunning(); err != nil {
		return err
	}

	logPath := daemonLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	executable, err := os.Executable()
	if err != nil {
		executable = "sweetlink"
	}
	childArgs := []string{"daemon", "start", "--port", strconv.Itoa(cfg.Daemon.Port), "--host", cfg.Daemon.Host}

	c := exec.Command(executable, childArgs...)
	c.Stdout = logFile
	c.Stderr = logFile
	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start background process: %w", err)
	}

	fmt.Fprintf(out, "SweetLink daemon started in background (PID: %d)\n", c.Process.Pid)
	fmt.Fprintf(out, "Logs: %s\n", logPath)
	fmt.Fprintln(out, "Use 'sweetlink logs' to follow them.")
	return nil
}

func runDaemonStop(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	pid, err := readDaemonPID()
	if err != nil {
		return errors.New("daemon not running (pid file missing)")
	}

	if !checkProcessRunning(pid) {
		_ = removeDaemonPID()
		return errors.New("daemon process not running (stale pid file)")
	}

	if err := terminateProcess(pid); err != nil {
		return fmt.Errorf("failed to stop daemon (pid %d): %w", pid, err)
	}

	fmt.Fprintf(out, "Sent stop signal to daemon (PID %d)\n", pid)
	waitForProcessExit(pid, 3*time.Second)
	return nil
}

func runDaemonStatus(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyDaemonFlags(cmd, cfg)

	api, err := newAPI(cfg, 2*time.Second)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()

	health, err := api.Health(ctx)
	if err != nil {
		fmt.Fprintf(out, "Daemon: not reachable at %s\n", cfg.Daemon.BaseURL())
		return nil
	}

	uptime := time.Duration(asInt64(health["uptimeMs"])) * time.Millisecond
	fmt.Fprintf(out, "Daemon:   %s at %s\n", health["status"], cfg.Daemon.BaseURL())
	fmt.Fprintf(out, "Version:  %v\n", health["version"])
	fmt.Fprintf(out, "Uptime:   %s\n", uptime.Round(time.Second))
	fmt.Fprintf(out, "Sessions: %d\n", asInt64(health["sessions"]))
	return nil
}

func runDaemonRestart(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Restarting SweetLink daemon...")
	if err := runDaemonStop(cmd); err != nil {
		fmt.Fprintf(out, "Warning: stop failed (%v), continuing to start...\n", err)
	}
	return runDaemonStart(cmd)
}

// asInt64 reads a JSON number decoded into an any.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

func daemonLockPath() string {
	return filepath.Join(config.StateDir(), "sweetlink-daemon.lock")
}

func daemonLogPath() string {
	return filepath.Join(config.StateDir(), "logs", "daemon.log")
}

func daemonPIDPath() string {
	return filepath.Join(config.StateDir(), "sweetlink-daemon.pid")
}

func writeDaemonPID() error {
	if err := os.MkdirAll(config.StateDir(), 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	return os.WriteFile(daemonPIDPath(), []byte(strconv.Itoa(os.Getpid())), 0600)
}

func readDaemonPID() (int, error) {
	data, err := os.ReadFile(daemonPIDPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.New("invalid pid file")
	}
	return pid, nil
}

func removeDaemonPID() error {
	return os.Remove(daemonPIDPath())
}

func ensureDaemonNotRunning() error {
	lockPath := daemonLockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("error checking lock file: %w", err)
	}
	if !locked {
		return errors.New("daemon already running")
	}
	_ = fileLock.Unlock()
	return nil
}
