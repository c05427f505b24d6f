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

	"github.com/spf13/cobra"

	"github.com/marcus/taskbot/internal/config"
	"github.com/marcus/taskbot/internal/logging"
	"github.com/marcus/taskbot/internal/scheduler"
)

const pidFileName = "taskbot.pid"

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage background daemon",
	Long:  `Start, stop, or check status of the taskbot background daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start background daemon",
	Long: `Start the taskbot daemon as a background process.

The daemon fires armed reminders as they come due, sweeps tasks past their
deadline to overdue on the maintenance schedule (cron or interval) and
periodically reconciles reminders with task state. When a bus URL is
configured it also serves user observations published by chat frontends.`,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop background daemon",
	Long:  `Stop the running taskbot daemon by sending SIGTERM.`,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	RunE:  runDaemonStatus,
}

var daemonForegroundFlag bool

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForegroundFlag, "foreground", "f", false, "Run in foreground (don't daemonize)")
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func pidFilePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "taskbot", pidFileName)
}

func writePidFile() error {
	if err := os.MkdirAll(filepath.Dir(pidFilePath()), 0755); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPidFile() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePidFile() error {
	return os.Remove(pidFilePath())
}

// isProcessRunning sends signal 0; FindProcess always succeeds on Unix.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func isDaemonRunning() (bool, int) {
	pid, err := readPidFile()
	if err != nil {
		return false, 0
	}
	return isProcessRunning(pid), pid
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if running, pid := isDaemonRunning(); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	// Fail here rather than in the detached child.
	if _, err := loadConfig(cmd); err != nil {
		return err
	}

	if daemonForegroundFlag {
		return runDaemonLoop(cmd)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("getting executable: %w", err)
	}
	childArgs := []string{"daemon", "start", "--foreground"}
	if path, _ := cmd.Flags().GetString("db"); path != "" {
		childArgs = append(childArgs, "--db", path)
	}
	child := exec.Command(executable, childArgs...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	fmt.Printf("daemon started (pid %d)\n", child.Process.Pid)
	return nil
}

func runDaemonLoop(cmd *cobra.Command) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	log := logging.Component("daemon")

	if err := writePidFile(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = removePidFile() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	svc := a.svc
	loc := svc.Location()

	// Re-arm anything a previous crash left inconsistent before timers fire.
	if _, err := svc.Engine.Reconcile(ctx); err != nil {
		log.Err(err).Msg("initial reconcile failed")
	}

	dispatcher := svc.Dispatcher(a.cfg.PollInterval())
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	cronExpr, every := a.cfg.SweepSchedule()
	sweeper, err := scheduler.NewFromSpec(scheduler.Spec{
		Name:     "sweep",
		Cron:     cronExpr,
		Interval: every,
		Location: loc,
	})
	if err != nil {
		return fmt.Errorf("init sweep scheduler: %w", err)
	}
	// Sweep and Reconcile log their own summaries.
	sweeper.AddJob(func(jobCtx context.Context) error {
		_, err := svc.Engine.Sweep(jobCtx)
		return err
	})

	reconciler, err := scheduler.NewFromSpec(scheduler.Spec{
		Name:     "reconcile",
		Interval: a.cfg.ReconcileInterval(),
		Location: loc,
	})
	if err != nil {
		return fmt.Errorf("init reconcile scheduler: %w", err)
	}
	reconciler.AddJob(func(jobCtx context.Context) error {
		_, err := svc.Engine.Reconcile(jobCtx)
		return err
	})

	for _, s := range []*scheduler.Scheduler{sweeper, reconciler} {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", s.Name(), err)
		}
	}
	// Catch up on deadlines missed while the daemon was down.
	sweeper.RunNow(ctx)

	if a.bus != nil {
		go func() {
			if err := a.bus.ServeObservations(ctx, svc.Users); err != nil && !errors.Is(err, context.Canceled) {
				log.Err(err).Msg("observation subscriber stopped")
			}
		}()
	}

	log.InfoCtx("daemon running", logging.Fields{
		"db":         a.cfg.DBPath,
		"timezone":   loc.String(),
		"timers":     dispatcher.Scheduled(),
		"next_sweep": sweeper.NextRun().Format(time.RFC3339),
		"bus":        a.bus != nil,
	})

	<-ctx.Done()

	for _, s := range []*scheduler.Scheduler{sweeper, reconciler} {
		if err := s.Stop(); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
			log.Errorf("stopping %s: %v", s.Name(), err)
		}
	}
	log.Info("daemon stopped")
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	running, pid := isDaemonRunning()
	if !running {
		if _, err := readPidFile(); err == nil {
			_ = removePidFile()
			fmt.Println("daemon not running (stale pid file removed)")
			return nil
		}
		fmt.Println("daemon not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}
	fmt.Printf("stopping daemon (pid %d)...\n", pid)

	timeout := time.After(10 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-timeout:
			fmt.Println("daemon did not stop, sending SIGKILL")
			_ = process.Signal(syscall.SIGKILL)
			_ = removePidFile()
			return nil
		case <-tick.C:
			if !isProcessRunning(pid) {
				fmt.Println("daemon stopped")
				_ = removePidFile()
				return nil
			}
		}
	}
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	running, pid := isDaemonRunning()
	if !running {
		fmt.Println("Status: not running")
		return nil
	}
	fmt.Println("Status: running")
	fmt.Printf("PID: %d\n", pid)

	if cfg, err := config.Load(); err == nil {
		if expr, every := cfg.SweepSchedule(); expr != "" {
			fmt.Printf("Sweep: cron %s (%s)\n", expr, cfg.Timezone)
		} else {
			fmt.Printf("Sweep: every %s\n", every)
		}
		fmt.Printf("Reconcile: every %s\n", cfg.ReconcileInterval())
		fmt.Printf("Timer poll: %s\n", cfg.PollInterval())
		if cfg.Bus.URL != "" {
			fmt.Printf("Bus: %s\n", cfg.Bus.URL)
		}
	}
	fmt.Printf("PID file: %s\n", pidFilePath())
	return nil
}
