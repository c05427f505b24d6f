package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/taskbot/internal/bus"
	"github.com/marcus/taskbot/internal/config"
	"github.com/marcus/taskbot/internal/db"
	"github.com/marcus/taskbot/internal/errs"
	"github.com/marcus/taskbot/internal/logging"
	"github.com/marcus/taskbot/internal/service"
)

// Process exit codes by error class.
const (
	exitFailure     = 1
	exitValidation  = 2
	exitNotFound    = 3
	exitTransition  = 4
	exitUnavailable = 5
)

func exitCode(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeValidation:
		return exitValidation
	case errs.CodeNotFound:
		return exitNotFound
	case errs.CodeInvalidTransition:
		return exitTransition
	case errs.CodeConflict, errs.CodeStoreUnavailable:
		return exitUnavailable
	default:
		return exitFailure
	}
}

// loadConfig reads and validates configuration, applying the --db flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if path, _ := cmd.Flags().GetString("db"); path != "" {
		cfg.DBPath = path
	}
	return cfg, nil
}

// initLogging installs the global logger. With --verbose the CLI logs at
// debug level to stderr instead of the log directory.
func initLogging(cmd *cobra.Command, cfg *config.Config) error {
	lc := cfg.LogConfig()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		lc.Level = "debug"
		lc.Format = "text"
		lc.Path = ""
	}
	return logging.Init(lc)
}

// app bundles what a command needs; Close releases it.
type app struct {
	cfg *config.Config
	db  *db.DB
	svc *service.Service
	bus *bus.Bus
}

// openApp loads config, logging, the database and, when configured, the bus.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := initLogging(cmd, cfg); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	opts, err := service.OptionsFromConfig(cfg)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	a := &app{cfg: cfg, db: database}
	if cfg.Bus.URL != "" {
		b, err := connectBus(cfg)
		if err != nil {
			logging.Component("cli").Err(err).Msg("bus unavailable, notifications go to the log")
		} else {
			a.bus = b
			opts.Notifier = b
		}
	}
	a.svc = service.New(database, opts)
	return a, nil
}

func (a *app) Close() {
	if a.bus != nil {
		_ = a.bus.Close()
	}
	_ = a.db.Close()
}

func connectBus(cfg *config.Config) (*bus.Bus, error) {
	nc := bus.DefaultNATSConfig()
	nc.URL = cfg.Bus.URL
	if cfg.Bus.Name != "" {
		nc.Name = cfg.Bus.Name
	}
	transport, err := bus.DialNATS(nc)
	if err != nil {
		return nil, err
	}
	return bus.New(transport, cfg.Bus.SubjectPrefix), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func addChatFlag(cmd *cobra.Command) {
	cmd.Flags().Int64("chat", 0, "Chat id")
	_ = cmd.MarkFlagRequired("chat")
}

func chatFlag(cmd *cobra.Command) int64 {
	id, _ := cmd.Flags().GetInt64("chat")
	return id
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Validation("invalid task id %q", arg)
	}
	return id, nil
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04")
}
