// Package config handles loading and validating taskbot configuration.
// A global file is merged with a project-local file, then environment
// variables prefixed TASKBOT_ override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"golang.org/x/text/language"

	"github.com/marcus/taskbot/internal/logging"
)

// File names and env prefix.
const (
	ProjectConfigName = "taskbot.yaml"
	EnvPrefix         = "TASKBOT"
)

// Defaults.
const (
	DefaultTimezone          = "UTC"
	DefaultLanguage          = "ru"
	DefaultFuzzyThreshold    = 0.6
	DefaultMaxSuggestions    = 5
	DefaultPollInterval      = "30s"
	DefaultSweepCron         = "*/5 * * * *"
	DefaultReconcileInterval = "10m"
	DefaultSubjectPrefix     = "taskbot"
	DefaultBusName           = "taskbot"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultRetentionDays     = 7
)

// Validation errors.
var (
	ErrCronAndInterval       = errors.New("maintenance: sweep_cron and sweep_interval are mutually exclusive")
	ErrInvalidCron           = errors.New("maintenance: invalid sweep_cron expression")
	ErrInvalidDuration       = errors.New("invalid duration")
	ErrInvalidThreshold      = errors.New("resolver: fuzzy_threshold must be in (0, 1]")
	ErrInvalidMaxSuggestions = errors.New("resolver: max_suggestions must be at least 1")
	ErrInvalidTimezone       = errors.New("unknown timezone")
	ErrInvalidLanguage       = errors.New("language must be a BCP 47 tag")
	ErrInvalidLogLevel       = errors.New("logging: level must be debug, info, warn or error")
	ErrInvalidLogFormat      = errors.New("logging: format must be json or text")
)

// Config holds all taskbot configuration.
type Config struct {
	DBPath      string            `mapstructure:"db_path"`
	Timezone    string            `mapstructure:"timezone"`
	Language    string            `mapstructure:"language"`
	Resolver    ResolverConfig    `mapstructure:"resolver"`
	Reminders   RemindersConfig   `mapstructure:"reminders"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Bus         BusConfig         `mapstructure:"bus"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ResolverConfig tunes fuzzy assignee matching.
type ResolverConfig struct {
	FuzzyThreshold float64 `mapstructure:"fuzzy_threshold"`
	MaxSuggestions int     `mapstructure:"max_suggestions"`
}

// RemindersConfig controls the timer dispatcher.
type RemindersConfig struct {
	PollInterval string `mapstructure:"poll_interval"`
}

// MaintenanceConfig schedules the overdue sweep and reminder reconcile.
// Use either SweepCron or SweepInterval.
type MaintenanceConfig struct {
	SweepCron         string `mapstructure:"sweep_cron"`
	SweepInterval     string `mapstructure:"sweep_interval"`
	ReconcileInterval string `mapstructure:"reconcile_interval"`
}

// BusConfig configures the optional NATS event bus. Empty URL disables it.
type BusConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Name          string `mapstructure:"name"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Path          string `mapstructure:"path"`
	Format        string `mapstructure:"format"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// GlobalConfigPath returns ~/.config/taskbot/config.yaml.
func GlobalConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "taskbot", "config.yaml")
}

// DefaultDBPath returns the default database location.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "taskbot", "taskbot.db")
}

// DefaultLogPath returns the default log directory.
func DefaultLogPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "taskbot", "logs")
}

// Load reads the global config and the project config in the working
// directory.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	return LoadFromPaths(cwd, GlobalConfigPath())
}

// LoadFromPaths loads globalPath, merges projectDir/taskbot.yaml on top and
// applies environment overrides. Missing files are skipped.
func LoadFromPaths(projectDir, globalPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read global config %s: %w", globalPath, err)
		}
	}

	if projectDir != "" {
		projectPath := filepath.Join(projectDir, ProjectConfigName)
		if fileExists(projectPath) {
			v.SetConfigFile(projectPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("read project config %s: %w", projectPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.DBPath = expandPath(cfg.DBPath)
	cfg.Logging.Path = expandPath(cfg.Logging.Path)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", DefaultDBPath())
	v.SetDefault("timezone", DefaultTimezone)
	v.SetDefault("language", DefaultLanguage)

	v.SetDefault("resolver.fuzzy_threshold", DefaultFuzzyThreshold)
	v.SetDefault("resolver.max_suggestions", DefaultMaxSuggestions)

	v.SetDefault("reminders.poll_interval", DefaultPollInterval)

	v.SetDefault("maintenance.sweep_cron", "")
	v.SetDefault("maintenance.sweep_interval", "")
	v.SetDefault("maintenance.reconcile_interval", DefaultReconcileInterval)

	v.SetDefault("bus.url", "")
	v.SetDefault("bus.subject_prefix", DefaultSubjectPrefix)
	v.SetDefault("bus.name", DefaultBusName)

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.path", DefaultLogPath())
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.retention_days", DefaultRetentionDays)
}

// Validate checks cfg. Zero values are accepted where Load would supply a
// default, so partially built configs in tests validate.
func Validate(cfg *Config) error {
	m := cfg.Maintenance
	if m.SweepCron != "" && m.SweepInterval != "" {
		return ErrCronAndInterval
	}
	if m.SweepCron != "" {
		if _, err := cron.ParseStandard(m.SweepCron); err != nil {
			return ErrInvalidCron
		}
	}

	durations := map[string]string{
		"maintenance.sweep_interval":     m.SweepInterval,
		"maintenance.reconcile_interval": m.ReconcileInterval,
		"reminders.poll_interval":        cfg.Reminders.PollInterval,
	}
	for key, raw := range durations {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("%w: %s = %q", ErrInvalidDuration, key, raw)
		}
	}

	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return ErrInvalidTimezone
		}
	}

	if cfg.Language != "" {
		if _, err := language.Parse(cfg.Language); err != nil {
			return ErrInvalidLanguage
		}
	}

	if cfg.Logging.Level != "" {
		if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
			return ErrInvalidLogLevel
		}
	}
	if cfg.Logging.Format != "" {
		if err := logging.ValidateFormat(cfg.Logging.Format); err != nil {
			return ErrInvalidLogFormat
		}
	}

	// Load always fills these in, so a zero here was set explicitly.
	r := cfg.Resolver
	if r.FuzzyThreshold <= 0 || r.FuzzyThreshold > 1 {
		return ErrInvalidThreshold
	}
	if r.MaxSuggestions < 1 {
		return ErrInvalidMaxSuggestions
	}
	return nil
}

// Location resolves the configured timezone, UTC when unset.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, c.Timezone)
	}
	return loc, nil
}

// LanguageTag returns the configured language, Russian when unset or
// unparsable.
func (c *Config) LanguageTag() language.Tag {
	if tag, err := language.Parse(c.Language); err == nil {
		return tag
	}
	return language.Russian
}

// PollInterval returns the timer dispatcher sync interval.
func (c *Config) PollInterval() time.Duration {
	return durationOr(c.Reminders.PollInterval, 30*time.Second)
}

// SweepSchedule returns the sweep cron expression or interval, exactly one
// non-zero. With neither configured the default cron expression is used.
func (c *Config) SweepSchedule() (string, time.Duration) {
	if d := durationOr(c.Maintenance.SweepInterval, 0); d > 0 {
		return "", d
	}
	if c.Maintenance.SweepCron != "" {
		return c.Maintenance.SweepCron, 0
	}
	return DefaultSweepCron, 0
}

// ReconcileInterval returns how often reminders are reconciled.
func (c *Config) ReconcileInterval() time.Duration {
	return durationOr(c.Maintenance.ReconcileInterval, 10*time.Minute)
}

// Threshold returns the fuzzy threshold, defaulting a zero value.
func (c *Config) Threshold() float64 {
	if c.Resolver.FuzzyThreshold == 0 {
		return DefaultFuzzyThreshold
	}
	return c.Resolver.FuzzyThreshold
}

// Suggestions returns the suggestion cap, defaulting a zero value.
func (c *Config) Suggestions() int {
	if c.Resolver.MaxSuggestions == 0 {
		return DefaultMaxSuggestions
	}
	return c.Resolver.MaxSuggestions
}

// LogConfig converts the logging section for logging.Init.
func (c *Config) LogConfig() logging.Config {
	return logging.Config{
		Level:         c.Logging.Level,
		Path:          c.Logging.Path,
		Format:        c.Logging.Format,
		RetentionDays: c.Logging.RetentionDays,
	}
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultYAML renders a commented starter config.
func DefaultYAML() string {
	return `# taskbot configuration
# Global: ~/.config/taskbot/config.yaml, project: ./taskbot.yaml
# Environment overrides use the TASKBOT_ prefix, e.g. TASKBOT_BUS_URL.

db_path: ~/.local/share/taskbot/taskbot.db
timezone: UTC                    # deadlines without a zone are read here
language: ru                     # reply language tag

resolver:
  fuzzy_threshold: 0.6           # drop candidates scoring below this
  max_suggestions: 5

reminders:
  poll_interval: 30s             # how often the daemon picks up new timers

# Choose either sweep_cron OR sweep_interval
maintenance:
  sweep_cron: "*/5 * * * *"      # default when neither is set
  # sweep_interval: 5m
  reconcile_interval: 10m

bus:
  url: ""                        # e.g. nats://127.0.0.1:4222, empty disables
  subject_prefix: taskbot
  name: taskbot

logging:
  level: info                    # debug | info | warn | error
  path: ~/.local/share/taskbot/logs
  format: json                   # json | text
  retention_days: 7
`
}
