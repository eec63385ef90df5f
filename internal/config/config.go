// Package config provides configuration management for chathistory.
// It loads settings from environment variables with the CHATHISTORY_ prefix,
// optionally overlaid by a YAML file, and provides sensible defaults for all
// configuration options.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/scrypster/chathistory/internal/cleanup"
	"github.com/scrypster/chathistory/internal/history"
	"github.com/scrypster/chathistory/internal/migration"
	"github.com/scrypster/chathistory/internal/storage"
)

// Config holds all configuration settings.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Save      SaveConfig      `yaml:"save"`
	Migration MigrationConfig `yaml:"migration"`
	Retention RetentionConfig `yaml:"retention"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Log       LogConfig       `yaml:"log"`
}

// StorageConfig selects and locates the storage backend.
type StorageConfig struct {
	Engine  string            `yaml:"engine"`  // jsonfile, sqlite, postgres, bolt (default: jsonfile)
	Root    string            `yaml:"root"`    // Storage root (default: ~/.local/state/chathistory)
	DSN     string            `yaml:"dsn"`     // Connection string or database path for database backends
	Options map[string]string `yaml:"options"` // Backend-specific settings
}

// CacheConfig controls the in-memory conversation cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`         // Entry lifetime (default: 5m)
	MaxEntries int           `yaml:"max_entries"` // Capacity; 0 disables the cache (default: 50)
}

// SaveConfig controls write-behind saving.
type SaveConfig struct {
	Async    bool          `yaml:"async"`    // Coalesce saves per key (default: true)
	Debounce time.Duration `yaml:"debounce"` // Quiet period before a coalesced write (default: 500ms)
}

// MigrationConfig controls format migration.
type MigrationConfig struct {
	AutoMigrate       bool          `yaml:"auto_migrate"`       // Migrate stale files on load (default: true)
	KeepBackups       bool          `yaml:"keep_backups"`       // Keep .bak files after success (default: true)
	BackupDir         string        `yaml:"backup_dir"`         // Backup location; empty keeps them next to the file
	FileTimeout       time.Duration `yaml:"file_timeout"`       // Per-file budget (default: 30s)
	ProgressThreshold int           `yaml:"progress_threshold"` // Batch size above which progress is reported (default: 10)
	Operator          string        `yaml:"operator"`           // Recorded in batch sessions (default: the OS user)
}

// RetentionConfig holds the cleanup policy and its schedules.
type RetentionConfig struct {
	cleanup.Policy `yaml:",inline"`

	Schedule       string                  `yaml:"schedule"`        // Cron expression for the sweep (default: 0 3 * * *)
	DryRun         bool                    `yaml:"dry_run"`         // Report without changing anything
	Backups        cleanup.BackupRetention `yaml:"backups"`         // Migration backup tiers
	BackupSchedule string                  `yaml:"backup_schedule"` // Cron expression for backup pruning (default: 30 3 * * *)
}

// BreakerConfig controls the circuit breaker around the storage backend.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`      // default: true
	MaxFailures uint32        `yaml:"max_failures"` // default: 5
	Timeout     time.Duration `yaml:"timeout"`      // default: 30s
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // text or json (default: text)
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the CHATHISTORY_ prefix.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load builds the environment configuration and overlays the YAML file at
// path on it. Keys absent from the file keep their environment or default
// value. ${VAR} and ${VAR:-default} in the file are expanded first. An empty
// path behaves like LoadConfig.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadConfig()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, fmt.Errorf("config: expanding variables in %s: %w", path, err)
	}

	cfg := buildBaseConfig()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.Storage.Root = expandHome(cfg.Storage.Root)
	cfg.Migration.BackupDir = expandHome(cfg.Migration.BackupDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.Root == "" {
		errs = append(errs, errors.New("config: storage.root is required"))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("config: cache.ttl must not be negative"))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("config: cache.max_entries must not be negative"))
	}
	if c.Save.Debounce < 0 {
		errs = append(errs, errors.New("config: save.debounce must not be negative"))
	}
	if c.Migration.FileTimeout < 0 {
		errs = append(errs, errors.New("config: migration.file_timeout must not be negative"))
	}
	if c.Migration.ProgressThreshold < 0 {
		errs = append(errs, errors.New("config: migration.progress_threshold must not be negative"))
	}
	if err := c.Retention.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: retention: %w", err))
	}
	if b := c.Retention.Backups; b.Hourly < 0 || b.Daily < 0 || b.Weekly < 0 || b.Monthly < 0 {
		errs = append(errs, errors.New("config: retention.backups tiers must not be negative"))
	}
	for name, expr := range map[string]string{
		"retention.schedule":        c.Retention.Schedule,
		"retention.backup_schedule": c.Retention.BackupSchedule,
	} {
		if expr == "" {
			continue
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
		}
	}
	if c.Breaker.Timeout < 0 {
		errs = append(errs, errors.New("config: breaker.timeout must not be negative"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: log.level %q (supported: debug, info, warn, error)", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log.format %q (supported: text, json)", c.Log.Format))
	}

	return errors.Join(errs...)
}

// EngineConfig returns the settings passed to the storage backend.
func (c *Config) EngineConfig() storage.EngineConfig {
	return storage.EngineConfig{Root: c.Storage.Root, DSN: c.Storage.DSN, Options: c.Storage.Options}
}

// GuardConfig returns the circuit breaker settings, or nil when the breaker
// is disabled.
func (c *Config) GuardConfig() *storage.GuardConfig {
	if !c.Breaker.Enabled {
		return nil
	}
	return &storage.GuardConfig{MaxFailures: c.Breaker.MaxFailures, Timeout: c.Breaker.Timeout}
}

// HistoryConfig returns the history manager settings.
func (c *Config) HistoryConfig() history.Config {
	return history.Config{
		CacheTTL:        c.Cache.TTL,
		CacheMaxEntries: c.Cache.MaxEntries,
		AsyncSave:       c.Save.Async,
		Debounce:        c.Save.Debounce,
		AutoMigrate:     c.Migration.AutoMigrate,
	}
}

// MigrationEngineConfig returns the migration engine settings.
func (c *Config) MigrationEngineConfig() migration.Config {
	cfg := migration.DefaultConfig()
	cfg.BackupDir = c.Migration.BackupDir
	cfg.KeepBackups = c.Migration.KeepBackups
	cfg.FileTimeout = c.Migration.FileTimeout
	cfg.ProgressThreshold = c.Migration.ProgressThreshold
	cfg.Operator = c.Migration.Operator
	return cfg
}

// buildBaseConfig constructs a Config with values from environment variables
// and defaults.
func buildBaseConfig() *Config {
	policy := cleanup.DefaultPolicy()
	backups := cleanup.DefaultBackupRetention()

	return &Config{
		Storage: StorageConfig{
			Engine: getEnv("CHATHISTORY_STORAGE_ENGINE", "jsonfile"),
			Root:   expandHome(getEnv("CHATHISTORY_ROOT", defaultRoot())),
			DSN:    getEnv("CHATHISTORY_DSN", ""),
		},
		Cache: CacheConfig{
			TTL:        getEnvDuration("CHATHISTORY_CACHE_TTL", 5*time.Minute),
			MaxEntries: getEnvInt("CHATHISTORY_CACHE_MAX_ENTRIES", 50),
		},
		Save: SaveConfig{
			Async:    getEnvBool("CHATHISTORY_ASYNC_SAVE", true),
			Debounce: getEnvDuration("CHATHISTORY_SAVE_DEBOUNCE", 500*time.Millisecond),
		},
		Migration: MigrationConfig{
			AutoMigrate:       getEnvBool("CHATHISTORY_AUTO_MIGRATE", true),
			KeepBackups:       getEnvBool("CHATHISTORY_KEEP_BACKUPS", true),
			BackupDir:         expandHome(getEnv("CHATHISTORY_BACKUP_DIR", "")),
			FileTimeout:       getEnvDuration("CHATHISTORY_MIGRATION_TIMEOUT", 30*time.Second),
			ProgressThreshold: getEnvInt("CHATHISTORY_PROGRESS_THRESHOLD", 10),
			Operator:          getEnv("CHATHISTORY_OPERATOR", defaultOperator()),
		},
		Retention: RetentionConfig{
			Policy: cleanup.Policy{
				MaxConversations:     getEnvInt("CHATHISTORY_MAX_CONVERSATIONS", policy.MaxConversations),
				MaxAgeDays:           getEnvInt("CHATHISTORY_MAX_AGE_DAYS", policy.MaxAgeDays),
				ArchiveThresholdDays: getEnvInt("CHATHISTORY_ARCHIVE_THRESHOLD_DAYS", policy.ArchiveThresholdDays),
				PreserveRecent:       getEnvInt("CHATHISTORY_PRESERVE_RECENT", policy.PreserveRecent),
				SizeThresholdMB:      getEnvFloat("CHATHISTORY_SIZE_THRESHOLD_MB", policy.SizeThresholdMB),
				DeleteOverLimit:      getEnvBool("CHATHISTORY_DELETE_OVER_LIMIT", policy.DeleteOverLimit),
			},
			Schedule: getEnv("CHATHISTORY_CLEANUP_SCHEDULE", "0 3 * * *"),
			DryRun:   getEnvBool("CHATHISTORY_CLEANUP_DRY_RUN", false),
			Backups: cleanup.BackupRetention{
				Hourly:  getEnvInt("CHATHISTORY_BACKUP_RETENTION_HOURLY", backups.Hourly),
				Daily:   getEnvInt("CHATHISTORY_BACKUP_RETENTION_DAILY", backups.Daily),
				Weekly:  getEnvInt("CHATHISTORY_BACKUP_RETENTION_WEEKLY", backups.Weekly),
				Monthly: getEnvInt("CHATHISTORY_BACKUP_RETENTION_MONTHLY", backups.Monthly),
			},
			BackupSchedule: getEnv("CHATHISTORY_BACKUP_SCHEDULE", "30 3 * * *"),
		},
		Breaker: BreakerConfig{
			Enabled:     getEnvBool("CHATHISTORY_BREAKER_ENABLED", true),
			MaxFailures: uint32(getEnvInt("CHATHISTORY_BREAKER_MAX_FAILURES", 5)),
			Timeout:     getEnvDuration("CHATHISTORY_BREAKER_TIMEOUT", 30*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("CHATHISTORY_LOG_LEVEL", "info"),
			Format: getEnv("CHATHISTORY_LOG_FORMAT", "text"),
		},
	}
}

// defaultOperator names the account running the process.
func defaultOperator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return getEnv("USER", "unknown")
}

func defaultRoot() string {
	return filepath.Join("~", ".local", "state", "chathistory")
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("5m") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
