// Package config provides configuration management for relayd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/relaydev/relayd/internal/common/fsutil"
	"github.com/relaydev/relayd/internal/common/logger"
)

// Config holds all configuration sections for relayd.
type Config struct {
	DataDir   string                `mapstructure:"dataDir"`
	Control   ControlConfig         `mapstructure:"control"`
	NATS      NATSConfig            `mapstructure:"nats"`
	Logging   logger.LoggingConfig  `mapstructure:"logging"`
	Worktree  WorktreeConfig        `mapstructure:"worktree"`
	Worker    WorkerConfig          `mapstructure:"worker"`
	Release   ReleaseConfig         `mapstructure:"release"`
	Bridge    BridgeConfig          `mapstructure:"bridge"`
	Task      TaskConfig            `mapstructure:"task"`
	Engine    EngineConfig          `mapstructure:"engine"`
	Archive   ArchiveConfig         `mapstructure:"archive"`
	Transport TransportConfig       `mapstructure:"transport"`
}

// ControlConfig holds the control-plane HTTP/socket listener configuration.
type ControlConfig struct {
	ListenAddr   string `mapstructure:"listenAddr"`
	SocketPath   string `mapstructure:"socketPath"` // optional Unix socket listener
	AuthToken    string `mapstructure:"authToken"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorktreeConfig holds Git worktree configuration for per-task checkouts.
type WorktreeConfig struct {
	RootDir         string `mapstructure:"rootDir"`         // Base directory for worktrees (default: <dataDir>/worktrees)
	BranchPrefix    string `mapstructure:"branchPrefix"`    // Branch name prefix (default: relayd/)
	StaleAfterHours int    `mapstructure:"staleAfterHours"` // Age threshold for stale detection
}

// WorkerConfig holds terminal session launcher configuration.
type WorkerConfig struct {
	SessionPrefix        string `mapstructure:"sessionPrefix"`
	TmuxBinary           string `mapstructure:"tmuxBinary"`
	Mode                 string `mapstructure:"mode"` // tmux or proc
	AutoCleanup          bool   `mapstructure:"autoCleanup"`
	FailedRetentionHours int    `mapstructure:"failedRetentionHours"`
}

// ReleaseConfig holds release snapshot configuration.
type ReleaseConfig struct {
	RootDir              string `mapstructure:"rootDir"` // default: <dataDir>/releases
	StartupIntegrityMode string `mapstructure:"startupIntegrityMode"`
}

// BridgeConfig holds inbound webhook and dispatch retry configuration.
// The retry parameters also drive the outbound transport outbox.
type BridgeConfig struct {
	SharedSecret string `mapstructure:"sharedSecret"`
	RetryBaseMs  int    `mapstructure:"retryBaseMs"`
	RetryMaxMs   int    `mapstructure:"retryMaxMs"`
	MaxRetries   int    `mapstructure:"maxRetries"`
}

// TaskConfig holds task orchestration configuration.
type TaskConfig struct {
	AutoCommit           bool `mapstructure:"autoCommit"`
	AutoPR               bool `mapstructure:"autoPr"`
	MaxRetries           int  `mapstructure:"maxRetries"`
	MaxConcurrentWorkers int  `mapstructure:"maxConcurrentWorkers"`
	CancelTimeoutMs      int  `mapstructure:"cancelTimeoutMs"`
	StaleAfterMinutes    int  `mapstructure:"staleAfterMinutes"`    // age at which queued/running tasks count as stale
	FailingWindowMinutes int  `mapstructure:"failingWindowMinutes"` // window without terminal progress before health reports failing
}

// EngineConfig selects what runs inside a worker session.
type EngineConfig struct {
	// Mode is "mock" (deterministic echo engine) or "process" (user-supplied command).
	Mode    string `mapstructure:"mode"`
	Command string `mapstructure:"command"`
}

// ArchiveConfig holds task archive storage configuration.
type ArchiveConfig struct {
	Enabled    bool           `mapstructure:"enabled"`
	Driver     string         `mapstructure:"driver"` // sqlite or postgres
	SQLitePath string         `mapstructure:"sqlitePath"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// TransportConfig selects the outbound notification transport.
type TransportConfig struct {
	Kind  string      `mapstructure:"kind"` // log or slack
	Slack SlackConfig `mapstructure:"slack"`
}

// SlackConfig holds Slack webhook delivery configuration.
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhookUrl"`
	Channel    string `mapstructure:"channel"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (c *ControlConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(c.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (c *ControlConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

// RetryBase returns the initial dispatch backoff as a time.Duration.
func (b *BridgeConfig) RetryBase() time.Duration {
	return time.Duration(b.RetryBaseMs) * time.Millisecond
}

// RetryMax returns the backoff ceiling as a time.Duration.
func (b *BridgeConfig) RetryMax() time.Duration {
	return time.Duration(b.RetryMaxMs) * time.Millisecond
}

// CancelTimeout returns the cancel grace period as a time.Duration.
func (t *TaskConfig) CancelTimeout() time.Duration {
	return time.Duration(t.CancelTimeoutMs) * time.Millisecond
}

// StaleAge returns the worktree stale horizon as a time.Duration.
func (w *WorktreeConfig) StaleAge() time.Duration {
	return time.Duration(w.StaleAfterHours) * time.Hour
}

// StaleHorizon returns the queued/running stale horizon as a time.Duration.
func (t *TaskConfig) StaleHorizon() time.Duration {
	return time.Duration(t.StaleAfterMinutes) * time.Minute
}

// FailingWindow returns the no-progress window used by health reporting.
func (t *TaskConfig) FailingWindow() time.Duration {
	return time.Duration(t.FailingWindowMinutes) * time.Minute
}

// SessionsDir returns the session store root under DataDir.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// TasksDir returns the task snapshot directory under DataDir.
func (c *Config) TasksDir() string {
	return filepath.Join(c.DataDir, "tasks")
}

// OutboxStatePath returns the outbound transport outbox state file.
func (c *Config) OutboxStatePath() string {
	return filepath.Join(c.DataDir, "outbox-state.json")
}

// BridgeStatePath returns the inbound bridge state file.
func (c *Config) BridgeStatePath() string {
	return filepath.Join(c.DataDir, "bridge-state.json")
}

// DiagnosticsDir returns the root for on-demand diagnostic snapshots.
func (c *Config) DiagnosticsDir() string {
	return filepath.Join(c.DataDir, "diagnostics")
}

// ReleaseRoot returns the release root, falling back to <dataDir>/releases.
func (c *Config) ReleaseRoot() string {
	if c.Release.RootDir != "" {
		return c.Release.RootDir
	}
	return filepath.Join(c.DataDir, "releases")
}

// WorktreeRoot returns the worktree root, falling back to <dataDir>/worktrees.
func (c *Config) WorktreeRoot() string {
	if c.Worktree.RootDir != "" {
		return c.Worktree.RootDir
	}
	return filepath.Join(c.DataDir, "worktrees")
}

// ArchiveSQLitePath returns the sqlite archive path, falling back to
// <dataDir>/archive.db.
func (c *Config) ArchiveSQLitePath() string {
	if c.Archive.SQLitePath != "" {
		return c.Archive.SQLitePath
	}
	return filepath.Join(c.DataDir, "archive.db")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RELAYD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dataDir", "~/.relayd")

	// Control plane defaults - loopback only unless explicitly exposed
	v.SetDefault("control.listenAddr", "127.0.0.1:7420")
	v.SetDefault("control.socketPath", "")
	v.SetDefault("control.authToken", "")
	v.SetDefault("control.readTimeout", 30)
	v.SetDefault("control.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Worktree defaults
	v.SetDefault("worktree.rootDir", "")
	v.SetDefault("worktree.branchPrefix", "relayd/")
	v.SetDefault("worktree.staleAfterHours", 72)

	// Worker defaults
	v.SetDefault("worker.sessionPrefix", "dev-agent")
	v.SetDefault("worker.tmuxBinary", "tmux")
	v.SetDefault("worker.mode", "tmux")
	v.SetDefault("worker.autoCleanup", true)
	v.SetDefault("worker.failedRetentionHours", 0)

	// Release defaults
	v.SetDefault("release.rootDir", "")
	v.SetDefault("release.startupIntegrityMode", "warn")

	// Bridge / outbox dispatch defaults
	v.SetDefault("bridge.sharedSecret", "")
	v.SetDefault("bridge.retryBaseMs", 500)
	v.SetDefault("bridge.retryMaxMs", 30000)
	v.SetDefault("bridge.maxRetries", 5)

	// Task orchestration defaults
	v.SetDefault("task.autoCommit", false)
	v.SetDefault("task.autoPr", false)
	v.SetDefault("task.maxRetries", 2)
	v.SetDefault("task.maxConcurrentWorkers", 2)
	v.SetDefault("task.cancelTimeoutMs", 10000)
	v.SetDefault("task.staleAfterMinutes", 30)
	v.SetDefault("task.failingWindowMinutes", 30)

	// Engine defaults - mock is the deterministic echo engine
	v.SetDefault("engine.mode", "mock")
	v.SetDefault("engine.command", "")

	// Archive defaults - sqlite unless postgres is configured
	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.driver", "sqlite")
	v.SetDefault("archive.sqlitePath", "")
	v.SetDefault("archive.postgres.host", "")
	v.SetDefault("archive.postgres.port", 5432)
	v.SetDefault("archive.postgres.user", "relayd")
	v.SetDefault("archive.postgres.password", "")
	v.SetDefault("archive.postgres.dbName", "relayd")
	v.SetDefault("archive.postgres.sslMode", "disable")
	v.SetDefault("archive.postgres.maxConns", 25)
	v.SetDefault("archive.postgres.minConns", 5)

	// Transport defaults
	v.SetDefault("transport.kind", "log")
	v.SetDefault("transport.slack.webhookUrl", "")
	v.SetDefault("transport.slack.channel", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RELAYD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/relayd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RELAYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("dataDir", "RELAYD_DATA_DIR")
	_ = v.BindEnv("control.listenAddr", "RELAYD_CONTROL_LISTEN_ADDR")
	_ = v.BindEnv("control.socketPath", "RELAYD_CONTROL_SOCKET_PATH")
	_ = v.BindEnv("control.authToken", "RELAYD_CONTROL_AUTH_TOKEN")
	_ = v.BindEnv("control.readTimeout", "RELAYD_CONTROL_READ_TIMEOUT")
	_ = v.BindEnv("control.writeTimeout", "RELAYD_CONTROL_WRITE_TIMEOUT")
	_ = v.BindEnv("nats.url", "RELAYD_NATS_URL")
	_ = v.BindEnv("logging.outputPath", "RELAYD_LOGGING_OUTPUT_PATH")
	_ = v.BindEnv("worktree.rootDir", "RELAYD_WORKTREE_ROOT_DIR")
	_ = v.BindEnv("worktree.branchPrefix", "RELAYD_WORKTREE_BRANCH_PREFIX")
	_ = v.BindEnv("worktree.staleAfterHours", "RELAYD_WORKTREE_STALE_AFTER_HOURS")
	_ = v.BindEnv("worker.sessionPrefix", "RELAYD_WORKER_SESSION_PREFIX")
	_ = v.BindEnv("worker.tmuxBinary", "RELAYD_WORKER_TMUX_BINARY")
	_ = v.BindEnv("worker.mode", "RELAYD_WORKER_MODE")
	_ = v.BindEnv("worker.autoCleanup", "RELAYD_WORKER_AUTO_CLEANUP")
	_ = v.BindEnv("worker.failedRetentionHours", "RELAYD_WORKER_FAILED_RETENTION_HOURS")
	_ = v.BindEnv("release.rootDir", "RELAYD_RELEASE_ROOT_DIR")
	_ = v.BindEnv("release.startupIntegrityMode", "RELAYD_STARTUP_INTEGRITY_MODE")
	_ = v.BindEnv("bridge.sharedSecret", "RELAYD_BRIDGE_SHARED_SECRET")
	_ = v.BindEnv("bridge.retryBaseMs", "RELAYD_BRIDGE_RETRY_BASE_MS")
	_ = v.BindEnv("bridge.retryMaxMs", "RELAYD_BRIDGE_RETRY_MAX_MS")
	_ = v.BindEnv("bridge.maxRetries", "RELAYD_BRIDGE_MAX_RETRIES")
	_ = v.BindEnv("task.autoCommit", "RELAYD_TASK_AUTO_COMMIT")
	_ = v.BindEnv("task.autoPr", "RELAYD_TASK_AUTO_PR")
	_ = v.BindEnv("task.maxRetries", "RELAYD_TASK_MAX_RETRIES")
	_ = v.BindEnv("task.maxConcurrentWorkers", "RELAYD_TASK_MAX_CONCURRENT_WORKERS")
	_ = v.BindEnv("task.cancelTimeoutMs", "RELAYD_TASK_CANCEL_TIMEOUT_MS")
	_ = v.BindEnv("task.staleAfterMinutes", "RELAYD_TASK_STALE_AFTER_MINUTES")
	_ = v.BindEnv("task.failingWindowMinutes", "RELAYD_TASK_FAILING_WINDOW_MINUTES")
	_ = v.BindEnv("archive.enabled", "RELAYD_ARCHIVE_ENABLED")
	_ = v.BindEnv("engine.mode", "RELAYD_ENGINE_MODE")
	_ = v.BindEnv("engine.command", "RELAYD_ENGINE_COMMAND")
	_ = v.BindEnv("archive.driver", "RELAYD_ARCHIVE_DRIVER")
	_ = v.BindEnv("archive.sqlitePath", "RELAYD_ARCHIVE_SQLITE_PATH")
	_ = v.BindEnv("archive.postgres.host", "RELAYD_ARCHIVE_POSTGRES_HOST")
	_ = v.BindEnv("archive.postgres.port", "RELAYD_ARCHIVE_POSTGRES_PORT")
	_ = v.BindEnv("archive.postgres.user", "RELAYD_ARCHIVE_POSTGRES_USER")
	_ = v.BindEnv("archive.postgres.password", "RELAYD_ARCHIVE_POSTGRES_PASSWORD")
	_ = v.BindEnv("archive.postgres.dbName", "RELAYD_ARCHIVE_POSTGRES_DB_NAME")
	_ = v.BindEnv("archive.postgres.sslMode", "RELAYD_ARCHIVE_POSTGRES_SSL_MODE")
	_ = v.BindEnv("archive.postgres.maxConns", "RELAYD_ARCHIVE_POSTGRES_MAX_CONNS")
	_ = v.BindEnv("archive.postgres.minConns", "RELAYD_ARCHIVE_POSTGRES_MIN_CONNS")
	_ = v.BindEnv("transport.kind", "RELAYD_TRANSPORT_KIND")
	_ = v.BindEnv("transport.slack.webhookUrl", "RELAYD_SLACK_WEBHOOK_URL")
	_ = v.BindEnv("transport.slack.channel", "RELAYD_SLACK_CHANNEL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relayd/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := expandPaths(&cfg); err != nil {
		return nil, fmt.Errorf("error expanding paths: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandPaths resolves "~/" prefixes in the directory options so every
// component sees absolute paths.
func expandPaths(cfg *Config) error {
	var err error
	if cfg.DataDir, err = fsutil.ExpandPath(cfg.DataDir); err != nil {
		return err
	}
	if cfg.Release.RootDir != "" {
		if cfg.Release.RootDir, err = fsutil.ExpandPath(cfg.Release.RootDir); err != nil {
			return err
		}
	}
	if cfg.Worktree.RootDir != "" {
		if cfg.Worktree.RootDir, err = fsutil.ExpandPath(cfg.Worktree.RootDir); err != nil {
			return err
		}
	}
	if cfg.Archive.SQLitePath != "" {
		if cfg.Archive.SQLitePath, err = fsutil.ExpandPath(cfg.Archive.SQLitePath); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks an already-built configuration. Load runs it implicitly;
// the doctor command reruns it against the effective config.
func Validate(cfg *Config) error {
	return validate(cfg)
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Control.ListenAddr == "" {
		errs = append(errs, "control.listenAddr is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Worker.SessionPrefix == "" {
		errs = append(errs, "worker.sessionPrefix is required")
	}
	if cfg.Worker.Mode != "tmux" && cfg.Worker.Mode != "proc" {
		errs = append(errs, "worker.mode must be one of: tmux, proc")
	}
	if cfg.Worker.FailedRetentionHours < 0 {
		errs = append(errs, "worker.failedRetentionHours must not be negative")
	}

	validIntegrity := map[string]bool{"off": true, "warn": true, "strict": true}
	if !validIntegrity[cfg.Release.StartupIntegrityMode] {
		errs = append(errs, "release.startupIntegrityMode must be one of: off, warn, strict")
	}

	if cfg.Bridge.RetryBaseMs <= 0 {
		errs = append(errs, "bridge.retryBaseMs must be positive")
	}
	if cfg.Bridge.RetryMaxMs < cfg.Bridge.RetryBaseMs {
		errs = append(errs, "bridge.retryMaxMs must be >= bridge.retryBaseMs")
	}
	if cfg.Bridge.MaxRetries < 0 {
		errs = append(errs, "bridge.maxRetries must not be negative")
	}

	if cfg.Task.MaxRetries < 0 {
		errs = append(errs, "task.maxRetries must not be negative")
	}
	if cfg.Task.MaxConcurrentWorkers < 1 {
		errs = append(errs, "task.maxConcurrentWorkers must be at least 1")
	}
	if cfg.Task.CancelTimeoutMs <= 0 {
		errs = append(errs, "task.cancelTimeoutMs must be positive")
	}

	if cfg.Engine.Mode != "mock" && cfg.Engine.Mode != "process" {
		errs = append(errs, "engine.mode must be one of: mock, process")
	}

	// Archive validation - postgres fields only required when selected
	switch cfg.Archive.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Archive.Postgres.Host == "" {
			errs = append(errs, "archive.postgres.host is required when archive.driver is postgres")
		}
		if cfg.Archive.Postgres.User == "" {
			errs = append(errs, "archive.postgres.user is required when archive.driver is postgres")
		}
		if cfg.Archive.Postgres.DBName == "" {
			errs = append(errs, "archive.postgres.dbName is required when archive.driver is postgres")
		}
	default:
		errs = append(errs, "archive.driver must be one of: sqlite, postgres")
	}

	if cfg.Transport.Kind != "log" && cfg.Transport.Kind != "slack" {
		errs = append(errs, "transport.kind must be one of: log, slack")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}
