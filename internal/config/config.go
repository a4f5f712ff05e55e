// ABOUTME: Configuration loading and parsing for stagehand
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Scheduler task store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config represents the complete stagehand configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Intake    IntakeConfig    `yaml:"intake" toml:"intake"`
	Flow      FlowConfig      `yaml:"flow" toml:"flow"`
	Admin     AdminConfig     `yaml:"admin" toml:"admin"`
	LLM       LLMConfig       `yaml:"llm" toml:"llm"`
	Matrix    MatrixConfig    `yaml:"matrix" toml:"matrix"`
	Owner     OwnerConfig     `yaml:"owner" toml:"owner"`
	Export    ExportConfig    `yaml:"export" toml:"export"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	// HTTPAddr serves the webhook, health and admin routes.
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the gRPC health service.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// SchedulerConfig selects and tunes the task store.
type SchedulerConfig struct {
	Backend      string        `yaml:"backend" toml:"backend"`
	BatchSize    int           `yaml:"batch_size" toml:"batch_size"`
	Redis        RedisConfig   `yaml:"redis" toml:"redis"`
	PollInterval time.Duration `yaml:"-" toml:"-"`
	MisfireGrace time.Duration `yaml:"-" toml:"-"`

	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
	MisfireGraceRaw string `yaml:"misfire_grace" toml:"misfire_grace"`
}

// RedisConfig holds the shared task store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// IntakeConfig tunes duplicate and stale message handling.
type IntakeConfig struct {
	DedupeSize     int           `yaml:"dedupe_size" toml:"dedupe_size"`
	LateDropWindow time.Duration `yaml:"-" toml:"-"`
	DedupeTTL      time.Duration `yaml:"-" toml:"-"`

	LateDropWindowRaw string `yaml:"late_drop_window" toml:"late_drop_window"`
	DedupeTTLRaw      string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// FlowConfig tunes the conversation stages.
type FlowConfig struct {
	RequiredFields []string      `yaml:"required_fields" toml:"required_fields"`
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts"`
	AllowMissing   int           `yaml:"allow_missing" toml:"allow_missing"`
	JournalLines   int           `yaml:"journal_lines" toml:"journal_lines"`
	GreetingDelay  time.Duration `yaml:"-" toml:"-"`
	FirstReminder  time.Duration `yaml:"-" toml:"-"`
	SecondReminder time.Duration `yaml:"-" toml:"-"`
	FinalReminder  time.Duration `yaml:"-" toml:"-"`

	// OfferDocument and OfferVideo are uploaded media IDs (mxc:// URIs on
	// Matrix) sent to the client once all details are collected.
	OfferDocument string `yaml:"offer_document" toml:"offer_document"`
	OfferVideo    string `yaml:"offer_video" toml:"offer_video"`

	GreetingDelayRaw  string `yaml:"greeting_delay" toml:"greeting_delay"`
	FirstReminderRaw  string `yaml:"first_reminder" toml:"first_reminder"`
	SecondReminderRaw string `yaml:"second_reminder" toml:"second_reminder"`
	FinalReminderRaw  string `yaml:"final_reminder" toml:"final_reminder"`
}

// AdminConfig holds operator access configuration
type AdminConfig struct {
	// Allow lists the user IDs that may run chat commands.
	Allow     []string `yaml:"allow" toml:"allow"`
	JWTSecret string   `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LLMConfig holds the Anthropic client configuration. An empty API key
// disables generation and classification; stages fall back to fixed texts.
type LLMConfig struct {
	APIKey    string        `yaml:"api_key" toml:"api_key"`
	Model     string        `yaml:"model" toml:"model"`
	MaxTokens int64         `yaml:"max_tokens" toml:"max_tokens"`
	System    string        `yaml:"system" toml:"system"`
	Timeout   time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// MatrixConfig holds Matrix integration configuration
type MatrixConfig struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	Homeserver   string   `yaml:"homeserver" toml:"homeserver"`
	UserID       string   `yaml:"user_id" toml:"user_id"`
	AccessToken  string   `yaml:"access_token" toml:"access_token"`
	AllowedRooms []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
}

// OwnerConfig is where handoff summaries go.
type OwnerConfig struct {
	Address string `yaml:"address" toml:"address"`
}

// ExportConfig selects the lead export target. An empty driver logs leads only.
type ExportConfig struct {
	Driver      string        `yaml:"driver" toml:"driver"`
	DSN         string        `yaml:"dsn" toml:"dsn"`
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"-" toml:"-"`

	RetryDelayRaw string `yaml:"retry_delay" toml:"retry_delay"`
}

// TelemetryConfig holds tracing configuration
type TelemetryConfig struct {
	Enabled     bool              `yaml:"enabled" toml:"enabled"`
	ServiceName string            `yaml:"service_name" toml:"service_name"`
	Environment string            `yaml:"environment" toml:"environment"`
	Endpoint    string            `yaml:"endpoint" toml:"endpoint"`
	Headers     map[string]string `yaml:"headers" toml:"headers"`
	Insecure    bool              `yaml:"insecure" toml:"insecure"`
	SampleRatio float64           `yaml:"sample_ratio" toml:"sample_ratio"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:8080",
			GRPCAddr: "127.0.0.1:50051",
		},
		Database: DatabaseConfig{Path: "~/.local/share/stagehand/stagehand.db"},
		Scheduler: SchedulerConfig{
			Backend:         BackendSQLite,
			PollIntervalRaw: "1s",
			MisfireGraceRaw: "300s",
			BatchSize:       100,
		},
		Intake: IntakeConfig{
			LateDropWindowRaw: "20m",
			DedupeTTLRaw:      "1h",
			DedupeSize:        10000,
		},
		Flow: FlowConfig{
			GreetingDelayRaw:  "15s",
			RequiredFields:    []string{"event_date", "event_time", "venue", "guests_count"},
			MaxAttempts:       3,
			FirstReminderRaw:  "4h",
			SecondReminderRaw: "12h",
			FinalReminderRaw:  "4h",
			JournalLines:      10,
		},
		LLM: LLMConfig{
			MaxTokens:  1024,
			TimeoutRaw: "30s",
		},
		Export: ExportConfig{
			RetryDelayRaw: "600s",
			MaxAttempts:   5,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "stagehand",
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before parsing.
// Values missing from the file keep their Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	cfg.Database.Path = expandHome(cfg.Database.Path)
	cfg.Tailscale.StateDir = expandHome(cfg.Tailscale.StateDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Scheduler.Backend {
	case BackendMemory, BackendSQLite:
	case BackendRedis:
		if c.Scheduler.Redis.Addr == "" {
			return fmt.Errorf("scheduler.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("scheduler.backend must be one of memory, sqlite, redis (got %q)", c.Scheduler.Backend)
	}

	if len(c.Flow.RequiredFields) == 0 {
		return fmt.Errorf("flow.required_fields must not be empty")
	}
	if c.Flow.MaxAttempts < 1 {
		return fmt.Errorf("flow.max_attempts must be at least 1")
	}
	if c.Flow.AllowMissing < 0 || c.Flow.AllowMissing >= len(c.Flow.RequiredFields) {
		return fmt.Errorf("flow.allow_missing must be between 0 and %d", len(c.Flow.RequiredFields)-1)
	}

	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.homeserver, matrix.user_id and matrix.access_token are required when matrix is enabled")
		}
	}

	switch c.Export.Driver {
	case "":
	case "sqlite", "postgres":
		if c.Export.DSN == "" {
			return fmt.Errorf("export.dsn is required for the %s driver", c.Export.Driver)
		}
	default:
		return fmt.Errorf("export.driver must be sqlite or postgres (got %q)", c.Export.Driver)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.poll_interval", cfg.Scheduler.PollIntervalRaw, &cfg.Scheduler.PollInterval},
		{"scheduler.misfire_grace", cfg.Scheduler.MisfireGraceRaw, &cfg.Scheduler.MisfireGrace},
		{"intake.late_drop_window", cfg.Intake.LateDropWindowRaw, &cfg.Intake.LateDropWindow},
		{"intake.dedupe_ttl", cfg.Intake.DedupeTTLRaw, &cfg.Intake.DedupeTTL},
		{"flow.greeting_delay", cfg.Flow.GreetingDelayRaw, &cfg.Flow.GreetingDelay},
		{"flow.first_reminder", cfg.Flow.FirstReminderRaw, &cfg.Flow.FirstReminder},
		{"flow.second_reminder", cfg.Flow.SecondReminderRaw, &cfg.Flow.SecondReminder},
		{"flow.final_reminder", cfg.Flow.FinalReminderRaw, &cfg.Flow.FinalReminder},
		{"llm.timeout", cfg.LLM.TimeoutRaw, &cfg.LLM.Timeout},
		{"export.retry_delay", cfg.Export.RetryDelayRaw, &cfg.Export.RetryDelay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
