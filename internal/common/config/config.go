// Package config provides configuration management for the orchestration core.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestration core.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	MessageBus   MessageBusConfig   `mapstructure:"messageBus"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Workflow     WorkflowConfig     `mapstructure:"workflow"`
	Stream       StreamConfig       `mapstructure:"stream"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds persistence configuration. Driver is "sqlite" or
// "postgres"; Path applies to sqlite, the host fields to postgres.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// MessageBusConfig holds message bus configuration. An empty URL selects the
// in-memory bus; otherwise NATS JetStream is used.
type MessageBusConfig struct {
	URL               string        `mapstructure:"url"`
	StreamName        string        `mapstructure:"streamName"`
	ClientID          string        `mapstructure:"clientId"`
	MaxReconnects     int           `mapstructure:"maxReconnects"`
	RetentionMessages int64         `mapstructure:"retentionMessages"`
	RetentionAge      time.Duration `mapstructure:"retentionAge"`
	AckWait           time.Duration `mapstructure:"ackWait"`
}

// ConversationConfig holds conversation lifecycle tuning.
type ConversationConfig struct {
	AckTimeout    time.Duration `mapstructure:"ackTimeout"`
	AnswerTimeout time.Duration `mapstructure:"answerTimeout"`
	MaxEscalation int           `mapstructure:"maxEscalation"`
	FollowUpLimit int           `mapstructure:"followUpLimit"`
}

// WorkflowConfig holds workflow engine tuning.
type WorkflowConfig struct {
	ExecutionDeadline time.Duration `mapstructure:"executionDeadline"`
}

// StreamConfig holds broadcast stream tuning.
type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	BufferSize        int           `mapstructure:"bufferSize"`
}

// OrchestratorConfig holds orchestrator tuning.
type OrchestratorConfig struct {
	LockTTL       time.Duration `mapstructure:"lockTTL"`
	MaxConcurrent int           `mapstructure:"maxConcurrent"`
	QueueSize     int           `mapstructure:"queueSize"`
}

// AgentsConfig holds agent factory configuration.
type AgentsConfig struct {
	// RoleDefinitionsPath points at the yaml file with per-role system prompts.
	RoleDefinitionsPath string `mapstructure:"roleDefinitionsPath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PostgresDSN builds the pgx connection string from the database section.
func (d *DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SQUADFLOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "squadflow.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "squadflow")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "squadflow")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// Message bus defaults - empty URL means use the in-memory bus
	v.SetDefault("messageBus.url", "")
	v.SetDefault("messageBus.streamName", "AGENT_MSG")
	v.SetDefault("messageBus.clientId", "squadflow-core")
	v.SetDefault("messageBus.maxReconnects", 10)
	v.SetDefault("messageBus.retentionMessages", int64(1_000_000))
	v.SetDefault("messageBus.retentionAge", 7*24*time.Hour)
	v.SetDefault("messageBus.ackWait", 30*time.Second)

	// Conversation defaults
	v.SetDefault("conversation.ackTimeout", 60*time.Second)
	v.SetDefault("conversation.answerTimeout", 10*time.Minute)
	v.SetDefault("conversation.maxEscalation", 2)
	v.SetDefault("conversation.followUpLimit", 1)

	// Workflow defaults
	v.SetDefault("workflow.executionDeadline", 24*time.Hour)

	// Stream defaults
	v.SetDefault("stream.heartbeatInterval", 15*time.Second)
	v.SetDefault("stream.bufferSize", 256)

	// Orchestrator defaults
	v.SetDefault("orchestrator.lockTTL", 30*time.Second)
	v.SetDefault("orchestrator.maxConcurrent", 16)
	v.SetDefault("orchestrator.queueSize", 256)

	// Agent defaults
	v.SetDefault("agents.roleDefinitionsPath", "roles.yaml")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SQUADFLOW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/squadflow/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SQUADFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the camelCase
	// config keys; AutomaticEnv does not convert camelCase to SNAKE_CASE.
	_ = v.BindEnv("messageBus.url", "SQUADFLOW_MESSAGE_BUS_URL", "NATS_URL")
	_ = v.BindEnv("messageBus.streamName", "SQUADFLOW_MESSAGE_BUS_STREAM_NAME")
	_ = v.BindEnv("agents.roleDefinitionsPath", "SQUADFLOW_ROLE_DEFINITIONS")
	_ = v.BindEnv("database.driver", "SQUADFLOW_DATABASE_DRIVER")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/squadflow/")

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

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks the configuration for invalid combinations.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or memory, got %q", cfg.Database.Driver)
	}
	if cfg.Conversation.MaxEscalation < 0 {
		return fmt.Errorf("conversation.maxEscalation must not be negative")
	}
	if cfg.Conversation.FollowUpLimit < 0 {
		return fmt.Errorf("conversation.followUpLimit must not be negative")
	}
	if cfg.Stream.BufferSize <= 0 {
		return fmt.Errorf("stream.bufferSize must be positive")
	}
	if cfg.Orchestrator.LockTTL <= 0 {
		return fmt.Errorf("orchestrator.lockTTL must be positive")
	}
	return nil
}
