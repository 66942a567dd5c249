// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Container ContainerConfig `mapstructure:"container"`
	Git       GitConfig       `mapstructure:"git"`
	Server    ServerConfig    `mapstructure:"server"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Leader    LeaderConfig    `mapstructure:"leader"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Dir      string            `mapstructure:"dir"` // Deprecated, kept for backward compatibility
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console", "syslog"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeLevel      bool   `mapstructure:"include_level"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"` // Level at which to include stack trace
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// QueueConfig holds build-queue configuration.
type QueueConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	DrainInterval  time.Duration `mapstructure:"drain_interval"`
	StalledAfter   time.Duration `mapstructure:"stalled_after"`
}

// ContainerConfig holds container-related configuration.
type ContainerConfig struct {
	DefaultImage   string            `mapstructure:"default_image"`
	WorkspaceDir   string            `mapstructure:"workspace_dir"`
	DockerHost     string            `mapstructure:"docker_host"`
	NetworkMode    string            `mapstructure:"network_mode"`
	Volumes        []VolumeConfig    `mapstructure:"volumes"`
	Environment    map[string]string `mapstructure:"environment"`
	ResourceLimits ResourceLimits    `mapstructure:"resource_limits"`
	Timeouts       ContainerTimeouts `mapstructure:"timeouts"`
}

// VolumeConfig defines volume mount configuration.
type VolumeConfig struct {
	Host      string `mapstructure:"host"`
	Container string `mapstructure:"container"`
	ReadOnly  bool   `mapstructure:"read_only"`
}

// ResourceLimits defines container resource limits.
type ResourceLimits struct {
	CPUShares  int64 `mapstructure:"cpu_shares"`
	MemoryMB   int64 `mapstructure:"memory_mb"`
	DiskSizeMB int64 `mapstructure:"disk_size_mb"`
}

// ContainerTimeouts defines container operation timeouts.
type ContainerTimeouts struct {
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	DefaultStep  time.Duration `mapstructure:"default_step"`
}

// GitConfig holds git-related configuration.
type GitConfig struct {
	WorkspaceRoot string `mapstructure:"workspace_root"`
	DefaultBranch string `mapstructure:"default_branch"`
	CloneDepth    int    `mapstructure:"clone_depth"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AgentToken     string   `mapstructure:"agent_token"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Not read by the HTTP server, which sets no CORS headers
}

// DispatchConfig holds dispatcher behavior configuration.
type DispatchConfig struct {
	DistributedDispatch bool          `mapstructure:"distributed_dispatch"`
	FallbackLocal        bool          `mapstructure:"fallback_local"`
	HeartbeatStale       time.Duration `mapstructure:"heartbeat_stale"`
	LocalPoolSize        int           `mapstructure:"local_pool_size"`
	AgentPoolSize        int           `mapstructure:"agent_pool_size"`
	MaxConcurrentStages  int           `mapstructure:"max_concurrent_stages"`
}

// BreakerConfig holds per-agent circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenMaxCalls uint32        `mapstructure:"half_open_max_calls"`
}

// LeaderConfig holds leader-election configuration.
type LeaderConfig struct {
	LockName     string        `mapstructure:"lock_name"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SecretsConfig holds the secrets-subsystem configuration.
type SecretsConfig struct {
	MasterKeyB64 string `mapstructure:"master_key_b64"`
}

// AgentConfig holds the remote Agent Worker's (C15) own settings: how it
// reaches the master and how it advertises itself to the registry (C11).
type AgentConfig struct {
	MasterURL string   `mapstructure:"master_url"`
	Token     string   `mapstructure:"token"`
	Name      string   `mapstructure:"name"`
	Host      string   `mapstructure:"host"`
	Port      int      `mapstructure:"port"`
	Labels    []string `mapstructure:"labels"`
	MaxBuilds int      `mapstructure:"max_builds"`
	Region    string   `mapstructure:"region"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults. This function replaces the global Init().
func NewConfig(configPath string) (*AppConfig, error) {
	// Create a new config struct with default values
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/forgecore/")
		v.AddConfigPath("$HOME/.forgecore")
	}

	// Configure viper to use environment variables
	v.SetEnvPrefix("FORGECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal the viper configuration into our config struct.
	// This will overwrite the default values with any values found in the config file or env vars.
	// We use a decoder hook to correctly handle nested structs.
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand paths that may contain ~ or environment variables
	cfg.expandPaths()

	// Validate the final configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "forgecore.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Dir:    "./logs", // Backward compatibility
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/forgecore.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: true,
				},
			},
			Levels: map[string]string{
				"executor":    "INFO",
				"buildrunner": "INFO",
				"dag":         "INFO",
				"dispatch":    "INFO",
				"queue":       "INFO",
				"database":    "INFO",
				"git":         "INFO",
				"container":   "INFO",
				"api":         "INFO",
				"agentworker": "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeLevel:      true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Queue: QueueConfig{
			Enabled:       false,
			DrainInterval: 2 * time.Second,
			StalledAfter:  5 * time.Minute,
		},
		Container: ContainerConfig{
			DefaultImage: "ubuntu:22.04",
			WorkspaceDir: "/workspace",
			DockerHost:   "unix:///var/run/docker.sock",
			ResourceLimits: ResourceLimits{
				CPUShares:  1024,
				MemoryMB:   2048,
				DiskSizeMB: 10240,
			},
			Timeouts: ContainerTimeouts{
				StopTimeout: 10 * time.Second,
				DefaultStep: 30 * time.Minute,
			},
		},
		Git: GitConfig{
			WorkspaceRoot: "./workspaces",
			DefaultBranch: "main",
			CloneDepth:    1,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Dispatch: DispatchConfig{
			DistributedDispatch: false,
			FallbackLocal:       true,
			HeartbeatStale:      90 * time.Second,
			LocalPoolSize:       4,
			AgentPoolSize:       2,
			MaxConcurrentStages: 4,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			HalfOpenMaxCalls: 1,
		},
		Leader: LeaderConfig{
			LockName:     "forgecore-leader",
			PollInterval: 15 * time.Second,
		},
		Secrets: SecretsConfig{},
		Agent: AgentConfig{
			MasterURL: "http://127.0.0.1:8080",
			Host:      "0.0.0.0",
			Port:      8090,
			MaxBuilds: 2,
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	if c.Git.WorkspaceRoot != "" {
		c.Git.WorkspaceRoot = expandPath(c.Git.WorkspaceRoot)
	}

	if c.Container.DockerHost != "" {
		c.Container.DockerHost = expandPath(c.Container.DockerHost)
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	// Expand ~ to home directory
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	// Expand environment variables
	path = os.ExpandEnv(path)

	return path
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Container.DefaultImage == "" {
		return errors.New("container default_image is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Dispatch.LocalPoolSize <= 0 {
		return errors.New("dispatch.local_pool_size must be positive")
	}

	if c.Dispatch.MaxConcurrentStages <= 0 {
		return errors.New("dispatch.max_concurrent_stages must be positive")
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		// Fallback for other drivers that might just use a connection string directly
		return dc.Database
	}
}
