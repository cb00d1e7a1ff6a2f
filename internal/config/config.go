// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it.
type AppConfig struct {
	Data      DataConfig      `mapstructure:"data"`
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Container ContainerConfig `mapstructure:"container"`
	Git       GitConfig       `mapstructure:"git"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Hooks     HooksConfig     `mapstructure:"hooks"`
}

// DataConfig locates the durable state directory. Everything the manager
// persists (projects.json, per-project tasks/repos/worktrees/logs) lives
// under Dir.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
	// HostDir is the same directory as seen by the Docker daemon. When the
	// manager itself runs inside a container, bind mounts must use host
	// paths; empty means Dir is already a host path.
	HostDir string `mapstructure:"host_dir"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string            `mapstructure:"level"`
	Format string            `mapstructure:"format"`
	Output []LogOutputConfig `mapstructure:"output"`
	Levels map[string]string `mapstructure:"levels"`
}

// LogOutputConfig defines where logs are written.
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file" or "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`
	Rotate  LogRotateConfig `mapstructure:"rotate"`
}

// LogRotateConfig defines log rotation settings.
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// ServerConfig holds the HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// LocalReposDir is scanned by the local-repos discovery endpoint;
	// empty disables discovery.
	LocalReposDir string `mapstructure:"local_repos_dir"`
}

// ContainerConfig holds worker container configuration.
type ContainerConfig struct {
	Image       string `mapstructure:"image"`
	NamePrefix  string `mapstructure:"name_prefix"`
	WorkerCount int    `mapstructure:"worker_count"`
	DockerHost  string `mapstructure:"docker_host"`
	NetworkMode string `mapstructure:"network_mode"`
	// ManagerURL is the callback base URL as reachable from inside a
	// worker container.
	ManagerURL  string        `mapstructure:"manager_url"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	// ForwardEnv names host environment variables copied into every worker
	// container (credentials, model selection).
	ForwardEnv []string `mapstructure:"forward_env"`
}

// GitConfig holds git subprocess configuration.
type GitConfig struct {
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	MergeTimeout     time.Duration `mapstructure:"merge_timeout"`
	CloneTimeout     time.Duration `mapstructure:"clone_timeout"`
	PushTimeout      time.Duration `mapstructure:"push_timeout"`
	MergeTestTimeout time.Duration `mapstructure:"merge_test_timeout"`
	// MergeTestScript is the external merge-and-test entrypoint; empty
	// disables the test step and treats every merge candidate as passing.
	MergeTestScript string `mapstructure:"merge_test_script"`
	// TemplatePath points at the instructions file injected into every
	// worktree as CLAUDE.md; empty disables injection.
	TemplatePath string `mapstructure:"template_path"`
}

// SchedulerConfig holds dispatch loop pacing.
type SchedulerConfig struct {
	IdlePollInterval   time.Duration `mapstructure:"idle_poll_interval"`
	ClaimRetryInterval time.Duration `mapstructure:"claim_retry_interval"`
	DispatchPacing     time.Duration `mapstructure:"dispatch_pacing"`
	LockTimeout        time.Duration `mapstructure:"lock_timeout"`
}

// HooksConfig holds the external experience hook commands. Both are
// best-effort: failures are logged, never surfaced to the task.
type HooksConfig struct {
	ExperienceLogCommand   []string      `mapstructure:"experience_log_command"`
	ExperienceQueryCommand []string      `mapstructure:"experience_query_command"`
	LogTimeout             time.Duration `mapstructure:"log_timeout"`
	QueryTimeout           time.Duration `mapstructure:"query_timeout"`
}

// NewConfig creates a new AppConfig by reading from a file, environment
// variables, and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/taskhive/")
		v.AddConfigPath("$HOME/.taskhive")
	}

	v.SetEnvPrefix("TASKHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Missing config file is fine: defaults + env carry a full setup.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func defaultConfig() AppConfig {
	return AppConfig{
		Data: DataConfig{
			Dir: "./data",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/taskhive.log",
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
				"registry":  "INFO",
				"scheduler": "INFO",
				"git":       "INFO",
				"container": "INFO",
				"api":       "INFO",
				"logtail":   "WARN",
			},
		},
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          8420,
			LocalReposDir: "/mnt/repos",
		},
		Container: ContainerConfig{
			Image:       "claude-worker:latest",
			NamePrefix:  "claude-worker-",
			WorkerCount: 3,
			DockerHost:  "",
			NetworkMode: "",
			ManagerURL:  "http://host.docker.internal:8420",
			StopTimeout: 10 * time.Second,
			WaitTimeout: 30 * time.Minute,
			ForwardEnv: []string{
				"ANTHROPIC_API_KEY",
				"ANTHROPIC_BASE_URL",
				"ANTHROPIC_MODEL",
			},
		},
		Git: GitConfig{
			CommandTimeout:   60 * time.Second,
			FetchTimeout:     120 * time.Second,
			MergeTimeout:     60 * time.Second,
			CloneTimeout:     300 * time.Second,
			PushTimeout:      120 * time.Second,
			MergeTestTimeout: 600 * time.Second,
			MergeTestScript:  "",
			TemplatePath:     "",
		},
		Scheduler: SchedulerConfig{
			IdlePollInterval:   10 * time.Second,
			ClaimRetryInterval: 15 * time.Second,
			DispatchPacing:     2 * time.Second,
			LockTimeout:        10 * time.Second,
		},
		Hooks: HooksConfig{
			LogTimeout:   120 * time.Second,
			QueryTimeout: 10 * time.Second,
		},
	}
}

// expandPaths resolves ~ and environment variables in path-valued fields.
func (c *AppConfig) expandPaths() {
	c.Data.Dir = expandPath(c.Data.Dir)
	c.Data.HostDir = expandPath(c.Data.HostDir)
	c.Server.LocalReposDir = expandPath(c.Server.LocalReposDir)
	c.Git.MergeTestScript = expandPath(c.Git.MergeTestScript)
	c.Git.TemplatePath = expandPath(c.Git.TemplatePath)
	for i := range c.Log.Output {
		c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
	}
}

func expandPath(p string) string {
	if p == "" {
		return ""
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return p
}

// validate checks the final configuration for values the manager cannot
// run with.
func (c *AppConfig) validate() error {
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir must not be empty")
	}
	if c.Container.WorkerCount < 1 {
		return fmt.Errorf("container.worker_count must be at least 1, got %d", c.Container.WorkerCount)
	}
	if c.Container.Image == "" {
		return fmt.Errorf("container.image must not be empty")
	}
	if c.Container.NamePrefix == "" {
		return fmt.Errorf("container.name_prefix must not be empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Scheduler.LockTimeout <= 0 {
		return fmt.Errorf("scheduler.lock_timeout must be positive")
	}
	return nil
}
