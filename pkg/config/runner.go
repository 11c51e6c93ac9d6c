package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Git clone backends understood by the runner.
const (
	GitBackendGoGit = "gogit"
	GitBackendCLI   = "cli"
)

// RunnerConfig holds runtime configuration for the bot runner service.
type RunnerConfig struct {
	Environment string `yaml:"environment"`
	Addr        string `yaml:"addr"`
	LogLevel    string `yaml:"log_level"`

	DockerHost string          `yaml:"docker_host"`
	DockerTLS  DockerTLSConfig `yaml:"docker_tls"`
	Network    string          `yaml:"network"`
	BaseImage  string          `yaml:"base_image"`
	Workdir    string          `yaml:"workdir"`

	MaxBotsPerTenant int            `yaml:"max_bots_per_tenant"`
	DefaultLimits    LimitsConfig   `yaml:"default_limits"`
	Security         SecurityConfig `yaml:"security"`
	LogMaxSize       string         `yaml:"log_max_size"`
	LogMaxFile       string         `yaml:"log_max_file"`

	BuildTimeout    time.Duration `yaml:"build_timeout"`
	GitTimeout      time.Duration `yaml:"git_timeout"`
	GitBackend      string        `yaml:"git_backend"`
	ArchiveTimeout  time.Duration `yaml:"archive_timeout"`
	ArchiveMaxBytes int64         `yaml:"archive_max_bytes"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`

	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	BotManagementLimit int           `yaml:"bot_management_limit"`
	TaskTimeout        time.Duration `yaml:"task_timeout"`

	EventBuffer          int           `yaml:"event_buffer"`
	EventCallbackURL     string        `yaml:"event_callback_url"`
	EventCallbackToken   string        `yaml:"event_callback_token"`
	EventCallbackTimeout time.Duration `yaml:"event_callback_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	DatabaseURL string `yaml:"database_url"`

	JWTSecret string `yaml:"jwt_secret"`
	TokenHash string `yaml:"token_hash"`
}

// DockerTLSConfig points at client certificates for a TLS protected engine.
type DockerTLSConfig struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

// Enabled reports whether any TLS material was configured.
func (t DockerTLSConfig) Enabled() bool {
	return t.CACert != "" || t.Cert != "" || t.Key != ""
}

// LimitsConfig carries the process-wide default resource limits.
type LimitsConfig struct {
	MemoryMB     int     `yaml:"memory_mb"`
	CPUCores     float64 `yaml:"cpu_cores"`
	PidsLimit    int64   `yaml:"pids_limit"`
	TimeoutHours int     `yaml:"timeout_hours"`
}

// SecurityConfig is the fixed hardening profile applied to every bot container.
type SecurityConfig struct {
	SecurityOpt []string `yaml:"security_opt"`
	CapDrop     []string `yaml:"cap_drop"`
	CapAdd      []string `yaml:"cap_add"`
}

// DefaultRunnerConfig returns the built-in defaults before file or env overrides.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Environment: "development",
		Addr:        ":5100",
		LogLevel:    "info",
		DockerHost:  "unix:///var/run/docker.sock",
		Network:     "bot_runner_network",
		BaseImage:   "python:3.11-slim",
		Workdir:     "/tmp/botrunner",

		MaxBotsPerTenant: 3,
		DefaultLimits: LimitsConfig{
			MemoryMB:     256,
			CPUCores:     0.5,
			PidsLimit:    100,
			TimeoutHours: 24,
		},
		Security: SecurityConfig{
			SecurityOpt: []string{"no-new-privileges:true"},
			CapDrop:     []string{"ALL"},
			CapAdd:      []string{"NET_BIND_SERVICE"},
		},
		LogMaxSize: "10m",
		LogMaxFile: "1",

		BuildTimeout:    300 * time.Second,
		GitTimeout:      120 * time.Second,
		GitBackend:      GitBackendGoGit,
		ArchiveTimeout:  120 * time.Second,
		ArchiveMaxBytes: 256 << 20,
		StopTimeout:     10 * time.Second,

		MaxConcurrentTasks: 10,
		BotManagementLimit: 5,
		TaskTimeout:        15 * time.Minute,

		EventBuffer:          64,
		EventCallbackTimeout: 5 * time.Second,

		RedisPrefix: "botrunner",
	}
}

// LoadRunnerConfig builds a RunnerConfig from defaults, an optional YAML file
// and environment variables, in that order of precedence (env wins).
func LoadRunnerConfig(path string) (RunnerConfig, error) {
	cfg := DefaultRunnerConfig()
	if path == "" {
		path = GetString("BOT_RUNNER_CONFIG", "")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return RunnerConfig{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return RunnerConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return RunnerConfig{}, err
	}
	return cfg, nil
}

func (c *RunnerConfig) applyEnv() {
	c.Environment = GetString("APP_ENV", c.Environment)
	c.Addr = GetString("BOT_RUNNER_ADDR", c.Addr)
	c.LogLevel = GetString("LOG_LEVEL", c.LogLevel)

	c.DockerHost = GetString("DOCKER_HOST", c.DockerHost)
	c.DockerTLS.CACert = GetString("DOCKER_TLS_CA", c.DockerTLS.CACert)
	c.DockerTLS.Cert = GetString("DOCKER_TLS_CERT", c.DockerTLS.Cert)
	c.DockerTLS.Key = GetString("DOCKER_TLS_KEY", c.DockerTLS.Key)
	c.Network = GetString("DOCKER_NETWORK", c.Network)
	c.BaseImage = GetString("BASE_IMAGE", c.BaseImage)
	c.Workdir = GetString("BOT_RUNNER_WORKDIR", c.Workdir)

	c.MaxBotsPerTenant = GetInt("MAX_BOTS_PER_USER", c.MaxBotsPerTenant)
	c.DefaultLimits.MemoryMB = GetInt("DEFAULT_MEMORY_MB", c.DefaultLimits.MemoryMB)
	c.DefaultLimits.CPUCores = GetFloat("DEFAULT_CPU_CORES", c.DefaultLimits.CPUCores)
	c.DefaultLimits.PidsLimit = GetInt64("DEFAULT_PIDS_LIMIT", c.DefaultLimits.PidsLimit)
	c.DefaultLimits.TimeoutHours = GetInt("DEFAULT_TIMEOUT_HOURS", c.DefaultLimits.TimeoutHours)
	c.Security.SecurityOpt = GetStringSlice("SECURITY_OPT", c.Security.SecurityOpt)
	c.Security.CapDrop = GetStringSlice("CAP_DROP", c.Security.CapDrop)
	c.Security.CapAdd = GetStringSlice("CAP_ADD", c.Security.CapAdd)
	c.LogMaxSize = GetString("LOG_MAX_SIZE", c.LogMaxSize)
	c.LogMaxFile = GetString("LOG_MAX_FILE", c.LogMaxFile)

	c.BuildTimeout = GetSeconds("BUILD_TIMEOUT_SECONDS", c.BuildTimeout)
	c.GitTimeout = GetSeconds("GIT_TIMEOUT_SECONDS", c.GitTimeout)
	c.GitBackend = strings.ToLower(GetString("GIT_BACKEND", c.GitBackend))
	c.ArchiveTimeout = GetSeconds("ARCHIVE_TIMEOUT_SECONDS", c.ArchiveTimeout)
	c.ArchiveMaxBytes = GetInt64("ARCHIVE_MAX_BYTES", c.ArchiveMaxBytes)
	c.StopTimeout = GetSeconds("STOP_TIMEOUT_SECONDS", c.StopTimeout)

	c.MaxConcurrentTasks = GetInt("MAX_CONCURRENT_TASKS", c.MaxConcurrentTasks)
	c.BotManagementLimit = GetInt("BOT_MANAGEMENT_LIMIT", c.BotManagementLimit)
	c.TaskTimeout = GetSeconds("TASK_TIMEOUT_SECONDS", c.TaskTimeout)

	c.EventBuffer = GetInt("EVENT_BUFFER", c.EventBuffer)
	c.EventCallbackURL = GetString("EVENT_CALLBACK_URL", c.EventCallbackURL)
	c.EventCallbackToken = GetString("EVENT_CALLBACK_TOKEN", c.EventCallbackToken)
	c.EventCallbackTimeout = GetSeconds("EVENT_CALLBACK_TIMEOUT_SECONDS", c.EventCallbackTimeout)

	c.RedisAddr = GetString("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = GetString("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = GetInt("REDIS_DB", c.RedisDB)
	c.RedisPrefix = GetString("REDIS_PREFIX", c.RedisPrefix)

	c.DatabaseURL = GetString("DATABASE_URL", c.DatabaseURL)

	c.JWTSecret = GetString("WORKER_JWT_SECRET", c.JWTSecret)
	c.TokenHash = GetString("WORKER_TOKEN_HASH", c.TokenHash)
}

// Validate reports every invalid setting at once.
func (c RunnerConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Network) == "" {
		errs = append(errs, errors.New("docker network name required"))
	}
	if strings.TrimSpace(c.BaseImage) == "" {
		errs = append(errs, errors.New("base image required"))
	}
	if strings.TrimSpace(c.Workdir) == "" {
		errs = append(errs, errors.New("workdir required"))
	}
	if c.MaxBotsPerTenant < 0 {
		errs = append(errs, fmt.Errorf("max bots per tenant must not be negative, got %d", c.MaxBotsPerTenant))
	}
	if c.DefaultLimits.MemoryMB <= 0 {
		errs = append(errs, fmt.Errorf("default memory_mb must be positive, got %d", c.DefaultLimits.MemoryMB))
	}
	if c.DefaultLimits.CPUCores <= 0 {
		errs = append(errs, fmt.Errorf("default cpu_cores must be positive, got %g", c.DefaultLimits.CPUCores))
	}
	if c.DefaultLimits.PidsLimit <= 0 {
		errs = append(errs, fmt.Errorf("default pids_limit must be positive, got %d", c.DefaultLimits.PidsLimit))
	}
	if _, err := units.FromHumanSize(c.LogMaxSize); err != nil {
		errs = append(errs, fmt.Errorf("log max size %q: %w", c.LogMaxSize, err))
	}
	if n, err := strconv.Atoi(c.LogMaxFile); err != nil || n <= 0 {
		errs = append(errs, fmt.Errorf("log max file must be a positive integer, got %q", c.LogMaxFile))
	}
	switch c.GitBackend {
	case GitBackendGoGit, GitBackendCLI:
	default:
		errs = append(errs, fmt.Errorf("unknown git backend %q", c.GitBackend))
	}
	for name, d := range map[string]time.Duration{
		"build timeout":   c.BuildTimeout,
		"git timeout":     c.GitTimeout,
		"archive timeout": c.ArchiveTimeout,
		"stop timeout":    c.StopTimeout,
		"task timeout":    c.TaskTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.MaxConcurrentTasks <= 0 || c.BotManagementLimit <= 0 {
		errs = append(errs, errors.New("task concurrency limits must be positive"))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("event buffer must be positive, got %d", c.EventBuffer))
	}
	if c.DockerTLS.Enabled() && (c.DockerTLS.Cert == "") != (c.DockerTLS.Key == "") {
		errs = append(errs, errors.New("docker tls cert and key must be set together"))
	}
	return errors.Join(errs...)
}
