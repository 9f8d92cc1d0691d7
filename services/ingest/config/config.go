package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const (
	ExecutorPool   = "pool"
	ExecutorInline = "inline"
)

var defaultToolHosts = []string{"mega.nz", "mega.co.nz"}

// Config holds runtime configuration for the unpackd binaries. Values come
// from an optional YAML file, then the environment, then the defaults below.
type Config struct {
	Addr    string `env:"ADDR,overwrite,default=:8080" yaml:"addr"`
	DataDir string `env:"DATA_DIR,overwrite,default=./data" yaml:"data_dir"`
	DBDSN   string `env:"DB_DSN,overwrite" yaml:"db_dsn"`
	NATSURL string `env:"NATS_URL,overwrite" yaml:"nats_url"`

	Executor      string        `env:"EXECUTOR,overwrite,default=pool" yaml:"executor"`
	Workers       int           `env:"WORKERS,overwrite,default=4" yaml:"workers"`
	QueueCapacity int           `env:"QUEUE_CAPACITY,overwrite,default=64" yaml:"queue_capacity"`
	JobSubject    string        `env:"JOB_SUBJECT,overwrite,default=unpackd.jobs" yaml:"job_subject"`
	JobStream     string        `env:"JOB_STREAM,overwrite,default=UNPACKD_JOBS" yaml:"job_stream"`
	JobQueue      string        `env:"JOB_QUEUE,overwrite,default=unpackd-workers" yaml:"job_queue"`
	JobAckWait    time.Duration `env:"JOB_ACK_WAIT,overwrite,default=1m" yaml:"job_ack_wait"`
	// JobStaleAfter fails jobs left STARTED this long; 0 disables the reaper.
	JobStaleAfter time.Duration `env:"JOB_STALE_AFTER,overwrite,default=2h" yaml:"job_stale_after"`

	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT,overwrite,default=15s" yaml:"connect_timeout"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT,overwrite,default=300s" yaml:"read_timeout"`
	ToolTimeout    time.Duration `env:"TOOL_TIMEOUT,overwrite,default=10m" yaml:"tool_timeout"`
	ToolPath       string        `env:"TOOL_PATH,overwrite,default=megadl" yaml:"tool_path"`
	ToolHosts      []string      `env:"TOOL_HOSTS,overwrite" yaml:"tool_hosts"`
	UserAgent      string        `env:"USER_AGENT,overwrite,default=Mozilla/5.0" yaml:"user_agent"`

	InternalRedirectPrefix string        `env:"INTERNAL_REDIRECT_PREFIX,overwrite" yaml:"internal_redirect_prefix"`
	RequestTimeout         time.Duration `env:"REQUEST_TIMEOUT,overwrite,default=60s" yaml:"request_timeout"`
	AllowedOrigins         []string      `env:"CORS_ALLOWED_ORIGINS,overwrite" yaml:"cors_allowed_origins"`
	RateLimitPerMinute     int           `env:"RATE_LIMIT_PER_MINUTE,overwrite,default=120" yaml:"rate_limit_per_minute"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT,overwrite" yaml:"otlp_endpoint"`
	LogFormat    string `env:"LOG_FORMAT,overwrite,default=json" yaml:"log_format"`
	LogLevel     string `env:"LOG_LEVEL,overwrite,default=info" yaml:"log_level"`
}

// Load reads path (when non-empty) and the process environment.
func Load(ctx context.Context, path string) (Config, error) {
	return load(ctx, path, envconfig.OsLookuper())
}

func load(ctx context.Context, path string, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}

	if len(cfg.ToolHosts) == 0 {
		cfg.ToolHosts = append([]string(nil), defaultToolHosts...)
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	cfg.Executor = strings.ToLower(strings.TrimSpace(cfg.Executor))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the binaries cannot run with.
func (c Config) Validate() error {
	switch c.Executor {
	case ExecutorPool, ExecutorInline:
	default:
		return fmt.Errorf("invalid EXECUTOR %q: want %q or %q", c.Executor, ExecutorPool, ExecutorInline)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid WORKERS %d", c.Workers)
	}
	if c.JobStaleAfter < 0 {
		return fmt.Errorf("invalid JOB_STALE_AFTER %s", c.JobStaleAfter)
	}
	if c.JobStaleAfter > 0 && (c.JobStaleAfter <= c.ToolTimeout || c.JobStaleAfter <= c.ReadTimeout) {
		return fmt.Errorf("JOB_STALE_AFTER %s must exceed TOOL_TIMEOUT and READ_TIMEOUT", c.JobStaleAfter)
	}
	if c.Executor == ExecutorPool {
		// Queue consumers in other processes can only see jobs in a shared store.
		if c.NATSURL != "" && strings.TrimSpace(c.DBDSN) == "" {
			return fmt.Errorf("EXECUTOR=pool with NATS_URL requires DB_DSN")
		}
		if c.NATSURL == "" && c.Workers == 0 {
			return fmt.Errorf("EXECUTOR=pool without NATS_URL requires WORKERS > 0")
		}
	}
	for name, d := range map[string]time.Duration{
		"CONNECT_TIMEOUT": c.ConnectTimeout,
		"READ_TIMEOUT":    c.ReadTimeout,
		"TOOL_TIMEOUT":    c.ToolTimeout,
		"JOB_ACK_WAIT":    c.JobAckWait,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s %s", name, d)
		}
	}
	return nil
}
