package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "AGENTBUILD_"

type Config struct {
	DataDir   string          `koanf:"data_dir"`
	Service   ServiceConfig   `koanf:"service"`
	Poll      PollConfig      `koanf:"poll"`
	Registry  RegistryConfig  `koanf:"registry"`
	Server    ServerConfig    `koanf:"server"`
	Artifacts ArtifactsConfig `koanf:"artifacts"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServiceConfig points at the remote build service.
type ServiceConfig struct {
	BaseURL        string        `koanf:"base_url"`
	Token          string        `koanf:"token"`
	UserID         string        `koanf:"user_id"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	StatusRetries  int           `koanf:"status_retries"`
}

type PollConfig struct {
	InitialDelay time.Duration `koanf:"initial_delay"`
	Interval     time.Duration `koanf:"interval"`
	MaxInterval  time.Duration `koanf:"max_interval"`
	MaxDuration  time.Duration `koanf:"max_duration"`
	FallbackName string        `koanf:"fallback_name"`
}

type RegistryConfig struct {
	Driver      string `koanf:"driver"`
	Path        string `koanf:"path"`
	RedisURL    string `koanf:"redis_url"`
	RedisPrefix string `koanf:"redis_prefix"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type ArtifactsConfig struct {
	Download bool   `koanf:"download"`
	Dir      string `koanf:"dir"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

var sections = map[string]bool{
	"service":   true,
	"poll":      true,
	"registry":  true,
	"server":    true,
	"artifacts": true,
	"logging":   true,
}

// Load reads defaults, then the YAML file at configPath if given, then
// AGENTBUILD_ environment variables. AGENTBUILD_SERVICE_BASE_URL maps to
// service.base_url; AGENTBUILD_DATA_DIR maps to data_dir.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")
	loadDefaults(k)

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		if value == "" {
			return "", nil
		}
		return envKey(key), value
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Registry.Path == "" {
		cfg.Registry.Path = filepath.Join(cfg.DataDir, "builds.db")
	}
	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = cfg.DataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Service.BaseURL == "" {
		errs = append(errs, errors.New("service.base_url is required"))
	}
	switch c.Registry.Driver {
	case "sqlite":
	case "redis":
		if c.Registry.RedisURL == "" {
			errs = append(errs, errors.New("registry.redis_url is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry.driver %q", c.Registry.Driver))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.Poll.MaxDuration < 0 {
		errs = append(errs, errors.New("poll.max_duration must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, rest, ok := strings.Cut(key, "_")
	if ok && sections[section] {
		return section + "." + rest
	}
	return key
}

// LoadDotEnv loads the first .env found in the working directory or up to
// four of its parents. Variables already set win.
func LoadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
