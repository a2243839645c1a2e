package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store      StoreConfig      `yaml:"store"`
	NATS       NATSConfig       `yaml:"nats"`
	Web        WebConfig        `yaml:"web"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Vault      VaultConfig      `yaml:"vault"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type DispatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type WorkflowConfig struct {
	StepTimeout time.Duration `yaml:"step_timeout"`
}

type SnapshotConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Dir      string        `yaml:"dir"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// DefaultsConfig holds process-wide fallbacks applied when an agent
// states no preference of its own.
type DefaultsConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/stagehand.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Dispatcher: DispatcherConfig{
			PollInterval: 5 * time.Second,
		},
		Workflow: WorkflowConfig{
			StepTimeout: 60 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
			Dir:      "data/stats",
		},
		Defaults: DefaultsConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5-20250929",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("STAGEHAND_CONFIG")
	if path == "" {
		path = "config/stagehand.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STAGEHAND_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("STAGEHAND_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("STAGEHAND_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("STAGEHAND_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("STAGEHAND_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("STAGEHAND_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatcher.PollInterval = d
		}
	}
}
