// Package config loads the console configuration: defaults, then a YAML file, then env.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile = "NOTEDECK_CONFIG"

	DefaultBackendURL = "http://127.0.0.1:8483/api"
)

type Config struct {
	Backend     BackendConfig `yaml:"backend"`
	Store       StoreConfig   `yaml:"store"`
	Server      ServerConfig  `yaml:"server"`
	Log         LogConfig     `yaml:"log"`
	Models      ModelsConfig  `yaml:"models"`
	Tasks       TasksConfig   `yaml:"tasks"`
	Bili        BiliConfig    `yaml:"bili"`
	Events      EventsConfig  `yaml:"events"`
	CatalogFile string        `yaml:"catalog_file"`
}

type BackendConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
	RetryCount    int           `yaml:"retry_count"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type ModelsConfig struct {
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	Concurrency int           `yaml:"concurrency"`
}

type TasksConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ListLimit    int           `yaml:"list_limit"`
}

type BiliConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LogLimit          int           `yaml:"log_limit"`
}

type EventsConfig struct {
	StoragePollInterval time.Duration `yaml:"storage_poll_interval"`
	RedisURL            string        `yaml:"redis_url"`
	RedisChannel        string        `yaml:"redis_channel"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:       DefaultBackendURL,
			Timeout:       60 * time.Second,
			UploadTimeout: 5 * time.Minute,
			RetryCount:    2,
		},
		Store:  StoreConfig{Path: "notedeck.db"},
		Server: ServerConfig{Host: "127.0.0.1", Port: 8090},
		Log:    LogConfig{Level: "info"},
		Models: ModelsConfig{CacheTTL: 5 * time.Minute, Concurrency: 4},
		Tasks:  TasksConfig{PollInterval: 2 * time.Second, ListLimit: 50},
		Bili: BiliConfig{
			ReconnectDelay:    3 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			LogLimit:          100,
		},
		Events: EventsConfig{
			StoragePollInterval: time.Second,
			RedisChannel:        "notedeck:events",
		},
	}
}

// Load applies, in order, defaults, the YAML file at path (or the discovered one when path
// is empty) and environment overrides, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = resolveConfigPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func resolveConfigPath() string {
	if explicit := strings.TrimSpace(os.Getenv(EnvConfigFile)); explicit != "" {
		return explicit
	}

	candidates := []string{
		"config/notedeck.yaml",
		"/etc/notedeck/notedeck.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "notedeck", "notedeck.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("NOTEDECK_BACKEND_URL")); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("NOTEDECK_DB_PATH")); v != "" {
		cfg.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := strings.TrimSpace(os.Getenv("NOTEDECK_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("NOTEDECK_LOG_FILE")); v != "" {
		cfg.Log.File = v
	}
	if v := strings.TrimSpace(os.Getenv("NOTEDECK_REDIS_URL")); v != "" {
		cfg.Events.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("NOTEDECK_PROVIDERS_FILE")); v != "" {
		cfg.CatalogFile = v
	}
	return nil
}

// Validate rejects configurations the console cannot run with.
func (c Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url must be an http(s) URL, got %q", c.Backend.BaseURL))
	}
	if c.Backend.Timeout <= 0 {
		errs = append(errs, errors.New("backend.timeout must be positive"))
	}
	if c.Backend.RetryCount < 0 {
		errs = append(errs, errors.New("backend.retry_count must not be negative"))
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Models.CacheTTL < 0 {
		errs = append(errs, errors.New("models.cache_ttl must not be negative"))
	}
	if c.Models.Concurrency <= 0 {
		errs = append(errs, errors.New("models.concurrency must be positive"))
	}
	if c.Tasks.PollInterval <= 0 {
		errs = append(errs, errors.New("tasks.poll_interval must be positive"))
	}
	if c.Bili.ReconnectDelay <= 0 || c.Bili.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("bili reconnect_delay and heartbeat_interval must be positive"))
	}
	if c.Bili.LogLimit <= 0 {
		errs = append(errs, errors.New("bili.log_limit must be positive"))
	}
	return errors.Join(errs...)
}

// ListenAddr is host:port for the panel server.
func (c Config) ListenAddr() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}
