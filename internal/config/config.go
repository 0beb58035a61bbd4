package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents runtime configuration for both the endpoint and the chat client.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Model     ModelConfig               `mapstructure:"model"`
	Client    ClientConfig              `mapstructure:"client"`
	Log       LogConfig                 `mapstructure:"log"`
}

type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	MinWorkers     int           `mapstructure:"min_workers"`
	MaxWorkers     int           `mapstructure:"max_workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	WorkerIdle     time.Duration `mapstructure:"worker_idle"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// StorageConfig selects where threads and preferences are kept.
// Driver is one of sqlite3, mysql, redis or memory.
type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

type ModelConfig struct {
	Provider    string  `mapstructure:"provider"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float32 `mapstructure:"temperature"`
}

type ClientConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const envPrefix = "PAPERCHAT"

// fallback environment variables for provider keys
var providerKeyEnv = map[string][]string{
	"gemini":      {"GOOGLE_GENERATIVE_AI_API_KEY", "GEMINI_API_KEY"},
	"gemini-eino": {"GOOGLE_GENERATIVE_AI_API_KEY", "GEMINI_API_KEY"},
	"openai":      {"OPENAI_API_KEY"},
	"claude":      {"ANTHROPIC_API_KEY"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8090")
	v.SetDefault("server.min_workers", 2)
	v.SetDefault("server.max_workers", 8)
	v.SetDefault("server.queue_size", 64)
	v.SetDefault("server.worker_idle", "30s")
	v.SetDefault("server.request_timeout", "2m")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("storage.driver", "sqlite3")
	v.SetDefault("storage.dsn", "paperchat.db")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.prefix", "paperchat:")

	v.SetDefault("providers.gemini.model", "gemini-1.5-flash")
	v.SetDefault("providers.gemini.api_key", "")
	v.SetDefault("providers.gemini-eino.model", "gemini-1.5-flash")
	v.SetDefault("providers.gemini-eino.api_key", "")
	v.SetDefault("providers.openai.model", "gpt-4o-mini")
	v.SetDefault("providers.openai.base_url", "")
	v.SetDefault("providers.openai.api_key", "")
	v.SetDefault("providers.claude.model", "claude-3-5-haiku-latest")
	v.SetDefault("providers.claude.base_url", "")
	v.SetDefault("providers.claude.api_key", "")

	v.SetDefault("model.provider", "gemini")
	v.SetDefault("model.max_tokens", 4096)
	v.SetDefault("model.temperature", 0.7)

	v.SetDefault("client.endpoint", "http://127.0.0.1:8090/api/chat")
	v.SetDefault("client.timeout", "0s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from path, PAPERCHAT_CONFIG or ./config.json, in that order.
// A missing default file is not an error; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(envPrefix + "_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}

	var baseDir string
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		v.SetConfigFile(absPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
		baseDir = filepath.Dir(absPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	for name, prov := range cfg.Providers {
		if prov.APIKey != "" {
			continue
		}
		for _, env := range providerKeyEnv[name] {
			if key := os.Getenv(env); key != "" {
				prov.APIKey = key
				cfg.Providers[name] = prov
				break
			}
		}
	}

	cfg.Storage.Driver = strings.ToLower(cfg.Storage.Driver)
	if isSQLite(cfg.Storage.Driver) && baseDir != "" && cfg.Storage.DSN != "" &&
		cfg.Storage.DSN != ":memory:" && !strings.HasPrefix(cfg.Storage.DSN, "file:") && !filepath.IsAbs(cfg.Storage.DSN) {
		cfg.Storage.DSN = filepath.Join(baseDir, cfg.Storage.DSN)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isSQLite(driver string) bool {
	return driver == "sqlite" || driver == "sqlite3"
}

// Validate checks the fields every command relies on.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn must be configured for sqlite")
		}
	case "mysql":
		if c.Storage.Host == "" || c.Storage.DBName == "" {
			return errors.New("storage.host and storage.db_name must be configured for mysql")
		}
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}
	if _, ok := c.Providers[c.Model.Provider]; !ok {
		return fmt.Errorf("provider %q not configured", c.Model.Provider)
	}
	if c.Server.MaxWorkers < 1 {
		return errors.New("server.max_workers must be at least 1")
	}
	if c.Server.MinWorkers < 0 || c.Server.MinWorkers > c.Server.MaxWorkers {
		return errors.New("server.min_workers must be between 0 and server.max_workers")
	}
	if c.Client.Endpoint == "" {
		return errors.New("client.endpoint must be configured")
	}
	return nil
}

// ActiveProvider returns the provider selected by model.provider.
func (c *Config) ActiveProvider() ProviderConfig {
	return c.Providers[c.Model.Provider]
}
