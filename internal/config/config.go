// Package config loads server configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen string       `yaml:"listen" validate:"required"`
	Engine EngineConfig `yaml:"engine"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
	Auth   AuthConfig   `yaml:"auth"`
}

// EngineConfig selects the storage engine. Path is a file for sqlite and a
// directory for badger.
type EngineConfig struct {
	Kind       string `yaml:"kind" validate:"oneof=memory sqlite badger"`
	Path       string `yaml:"path" validate:"required_unless=Kind memory"`
	SyncWrites bool   `yaml:"syncWrites"`
}

type StoreConfig struct {
	PageSize      int           `yaml:"pageSize" validate:"gte=1,lte=10000"`
	CursorTTL     time.Duration `yaml:"cursorTTL" validate:"gt=0"`
	MaxCursors    int           `yaml:"maxCursors" validate:"gte=1"`
	PhantomTTL    time.Duration `yaml:"phantomTTL" validate:"gt=0"`
	DumpBatchSize int           `yaml:"dumpBatchSize" validate:"gte=1"`
	StreamBuffer  int           `yaml:"streamBuffer" validate:"gte=1,lte=1024"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// AuthConfig picks how requests are attributed to a user: not at all, to a
// fixed development user, or through an OIDC login.
type AuthConfig struct {
	Mode         string        `yaml:"mode" validate:"oneof=none dev oidc"`
	DevUser      string        `yaml:"devUser"`
	IssuerURL    string        `yaml:"issuerURL" validate:"required_if=Mode oidc"`
	ClientID     string        `yaml:"clientID" validate:"required_if=Mode oidc"`
	ClientSecret string        `yaml:"clientSecret"`
	RedirectURL  string        `yaml:"redirectURL" validate:"required_if=Mode oidc"`
	SessionKey   string        `yaml:"sessionKey"`
	SessionTTL   time.Duration `yaml:"sessionTTL"`
	CookieSecure bool          `yaml:"cookieSecure"`
	CookieDomain string        `yaml:"cookieDomain"`
	FallbackURL  string        `yaml:"fallbackURL"`
}

func Default() Config {
	return Config{
		Listen: ":8080",
		Engine: EngineConfig{Kind: "memory"},
		Store: StoreConfig{
			PageSize:      100,
			CursorTTL:     5 * time.Minute,
			MaxCursors:    1024,
			PhantomTTL:    30 * time.Second,
			DumpBatchSize: 100,
			StreamBuffer:  4,
		},
		Log:  LogConfig{Level: "info", Format: "text"},
		Auth: AuthConfig{Mode: "none"},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if port := getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("PORT must be numeric, got %q", port)
		}
		cfg.Listen = ":" + port
	}
	if kind := getenv("GENSTORE_ENGINE"); kind != "" {
		cfg.Engine.Kind = kind
	}
	if path := getenv("GENSTORE_PATH"); path != "" {
		cfg.Engine.Path = path
	}
	if level := getenv("GENSTORE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	return nil
}
