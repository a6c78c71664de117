package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dwellwise/dwellwise/pkg/models"
)

// Config holds all dwellwise configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	DBPath     string           `yaml:"db_path"`
	Log        LogConfig        `yaml:"log"`
	Providers  []ProviderConfig `yaml:"providers"`
	Router     RouterConfig     `yaml:"router"`
	Generation GenerationConfig `yaml:"generation"`
	Cache      CacheConfig      `yaml:"cache"`
	Artifacts  ArtifactConfig   `yaml:"artifacts"`
}

// LogConfig controls the zap logger.
// Format is "json" (default) or "console".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ProviderConfig defines an upstream model provider.
// Type is "openai" (default) or "anthropic".
type ProviderConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Type   string `yaml:"type"`
}

// GenerationConfig controls calls to the model provider.
type GenerationConfig struct {
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxTokens int           `yaml:"max_tokens"`
	// RateLimit is requests per second across all providers; 0 disables it.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	// Retries is how many times a rate-limited request is retried.
	Retries int `yaml:"retries"`
}

// CacheConfig controls the recommendation cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// ReadPolicy is "volatile" (default) or "durable-fallback".
	ReadPolicy     string        `yaml:"read_policy"`
	AtomicPersist  bool          `yaml:"atomic_persist"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

// ArtifactConfig controls the artifact store.
type ArtifactConfig = models.ArtifactConfig

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "dwellwise.db",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Generation: GenerationConfig{
			Model:     "default",
			Timeout:   2 * time.Minute,
			MaxTokens: 2048,
			Burst:     1,
			Retries:   2,
		},
		Cache: CacheConfig{
			TTL:            time.Hour,
			ReadPolicy:     "volatile",
			PersistTimeout: 10 * time.Second,
		},
		Artifacts: ArtifactConfig{
			RetentionDays: 90,
			MaxTextSize:   256 * 1024,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
		}
		if p.URL == "" {
			errs = append(errs, fmt.Errorf("provider %q: url is required", p.Name))
		}
		switch p.Type {
		case "", "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type))
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("provider %q: duplicate name", p.Name))
		}
		seen[p.Name] = true
	}
	for _, r := range c.Router.Routes {
		if r.Model == "" {
			errs = append(errs, errors.New("router: route without model"))
		}
		if len(r.Targets) == 0 {
			errs = append(errs, fmt.Errorf("route %q: no targets", r.Model))
		}
	}
	switch c.Cache.ReadPolicy {
	case "", "volatile", "durable-fallback":
	default:
		errs = append(errs, fmt.Errorf("cache: unknown read_policy %q", c.Cache.ReadPolicy))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache: ttl must not be negative"))
	}
	if c.Generation.Timeout < 0 {
		errs = append(errs, errors.New("generation: timeout must not be negative"))
	}
	if c.Generation.RateLimit < 0 {
		errs = append(errs, errors.New("generation: rate_limit must not be negative"))
	}
	if c.Artifacts.RetentionDays < 0 {
		errs = append(errs, errors.New("artifacts: retention_days must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ArtifactDBPath returns the artifact database path, defaulting to DBPath.
func (c *Config) ArtifactDBPath() string {
	if c.Artifacts.DBPath != "" {
		return c.Artifacts.DBPath
	}
	return c.DBPath
}
