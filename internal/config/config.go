// Package config loads and validates mirror configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every knob the mirror reads, loaded via Viper from
// file, environment and flags.
type Config struct {
	Website Website `mapstructure:"website"`
	Crawl   Crawl   `mapstructure:"crawl"`
	Output  Output  `mapstructure:"output"`
	Content Content `mapstructure:"content"`
	Auth    Auth    `mapstructure:"auth"`
	Store   Store   `mapstructure:"store"`
	Metrics Metrics `mapstructure:"metrics"`
	Logging Logging `mapstructure:"logging"`
}

// Website bounds the site section being mirrored.
type Website struct {
	BaseDomain      string   `mapstructure:"base_domain"`
	BaseURL         string   `mapstructure:"base_url"`
	StartURL        string   `mapstructure:"start_url"`
	ValidPatterns   []string `mapstructure:"valid_url_patterns"`
	ExcludePatterns []string `mapstructure:"exclude_patterns"`
}

// Crawl governs the worker pool and politeness behavior.
type Crawl struct {
	MaxDepth       int           `mapstructure:"max_depth"`
	MaxWorkers     int           `mapstructure:"max_workers"`
	RequestDelay   time.Duration `mapstructure:"request_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	ClaimTimeout   time.Duration `mapstructure:"claim_timeout"`
	SpaceName      string        `mapstructure:"space_name"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// Output controls where and how documents are written.
type Output struct {
	Format       string `mapstructure:"format"`
	OutputDir    string `mapstructure:"output_dir"`
	ResourcesDir string `mapstructure:"resources_dir"`
}

// Content selects what survives from fetched pages.
type Content struct {
	RemoveJavascript  bool     `mapstructure:"remove_javascript"`
	DownloadResources bool     `mapstructure:"download_resources"`
	ResourceTypes     []string `mapstructure:"resource_types"`
	MaxResourceBytes  int64    `mapstructure:"max_resource_bytes"`
}

// Auth carries the raw cookie header attached verbatim to every request.
type Auth struct {
	CookieHeader string `mapstructure:"cookie_header"`
	CookieFile   string `mapstructure:"cookie_file"`
}

// Store selects and configures the persistence backend.
type Store struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// Metrics exposes the optional prometheus listener.
type Metrics struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Logging toggles zap development features.
type Logging struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sitemirror")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.max_depth", 3)
	v.SetDefault("crawl.max_workers", 5)
	v.SetDefault("crawl.request_delay", "500ms")
	v.SetDefault("crawl.request_timeout", "30s")
	v.SetDefault("crawl.max_retries", 3)
	v.SetDefault("crawl.claim_timeout", "10m")
	v.SetDefault("crawl.space_name", "DEFAULT")
	v.SetDefault("crawl.user_agent", "sitemirror/1.0 (+https://github.com/sitemirror/sitemirror)")
	v.SetDefault("output.format", "markdown")
	v.SetDefault("output.output_dir", "downloaded_content")
	v.SetDefault("output.resources_dir", "shared_resources")
	v.SetDefault("content.remove_javascript", true)
	v.SetDefault("content.download_resources", true)
	v.SetDefault("content.resource_types", []string{
		"css", "js", "png", "jpg", "jpeg", "gif", "webp", "svg", "ico",
		"woff", "woff2", "ttf", "eot",
	})
	v.SetDefault("content.max_resource_bytes", 10*1024*1024)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "crawler_data.db")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Website.StartURL == "" {
		return fmt.Errorf("website.start_url is required")
	}
	if c.Crawl.MaxWorkers <= 0 {
		return fmt.Errorf("crawl.max_workers must be > 0")
	}
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0")
	}
	if c.Crawl.RequestTimeout <= 0 {
		return fmt.Errorf("crawl.request_timeout must be > 0")
	}
	if c.Crawl.MaxRetries < 0 {
		return fmt.Errorf("crawl.max_retries must be >= 0")
	}
	switch c.Output.Format {
	case "html", "markdown":
	default:
		return fmt.Errorf("output.format must be html or markdown, got %q", c.Output.Format)
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	return nil
}

// CookieHeader returns the raw cookie string, reading auth.cookie_file
// when the inline value is empty.
func (c Config) CookieHeader() (string, error) {
	if c.Auth.CookieHeader != "" {
		return c.Auth.CookieHeader, nil
	}
	if c.Auth.CookieFile == "" {
		return "", nil
	}
	raw, err := os.ReadFile(c.Auth.CookieFile)
	if err != nil {
		return "", fmt.Errorf("read cookie file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
