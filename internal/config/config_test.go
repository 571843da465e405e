package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
website:
  start_url: https://docs.example.com/
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Crawl.MaxDepth)
	assert.Equal(t, 5, cfg.Crawl.MaxWorkers)
	assert.Equal(t, 500*time.Millisecond, cfg.Crawl.RequestDelay)
	assert.Equal(t, 30*time.Second, cfg.Crawl.RequestTimeout)
	assert.Equal(t, 3, cfg.Crawl.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Crawl.ClaimTimeout)
	assert.Equal(t, "markdown", cfg.Output.Format)
	assert.Equal(t, "downloaded_content", cfg.Output.OutputDir)
	assert.Equal(t, "shared_resources", cfg.Output.ResourcesDir)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.True(t, cfg.Content.RemoveJavascript)
	assert.True(t, cfg.Content.DownloadResources)
	assert.Contains(t, cfg.Content.ResourceTypes, "css")
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
website:
  start_url: https://docs.example.com/wiki/Home
  base_domain: docs.example.com
  valid_url_patterns: ["/wiki/"]
  exclude_patterns: ["/wiki/admin"]
crawl:
  max_depth: 5
  max_workers: 8
  request_delay: 100ms
output:
  format: html
store:
  driver: postgres
  dsn: postgres://crawler@localhost/crawl
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Crawl.MaxDepth)
	assert.Equal(t, 8, cfg.Crawl.MaxWorkers)
	assert.Equal(t, 100*time.Millisecond, cfg.Crawl.RequestDelay)
	assert.Equal(t, "html", cfg.Output.Format)
	assert.Equal(t, []string{"/wiki/"}, cfg.Website.ValidPatterns)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() Config {
		cfg := Config{}
		cfg.Website.StartURL = "https://docs.example.com/"
		cfg.Crawl.MaxWorkers = 2
		cfg.Crawl.RequestTimeout = time.Second
		cfg.Output.Format = "markdown"
		cfg.Store.Driver = "sqlite"
		cfg.Store.Path = "crawl.db"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing start url", func(c *Config) { c.Website.StartURL = "" }},
		{"zero workers", func(c *Config) { c.Crawl.MaxWorkers = 0 }},
		{"negative depth", func(c *Config) { c.Crawl.MaxDepth = -1 }},
		{"negative retries", func(c *Config) { c.Crawl.MaxRetries = -1 }},
		{"bad format", func(c *Config) { c.Output.Format = "pdf" }},
		{"bad driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSN = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}

func TestCookieHeaderFromFile(t *testing.T) {
	cookieFile := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(cookieFile, []byte("JSESSIONID=abc123\n"), 0o600))

	cfg := Config{}
	cfg.Auth.CookieFile = cookieFile
	cookie, err := cfg.CookieHeader()
	require.NoError(t, err)
	assert.Equal(t, "JSESSIONID=abc123", cookie)

	// Inline value wins over the file.
	cfg.Auth.CookieHeader = "session=inline"
	cookie, err = cfg.CookieHeader()
	require.NoError(t, err)
	assert.Equal(t, "session=inline", cookie)
}
