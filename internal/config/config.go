// Package config handles quillmail configuration loading: a YAML file
// on disk, overridable by environment variables for secrets that
// should never live in a config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is a package var so tests can override the search
// order without touching the real filesystem outside a temp dir.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config) is checked first by FindConfig; these are the
// fallbacks when none is given.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "quillmail", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/quillmail/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise searches searchPathsFunc() and returns the first
// path that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all quillmail configuration.
type Config struct {
	IMAP      IMAPConfig      `yaml:"imap"`
	Store     StoreConfig     `yaml:"store"`
	Listeners ListenersConfig `yaml:"listeners"`
	LLM       LLMConfig       `yaml:"llm"`
	HTTP      HTTPConfig      `yaml:"http"`
	LogLevel  string          `yaml:"log_level"`
}

// IMAPConfig holds the mail account connection parameters.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Folder is the mailbox synced and IDLE-watched by default.
	Folder string `yaml:"folder"`
}

// StoreConfig holds the mail store's database location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ListenersConfig holds the listener registry's rule directory and
// hot-reload setting.
type ListenersConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// LLMConfig holds the classification sub-call's API credentials and
// default model alias.
type LLMConfig struct {
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
}

// HTTPConfig holds the HTTP/WebSocket surface's bind address.
type HTTPConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// ErrMissingCredential is returned by Validate when no IMAP username
// or password is available from either the config file or environment.
var ErrMissingCredential = fmt.Errorf("config: missing IMAP credentials (set imap.username/password or EMAIL_ADDRESS/EMAIL_APP_PASSWORD)")

// Load reads configuration from a YAML file, applies environment
// variable overrides, fills in defaults, and validates the result.
// After Load returns successfully, every field is usable without
// additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays credentials from the environment onto whatever the
// config file set. Environment variables win: they're the documented
// way to keep secrets out of the file on disk. EMAIL_USER/EMAIL_PASS
// are accepted as synonyms for EMAIL_ADDRESS/EMAIL_APP_PASSWORD.
func (c *Config) applyEnv() {
	if v := firstEnv("EMAIL_ADDRESS", "EMAIL_USER"); v != "" {
		c.IMAP.Username = v
	}
	if v := firstEnv("EMAIL_APP_PASSWORD", "EMAIL_PASS"); v != "" {
		c.IMAP.Password = v
	}
	if v := os.Getenv("IMAP_HOST"); v != "" {
		c.IMAP.Host = v
	}
	if v := os.Getenv("IMAP_PORT"); v != "" {
		if port, err := parsePort(v); err == nil {
			c.IMAP.Port = port
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("QUILLMAIL_DB_PATH"); v != "" {
		c.Store.Path = v
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func parsePort(s string) (int, error) {
	var port int
	_, err := fmt.Sscanf(s, "%d", &port)
	return port, err
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load.
func (c *Config) applyDefaults() {
	if c.IMAP.Host == "" {
		c.IMAP.Host = "imap.gmail.com"
	}
	if c.IMAP.Port == 0 {
		c.IMAP.Port = 993
	}
	if c.IMAP.Folder == "" {
		c.IMAP.Folder = "INBOX"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./data/quillmail.db"
	}
	if c.Listeners.Dir == "" {
		c.Listeners.Dir = "./listeners"
	}
	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = "haiku"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 30 * time.Second
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.IMAP.Username == "" || c.IMAP.Password == "" {
		return ErrMissingCredential
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range (1-65535)", c.HTTP.Port)
	}
	if c.IMAP.Port < 1 || c.IMAP.Port > 65535 {
		return fmt.Errorf("imap.port %d out of range (1-65535)", c.IMAP.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}
