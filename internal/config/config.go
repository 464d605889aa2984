package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for docsync.
type Config struct {
	// Backend endpoint and project API key. Both required.
	BackendURL string `env:"DOCSYNC_BACKEND_URL"`
	BackendKey string `env:"DOCSYNC_BACKEND_KEY"`

	// Account credentials. Used only when no cached session is valid.
	Email    string `env:"DOCSYNC_EMAIL"`
	Password string `env:"DOCSYNC_PASSWORD"`

	// Storage bucket holding file blobs.
	Bucket string `env:"DOCSYNC_BUCKET" envDefault:"documents"`

	// Path to the local cache database. Defaults to ~/.docsync/cache.db.
	CachePath string `env:"DOCSYNC_CACHE_PATH"`

	// Directory watched for files to upload. Empty disables the importer.
	ImportDir string `env:"DOCSYNC_IMPORT_DIR"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "docsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.CachePath == "" {
		path, err := DefaultCachePath()
		if err != nil {
			return nil, err
		}

		cfg.CachePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve ImportDir to an absolute path at startup so watcher events
	// (which carry absolute paths) can be related back to it reliably.
	if cfg.ImportDir != "" {
		absDir, err := filepath.Abs(cfg.ImportDir)
		if err != nil {
			return nil, fmt.Errorf("resolving import dir to absolute path: %w", err)
		}

		cfg.ImportDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("DOCSYNC_BACKEND_URL is required")
	}

	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("DOCSYNC_BACKEND_URL must be an absolute URL")
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("DOCSYNC_BACKEND_URL must use http or https, got %q", u.Scheme)
	}

	if c.BackendKey == "" {
		return fmt.Errorf("DOCSYNC_BACKEND_KEY is required")
	}

	if c.Email == "" {
		return fmt.Errorf("DOCSYNC_EMAIL is required")
	}

	if c.Password == "" {
		return fmt.Errorf("DOCSYNC_PASSWORD is required")
	}

	return nil
}

// RealtimeURL derives the websocket endpoint from the backend URL:
// https://host -> wss://host/realtime/v1, http -> ws for local stacks.
func (c *Config) RealtimeURL() string {
	u := c.BackendURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	return strings.TrimSuffix(u, "/") + "/realtime/v1"
}

// DefaultCachePath returns the default cache database location:
// ~/.docsync/cache.db
func DefaultCachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".docsync", "cache.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
