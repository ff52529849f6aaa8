package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the /api surface.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// LogConfig controls the process-wide logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	// File, if set, enables size-based rotation of the log output.
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// DSN is one of memory://, postgres://..., sqlite:///path or file:path.
	DSN string `yaml:"dsn" json:"dsn"`
}

// GoogleConfig configures the calendar provider client.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"-"`
	// TokenDir holds one OAuth token JSON file per user (<user>.json).
	TokenDir string `yaml:"token_dir" json:"token_dir"`
	// Endpoint overrides the API base URL (tests, proxies).
	Endpoint   string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	MaxResults int64  `yaml:"max_results" json:"max_results"`
}

// WatchConfig configures push-notification channels.
type WatchConfig struct {
	// CallbackURL is the public address the provider posts notifications to.
	CallbackURL string        `yaml:"callback_url" json:"callback_url"`
	ChannelTTL  time.Duration `yaml:"channel_ttl" json:"channel_ttl"`
	RenewBefore time.Duration `yaml:"renew_before" json:"renew_before"`
	// ChannelToken is echoed back by the provider in x-goog-channel-token.
	ChannelToken string `yaml:"channel_token,omitempty" json:"-"`
}

// MaintenanceConfig configures the periodic sweep.
type MaintenanceConfig struct {
	// Schedule is a cron expression; empty disables the scheduler.
	Schedule    string        `yaml:"schedule" json:"schedule"`
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	RunTimeout  time.Duration `yaml:"run_timeout" json:"run_timeout"`
}

// RecurrenceConfig bounds local expansion of repeat patterns.
type RecurrenceConfig struct {
	LocalFallback bool `yaml:"local_fallback" json:"local_fallback"`
	HorizonDays   int  `yaml:"horizon_days" json:"horizon_days"`
	MaxInstances  int  `yaml:"max_instances" json:"max_instances"`
}

// LiveConfig toggles the WebSocket live channel.
type LiveConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the callback endpoint and API.
	Listen string `yaml:"listen" json:"listen"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on /api/*.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Log         LogConfig         `yaml:"log" json:"log"`
	Store       StoreConfig       `yaml:"store" json:"store"`
	Google      GoogleConfig      `yaml:"google" json:"google"`
	Watch       WatchConfig       `yaml:"watch" json:"watch"`
	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
	Recurrence  RecurrenceConfig  `yaml:"recurrence" json:"recurrence"`
	Live        LiveConfig        `yaml:"live" json:"live"`
}

const (
	defaultListen      = "127.0.0.1:8080"
	defaultDSN         = "memory://"
	defaultMaxResults  = 250
	defaultChannelTTL  = 7 * 24 * time.Hour
	defaultRenewBefore = 24 * time.Hour
	defaultSchedule    = "*/15 * * * *"
	defaultConcurrency = 4
	defaultRunTimeout  = 5 * time.Minute
	defaultHorizonDays = 365
	defaultMaxInst     = 1000
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen: defaultListen,
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Store: StoreConfig{DSN: defaultDSN},
		Google: GoogleConfig{
			TokenDir:   "tokens",
			MaxResults: defaultMaxResults,
		},
		Watch: WatchConfig{
			ChannelTTL:  defaultChannelTTL,
			RenewBefore: defaultRenewBefore,
		},
		Maintenance: MaintenanceConfig{
			Schedule:    defaultSchedule,
			Concurrency: defaultConcurrency,
			RunTimeout:  defaultRunTimeout,
		},
		Recurrence: RecurrenceConfig{
			LocalFallback: true,
			HorizonDays:   defaultHorizonDays,
			MaxInstances:  defaultMaxInst,
		},
		Live: LiveConfig{Enabled: true},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		c.Log.Level = "info"
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		c.Log.Format = "text"
	}
	if c.Store.DSN == "" {
		c.Store.DSN = defaultDSN
	}
	if c.Google.MaxResults <= 0 || c.Google.MaxResults > 2500 {
		c.Google.MaxResults = defaultMaxResults
	}
	if c.Google.TokenDir == "" {
		c.Google.TokenDir = "tokens"
	}
	if c.Watch.ChannelTTL <= 0 {
		c.Watch.ChannelTTL = defaultChannelTTL
	}
	if c.Watch.RenewBefore <= 0 {
		c.Watch.RenewBefore = defaultRenewBefore
	}
	if c.Maintenance.Concurrency <= 0 {
		c.Maintenance.Concurrency = defaultConcurrency
	}
	if c.Maintenance.RunTimeout <= 0 {
		c.Maintenance.RunTimeout = defaultRunTimeout
	}
	if c.Recurrence.HorizonDays <= 0 {
		c.Recurrence.HorizonDays = defaultHorizonDays
	}
	if c.Recurrence.MaxInstances <= 0 {
		c.Recurrence.MaxInstances = defaultMaxInst
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// Validate reports configuration that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Watch.CallbackURL != "" && !strings.HasPrefix(c.Watch.CallbackURL, "https://") {
		return errors.New("watch.callback_url must be an https:// address")
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// If the file does not exist a default config is written with 0600 perms and
// returned. Otherwise the YAML is decoded and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes cfg to path atomically via a temp file + rename, with the
// parent directory at 0700 and the file at 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
