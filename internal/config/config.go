// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrylevesque/biotimesync/internal/utils"
)

const envPrefix = "BIOTIMESYNC_"

// Sync modes for the periodic job.
const (
	SyncModeDevice = "device"
	SyncModeID     = "id"
)

// Config holds all biotimesync configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Data    DataConfig    `yaml:"data"`
	BioTime BioTimeConfig `yaml:"biotime"`
	Sync    SyncConfig    `yaml:"sync"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// DataConfig locates everything the service persists. Relative paths are
// resolved against Dir.
type DataConfig struct {
	Dir           string `yaml:"dir"`
	Database      string `yaml:"database"`
	JobsDatabase  string `yaml:"jobs_database"`
	MasterKeyFile string `yaml:"master_key_file"`
	// Timezone is the zone BioTime punch times are expressed in.
	Timezone string `yaml:"timezone"`
}

// BioTimeConfig tunes outbound calls to BioTime portals.
type BioTimeConfig struct {
	RequestTimeout string  `yaml:"request_timeout"`
	RateLimit      float64 `yaml:"rate_limit"` // requests per second, 0 disables
	Burst          int     `yaml:"burst"`
	MaxAttempts    int     `yaml:"max_attempts"`
	RetryBackoff   string  `yaml:"retry_backoff"`
	Concurrency    int     `yaml:"concurrency"`
	ByIDPageSize   int     `yaml:"by_id_page_size"`
}

type SyncConfig struct {
	Interval     string `yaml:"interval"`
	Mode         string `yaml:"mode"` // device, id
	Workers      int    `yaml:"workers"`
	JobTimeout   string `yaml:"job_timeout"`
	JobRetention string `yaml:"job_retention"`
}

type AuthConfig struct {
	TokenTTL string      `yaml:"token_ttl"`
	Admins   []AdminUser `yaml:"admins"`
}

// AdminUser is an API user. PasswordHash is a bcrypt hash.
type AdminUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8443",
			ReadTimeout:     "15s",
			WriteTimeout:    "60s",
			ShutdownTimeout: "15s",
		},
		Data: DataConfig{
			Dir:           utils.GetDataDir(),
			Database:      "biotimesync.db",
			JobsDatabase:  "jobs.db",
			MasterKeyFile: "master.key",
			Timezone:      "Local",
		},
		BioTime: BioTimeConfig{
			RequestTimeout: "30s",
			RateLimit:      5,
			Burst:          5,
			MaxAttempts:    3,
			RetryBackoff:   "1s",
			Concurrency:    4,
			ByIDPageSize:   1000,
		},
		Sync: SyncConfig{
			Interval:     "1h",
			Mode:         SyncModeDevice,
			Workers:      2,
			JobTimeout:   "30m",
			JobRetention: "168h",
		},
		Auth: AuthConfig{
			TokenTTL: "12h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	str := map[string]*string{
		"ADDR":          &c.Server.Addr,
		"DATA_DIR":      &c.Data.Dir,
		"DATABASE":      &c.Data.Database,
		"JOBS_DATABASE": &c.Data.JobsDatabase,
		"MASTER_KEY":    &c.Data.MasterKeyFile,
		"TIMEZONE":      &c.Data.Timezone,
		"SYNC_INTERVAL": &c.Sync.Interval,
		"SYNC_MODE":     &c.Sync.Mode,
		"LOG_LEVEL":     &c.Logging.Level,
		"LOG_FORMAT":    &c.Logging.Format,
		"LOG_FILE":      &c.Logging.File,
		"TLS_CERT":      &c.Server.TLSCert,
		"TLS_KEY":       &c.Server.TLSKey,
	}
	for k, dst := range str {
		if v := os.Getenv(envPrefix + k); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv(envPrefix + "RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sRATE_LIMIT %q: %w", envPrefix, v, err)
		}
		c.BioTime.RateLimit = f
	}
	if v := os.Getenv(envPrefix + "WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sWORKERS %q: %w", envPrefix, v, err)
		}
		c.Sync.Workers = n
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Data.Dir == "" {
		errs = append(errs, errors.New("data.dir is required"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	for name, v := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"biotime.request_timeout": c.BioTime.RequestTimeout,
		"biotime.retry_backoff":   c.BioTime.RetryBackoff,
		"sync.interval":           c.Sync.Interval,
		"sync.job_timeout":        c.Sync.JobTimeout,
		"sync.job_retention":      c.Sync.JobRetention,
		"auth.token_ttl":          c.Auth.TokenTTL,
	} {
		if v == "" || v == "off" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", name, v))
		}
	}
	switch c.Sync.Mode {
	case SyncModeDevice, SyncModeID:
	default:
		errs = append(errs, fmt.Errorf("sync.mode must be %q or %q, got %q", SyncModeDevice, SyncModeID, c.Sync.Mode))
	}
	if c.BioTime.RateLimit < 0 {
		errs = append(errs, errors.New("biotime.rate_limit must not be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not json or console", c.Logging.Format))
	}
	seen := map[string]bool{}
	for i, a := range c.Auth.Admins {
		if a.Username == "" {
			errs = append(errs, fmt.Errorf("auth.admins[%d]: username is required", i))
		}
		if !strings.HasPrefix(a.PasswordHash, "$2") {
			errs = append(errs, fmt.Errorf("auth.admins[%d]: password_hash must be a bcrypt hash", i))
		}
		if seen[a.Username] {
			errs = append(errs, fmt.Errorf("auth.admins[%d]: duplicate username %q", i, a.Username))
		}
		seen[a.Username] = true
	}
	return errors.Join(errs...)
}

// Location returns the configured punch time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Data.Timezone == "" || c.Data.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Data.Timezone)
	if err != nil {
		return nil, fmt.Errorf("data.timezone: %w", err)
	}
	return loc, nil
}

func (c *Config) DatabasePath() string {
	return utils.ResolvePath(c.Data.Dir, c.Data.Database)
}

func (c *Config) JobsDatabasePath() string {
	return utils.ResolvePath(c.Data.Dir, c.Data.JobsDatabase)
}

func (c *Config) MasterKeyPath() string {
	return utils.ResolvePath(c.Data.Dir, c.Data.MasterKeyFile)
}

// TLSEnabled reports whether the server should serve HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.Server.TLSCert != "" && c.Server.TLSKey != ""
}

func (c *Config) TLSCertPath() string {
	return utils.ResolvePath(c.Data.Dir, c.Server.TLSCert)
}

func (c *Config) TLSKeyPath() string {
	return utils.ResolvePath(c.Data.Dir, c.Server.TLSKey)
}

func (c *Config) GetReadTimeout() time.Duration {
	return duration(c.Server.ReadTimeout, 15*time.Second)
}

func (c *Config) GetWriteTimeout() time.Duration {
	return duration(c.Server.WriteTimeout, 60*time.Second)
}

func (c *Config) GetShutdownTimeout() time.Duration {
	return duration(c.Server.ShutdownTimeout, 15*time.Second)
}

func (c *Config) GetRequestTimeout() time.Duration {
	return duration(c.BioTime.RequestTimeout, 30*time.Second)
}

func (c *Config) GetRetryBackoff() time.Duration {
	return duration(c.BioTime.RetryBackoff, time.Second)
}

// GetSyncInterval returns the periodic sync interval. Zero disables it.
func (c *Config) GetSyncInterval() time.Duration {
	if c.Sync.Interval == "0" || c.Sync.Interval == "off" {
		return 0
	}
	return duration(c.Sync.Interval, time.Hour)
}

func (c *Config) GetJobTimeout() time.Duration {
	return duration(c.Sync.JobTimeout, 30*time.Minute)
}

func (c *Config) GetJobRetention() time.Duration {
	return duration(c.Sync.JobRetention, 7*24*time.Hour)
}

func (c *Config) GetTokenTTL() time.Duration {
	return duration(c.Auth.TokenTTL, 12*time.Hour)
}

// LogOptions maps the logging section onto the logger builder.
func (c *Config) LogOptions() utils.LogOptions {
	return utils.LogOptions{
		Level: c.Logging.Level,
		JSON:  strings.EqualFold(c.Logging.Format, "json"),
		File:  utils.ResolvePath(c.Data.Dir, c.Logging.File),
	}
}

func duration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
