package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen      = "127.0.0.1:8080"
	defaultLogLevel    = "info"
	defaultTimezone    = "UTC"
	defaultDriver      = "sqlite"
	defaultDSN         = "orgcal.db"
	defaultPastDays    = 7
	defaultFutureDays  = 90
	defaultRefresh     = "*/15 * * * *"
	defaultNotifyEvery = "@every 30s"
	defaultMaxPerEvent = 5000
	defaultKafkaTopic  = "orgcal.notifications"
	defaultICSCacheDir = "ics-cache"

	envPrefix = "ORGCAL"
)

// ICSConfig describes a single ICS subscription imported into an organization.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for the fetch cache and logging.
	ID string `yaml:"id" json:"id"`
	// Organization receives the imported events.
	Organization string `yaml:"organization" json:"organization"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres". Empty means guess from DSN.
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// WindowConfig is the rolling range kept materialized, relative to today.
type WindowConfig struct {
	PastDays   int `yaml:"past_days" json:"past_days"`
	FutureDays int `yaml:"future_days" json:"future_days"`
}

// KafkaConfig enables the Kafka reminder sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Timezone is the IANA zone occurrence times are interpreted in.
	Timezone string `yaml:"timezone" json:"timezone"`

	Database DatabaseConfig `yaml:"database" json:"database"`
	Window   WindowConfig   `yaml:"window" json:"window"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used for the periodic snapshot rebuild.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// NotifyEvery is the cron spec of the reminder check.
	NotifyEvery string `yaml:"notify_every" json:"notify_every"`

	MaxOccurrencesPerEvent int `yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`

	Kafka KafkaConfig `yaml:"kafka" json:"kafka"`

	// ICS is the list of subscribed ICS sources.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// ICSCacheDir holds the conditional-GET cache of the ICS fetcher.
	ICSCacheDir string `yaml:"ics_cache_dir" json:"ics_cache_dir"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health and /metrics.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   defaultListen,
		LogLevel: defaultLogLevel,
		Timezone: defaultTimezone,
		Database: DatabaseConfig{Driver: defaultDriver, DSN: defaultDSN},
		Window: WindowConfig{
			PastDays:   defaultPastDays,
			FutureDays: defaultFutureDays,
		},
		RefreshCron:            defaultRefresh,
		NotifyEvery:            defaultNotifyEvery,
		MaxOccurrencesPerEvent: defaultMaxPerEvent,
		Kafka:                  KafkaConfig{Brokers: []string{}, Topic: defaultKafkaTopic},
		ICS:                    []ICSConfig{},
		ICSCacheDir:            defaultICSCacheDir,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = defaultLogLevel
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Database.DSN == "" {
		c.Database.DSN = defaultDSN
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		// Unknown or empty; the store guesses from the DSN.
		c.Database.Driver = ""
	}
	if c.Window.PastDays < 0 {
		c.Window.PastDays = 0
	}
	if c.Window.FutureDays <= 0 {
		c.Window.FutureDays = defaultFutureDays
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.NotifyEvery == "" {
		c.NotifyEvery = defaultNotifyEvery
	}
	if c.MaxOccurrencesPerEvent <= 0 {
		c.MaxOccurrencesPerEvent = defaultMaxPerEvent
	}
	if c.Kafka.Brokers == nil {
		c.Kafka.Brokers = []string{}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = defaultKafkaTopic
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	if c.ICSCacheDir == "" {
		c.ICSCacheDir = defaultICSCacheDir
	}
	// Empty credentials disable auth.
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		c.BasicAuth = nil
	}
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	for i, src := range c.ICS {
		if src.URL == "" || src.Organization == "" {
			return fmt.Errorf("config: ics[%d]: url and organization are required", i)
		}
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// ORGCAL_* environment variables override file values in both cases; the
// overrides are never written back.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				cfg.ApplyEnv()
				return cfg, err
			}
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	cfg.ApplyEnv()

	return &cfg, nil
}

// ApplyEnv overlays ORGCAL_* environment variables, e.g. ORGCAL_LISTEN,
// ORGCAL_DATABASE_DSN or ORGCAL_KAFKA_BROKERS (comma separated).
func (c *Config) ApplyEnv() {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	keys := []string{
		"listen",
		"log_level",
		"timezone",
		"database.driver",
		"database.dsn",
		"window.past_days",
		"window.future_days",
		"refresh",
		"notify_every",
		"max_occurrences_per_event",
		"kafka.brokers",
		"kafka.topic",
		"ics_cache_dir",
		"basic_auth.username",
		"basic_auth.password",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = strings.TrimSpace(v.GetString(key))
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	setString("listen", &c.Listen)
	setString("log_level", &c.LogLevel)
	setString("timezone", &c.Timezone)
	setString("database.driver", &c.Database.Driver)
	setString("database.dsn", &c.Database.DSN)
	setInt("window.past_days", &c.Window.PastDays)
	setInt("window.future_days", &c.Window.FutureDays)
	setString("refresh", &c.RefreshCron)
	setString("notify_every", &c.NotifyEvery)
	setInt("max_occurrences_per_event", &c.MaxOccurrencesPerEvent)
	setString("kafka.topic", &c.Kafka.Topic)
	setString("ics_cache_dir", &c.ICSCacheDir)

	if v.IsSet("basic_auth.username") || v.IsSet("basic_auth.password") {
		auth := &BasicAuthConfig{}
		if c.BasicAuth != nil {
			*auth = *c.BasicAuth
		}
		setString("basic_auth.username", &auth.Username)
		setString("basic_auth.password", &auth.Password)
		c.BasicAuth = auth
	}

	if v.IsSet("kafka.brokers") {
		var brokers []string
		for _, b := range strings.Split(v.GetString("kafka.brokers"), ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}

	c.Normalize()
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
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

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".orgcal-config-*.tmp")
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
