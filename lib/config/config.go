// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/tidwall/jsonc"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/roomsync/lib/backoff"
	"github.com/bureau-foundation/roomsync/messaging"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the roomsync configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	// Homeserver is the base URL of the Matrix homeserver. The CLI's
	// --homeserver flag and a saved session take precedence.
	Homeserver string `yaml:"homeserver"`

	// Rooms limits syncing to these room IDs. Empty syncs every joined
	// room.
	Rooms []string `yaml:"rooms"`

	Paths    PathsConfig    `yaml:"paths"`
	Sync     SyncConfig     `yaml:"sync"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the fields an environment section may replace.
// Zero values leave the base value alone.
type Overrides struct {
	Homeserver string          `yaml:"homeserver,omitempty"`
	Paths      *PathsConfig    `yaml:"paths,omitempty"`
	Sync       *SyncConfig     `yaml:"sync,omitempty"`
	Delivery   *DeliveryConfig `yaml:"delivery,omitempty"`
	Log        *LogConfig      `yaml:"log,omitempty"`
	Metrics    *MetricsConfig  `yaml:"metrics,omitempty"`
}

// PathsConfig configures on-disk locations.
type PathsConfig struct {
	// Root is the base directory for roomsync state.
	Root string `yaml:"root"`

	// Database is the SQLite file holding cursors, the outbox and the
	// timeline cache.
	Database string `yaml:"database"`

	// Session is the age-sealed session file written by login.
	Session string `yaml:"session"`

	// Identity is the age key that seals Session.
	Identity string `yaml:"identity"`
}

// SyncConfig configures the sync engines.
type SyncConfig struct {
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	TimelineLimit  int           `yaml:"timeline_limit"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`

	// FilterFile, if set, names a JSONC file whose contents replace
	// the default per-room filter.
	FilterFile string `yaml:"filter_file"`

	// CacheEvents is how many recent events per room are cached for
	// display before the first sync after a restart. Zero disables
	// the cache.
	CacheEvents int `yaml:"cache_events"`
}

// DeliveryConfig configures the outbound queue.
type DeliveryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryInitial      time.Duration `yaml:"retry_initial"`
	RetryMax          time.Duration `yaml:"retry_max"`
	SendRate          float64       `yaml:"send_rate"`
	SendBurst         int           `yaml:"send_burst"`
	MaxMediaBytes     int64         `yaml:"max_media_bytes"`
	FingerprintWindow time.Duration `yaml:"fingerprint_window"`
}

// LogConfig configures the CLI logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is auto (text on a terminal, JSON otherwise), text or json.
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address for /metrics, e.g. 127.0.0.1:9464. Empty
	// disables the endpoint.
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "state", "roomsync")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:     root,
			Database: filepath.Join(root, "roomsync.db"),
			Session:  filepath.Join(root, "session.age"),
			Identity: filepath.Join(root, "identity.key"),
		},
		Sync: SyncConfig{
			PollTimeout:    30 * time.Second,
			TimelineLimit:  50,
			BackoffInitial: backoff.Sync.Initial,
			BackoffMax:     backoff.Sync.Max,
			CacheEvents:    200,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:       backoff.Delivery.MaxAttempts,
			RetryInitial:      backoff.Delivery.Initial,
			RetryMax:          backoff.Delivery.Max,
			SendRate:          5,
			SendBurst:         10,
			MaxMediaBytes:     50 << 20,
			FingerprintWindow: 10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load loads the file named by ROOMSYNC_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("ROOMSYNC_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("ROOMSYNC_CONFIG environment variable not set; " +
			"set it to the path of your roomsync.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path on top of Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	// Paths derived from the default root follow a root set in the
	// file unless the file sets them too.
	cfg.Paths = PathsConfig{Root: cfg.Paths.Root}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	cfg.derivePaths()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Homeserver != "" {
		c.Homeserver = overrides.Homeserver
	}
	if paths := overrides.Paths; paths != nil {
		override(&c.Paths.Root, paths.Root)
		override(&c.Paths.Database, paths.Database)
		override(&c.Paths.Session, paths.Session)
		override(&c.Paths.Identity, paths.Identity)
	}
	if sync := overrides.Sync; sync != nil {
		override(&c.Sync.PollTimeout, sync.PollTimeout)
		override(&c.Sync.TimelineLimit, sync.TimelineLimit)
		override(&c.Sync.BackoffInitial, sync.BackoffInitial)
		override(&c.Sync.BackoffMax, sync.BackoffMax)
		override(&c.Sync.FilterFile, sync.FilterFile)
		override(&c.Sync.CacheEvents, sync.CacheEvents)
	}
	if delivery := overrides.Delivery; delivery != nil {
		override(&c.Delivery.MaxAttempts, delivery.MaxAttempts)
		override(&c.Delivery.RetryInitial, delivery.RetryInitial)
		override(&c.Delivery.RetryMax, delivery.RetryMax)
		override(&c.Delivery.SendRate, delivery.SendRate)
		override(&c.Delivery.SendBurst, delivery.SendBurst)
		override(&c.Delivery.MaxMediaBytes, delivery.MaxMediaBytes)
		override(&c.Delivery.FingerprintWindow, delivery.FingerprintWindow)
	}
	if log := overrides.Log; log != nil {
		override(&c.Log.Level, log.Level)
		override(&c.Log.Format, log.Format)
	}
	if metrics := overrides.Metrics; metrics != nil {
		override(&c.Metrics.Listen, metrics.Listen)
	}
}

func override[T comparable](target *T, value T) {
	var zero T
	if value != zero {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"ROOMSYNC_ROOT": c.Paths.Root,
		"HOME":          os.Getenv("HOME"),
	}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["ROOMSYNC_ROOT"] = c.Paths.Root

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.Session = expandVars(c.Paths.Session, vars)
	c.Paths.Identity = expandVars(c.Paths.Identity, vars)
	c.Sync.FilterFile = expandVars(c.Sync.FilterFile, vars)
}

func (c *Config) derivePaths() {
	if c.Paths.Root == "" {
		return
	}
	if c.Paths.Database == "" {
		c.Paths.Database = filepath.Join(c.Paths.Root, "roomsync.db")
	}
	if c.Paths.Session == "" {
		c.Paths.Session = filepath.Join(c.Paths.Root, "session.age")
	}
	if c.Paths.Identity == "" {
		c.Paths.Identity = filepath.Join(c.Paths.Root, "identity.key")
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. vars take precedence
// over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var logLevels = []string{"debug", "info", "warn", "error"}
var logFormats = []string{"auto", "text", "json"}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Homeserver != "" {
		parsed, err := url.Parse(c.Homeserver)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("homeserver must be an http(s) URL, got %q", c.Homeserver))
		}
	}
	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}
	if c.Sync.PollTimeout < 0 {
		errs = append(errs, errors.New("sync.poll_timeout must not be negative"))
	}
	if c.Sync.TimelineLimit < 1 {
		errs = append(errs, errors.New("sync.timeline_limit must be at least 1"))
	}
	if c.Sync.BackoffInitial <= 0 || c.Sync.BackoffMax < c.Sync.BackoffInitial {
		errs = append(errs, errors.New("sync.backoff_initial must be positive and at most sync.backoff_max"))
	}
	if c.Sync.CacheEvents < 0 {
		errs = append(errs, errors.New("sync.cache_events must not be negative"))
	}
	if c.Delivery.MaxAttempts < 1 {
		errs = append(errs, errors.New("delivery.max_attempts must be at least 1"))
	}
	if c.Delivery.RetryInitial <= 0 || c.Delivery.RetryMax < c.Delivery.RetryInitial {
		errs = append(errs, errors.New("delivery.retry_initial must be positive and at most delivery.retry_max"))
	}
	if c.Delivery.SendRate <= 0 || c.Delivery.SendBurst < 1 {
		errs = append(errs, errors.New("delivery.send_rate and delivery.send_burst must be positive"))
	}
	if c.Delivery.MaxMediaBytes < 0 {
		errs = append(errs, errors.New("delivery.max_media_bytes must not be negative"))
	}
	if c.Delivery.FingerprintWindow <= 0 {
		errs = append(errs, errors.New("delivery.fingerprint_window must be positive"))
	}
	if !slices.Contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", logLevels))
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", logFormats))
	}
	for _, room := range c.Rooms {
		if len(room) < 2 || room[0] != '!' {
			errs = append(errs, fmt.Errorf("rooms: %q is not a room ID", room))
		}
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the directories holding the database, session
// and identity files with mode 0700.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, filepath.Dir(c.Paths.Database), filepath.Dir(c.Paths.Session), filepath.Dir(c.Paths.Identity)} {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("config: creating %s: %w", path, err)
		}
	}
	return nil
}

// SyncBackoff is the sync engine's retry schedule.
func (c *Config) SyncBackoff() backoff.Policy {
	return backoff.Policy{Initial: c.Sync.BackoffInitial, Max: c.Sync.BackoffMax, Multiplier: 2}
}

// DeliveryRetry is the outbound queue's retry schedule.
func (c *Config) DeliveryRetry() backoff.Policy {
	return backoff.Policy{
		Initial:     c.Delivery.RetryInitial,
		Max:         c.Delivery.RetryMax,
		Multiplier:  2,
		MaxAttempts: c.Delivery.MaxAttempts,
	}
}

// SendLimit is the outbound token bucket rate.
func (c *Config) SendLimit() rate.Limit {
	return rate.Limit(c.Delivery.SendRate)
}

// LogLevel maps Log.Level onto slog. Unknown values mean info.
func (c *Config) LogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SyncFilter returns the per-room filter: the contents of
// Sync.FilterFile if set, otherwise message events up to
// Sync.TimelineLimit with lazily loaded members.
func (c *Config) SyncFilter() (messaging.RoomFilter, error) {
	if c.Sync.FilterFile != "" {
		return LoadFilter(c.Sync.FilterFile)
	}
	return messaging.RoomFilter{
		TimelineLimit:   c.Sync.TimelineLimit,
		LazyLoadMembers: true,
	}, nil
}

// LoadFilter reads a JSONC room filter file. Unknown fields are
// rejected so a misspelled key does not silently widen the sync.
func LoadFilter(path string) (messaging.RoomFilter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return messaging.RoomFilter{}, fmt.Errorf("config: reading filter: %w", err)
	}
	return ParseFilter(data)
}

// ParseFilter parses JSONC filter content.
func ParseFilter(data []byte) (messaging.RoomFilter, error) {
	var filter messaging.RoomFilter
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&filter); err != nil {
		return messaging.RoomFilter{}, fmt.Errorf("config: parsing filter: %w", err)
	}
	if filter.TimelineLimit < 0 {
		return messaging.RoomFilter{}, errors.New("config: filter limit must not be negative")
	}
	return filter, nil
}
