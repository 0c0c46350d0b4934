package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alexis-rarchaert/edtversnotion/internal/notion"
)

// Environment variables that override file values.
const (
	EnvNotionToken      = "NOTION_TOKEN"
	EnvNotionDatabaseID = "NOTION_DATABASE_ID"
	EnvCalendarURL      = "EDT_CALENDAR_URL"
)

const (
	StoreNotion = "notion"
	StoreSQLite = "sqlite"
)

// FeedConfig describes a single ICS subscription source.
type FeedConfig struct {
	// ID is an internal identifier used for caching and logging.
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

type NotionConfig struct {
	DatabaseID string            `yaml:"database_id" json:"database_id"`
	Token      string            `yaml:"token,omitempty" json:"-"`
	BaseURL    string            `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Properties notion.Properties `yaml:"properties" json:"properties"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" json:"path"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA zone used for the schedule and written dates.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Schedule is a five-field cron expression evaluated in Timezone.
	Schedule string `yaml:"schedule" json:"schedule"`

	// WindowDays is how many days ahead of now each run looks.
	WindowDays int `yaml:"window_days" json:"window_days"`

	// MergeTolerance is the largest gap (either sign) between two sessions
	// of the same course that still merges them, e.g. "15m".
	MergeTolerance string `yaml:"merge_tolerance" json:"merge_tolerance"`

	// Locale selects the description labels and merge marker: "en" or "fr".
	Locale   string `yaml:"locale" json:"locale"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Listen is the HTTP address of the status API. Empty disables it.
	Listen    string           `yaml:"listen" json:"listen"`
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	CacheDir string       `yaml:"cache_dir" json:"cache_dir"`
	Feeds    []FeedConfig `yaml:"feeds" json:"feeds"`

	// Store is "notion" or "sqlite".
	Store  string       `yaml:"store" json:"store"`
	Notion NotionConfig `yaml:"notion" json:"notion"`
	SQLite SQLiteConfig `yaml:"sqlite" json:"sqlite"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timezone:       "Europe/Paris",
		Schedule:       "0 7,13 * * *",
		WindowDays:     7,
		MergeTolerance: "15m",
		Locale:         "en",
		LogLevel:       "info",
		Listen:         "127.0.0.1:8080",
		CacheDir:       "cache",
		Feeds:          []FeedConfig{},
		Store:          StoreNotion,
		Notion:         NotionConfig{Properties: notion.DefaultProperties()},
		SQLite:         SQLiteConfig{Path: "courses.db"},
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.Schedule == "" {
		c.Schedule = d.Schedule
	}
	if c.WindowDays <= 0 {
		c.WindowDays = d.WindowDays
	}
	if c.MergeTolerance == "" {
		c.MergeTolerance = d.MergeTolerance
	}
	switch c.Locale {
	case "en", "fr":
	default:
		c.Locale = d.Locale
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.CacheDir == "" {
		c.CacheDir = d.CacheDir
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	for i := range c.Feeds {
		if c.Feeds[i].ID == "" {
			c.Feeds[i].ID = fmt.Sprintf("feed-%d", i+1)
		}
	}
	if c.Store == "" {
		c.Store = d.Store
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = d.SQLite.Path
	}
}

// ApplyEnv overrides secrets and the calendar URL from the environment.
// EDT_CALENDAR_URL replaces the first feed, or adds one when none is
// configured.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvNotionToken); v != "" {
		c.Notion.Token = v
	}
	if v := os.Getenv(EnvNotionDatabaseID); v != "" {
		c.Notion.DatabaseID = v
	}
	if v := os.Getenv(EnvCalendarURL); v != "" {
		if len(c.Feeds) == 0 {
			c.Feeds = append(c.Feeds, FeedConfig{ID: "edt", Name: "Timetable"})
		}
		c.Feeds[0].URL = v
	}
}

// Location loads Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Tolerance parses MergeTolerance.
func (c *Config) Tolerance() (time.Duration, error) {
	d, err := time.ParseDuration(c.MergeTolerance)
	if err != nil {
		return 0, fmt.Errorf("config: merge_tolerance %q: %w", c.MergeTolerance, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: merge_tolerance %q is negative", c.MergeTolerance)
	}
	return d, nil
}

// Validate reports every problem that prevents a sync from running.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Tolerance(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Feeds) == 0 {
		errs = append(errs, fmt.Errorf("config: no feeds configured (set feeds or %s)", EnvCalendarURL))
	}
	for _, f := range c.Feeds {
		if f.URL == "" {
			errs = append(errs, fmt.Errorf("config: feed %q has no url", f.ID))
		}
	}
	switch c.Store {
	case StoreNotion:
		if c.Notion.Token == "" {
			errs = append(errs, fmt.Errorf("config: notion token missing (set notion.token or %s)", EnvNotionToken))
		}
		if c.Notion.DatabaseID == "" {
			errs = append(errs, fmt.Errorf("config: notion database_id missing (set notion.database_id or %s)", EnvNotionDatabaseID))
		}
	case StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("config: unknown store %q", c.Store))
	}
	return errors.Join(errs...)
}

// Load loads configuration from the given YAML path and applies environment
// overrides.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	cfg.ApplyEnv()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
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

	tmp, err := os.CreateTemp(dir, ".edtsync-config-*.tmp")
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

// Save is a convenience method that delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
