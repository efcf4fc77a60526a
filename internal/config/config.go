package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
	_ "time/tzdata" // reference timezones must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
)

// GoogleCredentials represents the structure of Google OAuth credentials JSON file.
type GoogleCredentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleCredentials loads Google OAuth credentials from a JSON file.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}

	// Try "installed" first (for desktop apps), then "web"
	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}

	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// LocalConfig configures the local calendar (Apple Calendar / iCloud over CalDAV).
type LocalConfig struct {
	ServerURL    string `json:"server_url,omitempty"`    // e.g. "https://caldav.icloud.com"
	Username     string `json:"username,omitempty"`      // iCloud email
	Password     string `json:"password,omitempty"`      // App-specific password
	CalendarPath string `json:"calendar_path,omitempty"` // Calendar new events go to; first calendar when empty
}

// Enabled reports whether enough is configured to talk to the server.
func (l LocalConfig) Enabled() bool {
	return l.ServerURL != "" && l.Username != ""
}

// Config holds the configuration for the hangout calendar service.
type Config struct {
	GoogleCredentialsPath string `json:"google_credentials_path,omitempty"`
	CloudTokenPath        string `json:"cloud_token_path,omitempty"`
	CloudCalendarID       string `json:"cloud_calendar_id,omitempty"` // default: "primary"

	Local LocalConfig `json:"local"`

	// StatePath is the SQLite file holding preferences and connected accounts.
	StatePath string `json:"state_path,omitempty"`

	// Timezone is the IANA zone used for day boundaries (cache keys, fetch
	// windows, all-day events). Default: "UTC".
	Timezone string `json:"timezone,omitempty"`

	CacheTTLSeconds        int `json:"cache_ttl_seconds,omitempty"`        // default: 300
	DefaultDurationSeconds int `json:"default_duration_seconds,omitempty"` // default: 3600
	PollIntervalSeconds    int `json:"poll_interval_seconds,omitempty"`    // default: 30

	location *time.Location
}

// CloudEnabled reports whether the Google Calendar provider is configured.
func (c *Config) CloudEnabled() bool {
	return c.GoogleCredentialsPath != ""
}

// Location returns the reference timezone.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// CacheTTL returns how long a fetched day stays valid.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// DefaultDuration returns the duration of events created without one.
func (c *Config) DefaultDuration() time.Duration {
	return time.Duration(c.DefaultDurationSeconds) * time.Second
}

// PollInterval returns how often the local calendar is checked for changes.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Overrides holds values given on the command line.
type Overrides struct {
	GoogleCredentialsPath string
	CloudTokenPath        string
	StatePath             string
	Timezone              string
}

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the environment.
// A missing file is ignored.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// LoadConfigFromFile loads configuration from a JSON file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables
// 3. Config file
// 4. Defaults
// Returns an error if any required value is missing.
func LoadConfig(configFile string, flags Overrides) (*Config, error) {
	var config Config

	// Step 1: Load from config file if provided
	if configFile != "" {
		fileConfig, err := LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
		config = *fileConfig
	}

	// Step 2: Override with environment variables
	overrideString(&config.GoogleCredentialsPath, "GOOGLE_CREDENTIALS_PATH")
	overrideString(&config.CloudTokenPath, "CLOUD_TOKEN_PATH")
	overrideString(&config.CloudCalendarID, "CLOUD_CALENDAR_ID")
	overrideString(&config.StatePath, "STATE_PATH")
	overrideString(&config.Timezone, "HANGOUT_TIMEZONE")
	overrideString(&config.Local.ServerURL, "LOCAL_SERVER_URL")
	overrideString(&config.Local.Username, "LOCAL_USERNAME")
	overrideString(&config.Local.Password, "LOCAL_PASSWORD")
	overrideString(&config.Local.CalendarPath, "LOCAL_CALENDAR_PATH")

	for name, dst := range map[string]*int{
		"CACHE_TTL_SECONDS":        &config.CacheTTLSeconds,
		"DEFAULT_DURATION_SECONDS": &config.DefaultDurationSeconds,
		"POLL_INTERVAL_SECONDS":    &config.PollIntervalSeconds,
	} {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value: %w", name, err)
			}
			*dst = n
		}
	}

	// Step 3: Override with command-line flags (highest priority)
	if flags.GoogleCredentialsPath != "" {
		config.GoogleCredentialsPath = flags.GoogleCredentialsPath
	}
	if flags.CloudTokenPath != "" {
		config.CloudTokenPath = flags.CloudTokenPath
	}
	if flags.StatePath != "" {
		config.StatePath = flags.StatePath
	}
	if flags.Timezone != "" {
		config.Timezone = flags.Timezone
	}

	// Step 4: Apply defaults and validate required fields
	if !config.CloudEnabled() && !config.Local.Enabled() {
		return nil, fmt.Errorf("no calendar provider configured: set google_credentials_path (GOOGLE_CREDENTIALS_PATH) and/or local.server_url and local.username")
	}

	if config.Local.ServerURL != "" && config.Local.Username == "" {
		return nil, fmt.Errorf("local.username must be provided when local.server_url is set")
	}

	if config.StatePath == "" {
		config.StatePath = "hangout.db"
	}
	if config.CloudEnabled() && config.CloudTokenPath == "" {
		config.CloudTokenPath = filepath.Join(filepath.Dir(config.StatePath), "cloud_token.json")
	}
	if config.CloudCalendarID == "" {
		config.CloudCalendarID = "primary"
	}

	if config.Timezone == "" {
		config.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", config.Timezone, err)
	}
	config.location = loc

	if config.CacheTTLSeconds < 0 || config.DefaultDurationSeconds < 0 || config.PollIntervalSeconds < 0 {
		return nil, fmt.Errorf("cache_ttl_seconds, default_duration_seconds and poll_interval_seconds must not be negative")
	}
	if config.CacheTTLSeconds == 0 {
		config.CacheTTLSeconds = 300
	}
	if config.DefaultDurationSeconds == 0 {
		config.DefaultDurationSeconds = 3600
	}
	if config.PollIntervalSeconds == 0 {
		config.PollIntervalSeconds = 30
	}

	return &config, nil
}

func overrideString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
