package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"calsync/internal/event"
	"calsync/internal/model"
)

// Backend names accepted in Config.Backend.
const (
	BackendGraph = "graph"
	BackendICS   = "ics"
)

// Environment variables that override the graph section, so secrets can stay
// out of the YAML file.
const (
	EnvTenantID     = "AZURE_TENANT_ID"
	EnvClientID     = "AZURE_CLIENT_ID"
	EnvClientSecret = "AZURE_CLIENT_SECRET"
	EnvDomain       = "AZURE_DOMAIN"
)

// ScopeConfig describes one agenda that is synced on its own.
type ScopeConfig struct {
	// Key names the snapshot file (e.g. "sfs_lausanne").
	Key string `yaml:"key" json:"key"`
	// Kind is "method" for weekly slots or "vip" for dated slots.
	Kind model.Kind `yaml:"kind" json:"kind"`
	// Schedules are exported schedule files or http(s) URLs, merged in order.
	Schedules []string `yaml:"schedules" json:"schedules"`
}

// GraphConfig holds Microsoft Graph application credentials.
type GraphConfig struct {
	TenantID     string        `yaml:"tenant_id" json:"tenant_id"`
	ClientID     string        `yaml:"client_id" json:"client_id"`
	ClientSecret string        `yaml:"client_secret" json:"-"`
	Domain       string        `yaml:"domain" json:"domain"`
	BaseURL      string        `yaml:"base_url" json:"base_url"`
	TokenURL     string        `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

// RosterConfig controls how schedule source names are mapped to mailboxes.
type RosterConfig struct {
	// Path is the teachers.json file ([{firstname, lastname}]).
	Path string `yaml:"path" json:"path"`
	// StripTokens are dropped from source names before matching.
	StripTokens []string `yaml:"strip_tokens" json:"strip_tokens"`
	// Overrides maps a cleaned source name to a roster name.
	Overrides map[string]string `yaml:"overrides,omitempty" json:"overrides,omitempty"`
	// Skip lists cleaned source names that are ignored without a warning.
	Skip []string `yaml:"skip,omitempty" json:"skip,omitempty"`
}

// EventsConfig controls the subject, categories and zone of created events.
type EventsConfig struct {
	TeachingSubject string                        `yaml:"teaching_subject" json:"teaching_subject"`
	PrivatePrefix   string                        `yaml:"private_prefix" json:"private_prefix"`
	ActivityTypes   map[string]event.ActivityType `yaml:"activity_types" json:"activity_types"`
	DefaultActivity event.ActivityType            `yaml:"default_activity" json:"default_activity"`
}

// LogConfig configures the application logger.
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty" json:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" json:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty" json:"compress,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address of the status server.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone events are created in (e.g. "Europe/Zurich").
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a standard five-field cron spec for daemon runs.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Workers bounds how many owners are reconciled concurrently.
	Workers int `yaml:"workers" json:"workers"`

	// StateDir holds one snapshot file per scope.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// ReportDir receives a JSON report per executed run. Empty disables reports.
	ReportDir string `yaml:"report_dir" json:"report_dir"`

	// CacheDir stores downloaded schedule files for URL sources.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// Backend selects the remote store: "graph" or "ics".
	Backend string `yaml:"backend" json:"backend"`

	// ICSDir is where the ics backend keeps one calendar file per owner.
	ICSDir string `yaml:"ics_dir" json:"ics_dir"`

	Log    LogConfig     `yaml:"log" json:"log"`
	Graph  GraphConfig   `yaml:"graph" json:"graph"`
	Roster RosterConfig  `yaml:"roster" json:"roster"`
	Events EventsConfig  `yaml:"events" json:"events"`
	Scopes []ScopeConfig `yaml:"scopes" json:"scopes"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"-"`
}

func defaultStripTokens() []string {
	return []string{
		"MAIN", "CR",
		"ESA", "SFS", "WSE",
		"VIP", "TP", "VAD", "TPC",
		"JPR", "JGP", "JNR", "ICO",
	}
}

func defaultActivityTypes() map[string]event.ActivityType {
	return map[string]event.ActivityType{
		"VAD": {Label: "VIP Adults", Color: "preset8"},
		"TPC": {Label: "Test Prep", Color: "preset0"},
		"JPR": {Label: "Junior Private", Color: "preset7"},
		"JGP": {Label: "Junior Group", Color: "preset4"},
		"ICO": {Label: "In Company", Color: "preset1"},
		"VIP": {Label: "VIP Class", Color: "preset3"},
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Scopes: []ScopeConfig{},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Zurich"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "0 6 * * *"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.StateDir == "" {
		c.StateDir = "data/last_synced"
	}
	if c.CacheDir == "" {
		c.CacheDir = "data/cache"
	}
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = BackendGraph
	}
	if c.ICSDir == "" {
		c.ICSDir = "data/calendars"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Graph.BaseURL == "" {
		c.Graph.BaseURL = "https://graph.microsoft.com/v1.0"
	}
	c.Graph.BaseURL = strings.TrimRight(c.Graph.BaseURL, "/")
	if c.Graph.Timeout <= 0 {
		c.Graph.Timeout = 30 * time.Second
	}

	if c.Roster.Path == "" {
		c.Roster.Path = "data/teachers.json"
	}
	if c.Roster.StripTokens == nil {
		c.Roster.StripTokens = defaultStripTokens()
	}

	if c.Events.TeachingSubject == "" {
		c.Events.TeachingSubject = "Teaching"
	}
	if c.Events.PrivatePrefix == "" {
		c.Events.PrivatePrefix = "Private:"
	}
	if c.Events.ActivityTypes == nil {
		c.Events.ActivityTypes = defaultActivityTypes()
	}
	if c.Events.DefaultActivity.Label == "" {
		c.Events.DefaultActivity = event.ActivityType{Label: "Private Lesson", Color: "preset10"}
	}

	if c.Scopes == nil {
		c.Scopes = []ScopeConfig{}
	}
}

// ApplyEnv overrides the graph credentials with non-empty AZURE_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Graph.TenantID, EnvTenantID)
	set(&c.Graph.ClientID, EnvClientID)
	set(&c.Graph.ClientSecret, EnvClientSecret)
	set(&c.Graph.Domain, EnvDomain)
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}

	switch c.Backend {
	case BackendGraph:
		if c.Graph.TenantID == "" || c.Graph.ClientID == "" || c.Graph.ClientSecret == "" {
			errs = append(errs, errors.New("graph backend needs tenant_id, client_id and client_secret"))
		}
	case BackendICS:
		if c.ICSDir == "" {
			errs = append(errs, errors.New("ics backend needs ics_dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.Graph.Domain == "" {
		errs = append(errs, errors.New("graph.domain is required to derive mailbox names"))
	}

	if c.Events.TeachingSubject == c.Events.PrivatePrefix {
		errs = append(errs, errors.New("events.teaching_subject and events.private_prefix must differ"))
	}

	seen := make(map[string]bool, len(c.Scopes))
	for i, s := range c.Scopes {
		label := fmt.Sprintf("scopes[%d]", i)
		if s.Key != "" {
			label = fmt.Sprintf("scope %q", s.Key)
		}
		if s.Key == "" {
			errs = append(errs, fmt.Errorf("%s: missing key", label))
		} else if seen[s.Key] {
			errs = append(errs, fmt.Errorf("%s: duplicate key", label))
		}
		seen[s.Key] = true
		if _, err := model.ParseKind(string(s.Kind)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
		if len(s.Schedules) == 0 {
			errs = append(errs, fmt.Errorf("%s: no schedules", label))
		}
	}

	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		errs = append(errs, errors.New("basic_auth needs both username and password"))
	}
	return errors.Join(errs...)
}

// Scope returns the scope configured under key.
func (c *Config) Scope(key string) (ScopeConfig, bool) {
	for _, s := range c.Scopes {
		if s.Key == key {
			return s, true
		}
	}
	return ScopeConfig{}, false
}

// ScopeKeys lists the configured scope keys in file order.
func (c *Config) ScopeKeys() []string {
	keys := make([]string, 0, len(c.Scopes))
	for _, s := range c.Scopes {
		keys = append(keys, s.Key)
	}
	return keys
}

// EventOptions converts the events section for event.NewBuilder.
func (c *Config) EventOptions() event.Options {
	return event.Options{
		TimeZone:        c.Timezone,
		TeachingSubject: c.Events.TeachingSubject,
		PrivatePrefix:   c.Events.PrivatePrefix,
		Activities:      c.Events.ActivityTypes,
		DefaultActivity: c.Events.DefaultActivity,
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is decoded and defaults are filled in.
//
// Environment overrides are applied in both cases. Load does not validate.
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
			cfg.ApplyEnv(nil)
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	cfg.ApplyEnv(nil)

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// The parent directory is created (0700) and the file is replaced atomically
// via a temp file + rename, ending with 0600 permissions.
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
