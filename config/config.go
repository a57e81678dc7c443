package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"gopkg.in/yaml.v2"
)

// Config represents the entire application configuration.
type Config struct {
	DatabasePath string         `yaml:"database_path"`
	Web          WebConfig      `yaml:"web"`
	Upstream     UpstreamConfig `yaml:"upstream"`
	Sync         SyncConfig     `yaml:"sync"`
	Query        QueryConfig    `yaml:"query"`
	Cache        CacheConfig    `yaml:"cache"`
}

// WebConfig holds settings specific to the web server.
type WebConfig struct {
	ListenAddress   string `yaml:"listen_address"`
	DevelopmentMode bool   `yaml:"development_mode"`
}

// UpstreamConfig holds CRM API settings.
type UpstreamConfig struct {
	BaseURL           string `yaml:"base_url"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	AuthMode          string `yaml:"auth_mode"` // "basic" (default) or "oauth2"
	TokenURL          string `yaml:"token_url"`
	ClientID          string `yaml:"client_id"`
	ClientSecret      string `yaml:"client_secret"`
	PageSize          int    `yaml:"page_size"`
	MaxInFlight       int    `yaml:"max_concurrent_requests"`
	RequestTimeoutStr string `yaml:"request_timeout"`
	RetryAttempts     int    `yaml:"retry_attempts"`
	RosterTTLStr      string `yaml:"roster_ttl"`

	RequestTimeout time.Duration // parsed from RequestTimeoutStr
	RosterTTL      time.Duration // parsed from RosterTTLStr
}

// SyncConfig holds orchestrator settings.
type SyncConfig struct {
	LeaseDurationStr string `yaml:"lease_duration"`

	LeaseDuration time.Duration // parsed from LeaseDurationStr
}

// QueryConfig holds query/aggregation layer settings.
type QueryConfig struct {
	ReferenceCurrency string `yaml:"reference_currency"`
	RatesPath         string `yaml:"rates_path"`
}

// CacheConfig holds response cache settings for the dashboard client.
type CacheConfig struct {
	MemoryTTLStr      string `yaml:"memory_ttl"`
	SessionTTLStr     string `yaml:"session_ttl"`
	MemoryCapacity    int    `yaml:"memory_capacity"`
	SessionCapacity   int    `yaml:"session_capacity"`
	SweepIntervalStr  string `yaml:"sweep_interval"`
	CompressOverBytes int    `yaml:"compress_over_bytes"`
	SessionPath       string `yaml:"session_path"` // empty means in-memory

	MemoryTTL     time.Duration // parsed from MemoryTTLStr
	SessionTTL    time.Duration // parsed from SessionTTLStr
	SweepInterval time.Duration // parsed from SweepIntervalStr
}

// Defaults for optional settings.
const (
	defaultPageSize       = 100
	defaultMaxInFlight    = 2
	defaultRequestTimeout = 60 * time.Second
	defaultRetryAttempts  = 3
	defaultRosterTTL      = 30 * time.Minute
	defaultLeaseDuration  = time.Hour
	defaultMemoryTTL      = 20 * time.Minute
	defaultSessionTTL     = 50 * time.Minute
	defaultMemoryCap      = 128
	defaultSessionCap     = 512
	defaultSweepInterval  = 5 * time.Minute
	defaultCompressOver   = 1 << 16
)

// Load loads and validates the configuration from the given file path.
func Load(filePath string) (*Config, error) {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", filePath)
	}

	configFile, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(configFile, &cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to parse YAML config file: %w", err)
	}

	if err := validateAndPrepare(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateAndPrepare checks for required fields and sets up derived values.
func validateAndPrepare(c *Config) error {
	// General
	if c.DatabasePath == "" {
		return errors.New("database_path is missing")
	}

	// Web
	if c.Web.ListenAddress == "" {
		return errors.New("web.listen_address is missing")
	}

	// Upstream
	uc := &c.Upstream
	if uc.BaseURL == "" {
		return errors.New("upstream.base_url is missing")
	}
	if _, err := url.Parse(uc.BaseURL); err != nil {
		return fmt.Errorf("invalid upstream.base_url: %w", err)
	}
	switch uc.AuthMode {
	case "", "basic":
		uc.AuthMode = "basic"
		if uc.Username == "" || uc.Password == "" {
			return errors.New("upstream.username and upstream.password are required for basic auth")
		}
	case "oauth2":
		if uc.TokenURL == "" || uc.ClientID == "" || uc.ClientSecret == "" {
			return errors.New("upstream.token_url, client_id and client_secret are required for oauth2 auth")
		}
	default:
		return fmt.Errorf("upstream.auth_mode must be \"basic\" or \"oauth2\", got %q", uc.AuthMode)
	}
	if uc.PageSize == 0 {
		uc.PageSize = defaultPageSize
	}
	if uc.PageSize < 1 {
		return fmt.Errorf("upstream.page_size must be positive, got %d", uc.PageSize)
	}
	if uc.MaxInFlight == 0 {
		uc.MaxInFlight = defaultMaxInFlight
	}
	if uc.RetryAttempts == 0 {
		uc.RetryAttempts = defaultRetryAttempts
	}
	var err error
	uc.RequestTimeout, err = parseDuration(uc.RequestTimeoutStr, defaultRequestTimeout)
	if err != nil {
		return fmt.Errorf("invalid upstream.request_timeout: %w", err)
	}
	uc.RosterTTL, err = parseDuration(uc.RosterTTLStr, defaultRosterTTL)
	if err != nil {
		return fmt.Errorf("invalid upstream.roster_ttl: %w", err)
	}

	// Sync
	c.Sync.LeaseDuration, err = parseDuration(c.Sync.LeaseDurationStr, defaultLeaseDuration)
	if err != nil {
		return fmt.Errorf("invalid sync.lease_duration: %w", err)
	}

	// Query
	if c.Query.ReferenceCurrency == "" {
		return errors.New("query.reference_currency is missing")
	}
	if c.Query.RatesPath == "" {
		return errors.New("query.rates_path is missing")
	}

	// Cache
	cc := &c.Cache
	cc.MemoryTTL, err = parseDuration(cc.MemoryTTLStr, defaultMemoryTTL)
	if err != nil {
		return fmt.Errorf("invalid cache.memory_ttl: %w", err)
	}
	cc.SessionTTL, err = parseDuration(cc.SessionTTLStr, defaultSessionTTL)
	if err != nil {
		return fmt.Errorf("invalid cache.session_ttl: %w", err)
	}
	cc.SweepInterval, err = parseDuration(cc.SweepIntervalStr, defaultSweepInterval)
	if err != nil {
		return fmt.Errorf("invalid cache.sweep_interval: %w", err)
	}
	if cc.MemoryCapacity == 0 {
		cc.MemoryCapacity = defaultMemoryCap
	}
	if cc.SessionCapacity == 0 {
		cc.SessionCapacity = defaultSessionCap
	}
	if cc.CompressOverBytes == 0 {
		cc.CompressOverBytes = defaultCompressOver
	}

	return nil
}

// parseDuration parses an optional duration string, using fallback when empty.
func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", d)
	}
	return d, nil
}

// HTTPClient returns the http client for talking to the upstream CRM. In
// oauth2 mode the client carries a client-credentials token source; in basic
// mode the default client is returned and the API client sets basic auth
// headers per request.
func (uc *UpstreamConfig) HTTPClient(ctx context.Context) *http.Client {
	if uc.AuthMode != "oauth2" {
		return http.DefaultClient
	}
	cc := &clientcredentials.Config{
		ClientID:     uc.ClientID,
		ClientSecret: uc.ClientSecret,
		TokenURL:     uc.TokenURL,
	}
	return cc.Client(ctx)
}
