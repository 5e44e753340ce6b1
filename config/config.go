package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mot-status-backend/internal/reg"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	DVSA       DVSAConfig       `yaml:"dvsa"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DVSAConfig holds the credentials and polling settings for the
// DVSA MOT History API.
type DVSAConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	Scope        string `yaml:"scope"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`

	// Registrations is the comma-separated list as entered by the user.
	// RegistrationList carries the normalized form used everywhere else.
	Registrations    string   `yaml:"registrations"`
	RegistrationList []string `yaml:"-"`

	WarnDays int `yaml:"warn_days"`

	ScanIntervalSeconds      int           `yaml:"scan_interval_seconds"`
	ScanInterval             time.Duration `yaml:"-"`
	RequestTimeoutSeconds    int           `yaml:"request_timeout_seconds"`
	RequestTimeout           time.Duration `yaml:"-"`
	TokenSafetyMarginSeconds int           `yaml:"token_safety_margin_seconds"`
	TokenSafetyMargin        time.Duration `yaml:"-"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // "postgres" (default) or "sqlite"
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

const (
	defaultTokenURL = "https://login.microsoftonline.com/a455b827-244f-4c97-b5b4-ce5d13b4d00c/oauth2/v2.0/token"
	defaultScope    = "https://tapi.dvsa.gov.uk/.default"
	defaultBaseURL  = "https://history.mot.api.gov.uk"
)

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if cfg.DVSA.TokenURL == "" {
		cfg.DVSA.TokenURL = defaultTokenURL
	}
	if cfg.DVSA.Scope == "" {
		cfg.DVSA.Scope = defaultScope
	}
	if cfg.DVSA.BaseURL == "" {
		cfg.DVSA.BaseURL = defaultBaseURL
	}

	if cfg.DVSA.WarnDays <= 0 {
		cfg.DVSA.WarnDays = 30
	}
	if cfg.DVSA.ScanIntervalSeconds <= 0 {
		cfg.DVSA.ScanIntervalSeconds = 21600
	}
	cfg.DVSA.ScanInterval = time.Duration(cfg.DVSA.ScanIntervalSeconds) * time.Second

	if cfg.DVSA.RequestTimeoutSeconds <= 0 {
		cfg.DVSA.RequestTimeoutSeconds = 30
	}
	cfg.DVSA.RequestTimeout = time.Duration(cfg.DVSA.RequestTimeoutSeconds) * time.Second

	if cfg.DVSA.TokenSafetyMarginSeconds <= 0 {
		cfg.DVSA.TokenSafetyMarginSeconds = 60
	}
	cfg.DVSA.TokenSafetyMargin = time.Duration(cfg.DVSA.TokenSafetyMarginSeconds) * time.Second

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	// Credentials and registrations are a setup concern: a missing API key
	// or client secret must fail here, not on every poll cycle.
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	cfg.DVSA.RegistrationList = reg.SplitList(cfg.DVSA.Registrations)
	if len(cfg.DVSA.RegistrationList) == 0 {
		return nil, fmt.Errorf("dvsa.registrations %q contains no usable registrations", cfg.DVSA.Registrations)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var missing []string
	if cfg.DVSA.ClientID == "" {
		missing = append(missing, "dvsa.client_id")
	}
	if cfg.DVSA.ClientSecret == "" {
		missing = append(missing, "dvsa.client_secret")
	}
	if cfg.DVSA.APIKey == "" {
		missing = append(missing, "dvsa.api_key")
	}
	if cfg.DVSA.Registrations == "" {
		missing = append(missing, "dvsa.registrations")
	}
	if len(missing) > 0 {
		return fmt.Errorf("configuration is missing required fields: %v", missing)
	}
	return nil
}
