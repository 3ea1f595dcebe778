package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable the crawler reads
const EnvPrefix = "IGCRAWLER_"

// Config holds all configuration options for the follower crawler
type Config struct {
	// Account pool persistence
	Accounts AccountsConfig `yaml:"accounts" json:"accounts"`

	// Rotation thresholds and cooldowns
	Rotation RotationConfig `yaml:"rotation" json:"rotation"`

	// Delays between requests
	Pacing PacingConfig `yaml:"pacing" json:"pacing"`

	// Global request limiter
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Retry policy for profile lookups
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// HTTP client settings
	HTTP HTTPConfig `yaml:"http" json:"http"`

	// Crawl defaults and output
	Crawl CrawlConfig `yaml:"crawl" json:"crawl"`

	// Optional SQL sink
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// HTTP API
	Server ServerConfig `yaml:"server" json:"server"`

	// Scheduled crawls
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// AccountsConfig points at the account pool file and session storage
type AccountsConfig struct {
	File             string `yaml:"file" json:"file"`
	CookieDir        string `yaml:"cookie_dir" json:"cookie_dir"`
	EncryptPasswords bool   `yaml:"encrypt_passwords" json:"encrypt_passwords"`
	// Headless controls the browser used by the login flow
	Headless bool `yaml:"headless" json:"headless"`
}

// RotationConfig holds the thresholds that push an account into cooldown
type RotationConfig struct {
	ErrorThreshold   int           `yaml:"error_threshold" json:"error_threshold"`
	ErrorCooldown    time.Duration `yaml:"error_cooldown" json:"error_cooldown"`
	RequestThreshold int           `yaml:"request_threshold" json:"request_threshold"`
	VolumeCooldown   time.Duration `yaml:"volume_cooldown" json:"volume_cooldown"`
	SwitchEvery      int           `yaml:"switch_every" json:"switch_every"`
}

// PacingConfig holds the randomized delays between requests
type PacingConfig struct {
	MinDelay        time.Duration `yaml:"min_delay" json:"min_delay"`
	MaxDelay        time.Duration `yaml:"max_delay" json:"max_delay"`
	SwitchMinDelay  time.Duration `yaml:"switch_min_delay" json:"switch_min_delay"`
	SwitchMaxDelay  time.Duration `yaml:"switch_max_delay" json:"switch_max_delay"`
	UnavailableWait time.Duration `yaml:"unavailable_wait" json:"unavailable_wait"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int    `yaml:"requests_per_minute" json:"requests_per_minute"`
	Algorithm         string `yaml:"algorithm" json:"algorithm"`
}

// RetryConfig holds retry settings for single lookups
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" json:"multiplier"`
}

// HTTPConfig holds Instagram client settings
type HTTPConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	AppID          string        `yaml:"app_id" json:"app_id"`
	AcceptLanguage string        `yaml:"accept_language" json:"accept_language"`
	UserAgents     []string      `yaml:"user_agents" json:"user_agents"`
}

// CrawlConfig holds crawl defaults
type CrawlConfig struct {
	MaxCount     int      `yaml:"max_count" json:"max_count"`
	PageSize     int      `yaml:"page_size" json:"page_size"`
	UseRotation  bool     `yaml:"use_rotation" json:"use_rotation"`
	OutputDir    string   `yaml:"output_dir" json:"output_dir"`
	Formats      []string `yaml:"formats" json:"formats"`
	Workers      int      `yaml:"workers" json:"workers"`
	MaxUserPosts int      `yaml:"max_user_posts" json:"max_user_posts"`
}

// StorageConfig selects the optional SQL sink
type StorageConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Addr              string   `yaml:"addr" json:"addr"`
	AllowedOrigins    []string `yaml:"allowed_origins" json:"allowed_origins"`
	RequestsPerSecond float64  `yaml:"requests_per_second" json:"requests_per_second"`
}

// ScheduleConfig holds the cron spec for recurring crawls
type ScheduleConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Spec     string   `yaml:"spec" json:"spec"`
	Targets  []string `yaml:"targets" json:"targets"`
	MaxCount int      `yaml:"max_count" json:"max_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
}

// DefaultUserAgents are rotated per request when none are configured
var DefaultUserAgents = []string{
	"Mozilla/5.0 (iPhone; CPU iPhone OS 14_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148 Instagram 195.0.0.31.123",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Accounts: AccountsConfig{
			File:             "follower_accounts.json",
			CookieDir:        ".",
			EncryptPasswords: false,
			Headless:         true,
		},
		Rotation: RotationConfig{
			ErrorThreshold:   5,
			ErrorCooldown:    30 * time.Minute,
			RequestThreshold: 50,
			VolumeCooldown:   5 * time.Minute,
			SwitchEvery:      30,
		},
		Pacing: PacingConfig{
			MinDelay:        1 * time.Second,
			MaxDelay:        3 * time.Second,
			SwitchMinDelay:  5 * time.Second,
			SwitchMaxDelay:  10 * time.Second,
			UnavailableWait: 60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			Algorithm:         "token_bucket",
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     5 * time.Second,
			Multiplier:     1.5,
		},
		HTTP: HTTPConfig{
			BaseURL:        "https://i.instagram.com",
			Timeout:        10 * time.Second,
			AppID:          "936619743392459",
			AcceptLanguage: "en-US,en;q=0.9",
			UserAgents:     append([]string(nil), DefaultUserAgents...),
		},
		Crawl: CrawlConfig{
			MaxCount:     1000,
			PageSize:     50,
			UseRotation:  true,
			OutputDir:    "./crawls",
			Formats:      []string{"json", "csv"},
			Workers:      3,
			MaxUserPosts: 100,
		},
		Server: ServerConfig{
			Addr:              ":8002",
			AllowedOrigins:    []string{"*"},
			RequestsPerSecond: 5,
		},
		Schedule: ScheduleConfig{
			Enabled:  false,
			Spec:     "0 0 */6 * * *",
			MaxCount: 1000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envList(name string, dst *[]string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	envString("ACCOUNTS_FILE", &c.Accounts.File)
	envString("COOKIE_DIR", &c.Accounts.CookieDir)
	if v := os.Getenv(EnvPrefix + "ENCRYPT_PASSWORDS"); v != "" {
		c.Accounts.EncryptPasswords = strings.ToLower(v) == "true"
	}

	envInt("ERROR_THRESHOLD", &c.Rotation.ErrorThreshold)
	envDuration("ERROR_COOLDOWN", &c.Rotation.ErrorCooldown)
	envInt("REQUEST_THRESHOLD", &c.Rotation.RequestThreshold)
	envDuration("VOLUME_COOLDOWN", &c.Rotation.VolumeCooldown)
	envInt("SWITCH_EVERY", &c.Rotation.SwitchEvery)

	envDuration("MIN_DELAY", &c.Pacing.MinDelay)
	envDuration("MAX_DELAY", &c.Pacing.MaxDelay)

	envInt("REQUESTS_PER_MINUTE", &c.RateLimit.RequestsPerMinute)
	envString("RATE_LIMIT_ALGORITHM", &c.RateLimit.Algorithm)

	envDuration("HTTP_TIMEOUT", &c.HTTP.Timeout)
	envList("USER_AGENTS", &c.HTTP.UserAgents)

	envInt("MAX_COUNT", &c.Crawl.MaxCount)
	envString("OUTPUT_DIR", &c.Crawl.OutputDir)
	envInt("WORKERS", &c.Crawl.Workers)

	envString("STORAGE_DRIVER", &c.Storage.Driver)
	envString("STORAGE_DSN", &c.Storage.DSN)

	envString("SERVER_ADDR", &c.Server.Addr)
	envList("ALLOWED_ORIGINS", &c.Server.AllowedOrigins)

	envString("SCHEDULE_SPEC", &c.Schedule.Spec)
	envList("SCHEDULE_TARGETS", &c.Schedule.Targets)

	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FILE", &c.Logging.File)

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		".igcrawler.yaml",
		".igcrawler.yml",
		filepath.Join(home, ".config", "igcrawler", "config.yaml"),
		filepath.Join(home, ".igcrawler.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Accounts.File == "" {
		errs = append(errs, errors.New("accounts file is required"))
	}

	if c.Rotation.ErrorThreshold <= 0 {
		errs = append(errs, errors.New("error threshold must be positive"))
	}
	if c.Rotation.RequestThreshold <= 0 {
		errs = append(errs, errors.New("request threshold must be positive"))
	}
	if c.Rotation.ErrorCooldown <= 0 || c.Rotation.VolumeCooldown <= 0 {
		errs = append(errs, errors.New("cooldowns must be positive"))
	}
	if c.Rotation.SwitchEvery <= 0 {
		errs = append(errs, errors.New("switch interval must be positive"))
	}

	if c.Pacing.MinDelay < 0 || c.Pacing.MaxDelay < c.Pacing.MinDelay {
		errs = append(errs, errors.New("pacing delay range is invalid"))
	}
	if c.Pacing.SwitchMinDelay < 0 || c.Pacing.SwitchMaxDelay < c.Pacing.SwitchMinDelay {
		errs = append(errs, errors.New("switch delay range is invalid"))
	}
	if c.Pacing.UnavailableWait <= 0 {
		errs = append(errs, errors.New("unavailable wait must be positive"))
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("requests per minute must be positive"))
	}
	switch c.RateLimit.Algorithm {
	case "token_bucket", "sliding_window":
	default:
		errs = append(errs, fmt.Errorf("unknown rate limit algorithm %q", c.RateLimit.Algorithm))
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry attempts must be positive"))
	}

	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http timeout must be positive"))
	}
	if c.HTTP.BaseURL == "" {
		errs = append(errs, errors.New("base URL is required"))
	}

	if c.Crawl.MaxCount <= 0 {
		errs = append(errs, errors.New("max count must be positive"))
	}
	if c.Crawl.PageSize <= 0 || c.Crawl.PageSize > 50 {
		errs = append(errs, errors.New("page size must be between 1 and 50"))
	}
	if c.Crawl.Workers <= 0 || c.Crawl.Workers > 10 {
		errs = append(errs, errors.New("workers must be between 1 and 10"))
	}
	if c.Crawl.OutputDir == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	for _, f := range c.Crawl.Formats {
		if f != "json" && f != "csv" {
			errs = append(errs, fmt.Errorf("unsupported output format %q", f))
		}
	}

	switch c.Storage.Driver {
	case "":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage dsn is required when a driver is set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.Storage.Driver))
	}

	if c.Schedule.Enabled && c.Schedule.Spec == "" {
		errs = append(errs, errors.New("schedule spec is required when scheduling is enabled"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if v, ok := flags["accounts-file"].(string); ok && v != "" {
		c.Accounts.File = v
	}
	if v, ok := flags["output"].(string); ok && v != "" {
		c.Crawl.OutputDir = v
	}
	if v, ok := flags["max-count"].(int); ok && v > 0 {
		c.Crawl.MaxCount = v
	}
	if v, ok := flags["workers"].(int); ok && v > 0 {
		c.Crawl.Workers = v
	}
	if v, ok := flags["addr"].(string); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := flags["storage-driver"].(string); ok && v != "" {
		c.Storage.Driver = v
	}
	if v, ok := flags["storage-dsn"].(string); ok && v != "" {
		c.Storage.DSN = v
	}
	if v, ok := flags["log-level"].(string); ok && v != "" {
		c.Logging.Level = v
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".igcrawler.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
