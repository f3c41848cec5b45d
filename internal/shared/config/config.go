package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultHistoryDays = 90
	DefaultBindAddress = "127.0.0.1:8080"
	DefaultCountry     = "gb"

	CallbackModeRedirect = "redirect"
	CallbackModeRender   = "render"
)

var (
	// ErrUnknownProvider is returned by Provider for names missing from the
	// [provider] table.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	LogLevel  string                    `toml:"log_level"`
	LogFormat string                    `toml:"log_format"`
	Providers map[string]ProviderConfig `toml:"provider"`
	Retries   RetryConfig               `toml:"retries"`
	HTTP      HTTPConfig                `toml:"http"`
	API       APIConfig                 `toml:"api"`
	Storage   StorageConfig             `toml:"storage"`
	Scheduler SchedulerConfig           `toml:"scheduler"`
	Telemetry TelemetryConfig           `toml:"telemetry"`
	Journal   JournalConfig             `toml:"journal"`

	// Environment only.
	Credentials CredentialsConfig `toml:"-"`
	Encryption  EncryptionConfig  `toml:"-"`
}

type ProviderConfig struct {
	Name            string `toml:"-"`
	InstitutionID   string `toml:"institution_id"`
	Output          string `toml:"output"`
	HistoryDays     int    `toml:"history_days"`
	State           string `toml:"state"`
	ContinueOnError bool   `toml:"continue_on_error"`
}

type RetryConfig struct {
	DelayS     *float64 `toml:"delay_s"`
	MaxDelayS  *float64 `toml:"max_delay_s"`
	MaxRetries *int     `toml:"max_retries"`
}

type HTTPConfig struct {
	BindAddress     string   `toml:"bind_address"`
	ClientFacingURL string   `toml:"client_facing_url"`
	CallbackMode    string   `toml:"callback_mode"`
	ConsentTimeout  Duration `toml:"consent_timeout"`
}

type APIConfig struct {
	BaseURL           string   `toml:"base_url"`
	TokenFile         string   `toml:"token_file"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	Timeout           Duration `toml:"timeout"`
	Country           string   `toml:"country"`
}

type StorageConfig struct {
	WriteConcurrency int `toml:"write_concurrency"`
}

type SchedulerConfig struct {
	Times        []string `toml:"times"`
	Workers      int      `toml:"workers"`
	JobDelay     Duration `toml:"job_delay"`
	QueueSize    int      `toml:"queue_size"`
	RunOnStartup bool     `toml:"run_on_startup"`
}

type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	ServiceName  string `toml:"service_name"`
	Environment  string `toml:"environment"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	MetricsPort  string `toml:"metrics_port"`
}

type JournalConfig struct {
	DatabaseURL string `toml:"database_url"`
}

type CredentialsConfig struct {
	SecretID    string
	SecretKey   string
	AccessToken string
}

type EncryptionConfig struct {
	Key string
}

// Duration is a time.Duration written in TOML as a Go duration string such
// as "90s" or "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads the TOML file at path, applies environment overrides and
// defaults, then validates the result. A .env file in the working directory
// is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes a TOML document from r. Paths are kept as written, relative
// to the working directory.
func Parse(r io.Reader) (*Config, error) {
	var cfg Config
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			keys := make([]string, 0, len(strict.Errors))
			for _, de := range strict.Errors {
				keys = append(keys, strings.Join(de.Key(), "."))
			}
			return nil, fmt.Errorf("%w: unknown keys: %s", ErrInvalidConfig, strings.Join(keys, ", "))
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Credentials = CredentialsConfig{
		SecretID:    getEnv("GOCARDLESS_SECRET_ID", ""),
		SecretKey:   getEnv("GOCARDLESS_SECRET_KEY", ""),
		AccessToken: getEnv("GOCARDLESS_ACCESS_TOKEN", ""),
	}
	c.Encryption = EncryptionConfig{
		Key: getEnv("ENCRYPTION_KEY", ""),
	}
	c.Journal.DatabaseURL = getEnv("DATABASE_URL", c.Journal.DatabaseURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.Telemetry.Enabled = getBoolEnv("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_ENDPOINT", c.Telemetry.OTLPEndpoint)
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	for name, p := range c.Providers {
		p.Name = name
		if p.HistoryDays == 0 {
			p.HistoryDays = DefaultHistoryDays
		}
		c.Providers[name] = p
	}

	if c.HTTP.BindAddress == "" {
		c.HTTP.BindAddress = DefaultBindAddress
	}
	if c.HTTP.ClientFacingURL == "" {
		c.HTTP.ClientFacingURL = "http://" + c.HTTP.BindAddress + "/"
	}
	if c.HTTP.CallbackMode == "" {
		c.HTTP.CallbackMode = CallbackModeRedirect
	}

	if c.API.TokenFile == "" {
		c.API.TokenFile = "token.json"
	}
	if c.API.Country == "" {
		c.API.Country = DefaultCountry
	}
	if c.API.Burst == 0 {
		c.API.Burst = 1
	}

	if c.Storage.WriteConcurrency == 0 {
		c.Storage.WriteConcurrency = 4
	}

	if len(c.Scheduler.Times) == 0 {
		c.Scheduler.Times = []string{"06:00"}
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 1
	}
	if c.Scheduler.JobDelay.Duration == 0 {
		c.Scheduler.JobDelay.Duration = time.Second
	}
	if c.Scheduler.QueueSize == 0 {
		c.Scheduler.QueueSize = 16
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "banksync"
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
	if c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = "localhost:4317"
	}
	if c.Telemetry.MetricsPort == "" {
		c.Telemetry.MetricsPort = "9464"
	}
}

func (c *Config) validate() error {
	var errs []error
	invalid := func(key, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, key, fmt.Sprintf(format, args...)))
	}

	if len(c.Providers) == 0 {
		invalid("provider", "at least one provider is required")
	}
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		prefix := "provider." + name
		if p.InstitutionID == "" {
			invalid(prefix+".institution_id", "is required")
		}
		if p.Output == "" {
			invalid(prefix+".output", "is required")
		}
		if p.State == "" {
			invalid(prefix+".state", "is required")
		}
		if p.HistoryDays < 0 {
			invalid(prefix+".history_days", "must be positive, got %d", p.HistoryDays)
		}
	}

	if c.Retries.DelayS != nil && *c.Retries.DelayS < 0 {
		invalid("retries.delay_s", "must not be negative")
	}
	if c.Retries.MaxDelayS != nil && *c.Retries.MaxDelayS < 0 {
		invalid("retries.max_delay_s", "must not be negative")
	}
	if c.Retries.MaxRetries != nil && *c.Retries.MaxRetries < 0 {
		invalid("retries.max_retries", "must not be negative")
	}

	if _, _, err := net.SplitHostPort(c.HTTP.BindAddress); err != nil {
		invalid("http.bind_address", "%v", err)
	}
	switch c.HTTP.CallbackMode {
	case CallbackModeRedirect, CallbackModeRender:
	default:
		invalid("http.callback_mode", "must be %q or %q, got %q", CallbackModeRedirect, CallbackModeRender, c.HTTP.CallbackMode)
	}
	if c.HTTP.ConsentTimeout.Duration < 0 {
		invalid("http.consent_timeout", "must not be negative")
	}

	if c.API.RequestsPerSecond < 0 {
		invalid("api.requests_per_second", "must not be negative")
	}
	if c.Storage.WriteConcurrency < 0 {
		invalid("storage.write_concurrency", "must be positive")
	}
	if c.Scheduler.Workers < 0 {
		invalid("scheduler.workers", "must be positive")
	}
	for _, t := range c.Scheduler.Times {
		if _, err := time.Parse("15:04", strings.TrimSpace(t)); err != nil {
			invalid("scheduler.times", "invalid time %q (expected HH:MM)", t)
		}
	}

	if c.Encryption.Key != "" && len(c.Encryption.Key) != 32 {
		invalid("ENCRYPTION_KEY", "must be exactly 32 bytes")
	}

	return errors.Join(errs...)
}

// Provider returns the named provider's configuration.
func (c *Config) Provider(name string) (ProviderConfig, error) {
	p, ok := c.Providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// ProviderNames returns the configured provider names in sorted order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Delay is the wait before the first retry; one second when unset.
func (r RetryConfig) Delay() time.Duration {
	if r.DelayS == nil {
		return time.Second
	}
	return seconds(*r.DelayS)
}

// MaxDelay caps the wait between retries; zero when unset.
func (r RetryConfig) MaxDelay() time.Duration {
	if r.MaxDelayS == nil {
		return 0
	}
	return seconds(*r.MaxDelayS)
}

// Retries is the number of retries after the first attempt; five when unset.
func (r RetryConfig) Retries() int {
	if r.MaxRetries == nil {
		return 5
	}
	return *r.MaxRetries
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Accept: true, false, 1, 0, yes, no (case-insensitive)
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}
