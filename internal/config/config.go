package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/robfig/cron/v3"
	"github.com/steambundleapi/bundleapi/internal/origins"
	"github.com/steambundleapi/bundleapi/internal/util"
	"sigs.k8s.io/yaml"
)

const (
	appName = "bundleapi"

	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"

	RateLimitStoreMemory = "memory"
	RateLimitStoreRedis  = "redis"
)

var (
	ErrOpenModeInProduction = errors.New("auth: open mode (no API key) is not allowed in production")
	ErrOpenModeNotEnabled   = errors.New("auth: no API key configured; set auth.allowOpenMode (ALLOW_OPEN_ADMIN=true) to run admin routes unauthenticated")
	ErrInvalidRateLimit     = errors.New("rateLimit: requests and window must be positive")
)

// Config holds the configuration for the bundleapi service.
type Config struct {
	Service    *ServiceConfig    `json:"service,omitempty"`
	Auth       *AuthConfig       `json:"auth,omitempty"`
	CORS       *CORSConfig       `json:"cors,omitempty"`
	RateLimit  *RateLimitConfig  `json:"rateLimit,omitempty"`
	Validation *ValidationConfig `json:"validation,omitempty"`
	Health     *HealthConfig     `json:"health,omitempty"`
	Watchdog   *WatchdogConfig   `json:"watchdog,omitempty"`
	Updater    *UpdaterConfig    `json:"updater,omitempty"`
	KV         *KVConfig         `json:"kv,omitempty"`
	Metrics    *MetricsConfig    `json:"metrics,omitempty"`
	Tracing    *TracingConfig    `json:"tracing,omitempty"`
}

type ServiceConfig struct {
	Address               string        `json:"address,omitempty"`
	Environment           string        `json:"environment,omitempty"`
	LogLevel              string        `json:"logLevel,omitempty"`
	DataDir               string        `json:"dataDir,omitempty"`
	HttpReadTimeout       util.Duration `json:"httpReadTimeout,omitempty"`
	HttpReadHeaderTimeout util.Duration `json:"httpReadHeaderTimeout,omitempty"`
	HttpWriteTimeout      util.Duration `json:"httpWriteTimeout,omitempty"`
	HttpIdleTimeout       util.Duration `json:"httpIdleTimeout,omitempty"`
	HttpMaxNumHeaders     int           `json:"httpMaxNumHeaders,omitempty"`
	HttpMaxHeaderBytes    int           `json:"httpMaxHeaderBytes,omitempty"`
	HttpMaxUrlLength      int           `json:"httpMaxUrlLength,omitempty"`
	HttpMaxRequestSize    int           `json:"httpMaxRequestSize,omitempty"`
	HttpMaxConnections    int           `json:"httpMaxConnections,omitempty"`
}

// AuthConfig guards the administrative routes.
type AuthConfig struct {
	APIKey SecureString `json:"apiKey,omitempty"`
	// AllowOpenMode lets admin routes run without a key when APIKey is empty.
	// Never honored in production.
	AllowOpenMode bool `json:"allowOpenMode,omitempty"`
}

type CORSConfig struct {
	// AllowedOrigins entries are exact origins ("https://app.example.com"),
	// subdomain patterns ("*.example.com", "https://*.example.com") or
	// port wildcards ("http://localhost:*").
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	// LogLevel is the level CORS decisions are logged at. Empty picks info in
	// development and debug in production.
	LogLevel string `json:"logLevel,omitempty"`
}

type RateLimitPolicy struct {
	Requests int           `json:"requests,omitempty"`
	Window   util.Duration `json:"window,omitempty"`
	Message  string        `json:"message,omitempty"`
}

type RateLimitConfig struct {
	Store          string           `json:"store,omitempty"`
	TrustedProxies []string         `json:"trustedProxies,omitempty"`
	Admin          *RateLimitPolicy `json:"admin,omitempty"`
	Public         *RateLimitPolicy `json:"public,omitempty"`
}

type ValidationConfig struct {
	MaxLimit int `json:"maxLimit,omitempty"`
}

type HealthConfig struct {
	Path             string        `json:"path,omitempty"`
	LivenessPath     string        `json:"livenessPath,omitempty"`
	ReadinessPath    string        `json:"readinessPath,omitempty"`
	ReadinessTimeout util.Duration `json:"readinessTimeout,omitempty"`
	DataFiles        []string      `json:"dataFiles,omitempty"`
}

// WatchdogConfig bounds heap usage on small hosts.
type WatchdogConfig struct {
	HeapCeiling    uint64        `json:"heapCeiling,omitempty"`
	Interval       util.Duration `json:"interval,omitempty"`
	SetMemoryLimit bool          `json:"setMemoryLimit,omitempty"`
}

// UpdaterConfig describes the outbound webhook that admin operations call.
type UpdaterConfig struct {
	URL        string        `json:"url,omitempty"`
	Timeout    util.Duration `json:"timeout,omitempty"`
	MaxRetries int           `json:"maxRetries,omitempty"`
	MinDelay   util.Duration `json:"minDelay,omitempty"`
	MaxDelay   util.Duration `json:"maxDelay,omitempty"`
	QueueSize  int           `json:"queueSize,omitempty"`
	// Schedule is a standard cron expression ("0 */6 * * *", "@every 1h") on
	// which a force-update job is queued. Empty disables it.
	Schedule string `json:"schedule,omitempty"`
}

// KVConfig locates the Redis instance shared by rate limiter replicas.
type KVConfig struct {
	Hostname   string       `json:"hostname,omitempty"`
	Port       uint         `json:"port,omitempty"`
	Username   string       `json:"username,omitempty"`
	Password   SecureString `json:"password,omitempty"`
	DB         int          `json:"db,omitempty"`
	CaCertFile string       `json:"caCertFile,omitempty"`
	CertFile   string       `json:"certFile,omitempty"`
	KeyFile    string       `json:"keyFile,omitempty"`
}

type MetricsConfig struct {
	Enabled                 bool          `json:"enabled,omitempty"`
	Address                 string        `json:"address,omitempty"`
	SystemCollectorInterval util.Duration `json:"systemCollectorInterval,omitempty"`
	// ProfilingEnabled mounts /debug/pprof on the metrics listener.
	ProfilingEnabled bool `json:"profilingEnabled,omitempty"`
}

type TracingConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "."+appName)
}

func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func NewDefault() *Config {
	return &Config{
		Service: &ServiceConfig{
			Address:               ":3000",
			Environment:           EnvironmentDevelopment,
			LogLevel:              "info",
			DataDir:               "data",
			HttpReadTimeout:       util.Duration(30 * time.Second),
			HttpReadHeaderTimeout: util.Duration(10 * time.Second),
			HttpWriteTimeout:      util.Duration(30 * time.Second),
			HttpIdleTimeout:       util.Duration(2 * time.Minute),
			HttpMaxNumHeaders:     32,
			HttpMaxHeaderBytes:    32 * 1024,
			HttpMaxUrlLength:      2000,
			HttpMaxRequestSize:    1024 * 1024,
			HttpMaxConnections:    1024,
		},
		Auth: &AuthConfig{},
		CORS: &CORSConfig{
			AllowedOrigins: []string{
				"http://localhost:*",
				"http://127.0.0.1:*",
			},
		},
		RateLimit: &RateLimitConfig{
			Store: RateLimitStoreMemory,
			Admin: &RateLimitPolicy{
				Requests: 5,
				Window:   util.Duration(15 * time.Minute),
				Message:  "Too many administrative requests from this IP, please try again later.",
			},
			Public: &RateLimitPolicy{
				Requests: 100,
				Window:   util.Duration(15 * time.Minute),
				Message:  "Too many requests from this IP, please try again later.",
			},
		},
		Validation: &ValidationConfig{
			MaxLimit: 100,
		},
		Health: &HealthConfig{
			Path:             "/health",
			LivenessPath:     "/healthz",
			ReadinessPath:    "/readyz",
			ReadinessTimeout: util.Duration(2 * time.Second),
			DataFiles:        []string{"bundles.json", "bundleDetails.json", "lastCheck.json"},
		},
		Watchdog: &WatchdogConfig{
			HeapCeiling:    200 * 1024 * 1024,
			Interval:       util.Duration(30 * time.Second),
			SetMemoryLimit: true,
		},
		Updater: &UpdaterConfig{
			Timeout:    util.Duration(30 * time.Second),
			MaxRetries: 3,
			MinDelay:   util.Duration(time.Second),
			MaxDelay:   util.Duration(2 * time.Second),
			QueueSize:  8,
		},
		KV: &KVConfig{
			Hostname: "localhost",
			Port:     6379,
		},
		Metrics: &MetricsConfig{
			Enabled:                 false,
			Address:                 ":15690",
			SystemCollectorInterval: util.Duration(5 * time.Second),
		},
		Tracing: &TracingConfig{},
	}
}

// Load reads cfgFile on top of the defaults, then applies .env and
// environment variable overrides. A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	c := NewDefault()

	if cfgFile != "" {
		contents, err := os.ReadFile(cfgFile)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(contents, c); err != nil {
				return nil, fmt.Errorf("decoding config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	loadDotEnv()
	if err := c.ApplyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	return c, nil
}

func NewFromFile(cfgFile string) (*Config, error) {
	cfg, err := Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to cfgFile atomically. Unlike String, secrets are written in
// clear text so the file loads back to the same config; the file is 0600.
func Save(cfg *Config, cfgFile string) error {
	doc, err := cfg.fileDocument()
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	contents, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfgFile), 0755); err != nil {
		return fmt.Errorf("creating directory for config file: %w", err)
	}
	if err := renameio.WriteFile(cfgFile, contents, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// fileDocument renders c as a generic document with its secrets revealed.
func (c *Config) fileDocument() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if c.Auth != nil {
		reveal(doc, "auth", "apiKey", c.Auth.APIKey)
	}
	if c.KV != nil {
		reveal(doc, "kv", "password", c.KV.Password)
	}
	return doc, nil
}

func reveal(doc map[string]any, section, key string, secret SecureString) {
	if secret == "" {
		return
	}
	if sub, ok := doc[section].(map[string]any); ok {
		sub[key] = secret.Value()
	}
}

// Validate rejects configurations that would silently weaken the admission gate.
func (c *Config) Validate() error {
	if c.Service == nil || c.Auth == nil || c.CORS == nil || c.RateLimit == nil || c.Validation == nil {
		return errors.New("service, auth, cors, rateLimit and validation sections are required")
	}

	switch c.Service.Environment {
	case EnvironmentDevelopment, EnvironmentProduction:
	default:
		return fmt.Errorf("service.environment must be %q or %q, got %q",
			EnvironmentDevelopment, EnvironmentProduction, c.Service.Environment)
	}

	if c.Auth.APIKey.Value() == "" {
		if c.IsProduction() {
			return ErrOpenModeInProduction
		}
		if !c.Auth.AllowOpenMode {
			return ErrOpenModeNotEnabled
		}
	}

	for name, policy := range map[string]*RateLimitPolicy{"admin": c.RateLimit.Admin, "public": c.RateLimit.Public} {
		if policy == nil || policy.Requests <= 0 || policy.Window <= 0 {
			return fmt.Errorf("%w (%s)", ErrInvalidRateLimit, name)
		}
	}

	switch c.RateLimit.Store {
	case RateLimitStoreMemory:
	case RateLimitStoreRedis:
		if c.KV == nil || c.KV.Hostname == "" || c.KV.Port == 0 {
			return errors.New("rateLimit.store is redis but kv.hostname/kv.port are not set")
		}
	default:
		return fmt.Errorf("unsupported rateLimit.store: %q", c.RateLimit.Store)
	}

	if c.Service != nil && c.Service.HttpMaxConnections < 0 {
		return errors.New("service.httpMaxConnections must not be negative (0 disables the limit)")
	}
	if c.Validation.MaxLimit <= 0 {
		return errors.New("validation.maxLimit must be positive")
	}

	if _, err := origins.ParseList(c.CORS.AllowedOrigins); err != nil {
		return fmt.Errorf("cors.allowedOrigins: %w", err)
	}

	if c.Updater != nil {
		if c.Updater.MinDelay > c.Updater.MaxDelay {
			return errors.New("updater.minDelay must not exceed updater.maxDelay")
		}
		if c.Updater.Schedule != "" {
			if _, err := cron.ParseStandard(c.Updater.Schedule); err != nil {
				return fmt.Errorf("updater.schedule: %w", err)
			}
		}
	}
	return nil
}

// IsProduction reports whether permissive fallbacks (CORS bypass, verbose
// errors, open admin mode) are disabled.
func (c *Config) IsProduction() bool {
	return c.Service != nil && c.Service.Environment == EnvironmentProduction
}

func (c *Config) LogLevel() string {
	if c.Service != nil && c.Service.LogLevel != "" {
		return c.Service.LogLevel
	}
	return "info"
}

// String returns a JSON representation of the config. Secrets are redacted by
// SecureString.
func (c *Config) String() string {
	contents, err := json.Marshal(c)
	if err != nil {
		return "<error>"
	}
	return string(contents)
}
