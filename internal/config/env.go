package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/steambundleapi/bundleapi/internal/util"
)

const (
	EnvAPISecretKey    = "API_SECRET_KEY"
	EnvNodeEnv         = "NODE_ENV"
	EnvEnvironment     = "BUNDLEAPI_ENV"
	EnvAllowOpenAdmin  = "ALLOW_OPEN_ADMIN"
	EnvCORSOrigins     = "CORS_ORIGINS"
	EnvMaxHeapBytes    = "MAX_HEAP_BYTES"
	EnvRequestTimeout  = "REQUEST_TIMEOUT"
	EnvMaxRetries      = "MAX_RETRIES"
	EnvUpdaterURL      = "UPDATER_URL"
	EnvUpdateSchedule  = "UPDATE_SCHEDULE"
	EnvRedisHost       = "REDIS_HOST"
	EnvRedisPort       = "REDIS_PORT"
	EnvRedisPassword   = "REDIS_PASSWORD"
	EnvRateLimitStore  = "RATE_LIMIT_STORE"
	EnvTrustedProxies  = "TRUSTED_PROXIES"
	EnvPort            = "PORT"
	EnvDataDir         = "DATA_DIR"
	EnvLogLevel        = "LOG_LEVEL"
	EnvMetricsEnabled  = "METRICS_ENABLED"
	EnvTracingEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// loadDotEnv populates the process environment from ./.env when present.
// Variables already set take precedence.
func loadDotEnv() {
	_ = godotenv.Load()
}

// ApplyEnvOverrides overlays environment variables onto c. Invalid numeric or
// duration values are reported rather than ignored.
func (c *Config) ApplyEnvOverrides() error {
	if v, ok := lookup(EnvAPISecretKey); ok {
		c.Auth.APIKey = SecureString(v)
	}
	if v, ok := lookup(EnvEnvironment); ok {
		c.Service.Environment = strings.ToLower(v)
	} else if v, ok := lookup(EnvNodeEnv); ok {
		c.Service.Environment = strings.ToLower(v)
	}
	if v, ok := lookup(EnvAllowOpenAdmin); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAllowOpenAdmin, err)
		}
		c.Auth.AllowOpenMode = b
	}
	if v, ok := lookup(EnvCORSOrigins); ok {
		c.CORS.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup(EnvMaxHeapBytes); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxHeapBytes, err)
		}
		c.Watchdog.HeapCeiling = n
	}
	if v, ok := lookup(EnvRequestTimeout); ok {
		d, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRequestTimeout, err)
		}
		c.Updater.Timeout = d
	}
	if v, ok := lookup(EnvMaxRetries); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxRetries, err)
		}
		c.Updater.MaxRetries = n
	}
	if v, ok := lookup(EnvUpdaterURL); ok {
		c.Updater.URL = v
	}
	if v, ok := lookup(EnvUpdateSchedule); ok {
		c.Updater.Schedule = v
	}
	if v, ok := lookup(EnvRedisHost); ok {
		c.KV.Hostname = v
	}
	if v, ok := lookup(EnvRedisPort); ok {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRedisPort, err)
		}
		c.KV.Port = uint(n)
	}
	if v, ok := lookup(EnvRedisPassword); ok {
		c.KV.Password = SecureString(v)
	}
	if v, ok := lookup(EnvRateLimitStore); ok {
		c.RateLimit.Store = strings.ToLower(v)
	}
	if v, ok := lookup(EnvTrustedProxies); ok {
		c.RateLimit.TrustedProxies = splitList(v)
	}
	if v, ok := lookup(EnvPort); ok {
		if _, err := strconv.ParseUint(v, 10, 16); err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Service.Address = ":" + v
	}
	if v, ok := lookup(EnvDataDir); ok {
		c.Service.DataDir = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.Service.LogLevel = v
	}
	if v, ok := lookup(EnvMetricsEnabled); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMetricsEnabled, err)
		}
		c.Metrics.Enabled = b
	}
	if v, ok := lookup(EnvTracingEndpoint); ok {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = v
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func splitList(v string) []string {
	parts := lo.Map(strings.Split(v, ","), func(s string, _ int) string { return strings.TrimSpace(s) })
	return lo.Uniq(lo.Compact(parts))
}

// parseTimeout accepts a duration string or a bare number of milliseconds.
func parseTimeout(v string) (util.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative timeout %d", ms)
		}
		return util.Duration(ms) * util.Duration(1e6), nil
	}
	d, err := util.ExtendedParseDuration(v)
	if err != nil {
		return 0, err
	}
	return util.Duration(d), nil
}
