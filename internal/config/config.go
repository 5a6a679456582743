package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Rate limit counter backends.
const (
	RateLimitStoreSQL   = "sql"
	RateLimitStoreRedis = "redis"
)

type AppConfig struct {
	DatabaseURL string
	Port        string

	LogLevel string
	LogFile  string

	Cache *CacheConfig

	RateLimitStore     string
	RateLimitFailOpen  bool
	RateLimitRulesFile string
	// TrustedProxies are the peers whose forwarding headers are believed.
	TrustedProxies []netip.Prefix

	ReaperEnabled   bool
	ReaperInterval  time.Duration
	ReaperBatchSize int

	MaxConsumeAttempts int
	// Location is used to compute the end of day for daily grants.
	Location *time.Location
}

// Load reads the application configuration from the environment.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		Port:               getEnv("PORT", "5050"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFile:            getEnv("LOG_FILE", ""),
		Cache:              NewCacheConfig(),
		RateLimitStore:     strings.ToLower(getEnv("RATE_LIMIT_STORE", RateLimitStoreSQL)),
		RateLimitFailOpen:  getEnvBool("RATE_LIMIT_FAIL_OPEN", false),
		RateLimitRulesFile: getEnv("RATE_LIMIT_RULES_FILE", ""),
		ReaperEnabled:      getEnvBool("REAPER_ENABLED", true),
		ReaperInterval:     getEnvDuration("REAPER_INTERVAL", 10*time.Minute),
		ReaperBatchSize:    getEnvInt("REAPER_BATCH_SIZE", 500),
		MaxConsumeAttempts: getEnvInt("MAX_CONSUME_ATTEMPTS", 3),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	switch cfg.RateLimitStore {
	case RateLimitStoreSQL, RateLimitStoreRedis:
	default:
		return nil, fmt.Errorf("unsupported RATE_LIMIT_STORE %q", cfg.RateLimitStore)
	}
	if cfg.MaxConsumeAttempts <= 0 {
		return nil, fmt.Errorf("MAX_CONSUME_ATTEMPTS must be positive, got %d", cfg.MaxConsumeAttempts)
	}

	proxies, err := ParseTrustedProxies(getEnv("TRUSTED_PROXIES", ""))
	if err != nil {
		return nil, err
	}
	cfg.TrustedProxies = proxies

	tz := getEnv("QUOTA_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid QUOTA_TIMEZONE %q: %w", tz, err)
	}
	cfg.Location = loc

	return cfg, nil
}

// ParseTrustedProxies reads a comma-separated list of IPs and CIDR ranges.
func ParseTrustedProxies(raw string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			prefix, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", part, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", part, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
