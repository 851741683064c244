// Package config loads the dataguard runtime configuration: a YAML file,
// then DATAGUARD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/dataguard/internal/alert"
	"github.com/ppiankov/dataguard/internal/audit/kafka"
	"github.com/ppiankov/dataguard/internal/logging"
	"github.com/ppiankov/dataguard/internal/ratelimit"
	"github.com/ppiankov/dataguard/internal/risk"
)

const (
	defaultListen      = "127.0.0.1:9743"
	defaultKafkaTopic  = "dataguard.audit.v1"
	defaultKafkaClient = "dataguard"
	defaultApprovalTTL = 24 * time.Hour
	defaultRetention   = time.Hour
)

// Config is the full runtime configuration.
type Config struct {
	Listen      string              `yaml:"listen"`
	MetricsAddr string              `yaml:"metrics_addr"`
	PolicyPath  string              `yaml:"policy"`
	WatchPolicy bool                `yaml:"watch_policy"`
	APIKeys     []string            `yaml:"api_keys"`
	Audit       Audit               `yaml:"audit"`
	LLM         LLM                 `yaml:"llm"`
	RateLimit   RateLimit           `yaml:"rate_limit"`
	Approvals   Approvals           `yaml:"approvals"`
	Alerts      []alert.AlertConfig `yaml:"alerts"`
	Logging     logging.Config      `yaml:"logging"`
}

// Audit selects the audit sinks. Every configured sink receives every record.
type Audit struct {
	LogPath    string       `yaml:"log"`
	SQLitePath string       `yaml:"sqlite"`
	Kafka      kafka.Config `yaml:"kafka"`
}

// LLM configures the model-backed risk scorer. No API key disables it.
type LLM struct {
	Provider    string        `yaml:"provider"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	Blend       string        `yaml:"blend"`
	BlendWeight float64       `yaml:"blend_weight"`
}

// Enabled reports whether the LLM scorer should be used.
func (l LLM) Enabled() bool { return l.APIKey != "" }

// RateLimit configures per-client request limiting. Zero disables it.
type RateLimit struct {
	Backend       string `yaml:"backend"`
	PerMinute     int    `yaml:"per_minute"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// Limit returns the limiter window.
func (r RateLimit) Limit() ratelimit.Limit {
	return ratelimit.PerMinute(r.PerMinute)
}

// Approvals configures approval persistence and expiry. Retention is how
// long resolved approvals stay queryable before they are dropped; zero
// keeps them for the life of the process.
type Approvals struct {
	Dir       string        `yaml:"dir"`
	TTL       time.Duration `yaml:"ttl"`
	Retention time.Duration `yaml:"retention"`
}

// DefaultPath returns ~/.dataguard/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dataguard", "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Listen:      defaultListen,
		WatchPolicy: true,
		Audit: Audit{
			Kafka: kafka.Config{Topic: defaultKafkaTopic, ClientID: defaultKafkaClient},
		},
		LLM:       LLM{Provider: risk.ProviderOpenAI, Timeout: 10 * time.Second, Blend: risk.BlendMax, BlendWeight: 0.5},
		RateLimit: RateLimit{Backend: ratelimit.BackendLocal},
		Approvals: Approvals{TTL: defaultApprovalTTL, Retention: defaultRetention},
		Logging:   logging.Config{Level: "info", Format: "json"},
	}
}

// Load reads the file at path over the defaults and applies environment
// overrides. Empty path falls back to ~/.dataguard/config.yaml; a missing
// file is not an error. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Listen = envWithDefault("DATAGUARD_LISTEN", c.Listen)
	c.MetricsAddr = envWithDefault("DATAGUARD_METRICS_ADDR", c.MetricsAddr)
	c.PolicyPath = envWithDefault("DATAGUARD_POLICY", c.PolicyPath)
	c.WatchPolicy = parseBoolEnv("DATAGUARD_WATCH_POLICY", c.WatchPolicy)
	if keys := strings.TrimSpace(os.Getenv("DATAGUARD_API_KEYS")); keys != "" {
		c.APIKeys = splitAndTrim(keys)
	}

	c.Audit.LogPath = envWithDefault("DATAGUARD_AUDIT_LOG", c.Audit.LogPath)
	c.Audit.SQLitePath = envWithDefault("DATAGUARD_AUDIT_SQLITE", c.Audit.SQLitePath)
	if brokers := strings.TrimSpace(os.Getenv("DATAGUARD_KAFKA_BROKERS")); brokers != "" {
		c.Audit.Kafka.Brokers = splitAndTrim(brokers)
	}
	c.Audit.Kafka.Topic = envWithDefault("DATAGUARD_KAFKA_TOPIC", c.Audit.Kafka.Topic)
	c.Audit.Kafka.TLS = parseBoolEnv("DATAGUARD_KAFKA_TLS", c.Audit.Kafka.TLS)
	c.Audit.Kafka.SASL.Mechanism = envWithDefault("DATAGUARD_KAFKA_SASL_MECHANISM", c.Audit.Kafka.SASL.Mechanism)
	c.Audit.Kafka.SASL.Username = envWithDefault("DATAGUARD_KAFKA_SASL_USERNAME", c.Audit.Kafka.SASL.Username)
	c.Audit.Kafka.SASL.Password = envWithDefault("DATAGUARD_KAFKA_SASL_PASSWORD", c.Audit.Kafka.SASL.Password)

	c.LLM.Provider = envWithDefault("DATAGUARD_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.APIKey = envWithDefault("DATAGUARD_LLM_API_KEY", c.LLM.APIKey)
	c.LLM.BaseURL = envWithDefault("DATAGUARD_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = envWithDefault("DATAGUARD_LLM_MODEL", c.LLM.Model)
	c.LLM.Timeout = parseDurationEnv("DATAGUARD_LLM_TIMEOUT", c.LLM.Timeout)
	c.LLM.Blend = envWithDefault("DATAGUARD_LLM_BLEND", c.LLM.Blend)
	c.LLM.BlendWeight = parseFloatEnv("DATAGUARD_LLM_BLEND_WEIGHT", c.LLM.BlendWeight)

	c.RateLimit.Backend = strings.ToLower(envWithDefault("DATAGUARD_RATE_LIMIT_BACKEND", c.RateLimit.Backend))
	c.RateLimit.PerMinute = parseIntEnv("DATAGUARD_RATE_LIMIT", c.RateLimit.PerMinute)
	c.RateLimit.RedisAddr = envWithDefault("DATAGUARD_REDIS_ADDR", c.RateLimit.RedisAddr)
	c.RateLimit.RedisPassword = envWithDefault("DATAGUARD_REDIS_PASSWORD", c.RateLimit.RedisPassword)

	c.Approvals.Dir = envWithDefault("DATAGUARD_APPROVALS_DIR", c.Approvals.Dir)
	c.Approvals.TTL = parseDurationEnv("DATAGUARD_APPROVAL_TTL", c.Approvals.TTL)
	c.Approvals.Retention = parseDurationEnv("DATAGUARD_APPROVAL_RETENTION", c.Approvals.Retention)

	c.Logging.Level = envWithDefault("DATAGUARD_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envWithDefault("DATAGUARD_LOG_FORMAT", c.Logging.Format)
	c.Logging.File = envWithDefault("DATAGUARD_LOG_FILE", c.Logging.File)
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	for _, k := range c.APIKeys {
		if _, err := ParseAPIKey(k); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q (valid: json, console)", c.Logging.Format))
	}
	if _, err := risk.ParseProvider(c.LLM.Provider); err != nil {
		errs = append(errs, err)
	}
	if _, err := risk.ParseBlend(c.LLM.Blend, c.LLM.BlendWeight); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.PerMinute < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.per_minute must be >= 0, got %d", c.RateLimit.PerMinute))
	}
	switch c.RateLimit.Backend {
	case "", ratelimit.BackendLocal:
	case ratelimit.BackendRedis:
		if c.RateLimit.PerMinute > 0 && c.RateLimit.RedisAddr == "" {
			errs = append(errs, errors.New("rate_limit.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rate limit backend %q (valid: local, redis)", c.RateLimit.Backend))
	}
	if err := c.Audit.Kafka.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Approvals.TTL < 0 {
		errs = append(errs, fmt.Errorf("approvals.ttl must be >= 0, got %s", c.Approvals.TTL))
	}
	if c.Approvals.Retention < 0 {
		errs = append(errs, fmt.Errorf("approvals.retention must be >= 0, got %s", c.Approvals.Retention))
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("alerts[%d]: url is required", i))
		}
		switch a.Format {
		case "", "generic", "slack", "pagerduty":
		default:
			errs = append(errs, fmt.Errorf("alerts[%d]: unknown format %q", i, a.Format))
		}
	}
	return errors.Join(errs...)
}

// Roles granted by API keys.
const (
	RoleAdmin  = "admin"
	RoleAgent  = "agent"
	RoleViewer = "viewer"
)

// APIKey is one configured credential. Keys are written as "key" or
// "key:tenant:role"; a bare key is an admin for tenant "default".
type APIKey struct {
	Key      string
	TenantID string
	Role     string
}

// ParseAPIKey parses a configured key entry.
func ParseAPIKey(s string) (APIKey, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	k := APIKey{Key: parts[0], TenantID: "default", Role: RoleAdmin}
	if k.Key == "" {
		return APIKey{}, errors.New("api key must not be empty")
	}
	switch len(parts) {
	case 1:
	case 3:
		if parts[1] != "" {
			k.TenantID = parts[1]
		}
		k.Role = parts[2]
	default:
		return APIKey{}, fmt.Errorf("api key entry must be key or key:tenant:role")
	}
	switch k.Role {
	case RoleAdmin, RoleAgent, RoleViewer:
	default:
		return APIKey{}, fmt.Errorf("unknown api key role %q (valid: admin, agent, viewer)", k.Role)
	}
	return k, nil
}

// Keys parses every configured API key, indexed by key.
func (c Config) Keys() (map[string]APIKey, error) {
	out := make(map[string]APIKey, len(c.APIKeys))
	for _, s := range c.APIKeys {
		k, err := ParseAPIKey(s)
		if err != nil {
			return nil, err
		}
		out[k.Key] = k
	}
	return out, nil
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		p := strings.TrimSpace(part)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func envWithDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseFloatEnv(key string, def float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}

func parseIntEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return i
}
