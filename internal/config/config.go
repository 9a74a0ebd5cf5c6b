// Package config reads the process environment through a strict
// allowlist. Anything not named here is ignored.
package config

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/trinitas-lab/tmws/internal/validate"
	"github.com/trinitas-lab/tmws/pkg/types"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// MinSecretLen is the floor for the session signing key.
const MinSecretLen = 32

// weakSecrets are substrings that disqualify a signing key outright.
var weakSecrets = []string{"secret", "password", "changeme", "development"}

// Config is the validated runtime configuration.
type Config struct {
	DatabaseURL string
	SecretKey   string
	Environment string

	AgentID           string
	AgentNamespace    string
	AgentCapabilities map[string]any
	AllowDefaultAgent bool

	RateLimitRequests int
	RateLimitPeriod   time.Duration

	EmbeddingModel  string
	VectorDimension int

	LogLevel string
	LogFile  string
	RedisURL string
	HTTPAddr string
}

// Getenv is the lookup the loader reads through, swappable in tests.
type Getenv func(key string) string

// Load reads and validates the environment allowlist.
func Load(getenv Getenv) (*Config, error) {
	cfg := &Config{
		Environment:       EnvDevelopment,
		AgentNamespace:    types.DefaultNamespace,
		RateLimitRequests: 1000,
		RateLimitPeriod:   time.Minute,
		EmbeddingModel:    "all-MiniLM-L6-v2",
		VectorDimension:   types.DefaultDim,
		LogLevel:          "info",
		HTTPAddr:          ":8000",
	}

	if v := getenv("TMWS_ENVIRONMENT"); v != "" {
		switch v {
		case EnvDevelopment, EnvStaging, EnvProduction:
			cfg.Environment = v
		default:
			return nil, types.E(types.KindValidation, "TMWS_ENVIRONMENT must be development, staging, or production")
		}
	}

	cfg.DatabaseURL = getenv("TMWS_DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, types.E(types.KindValidation, "TMWS_DATABASE_URL is required")
	}

	cfg.SecretKey = getenv("TMWS_SECRET_KEY")
	if err := checkSecret(cfg.SecretKey, cfg.Environment); err != nil {
		return nil, err
	}

	if v := getenv("TMWS_AGENT_ID"); v != "" {
		if err := validate.AgentID(v); err != nil {
			return nil, types.E(types.KindValidation, "TMWS_AGENT_ID is not a valid agent id")
		}
		cfg.AgentID = v
	}
	if v := getenv("TMWS_AGENT_NAMESPACE"); v != "" {
		if err := validate.Namespace(v); err != nil {
			return nil, types.E(types.KindValidation, "TMWS_AGENT_NAMESPACE is not a valid namespace")
		}
		cfg.AgentNamespace = v
	}
	if v := getenv("TMWS_AGENT_CAPABILITIES"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.AgentCapabilities); err != nil {
			return nil, types.E(types.KindValidation, "TMWS_AGENT_CAPABILITIES is not valid JSON")
		}
	}
	cfg.AllowDefaultAgent = boolValue(getenv("TMWS_ALLOW_DEFAULT_AGENT"))
	if cfg.AllowDefaultAgent && cfg.Environment == EnvProduction {
		return nil, types.E(types.KindValidation, "TMWS_ALLOW_DEFAULT_AGENT is not permitted in production")
	}

	if v := getenv("TMWS_RATE_LIMIT_REQUESTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, types.E(types.KindValidation, "TMWS_RATE_LIMIT_REQUESTS must be a non-negative integer")
		}
		cfg.RateLimitRequests = n
	}
	if v := getenv("TMWS_RATE_LIMIT_PERIOD"); v != "" {
		d, err := parsePeriod(v)
		if err != nil {
			return nil, err
		}
		cfg.RateLimitPeriod = d
	}

	if v := getenv("TMWS_EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v := getenv("TMWS_VECTOR_DIMENSION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 4096 {
			return nil, types.E(types.KindValidation, "TMWS_VECTOR_DIMENSION must be in 1..4096")
		}
		cfg.VectorDimension = n
	}

	if v := getenv("TMWS_LOG_LEVEL"); v != "" {
		switch strings.ToLower(v) {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = strings.ToLower(v)
		default:
			return nil, types.E(types.KindValidation, "TMWS_LOG_LEVEL must be debug, info, warn, or error")
		}
	}
	cfg.LogFile = getenv("TMWS_LOG_FILE")
	cfg.RedisURL = getenv("TMWS_REDIS_URL")
	if v := getenv("TMWS_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	return cfg, nil
}

// IsProduction reports whether the process runs in production mode.
func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }

// checkSecret enforces the signing-key policy. Development tolerates a
// missing key; staging and production do not.
func checkSecret(secret, env string) error {
	if secret == "" {
		if env == EnvDevelopment {
			return nil
		}
		return types.E(types.KindValidation, "TMWS_SECRET_KEY is required")
	}
	if len(secret) < MinSecretLen {
		return types.E(types.KindValidation, "TMWS_SECRET_KEY must be at least %d characters", MinSecretLen)
	}
	lower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if strings.Contains(lower, weak) {
			return types.E(types.KindValidation, "TMWS_SECRET_KEY matches a known weak pattern")
		}
	}
	if isRepeatedRune(secret) {
		return types.E(types.KindValidation, "TMWS_SECRET_KEY matches a known weak pattern")
	}
	return nil
}

func isRepeatedRune(s string) bool {
	var first rune
	for i, r := range s {
		if i == 0 {
			first = r
			continue
		}
		if r != first {
			return false
		}
	}
	return true
}

// parsePeriod accepts either a Go duration or a bare number of seconds.
func parsePeriod(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, types.E(types.KindValidation, "TMWS_RATE_LIMIT_PERIOD must be positive")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, types.E(types.KindValidation, "TMWS_RATE_LIMIT_PERIOD is not a valid duration")
	}
	return d, nil
}

func boolValue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
