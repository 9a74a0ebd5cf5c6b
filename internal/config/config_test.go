package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinitas-lab/tmws/pkg/types"
)

func env(vars map[string]string) Getenv {
	return func(key string) string { return vars[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(env(map[string]string{
		"TMWS_DATABASE_URL": "postgres://localhost/tmws",
	}))
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, 1000, cfg.RateLimitRequests)
	assert.Equal(t, time.Minute, cfg.RateLimitPeriod)
	assert.Equal(t, types.DefaultDim, cfg.VectorDimension)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8000", cfg.HTTPAddr)
	assert.False(t, cfg.IsProduction())
}

func TestDatabaseURLRequired(t *testing.T) {
	_, err := Load(env(map[string]string{}))
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestUnlistedVariablesIgnored(t *testing.T) {
	cfg, err := Load(env(map[string]string{
		"TMWS_DATABASE_URL": "postgres://localhost/tmws",
		"TMWS_EVIL_KNOB":    "true",
		"PATH":              "/usr/bin",
	}))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestSecretKeyPolicy(t *testing.T) {
	base := map[string]string{
		"TMWS_DATABASE_URL": "postgres://localhost/tmws",
		"TMWS_ENVIRONMENT":  EnvProduction,
	}

	cases := []struct {
		name   string
		secret string
		ok     bool
	}{
		{"missing", "", false},
		{"short", "abc123", false},
		{"weak word secret", "this-is-my-secret-key-padded-out-to-32", false},
		{"weak word password", "password-password-password-password!", false},
		{"weak word changeme", "changemechangemechangemechangeme", false},
		{"repeated char", strings.Repeat("a", 40), false},
		{"strong", "kD93mVx2pQ81zL54wN76bT08cR4yH2aJ", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vars := map[string]string{}
			for k, v := range base {
				vars[k] = v
			}
			vars["TMWS_SECRET_KEY"] = tc.secret
			_, err := Load(env(vars))
			if tc.ok {
				require.NoError(t, err)
			} else {
				assert.True(t, types.IsKind(err, types.KindValidation))
			}
		})
	}
}

func TestSecretOptionalInDevelopment(t *testing.T) {
	_, err := Load(env(map[string]string{
		"TMWS_DATABASE_URL": "postgres://localhost/tmws",
	}))
	require.NoError(t, err)
}

func TestDefaultAgentForbiddenInProduction(t *testing.T) {
	_, err := Load(env(map[string]string{
		"TMWS_DATABASE_URL":        "postgres://localhost/tmws",
		"TMWS_ENVIRONMENT":         EnvProduction,
		"TMWS_SECRET_KEY":          "kD93mVx2pQ81zL54wN76bT08cR4yH2aJ",
		"TMWS_ALLOW_DEFAULT_AGENT": "true",
	}))
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestAgentOverrides(t *testing.T) {
	cfg, err := Load(env(map[string]string{
		"TMWS_DATABASE_URL":       "postgres://localhost/tmws",
		"TMWS_AGENT_ID":           "edge-worker",
		"TMWS_AGENT_NAMESPACE":    "edge",
		"TMWS_AGENT_CAPABILITIES": `{"summarize": true}`,
	}))
	require.NoError(t, err)
	assert.Equal(t, "edge-worker", cfg.AgentID)
	assert.Equal(t, "edge", cfg.AgentNamespace)
	assert.Equal(t, true, cfg.AgentCapabilities["summarize"])

	_, err = Load(env(map[string]string{
		"TMWS_DATABASE_URL": "postgres://localhost/tmws",
		"TMWS_AGENT_ID":     "bad id!",
	}))
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestRateLimitParsing(t *testing.T) {
	cfg, err := Load(env(map[string]string{
		"TMWS_DATABASE_URL":        "postgres://localhost/tmws",
		"TMWS_RATE_LIMIT_REQUESTS": "250",
		"TMWS_RATE_LIMIT_PERIOD":   "30",
	}))
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.RateLimitRequests)
	assert.Equal(t, 30*time.Second, cfg.RateLimitPeriod)

	cfg, err = Load(env(map[string]string{
		"TMWS_DATABASE_URL":      "postgres://localhost/tmws",
		"TMWS_RATE_LIMIT_PERIOD": "2m",
	}))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.RateLimitPeriod)

	_, err = Load(env(map[string]string{
		"TMWS_DATABASE_URL":      "postgres://localhost/tmws",
		"TMWS_RATE_LIMIT_PERIOD": "soon",
	}))
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestVectorDimensionBounds(t *testing.T) {
	_, err := Load(env(map[string]string{
		"TMWS_DATABASE_URL":     "postgres://localhost/tmws",
		"TMWS_VECTOR_DIMENSION": "0",
	}))
	assert.True(t, types.IsKind(err, types.KindValidation))

	cfg, err := Load(env(map[string]string{
		"TMWS_DATABASE_URL":     "postgres://localhost/tmws",
		"TMWS_VECTOR_DIMENSION": "768",
	}))
	require.NoError(t, err)
	assert.Equal(t, 768, cfg.VectorDimension)
}
