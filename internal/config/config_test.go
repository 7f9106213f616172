package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 120, cfg.RateLimitPerMin)
	assert.False(t, cfg.CloudinaryEnabled())
	assert.False(t, cfg.Production())
	assert.Empty(t, cfg.CORSAllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"STORE_BACKEND":         "sqlite",
		"QUEUE_BACKEND":         "memory",
		"ACCESS_TTL":            "5m",
		"AUTH_DISABLED":         "true",
		"CLOUDINARY_CLOUD_NAME": "demo",
		"CLOUDINARY_API_KEY":    "key",
		"CLOUDINARY_API_SECRET": "secret",
		"CORS_ALLOWED_ORIGINS":  "https://scan.example,http://localhost:5173",
	}))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, 5*time.Minute, cfg.AccessTTL)
	assert.True(t, cfg.AuthDisabled)
	assert.True(t, cfg.CloudinaryEnabled())
	assert.Equal(t, []string{"https://scan.example", "http://localhost:5173"}, cfg.CORSAllowedOrigins)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{"STORE_BACKEND": "mongo"}},
		{"unknown queue", map[string]string{"QUEUE_BACKEND": "kafka"}},
		{"bad duration", map[string]string{"CACHE_TTL": "soon"}},
		{"default key in production", map[string]string{"APP_ENV": "production"}},
		{"bare cors origin", map[string]string{"CORS_ALLOWED_ORIGINS": "scanner.example"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(context.Background(), envconfig.MapLookuper(tt.env))
			assert.Error(t, err)
		})
	}
}
