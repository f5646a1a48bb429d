package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/config"
)

func TestLoad(t *testing.T) {
	t.Run("should load config with defaults", func(t *testing.T) {
		// Clear environment
		os.Clearenv()

		cfg := config.Load()

		require.NotNil(t, cfg)

		// Verify defaults
		require.Equal(t, 8080, cfg.Server.Port)
		require.Equal(t, 30, cfg.Server.ReadTimeout)
		require.Equal(t, 0, cfg.Server.WriteTimeout)
		require.Equal(t, "http://127.0.0.1:8080/v1", cfg.LLM.BaseURL)
		require.Equal(t, 30, cfg.LLM.Timeout)
		require.Equal(t, "./attachments", cfg.LLM.AttachmentsDir)
		require.Empty(t, cfg.LLM.APIKey)
		require.False(t, cfg.LLM.TraceEnabled)
		require.Empty(t, cfg.Redis.Addr)
		require.Equal(t, "threadline", cfg.Redis.KeyPrefix)
	})

	t.Run("should load config from environment variables", func(t *testing.T) {
		// Set environment variables using t.Setenv for automatic cleanup
		t.Setenv("SERVER_PORT", "9000")
		t.Setenv("SERVER_READ_TIMEOUT", "60")
		t.Setenv("SERVER_WRITE_TIMEOUT", "120")
		t.Setenv("LLM_API_BASE", "https://agent.internal/v1")
		t.Setenv("LLM_API_KEY", "sk-test-key")
		t.Setenv("LLM_TIMEOUT", "90")
		t.Setenv("LLM_TRACE_ENABLED", "true")
		t.Setenv("REDIS_ADDR", "localhost:6379")
		t.Setenv("REDIS_KEY_PREFIX", "tl-test")

		cfg := config.Load()

		require.NotNil(t, cfg)

		// Verify loaded values
		require.Equal(t, 9000, cfg.Server.Port)
		require.Equal(t, 60, cfg.Server.ReadTimeout)
		require.Equal(t, 120, cfg.Server.WriteTimeout)
		require.Equal(t, "https://agent.internal/v1", cfg.LLM.BaseURL)
		require.Equal(t, "sk-test-key", cfg.LLM.APIKey)
		require.Equal(t, 90, cfg.LLM.Timeout)
		require.True(t, cfg.LLM.TraceEnabled)
		require.Equal(t, "localhost:6379", cfg.Redis.Addr)
		require.Equal(t, "tl-test", cfg.Redis.KeyPrefix)
	})
}

func TestParseDependenciesConfig(t *testing.T) {
	os.Clearenv()
	cfg := config.Load()
	deps := config.ParseDependenciesConfig(cfg)

	require.Same(t, &cfg.Server, deps.ServerConfig)
	require.Same(t, &cfg.CORS, deps.CORSConfig)
	require.Same(t, &cfg.Redis, deps.RedisConfig)
	require.Same(t, &cfg.LLM, deps.Config)
}
