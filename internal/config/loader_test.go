package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/config"
)

// writeConfig drops the YAML into a temp dir and returns the file path.
func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(yaml), 0600))
	return configFile
}

func TestLoadDefaults(t *testing.T) {
	viper.Reset()

	cfg, err := config.Load(config.WithConfigFile(writeConfig(t, "")))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8700, cfg.Server.Port)
	assert.False(t, cfg.Global.Debug)
	assert.Equal(t, "text", cfg.Global.LogFormat)
	assert.Empty(t, cfg.Database.DSN)

	assert.NotEmpty(t, cfg.Master.ID)
	assert.Equal(t, 5*time.Second, cfg.Master.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.Master.Timeout)
	assert.False(t, cfg.Master.FailoverEnabled)

	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, "memory", cfg.Cache.Backend)

	assert.True(t, cfg.Context.Enabled)
	assert.Equal(t, 10, cfg.Context.MaxMessages)
	assert.Equal(t, config.DefaultReferenceKeywords, cfg.Context.ReferenceKeywords)

	assert.Equal(t, "local", cfg.LLM.Provider)
	assert.Equal(t, 120*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 2, cfg.LLM.MaxRetries)

	assert.Equal(t, 30*time.Second, cfg.Workers.Freshness)
	assert.Equal(t, 80.0, cfg.Workers.CPUThreshold)
	assert.Equal(t, 90.0, cfg.Workers.MemoryThreshold)
	assert.Equal(t, 3, cfg.Workers.MaxRetries)
	assert.Equal(t, 120*time.Second, cfg.Workers.StepTimeout)
	assert.Equal(t, 5*time.Second, cfg.Workers.SweepInterval)

	assert.Equal(t, 1000, cfg.Queue.MaxSize)
}

func TestLoadConfigFile(t *testing.T) {
	viper.Reset()

	configFile := writeConfig(t, `
host: "0.0.0.0"
port: 9100
debug: true
logFormat: json
dsn: "postgres://maestro:secret@db:5432/maestro"
master:
  id: controller-a
  heartbeatInterval: 2
  timeout: 10
  failoverEnabled: true
cache:
  ttlSeconds: 600
  maxEntries: 50
  backend: redis
  redisAddr: "127.0.0.1:6379"
  redisDB: 2
context:
  enabled: false
  maxMessages: 4
  referenceKeywords: ["it", "that"]
llm:
  provider: local
  baseURL: "http://127.0.0.1:11434/v1"
  model: qwen2.5-coder
  timeoutSeconds: 30
  maxRetries: 1
workers:
  freshnessSeconds: 10
  cpuThreshold: 70
  memoryThreshold: 85
  maxRetries: 2
  stepTimeoutSeconds: 60
  sweepSeconds: 3
queue:
  maxSize: 100
`)

	cfg, err := config.Load(config.WithConfigFile(configFile))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.True(t, cfg.Global.Debug)
	assert.Equal(t, "json", cfg.Global.LogFormat)
	assert.Equal(t, "postgres://maestro:secret@db:5432/maestro", cfg.Database.DSN)
	assert.Equal(t, configFile, cfg.Global.ConfigPath)

	assert.Equal(t, "controller-a", cfg.Master.ID)
	assert.Equal(t, 2*time.Second, cfg.Master.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Master.Timeout)
	assert.True(t, cfg.Master.FailoverEnabled)

	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 50, cfg.Cache.MaxEntries)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "127.0.0.1:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, 2, cfg.Cache.RedisDB)

	assert.False(t, cfg.Context.Enabled)
	assert.Equal(t, 4, cfg.Context.MaxMessages)
	assert.Equal(t, []string{"it", "that"}, cfg.Context.ReferenceKeywords)

	assert.Equal(t, "http://127.0.0.1:11434/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "qwen2.5-coder", cfg.LLM.Model)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 1, cfg.LLM.MaxRetries)

	assert.Equal(t, 10*time.Second, cfg.Workers.Freshness)
	assert.Equal(t, 70.0, cfg.Workers.CPUThreshold)
	assert.Equal(t, 85.0, cfg.Workers.MemoryThreshold)
	assert.Equal(t, 2, cfg.Workers.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Workers.StepTimeout)
	assert.Equal(t, 3*time.Second, cfg.Workers.SweepInterval)

	assert.Equal(t, 100, cfg.Queue.MaxSize)
}

func TestEnvOverridesConfigFile(t *testing.T) {
	viper.Reset()

	os.Setenv("MAESTRO_PORT", "9200")
	defer os.Unsetenv("MAESTRO_PORT")

	configFile := writeConfig(t, "port: 9100\n")
	cfg, err := config.Load(config.WithConfigFile(configFile))
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
}

func TestBareEnvNamesAccepted(t *testing.T) {
	viper.Reset()

	// The original deployment exported unprefixed names; both spellings work.
	os.Setenv("MASTER_ID", "replica-7")
	defer os.Unsetenv("MASTER_ID")
	os.Setenv("TTL_SECONDS", "60")
	defer os.Unsetenv("TTL_SECONDS")

	cfg, err := config.Load(config.WithConfigFile(writeConfig(t, "")))
	require.NoError(t, err)
	assert.Equal(t, "replica-7", cfg.Master.ID)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
}

func TestDotenvFileLoaded(t *testing.T) {
	viper.Reset()

	dotenv := filepath.Join(t.TempDir(), "controller.env")
	require.NoError(t, os.WriteFile(dotenv, []byte("QUEUE_MAX_SIZE=77\n"), 0600))
	defer os.Unsetenv("QUEUE_MAX_SIZE")

	cfg, err := config.Load(
		config.WithConfigFile(writeConfig(t, "")),
		config.WithDotenvFile(dotenv),
	)
	require.NoError(t, err)
	assert.Equal(t, 77, cfg.Queue.MaxSize)
	assert.Empty(t, cfg.Warnings)
}

func TestMissingDotenvFileWarns(t *testing.T) {
	viper.Reset()

	cfg, err := config.Load(
		config.WithConfigFile(writeConfig(t, "")),
		config.WithDotenvFile(filepath.Join(t.TempDir(), "absent.env")),
	)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Warnings)
	assert.Contains(t, cfg.Warnings[0], "absent.env")
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "PortOutOfRange",
			yaml:    "port: 70000\n",
			wantErr: "invalid port number",
		},
		{
			name:    "UnknownCacheBackend",
			yaml:    "cache:\n  backend: disk\n",
			wantErr: "unknown cache backend",
		},
		{
			name:    "RedisBackendNeedsAddr",
			yaml:    "cache:\n  backend: redis\n",
			wantErr: "requires a redis address",
		},
		{
			name:    "TimeoutShorterThanHeartbeat",
			yaml:    "master:\n  heartbeatInterval: 10\n  timeout: 5\n",
			wantErr: "must not be shorter than the heartbeat interval",
		},
		{
			name:    "ZeroCacheCapacity",
			yaml:    "cache:\n  maxEntries: 0\n",
			wantErr: "invalid cache max entries",
		},
		{
			name:    "ZeroQueueCapacity",
			yaml:    "queue:\n  maxSize: 0\n",
			wantErr: "invalid queue max size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()

			_, err := config.Load(config.WithConfigFile(writeConfig(t, tt.yaml)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
