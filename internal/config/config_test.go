package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 25*time.Second, cfg.Server.PingInterval)
	assert.Equal(t, 200, cfg.Pipeline.MessagesPerBlob)
	assert.Equal(t, 1000, cfg.Pipeline.MaxDerivedEvents)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "memory://", cfg.Metadata.DSN)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaychat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  pingInterval: 5s
workspace:
  id: ws-file
pipeline:
  messagesPerBlob: 50
kafka:
  brokers: [k1:9092, k2:9092]
  eventsTopic: relaychat.events
`), 0o644))
	t.Setenv("RELAYCHAT_WORKSPACE_ID", "ws-env")
	t.Setenv("RELAYCHAT_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.PingInterval)
	assert.Equal(t, "ws-env", cfg.Workspace.ID)
	assert.Equal(t, 50, cfg.Pipeline.MessagesPerBlob)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "relaychat.events", cfg.Kafka.EventsTopic)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("RELAYCHAT_REDIS_URL=redis://localhost:6379/0\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("RELAYCHAT_REDIS_URL") })

	cfg, err := NewLoader("", envFile).Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Pipeline.MaxDerivedEvents = 0
	cfg.Log.Format = "xml"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.maxDerivedEvents")
	assert.Contains(t, err.Error(), "log.format")
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaychat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	loader.Watch(func(cfg *Config, err error) {
		if err == nil {
			changed <- cfg
		}
	})
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.Log.Level == "warn" {
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}
