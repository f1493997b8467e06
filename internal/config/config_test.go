package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYNC_CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "workspace-sync", cfg.AppName)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, 10*time.Minute, cfg.SessionTTL)
	assert.Equal(t, uint64(100), cfg.DivergenceThreshold)
	assert.Equal(t, 500, cfg.PullPageLimit)
	assert.Equal(t, 30*time.Second, cfg.PresenceTTL)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("SYNC_CONFIG_FILE", "")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("SESSION_TTL", "2m")
	t.Setenv("DIVERGENCE_THRESHOLD", "250")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("CORS_ORIGINS", "https://app.example.com")
	t.Setenv("DEV_MEMBERS", "ws1:alice,ws1:bob")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 2*time.Minute, cfg.SessionTTL)
	assert.Equal(t, uint64(250), cfg.DivergenceThreshold)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, []string{"ws1:alice", "ws1:bob"}, cfg.DevMembers)

	ws, user, ok := SplitMember(cfg.DevMembers[1])
	assert.True(t, ok)
	assert.Equal(t, "ws1", ws)
	assert.Equal(t, "bob", user)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_backend: memory
pull_page_limit: 50
kafka_brokers:
  - k1:9092
`), 0o600))
	t.Setenv("SYNC_CONFIG_FILE", path)
	t.Setenv("PULL_PAGE_LIMIT", "75")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 75, cfg.PullPageLimit, "environment wins over the file")
	assert.Equal(t, []string{"k1:9092"}, cfg.KafkaBrokers)
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("SYNC_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{StoreBackend: BackendMemory, DivergenceThreshold: 100, PullPageLimit: 500}
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Config){
		"unknown backend":        func(c *Config) { c.StoreBackend = "sqlite" },
		"postgres without url":   func(c *Config) { c.StoreBackend = BackendPostgres },
		"object without keys":    func(c *Config) { c.ObjectEndpoint = "localhost:9000" },
		"brokers without topic":  func(c *Config) { c.KafkaBrokers = []string{"k1:9092"} },
		"zero threshold":         func(c *Config) { c.DivergenceThreshold = 0 },
		"zero page limit":        func(c *Config) { c.PullPageLimit = 0 },
		"sample ratio too large": func(c *Config) { c.TraceSampleRatio = 2 },
		"bad member entry":       func(c *Config) { c.DevMembers = []string{"ws1"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResourcesRedisOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := Config{StoreBackend: BackendMemory, RedisAddr: mr.Addr()}

	res, err := NewResources(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, res.Postgres)
	assert.Nil(t, res.Object)
	assert.Nil(t, res.Kafka)
	require.NotNil(t, res.Redis)
	require.NoError(t, res.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, res.HealthCheck(context.Background()))
	res.Close()
	res.Close()
}

func TestKafkaProducerConfig(t *testing.T) {
	cfg := KafkaProducerConfig("sync")
	assert.True(t, cfg.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForLocal, cfg.Producer.RequiredAcks)
	assert.NoError(t, cfg.Validate())
}
