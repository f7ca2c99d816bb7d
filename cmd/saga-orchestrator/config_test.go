package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tsukikage7/auction-saga/database"
	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/messaging"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, storeRedis, cfg.Store.Type)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Store.Redis.Addrs)
	assert.Equal(t, "saga:", cfg.Store.Redis.KeyPrefix)
	assert.Equal(t, 168*time.Hour, cfg.Store.Retention)
	assert.Equal(t, 30*time.Minute, cfg.Saga.Timeout)
	assert.Equal(t, 3, cfg.Saga.MaxRetries)
	assert.Equal(t, messaging.TypeRabbitMQ, cfg.Bus.Type)
	assert.Equal(t, 3, cfg.Bus.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Bus.Breaker.ResetTimeout)
	assert.Equal(t, "@every 60s", cfg.Detector.Spec)
	assert.True(t, cfg.Detector.Enabled)
	assert.False(t, cfg.Journal.Enabled)
	assert.Equal(t, database.DriverSQLite, cfg.Journal.Driver)
	assert.Equal(t, ":3001", cfg.HTTP.Addr)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SAGA_STORE_TYPE", "memory")
	t.Setenv("SAGA_SAGA_MAX_RETRIES", "5")
	t.Setenv("SAGA_BUS_TYPE", "memory")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, storeMemory, cfg.Store.Type)
	assert.Equal(t, 5, cfg.Saga.MaxRetries)
	assert.Equal(t, messaging.TypeMemory, cfg.Bus.Type)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  type: mongo
  mongo:
    uri: mongodb://mongo:27017
    database: auction
journal:
  enabled: true
  driver: sqlite
  dsn: "file::memory:"
saga:
  timeout: 10m
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, storeMongo, cfg.Store.Type)
	assert.Equal(t, "mongodb://mongo:27017", cfg.Store.Mongo.URI)
	assert.Equal(t, "sagas", cfg.Store.Mongo.Collection)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, "file::memory:", cfg.Journal.DSN)
	assert.Equal(t, 10*time.Minute, cfg.Saga.Timeout)
}

func TestConfig_Validate(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	cfg.Store.Type = "etcd"
	assert.Error(t, cfg.Validate())

	cfg.Store.Type = storeRedis
	cfg.Store.Redis.Addrs = nil
	assert.Error(t, cfg.Validate())

	cfg.Store.Type = storeMemory
	cfg.Journal.Enabled = true
	cfg.Journal.DSN = ""
	assert.ErrorIs(t, cfg.Validate(), database.ErrEmptyDSN)

	cfg.Journal.Enabled = false
	cfg.Saga.MaxRetries = -1
	assert.Error(t, cfg.Validate())
}

func TestOpenStore_Memory(t *testing.T) {
	t.Setenv("SAGA_STORE_TYPE", "memory")
	cfg, err := loadConfig("")
	require.NoError(t, err)

	be, err := openStore(t.Context(), cfg, logger.NewNop())
	require.NoError(t, err)
	assert.Nil(t, be.redis)
	assert.Equal(t, "store", be.checker.Name())
	require.NoError(t, be.close(t.Context()))
}

func TestOpenJournal_SQLite(t *testing.T) {
	t.Setenv("SAGA_JOURNAL_ENABLED", "true")
	t.Setenv("SAGA_JOURNAL_DSN", "file::memory:")
	cfg, err := loadConfig("")
	require.NoError(t, err)

	journal, closeJournal, err := openJournal(cfg, logger.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, journal)
	require.NoError(t, closeJournal(t.Context()))
}
