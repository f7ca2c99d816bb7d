package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tsukikage7/auction-saga/logger"
)

func TestConfig_ValidateAndDefaults(t *testing.T) {
	assert.ErrorIs(t, (&Config{}).Validate(), ErrEmptyDriver)
	assert.ErrorIs(t, (&Config{Driver: DriverSQLite}).Validate(), ErrEmptyDSN)

	cfg := &Config{Driver: DriverSQLite, DSN: "file::memory:"}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 200*time.Millisecond, cfg.SlowThreshold)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 20, cfg.Pool.MaxOpen)
}

func TestOpen(t *testing.T) {
	_, err := Open(nil, nil)
	assert.ErrorIs(t, err, ErrNilConfig)

	_, err = Open(&Config{Driver: "oracle", DSN: "x"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedDriver)

	db, err := Open(&Config{Driver: DriverSQLite, DSN: "file::memory:", LogLevel: "silent"}, logger.NewNop())
	require.NoError(t, err)
	defer Close(db)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.PingContext(context.Background()))
	assert.Equal(t, 20, sqlDB.Stats().MaxOpenConnections)
}
