package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	assert.ErrorIs(t, (&Config{}).Validate(), ErrEmptyURI)
	assert.ErrorIs(t, (&Config{URI: "mongodb://localhost"}).Validate(), ErrEmptyDatabase)

	cfg := &Config{URI: "mongodb://localhost:27017", Database: "auction"}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sagas", cfg.Collection)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, uint64(100), cfg.MaxPoolSize)
}

func TestConnect_InvalidConfig(t *testing.T) {
	_, _, err := Connect(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNilConfig)

	_, _, err = Connect(context.Background(), &Config{Database: "auction"}, nil)
	assert.ErrorIs(t, err, ErrEmptyURI)
}

func TestMaskURI(t *testing.T) {
	assert.Equal(t, "mongodb://saga:xxxxx@db:27017/auction", MaskURI("mongodb://saga:secret@db:27017/auction"))
	assert.Equal(t, "mongodb://db:27017", MaskURI("mongodb://db:27017"))
}
