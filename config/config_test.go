package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type storeSection struct {
	Type      string        `mapstructure:"type"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Retention time.Duration `mapstructure:"retention"`
}

type sagaSection struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type testConfig struct {
	Store storeSection `mapstructure:"store"`
	Saga  sagaSection  `mapstructure:"saga"`
}

func (c *testConfig) Validate() error {
	if c.Saga.MaxRetries < 0 {
		return errors.New("saga.max_retries must not be negative")
	}
	return nil
}

const sampleYAML = `
store:
  type: redis
  key_prefix: "saga:"
saga:
  timeout: 30m
  max_retries: 3
`

// ConfigTestSuite 配置加载测试套件.
type ConfigTestSuite struct {
	suite.Suite
	dir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
}

func (s *ConfigTestSuite) write(name, content string) string {
	path := filepath.Join(s.dir, name)
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (s *ConfigTestSuite) TestLoadYAML() {
	cfg, err := Load[testConfig](s.write("saga.yaml", sampleYAML),
		WithDefaults(map[string]any{"store.retention": "168h"}))
	s.Require().NoError(err)
	s.Equal("redis", cfg.Store.Type)
	s.Equal("saga:", cfg.Store.KeyPrefix)
	s.Equal(30*time.Minute, cfg.Saga.Timeout)
	s.Equal(3, cfg.Saga.MaxRetries)
	s.Equal(168*time.Hour, cfg.Store.Retention)
}

func (s *ConfigTestSuite) TestEnvOverridesFile() {
	s.T().Setenv("SAGA_STORE_TYPE", "mongo")
	s.T().Setenv("SAGA_SAGA_MAX_RETRIES", "5")

	cfg, err := Load[testConfig](s.write("saga.yaml", sampleYAML), WithEnvPrefix("SAGA"))
	s.Require().NoError(err)
	s.Equal("mongo", cfg.Store.Type)
	s.Equal(5, cfg.Saga.MaxRetries)
}

func (s *ConfigTestSuite) TestLoadDefaultsWithEnv() {
	s.T().Setenv("GATEWAY_STORE_TYPE", "memory")
	cfg, err := LoadDefaults[testConfig](WithEnvPrefix("GATEWAY"), WithDefaults(map[string]any{
		"store.type":   "redis",
		"saga.timeout": "10m",
	}))
	s.Require().NoError(err)
	s.Equal("memory", cfg.Store.Type)
	s.Equal(10*time.Minute, cfg.Saga.Timeout)
}

func (s *ConfigTestSuite) TestErrors() {
	_, err := Load[testConfig](filepath.Join(s.dir, "missing.yaml"))
	s.ErrorIs(err, ErrFileNotFound)

	_, err = Load[testConfig](s.write("saga.ini", "x=1"))
	s.ErrorIs(err, ErrInvalidType)

	_, err = Load[testConfig](s.write("broken.yaml", "store: [unclosed"))
	s.ErrorIs(err, ErrReadConfig)

	_, err = LoadFromBytes[testConfig]([]byte("saga:\n  max_retries: -1\n"), "yaml")
	s.ErrorIs(err, ErrValidation)
}

func (s *ConfigTestSuite) TestGetConfigType() {
	s.Equal("yaml", GetConfigType("a.YML"))
	s.Equal("json", GetConfigType("a.json"))
	s.Equal("toml", GetConfigType("a.toml"))
	s.Empty(GetConfigType("a.txt"))
}
