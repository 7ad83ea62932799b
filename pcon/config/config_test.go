package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	internal "github.com/ZanzyTHEbar/prompt-console/pcon"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	suite.tempDir = suite.T().TempDir()

	// Run from an empty directory so no stray config.yaml is picked up
	require.NoError(suite.T(), os.Chdir(suite.tempDir))
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		os.Chdir(suite.origDir)
	}
}

func (suite *ConfigTestSuite) writeConfig(content string) string {
	configFile := filepath.Join(suite.tempDir, "config.yaml")
	require.NoError(suite.T(), os.WriteFile(configFile, []byte(content), 0o644))
	return configFile
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), "", cfg.API.Endpoint)
	assert.Equal(suite.T(), 30*time.Second, cfg.API.RequestTimeout)
	assert.True(suite.T(), cfg.API.ValidateResponses)
	assert.Equal(suite.T(), internal.DefaultPollInterval, cfg.Poll.Interval)
	assert.Equal(suite.T(), 10*time.Second, cfg.Poll.QueryTimeout)
	assert.Equal(suite.T(), 0, cfg.Poll.MaxAttempts)
	assert.Equal(suite.T(), internal.EnvironmentStaging, cfg.Session.Environment)
	assert.False(suite.T(), cfg.Archive.Enabled)
	assert.Equal(suite.T(), internal.DefaultArchivePath, cfg.Archive.Path)
	assert.Equal(suite.T(), "info", cfg.Log.Level)
	assert.Equal(suite.T(), internal.DefaultBackendAddr, cfg.Backend.Addr)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	configFile := suite.writeConfig(`
api:
  endpoint: "http://localhost:5000"
  rate_limit_enabled: true
  rate_limit_rps: 4
poll:
  interval: 500ms
  max_attempts: 20
session:
  environment: prod
  require_selection: true
`)

	cfg, err := LoadConfig(configFile)

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "http://localhost:5000", cfg.API.Endpoint)
	assert.True(suite.T(), cfg.API.RateLimitEnabled)
	assert.Equal(suite.T(), 4.0, cfg.API.RateLimitRPS)
	assert.Equal(suite.T(), 500*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(suite.T(), 20, cfg.Poll.MaxAttempts)
	assert.Equal(suite.T(), internal.EnvironmentProd, cfg.Session.Environment)
	assert.True(suite.T(), cfg.Session.RequireSelection)
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	// An explicit path that does not exist is an error, unlike the search path
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigMalformedFile() {
	configFile := suite.writeConfig(`
api:
  endpoint: "http://localhost:5000"
  poll: [unterminated
`)

	cfg, err := LoadConfig(configFile)

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigRejectsInvalidValues() {
	configFile := suite.writeConfig(`
api:
  endpoint: "not a url"
session:
  environment: qa
`)

	cfg, err := LoadConfig(configFile)

	require.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
	assert.Contains(suite.T(), err.Error(), "Endpoint")
	assert.Contains(suite.T(), err.Error(), "Environment")
}

func (suite *ConfigTestSuite) TestEnvironmentOverride() {
	suite.T().Setenv("PCON_API_ENDPOINT", "http://127.0.0.1:9999")
	suite.T().Setenv("PCON_POLL_INTERVAL", "1s")

	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "http://127.0.0.1:9999", cfg.API.Endpoint)
	assert.Equal(suite.T(), time.Second, cfg.Poll.Interval)
}

func (suite *ConfigTestSuite) TestWatchReloadsChangedFile() {
	configFile := suite.writeConfig(`
poll:
  interval: 300ms
`)

	loader := NewLoader(configFile)
	cfg, err := loader.Load()
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), 300*time.Millisecond, cfg.Poll.Interval)

	reloaded := make(chan *Config, 4)
	loader.Watch(func(c *Config, err error) {
		if err == nil {
			reloaded <- c
		}
	})

	suite.writeConfig(`
poll:
  interval: 750ms
`)

	// A truncating write can surface an intermediate empty file first
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-reloaded:
			if c.Poll.Interval == 750*time.Millisecond {
				return
			}
		case <-deadline:
			suite.T().Fatal("config change was not observed")
		}
	}
}
