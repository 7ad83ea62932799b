// Package pcon holds application-wide constants for the prompt console.
package pcon

import (
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultAppName = "pcon"

	// DefaultPollInterval is the fixed delay between result queries.
	DefaultPollInterval = 200 * time.Millisecond

	DefaultEnvironment = EnvironmentStaging
	EnvironmentStaging = "staging"
	EnvironmentProd    = "prod"

	DefaultBackendAddr = "127.0.0.1:5000"
)

var (
	DefaultConfigPath  = userDir(os.UserConfigDir)
	DefaultDataDir     = userDir(os.UserCacheDir)
	DefaultArchivePath = filepath.Join(DefaultDataDir, "transcripts.db")
)

func userDir(base func() (string, error)) string {
	dir, err := base()
	if err != nil || dir == "" {
		return filepath.Join(".", "."+DefaultAppName)
	}
	return filepath.Join(dir, DefaultAppName)
}
