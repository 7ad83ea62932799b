package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	internal "github.com/ZanzyTHEbar/prompt-console/pcon"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Poll    PollConfig    `mapstructure:"poll"`
	Session SessionConfig `mapstructure:"session"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Log     LogConfig     `mapstructure:"log"`
	Backend BackendConfig `mapstructure:"backend"`
}

// APIConfig stores the backend connection details.
type APIConfig struct {
	Endpoint          string        `mapstructure:"endpoint" validate:"omitempty,url"` // Base URL, empty means unconfigured
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gte=0"`
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRPS      float64       `mapstructure:"rate_limit_rps" validate:"gt=0"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst" validate:"gte=1"`
	ValidateResponses bool          `mapstructure:"validate_responses"` // JSON-schema check of job responses
}

// PollConfig stores result poller settings.
type PollConfig struct {
	Interval     time.Duration `mapstructure:"interval" validate:"gt=0"`
	QueryTimeout time.Duration `mapstructure:"query_timeout" validate:"gte=0"` // 0 disables the per-query timeout
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gte=0"`  // 0 polls until the job settles
}

// SessionConfig stores session controller settings.
type SessionConfig struct {
	Environment      string        `mapstructure:"environment" validate:"oneof=staging prod"`
	RequireSelection bool          `mapstructure:"require_selection"`
	CatalogTTL       time.Duration `mapstructure:"catalog_ttl" validate:"gte=0"`
}

// ArchiveConfig stores transcript archive settings.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// LogConfig stores logger settings.
type LogConfig struct {
	Level   string `mapstructure:"level" validate:"oneof=trace debug info warn error disabled"`
	Tracing bool   `mapstructure:"tracing"` // emit span logs for controller operations
}

// BackendConfig stores the stub backend settings.
type BackendConfig struct {
	Addr       string        `mapstructure:"addr" validate:"required,hostname_port"`
	ChunkDelay time.Duration `mapstructure:"chunk_delay" validate:"gte=0"`
}

var configValidate = validator.New()

// Validate checks field constraints declared on the config structs.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Loader reads configuration through a dedicated viper instance so that the
// same source can be watched for changes after the first load.
type Loader struct {
	v         *viper.Viper
	watchOnce sync.Once
}

// NewLoader prepares a loader for configPath. An empty path searches the
// working directory and the user config directory for config.yaml.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(strings.ToUpper(internal.DefaultAppName))
	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. api.endpoint becomes PCON_API_ENDPOINT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.endpoint", "")
	v.SetDefault("api.request_timeout", "30s")
	v.SetDefault("api.rate_limit_enabled", false)
	v.SetDefault("api.rate_limit_rps", 20.0)
	v.SetDefault("api.rate_limit_burst", 5)
	v.SetDefault("api.validate_responses", true)

	v.SetDefault("poll.interval", internal.DefaultPollInterval.String())
	v.SetDefault("poll.query_timeout", "10s")
	v.SetDefault("poll.max_attempts", 0)

	v.SetDefault("session.environment", internal.DefaultEnvironment)
	v.SetDefault("session.require_selection", false)
	v.SetDefault("session.catalog_ttl", "30s")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.path", internal.DefaultArchivePath)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.tracing", false)

	v.SetDefault("backend.addr", internal.DefaultBackendAddr)
	v.SetDefault("backend.chunk_delay", "50ms")
}

// Load reads the config source, applies defaults and env overrides, and
// validates the result.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found on the search path; defaults and env apply.
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFileUsed returns the file the last Load read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the config file whenever it is written and hands the new,
// validated config (or the decode error) to onChange. Watch is a no-op when
// no config file was found by Load.
func (l *Loader) Watch(onChange func(*Config, error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.watchOnce.Do(func() {
		l.v.OnConfigChange(func(e fsnotify.Event) {
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}
			onChange(l.decode())
		})
		l.v.WatchConfig()
	})
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
