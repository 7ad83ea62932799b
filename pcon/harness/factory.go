// Package harness wires the console's components from configuration.
package harness

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ZanzyTHEbar/prompt-console/pcon/config"
	"github.com/ZanzyTHEbar/prompt-console/pcon/db"
	"github.com/ZanzyTHEbar/prompt-console/pcon/gateway"
	"github.com/ZanzyTHEbar/prompt-console/pcon/harness/adapters"
	ports "github.com/ZanzyTHEbar/prompt-console/pcon/harness/ports"
	"github.com/ZanzyTHEbar/prompt-console/pcon/poller"
	"github.com/ZanzyTHEbar/prompt-console/pcon/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const catalogCacheCapacity = 16

// Factory creates and wires components from configuration. It owns the
// resources it opens; Close releases them.
type Factory struct {
	cfg      *config.Config
	registry prometheus.Registerer
	logger   zerolog.Logger

	archiveDB *sql.DB
	metrics   *poller.Metrics
}

// NewFactory creates a factory. A nil registry leaves metrics unregistered.
func NewFactory(cfg *config.Config, registry prometheus.Registerer, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, registry: registry, logger: logger}
}

// CreateGateway creates the backend client.
func (f *Factory) CreateGateway() *gateway.Client {
	return gateway.New(f.cfg.API.Endpoint,
		gateway.WithRateLimiter(f.createRateLimiter()),
		gateway.WithRequestTimeout(f.cfg.API.RequestTimeout),
		gateway.WithResponseValidation(f.cfg.API.ValidateResponses),
		gateway.WithLogger(f.logger.With().Str("component", "gateway").Logger()),
	)
}

// CreateScheduler creates the real-time scheduler pollers run on.
func (f *Factory) CreateScheduler() *poller.TimerScheduler {
	return poller.NewTimerScheduler()
}

// Metrics returns the shared poller metrics, creating them on first use.
func (f *Factory) Metrics() *poller.Metrics {
	if f.metrics == nil {
		f.metrics = poller.NewMetrics(f.registry)
	}
	return f.metrics
}

// CreateController creates a session controller over gw. The transcript
// archive is opened and migrated when enabled.
func (f *Factory) CreateController(ctx context.Context, gw session.Gateway, sched poller.Scheduler, notifier ports.Notifier) (*session.Controller, error) {
	opts := []session.Option{
		session.WithLogger(f.logger.With().Str("component", "session").Logger()),
		session.WithTracer(f.createTracer()),
		session.WithCache(f.createCache()),
		session.WithMetrics(f.Metrics()),
	}
	if notifier != nil {
		opts = append(opts, session.WithNotifier(notifier))
	}

	store, err := f.createStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		opts = append(opts, session.WithArchive(store))
	}

	return session.NewController(gw, sched, SessionConfig(f.cfg), opts...), nil
}

// Close releases resources opened by the factory.
func (f *Factory) Close() error {
	var errs []error
	if f.archiveDB != nil {
		errs = append(errs, f.archiveDB.Close())
		f.archiveDB = nil
	}
	return errors.Join(errs...)
}

// PollConfig maps poll settings onto the poller's configuration.
func PollConfig(cfg config.PollConfig) poller.Config {
	return poller.Config{
		Interval:     cfg.Interval,
		QueryTimeout: cfg.QueryTimeout,
		MaxAttempts:  cfg.MaxAttempts,
	}
}

// SessionConfig maps configuration onto the controller's tunables.
func SessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Environment:      cfg.Session.Environment,
		RequireSelection: cfg.Session.RequireSelection,
		CatalogTTL:       cfg.Session.CatalogTTL,
		Poll:             PollConfig(cfg.Poll),
	}
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.API.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewRateLimiter(f.cfg.API.RateLimitRPS, f.cfg.API.RateLimitBurst)
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Log.Tracing {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger.With().Str("component", "trace").Logger())
}

func (f *Factory) createCache() ports.Cache {
	if f.cfg.Session.CatalogTTL <= 0 {
		return &noOpCache{}
	}
	return adapters.NewLRUCache(catalogCacheCapacity)
}

func (f *Factory) createStore(ctx context.Context) (ports.TranscriptStore, error) {
	if !f.cfg.Archive.Enabled {
		return nil, nil
	}
	if f.archiveDB == nil {
		conn, err := db.OpenAndMigrate(ctx, f.cfg.Archive.Path, f.logger)
		if err != nil {
			return nil, err
		}
		f.archiveDB = conn
	}
	return adapters.NewLibSQLTranscriptStore(f.archiveDB), nil
}

// noOpCache never holds anything.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter never waits.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer drops spans and events.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

var (
	_ ports.Cache       = (*noOpCache)(nil)
	_ ports.RateLimiter = (*noOpRateLimiter)(nil)
	_ ports.Tracer      = (*noOpTracer)(nil)
)
