package adapters

import (
	"context"
	"time"

	ports "github.com/ZanzyTHEbar/prompt-console/pcon/harness/ports"
	"github.com/rs/zerolog"
)

type spanLoggerKey struct{}

// ZerologTracer implements the Tracer interface by logging span boundaries.
type ZerologTracer struct {
	logger zerolog.Logger
}

func NewZerologTracer(logger zerolog.Logger) *ZerologTracer {
	return &ZerologTracer{logger: logger}
}

// StartSpan logs the start of name and returns a finish func that logs its
// duration, at Error level when finish receives an error.
func (t *ZerologTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	spanCtx := t.logger.With().Str("span", name)
	for k, v := range attrs {
		spanCtx = spanCtx.Interface(k, v)
	}
	spanLogger := spanCtx.Logger()
	ctx = context.WithValue(ctx, spanLoggerKey{}, spanLogger)

	start := time.Now()
	spanLogger.Debug().Str("event", "span_start").Msg("span started")

	finish := func(err error) {
		ev := spanLogger.Debug()
		if err != nil {
			ev = spanLogger.Error().Err(err)
		}
		ev.Str("event", "span_end").Dur("duration", time.Since(start)).Msg("span finished")
	}
	return ctx, finish
}

// Event logs name against the span carried by ctx, or the root logger.
func (t *ZerologTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	logger, ok := ctx.Value(spanLoggerKey{}).(zerolog.Logger)
	if !ok {
		logger = t.logger
	}
	ev := logger.Debug()
	for k, v := range attrs {
		ev = ev.Interface(k, v)
	}
	ev.Str("event", name).Msg("trace event")
}

var _ ports.Tracer = (*ZerologTracer)(nil)
