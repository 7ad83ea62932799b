package adapters

import (
	"context"

	ports "github.com/ZanzyTHEbar/prompt-console/pcon/harness/ports"
	"github.com/rs/zerolog"
)

// LogNotifier writes notifications to a zerolog logger.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, note ports.Notification) {
	var ev *zerolog.Event
	switch note.Level {
	case ports.LevelError:
		ev = n.logger.Error().Err(note.Err)
	case ports.LevelWarning:
		ev = n.logger.Warn().Err(note.Err)
	default:
		ev = n.logger.Info()
	}
	if note.TurnID != 0 {
		ev = ev.Uint32("turn_id", note.TurnID)
	}
	ev.Str("title", note.Title).Msg(note.Message)
}

// NotifierFunc adapts a function to the Notifier port.
type NotifierFunc func(ctx context.Context, note ports.Notification)

func (f NotifierFunc) Notify(ctx context.Context, note ports.Notification) { f(ctx, note) }

// MultiNotifier fans a notification out to every notifier in order.
type MultiNotifier []ports.Notifier

func (m MultiNotifier) Notify(ctx context.Context, note ports.Notification) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, note)
		}
	}
}

var (
	_ ports.Notifier = (*LogNotifier)(nil)
	_ ports.Notifier = NotifierFunc(nil)
	_ ports.Notifier = MultiNotifier(nil)
)
