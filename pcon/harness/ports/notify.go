package harnessports

import (
	"context"
	"time"
)

// Level ranks a user-visible notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is what the session layer shows the operator.
type Notification struct {
	Level   Level
	Title   string
	Message string
	Err     error
	TurnID  uint32 // zero when not tied to a turn
	At      time.Time
}

// Notifier delivers notifications to whatever surface renders them.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}
