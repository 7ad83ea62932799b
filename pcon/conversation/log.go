// Package conversation keeps the ordered, identity-addressed turns of one
// chat session. Insertion order is display order and never changes; text is
// rewritten in place by identity until the turn is finalized.
package conversation

import (
	"errors"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
)

// Role names the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// TurnID identifies a turn for the lifetime of a Log. IDs start at 1 and
// are never reused, not even after Clear.
type TurnID uint32

// Epoch counts Clear calls. A delivery tagged with an older epoch belongs to
// a conversation that no longer exists.
type Epoch uint64

// Turn is one message in the conversation.
type Turn struct {
	ID        TurnID
	Role      Role
	Text      string
	CreatedAt time.Time
}

var (
	// ErrNotFound means no turn with the given id is in the log.
	ErrNotFound = errors.New("conversation: turn not found")
	// ErrStaleEpoch means the log was cleared after the caller captured its epoch.
	ErrStaleEpoch = errors.New("conversation: stale epoch")
	// ErrFinalized means the turn's text has already been settled.
	ErrFinalized = errors.New("conversation: turn finalized")
)

// IsBenign reports whether err only signals a race with Clear or a repeated
// settlement. Callers drop such updates silently.
func IsBenign(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleEpoch) || errors.Is(err, ErrFinalized)
}

// Log is safe for concurrent use.
type Log struct {
	mu        sync.RWMutex
	turns     []Turn
	index     map[TurnID]int
	finalized *roaring.Bitmap
	lastID    TurnID
	epoch     Epoch
	now       func() time.Time
	changes   chan struct{}
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the source of CreatedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// NewLog returns an empty log at epoch 0.
func NewLog(opts ...Option) *Log {
	l := &Log{
		index:     make(map[TurnID]int),
		finalized: roaring.New(),
		now:       time.Now,
		changes:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append adds a turn at the tail and returns its id.
func (l *Log) Append(role Role, text string) TurnID {
	id, _ := l.AppendAt(role, text)
	return id
}

// AppendAt adds a turn at the tail and returns its id together with the
// epoch it was created in.
func (l *Log) AppendAt(role Role, text string) (TurnID, Epoch) {
	l.mu.Lock()
	l.lastID++
	id := l.lastID
	l.index[id] = len(l.turns)
	l.turns = append(l.turns, Turn{ID: id, Role: role, Text: text, CreatedAt: l.now()})
	epoch := l.epoch
	l.mu.Unlock()

	l.notify()
	return id, epoch
}

// Update rewrites the text of turn id in the current epoch.
func (l *Log) Update(id TurnID, text string) error {
	l.mu.Lock()
	err := l.setLocked(id, text, false)
	l.mu.Unlock()
	if err == nil {
		l.notify()
	}
	return err
}

// UpdateAt rewrites the text of turn id if the log is still at epoch.
func (l *Log) UpdateAt(epoch Epoch, id TurnID, text string) error {
	l.mu.Lock()
	var err error
	if epoch != l.epoch {
		err = ErrStaleEpoch
	} else {
		err = l.setLocked(id, text, false)
	}
	l.mu.Unlock()
	if err == nil {
		l.notify()
	}
	return err
}

// Finalize settles turn id at epoch. A non-empty text replaces the current
// text; an empty one keeps whatever partial text was delivered. Later
// updates to the turn fail with ErrFinalized.
func (l *Log) Finalize(epoch Epoch, id TurnID, text string) error {
	l.mu.Lock()
	var err error
	if epoch != l.epoch {
		err = ErrStaleEpoch
	} else {
		err = l.setLocked(id, text, true)
	}
	l.mu.Unlock()
	if err == nil {
		l.notify()
	}
	return err
}

func (l *Log) setLocked(id TurnID, text string, final bool) error {
	pos, ok := l.index[id]
	if !ok {
		return ErrNotFound
	}
	if l.finalized.Contains(uint32(id)) {
		return ErrFinalized
	}
	if !final || text != "" {
		l.turns[pos].Text = text
	}
	if final {
		l.finalized.Add(uint32(id))
	}
	return nil
}

// Clear discards every turn and advances the epoch, which it returns.
func (l *Log) Clear() Epoch {
	l.mu.Lock()
	l.turns = nil
	l.index = make(map[TurnID]int)
	l.finalized.Clear()
	l.epoch++
	epoch := l.epoch
	l.mu.Unlock()

	l.notify()
	return epoch
}

func (l *Log) Epoch() Epoch {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.epoch
}

// Get returns a copy of turn id.
func (l *Log) Get(id TurnID) (Turn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.index[id]
	if !ok {
		return Turn{}, false
	}
	return l.turns[pos], true
}

// Turns returns a copy of the log in display order.
func (l *Log) Turns() []Turn {
	_, turns := l.Snapshot()
	return turns
}

// Snapshot returns the current epoch and a copy of its turns, read together.
func (l *Log) Snapshot() (Epoch, []Turn) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return l.epoch, out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// IsFinalized reports whether turn id has been settled in the current epoch.
func (l *Log) IsFinalized(id TurnID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.finalized.Contains(uint32(id))
}

// FinalizedCount returns how many turns of the current epoch are settled.
func (l *Log) FinalizedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int(l.finalized.GetCardinality())
}

// Changes returns a channel that receives a value after the log changes.
// Signals coalesce: one receive may stand for many changes.
func (l *Log) Changes() <-chan struct{} {
	return l.changes
}

func (l *Log) notify() {
	select {
	case l.changes <- struct{}{}:
	default:
	}
}
