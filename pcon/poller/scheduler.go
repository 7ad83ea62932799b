package poller

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
)

// Task is a scheduled callback.
type Task interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the task; false means it already ran or was stopped.
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Task
}

const (
	taskPending int32 = iota
	taskFired
	taskStopped
)

type timerTask struct {
	state atomic.Int32
	stop  chan struct{}
}

func (t *timerTask) Stop() bool {
	if t.state.CompareAndSwap(taskPending, taskStopped) {
		close(t.stop)
		return true
	}
	return false
}

// TimerScheduler runs each callback on its own goroutine after a real-time
// delay. Close stops pending tasks and waits for running ones.
type TimerScheduler struct {
	mu     sync.Mutex
	wg     conc.WaitGroup
	done   chan struct{}
	closed bool
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{done: make(chan struct{})}
}

func (s *TimerScheduler) AfterFunc(d time.Duration, fn func()) Task {
	task := &timerTask{stop: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		task.state.Store(taskStopped)
		return task
	}
	s.wg.Go(func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			if task.state.CompareAndSwap(taskPending, taskFired) {
				fn()
			}
		case <-task.stop:
		case <-s.done:
			task.state.CompareAndSwap(taskPending, taskStopped)
		}
	})
	return task
}

// Close stops every pending task and waits for running callbacks to return.
// It must not be called from inside a callback.
func (s *TimerScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
}

// ManualScheduler is a virtual clock. Callbacks run synchronously on the
// goroutine that calls Advance or RunDue, in due-time order.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks []*manualTask
}

type manualTask struct {
	s     *ManualScheduler
	at    time.Time
	seq   uint64
	fn    func()
	state int32
}

func (t *manualTask) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.state != taskPending {
		return false
	}
	t.state = taskStopped
	return true
}

// NewManualScheduler returns a virtual clock starting at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTask{s: s, at: s.now.Add(d), seq: s.seq, fn: fn}
	s.tasks = append(s.tasks, t)
	return t
}

// Now returns the virtual time.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward by d, running every task that falls due on
// the way, including tasks scheduled by those callbacks. It returns how many
// callbacks ran.
func (s *ManualScheduler) Advance(d time.Duration) int {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	ran := 0
	for {
		s.mu.Lock()
		next := s.nextDueLocked(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return ran
		}
		next.state = taskFired
		if next.at.After(s.now) {
			s.now = next.at
		}
		s.mu.Unlock()

		next.fn()
		ran++
	}
}

// RunDue runs the tasks due at the current virtual time.
func (s *ManualScheduler) RunDue() int {
	return s.Advance(0)
}

// Pending returns the number of tasks that have neither run nor been stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compactLocked()
	return len(s.tasks)
}

func (s *ManualScheduler) nextDueLocked(target time.Time) *manualTask {
	s.compactLocked()
	sort.SliceStable(s.tasks, func(i, j int) bool {
		if s.tasks[i].at.Equal(s.tasks[j].at) {
			return s.tasks[i].seq < s.tasks[j].seq
		}
		return s.tasks[i].at.Before(s.tasks[j].at)
	})
	if len(s.tasks) == 0 || s.tasks[0].at.After(target) {
		return nil
	}
	return s.tasks[0]
}

func (s *ManualScheduler) compactLocked() {
	live := s.tasks[:0]
	for _, t := range s.tasks {
		if t.state == taskPending {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(s.tasks); i++ {
		s.tasks[i] = nil
	}
	s.tasks = live
}
