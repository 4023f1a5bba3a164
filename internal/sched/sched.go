// Package sched provides the cancelable timer abstraction used by the sync
// core. Every debounce, keepalive and send-timeout runs through a Scheduler
// so a superseded timer is explicitly invalidated instead of firing late.
package sched

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TaskID keys a scheduled task. Scheduling a task under an id that is
// already active replaces (cancels) the previous task.
type TaskID struct {
	Kind string // e.g. "send_timeout", "presence_offline"
	Key  string // per-entity discriminator, may be empty
}

// Scheduler owns one-shot and repeating tasks keyed by typed ids.
type Scheduler interface {
	// Once schedules fn to run once after d, replacing any task under id.
	Once(id TaskID, d time.Duration, fn func())
	// Repeat schedules fn every d until canceled, replacing any task under id.
	Repeat(id TaskID, d time.Duration, fn func())
	// Cancel invalidates the task under id. Reports whether one was active.
	Cancel(id TaskID) bool
	// Active reports whether a task is currently scheduled under id.
	Active(id TaskID) bool
	// CancelAll invalidates every pending task.
	CancelAll()
}

type clockTask struct {
	timer  clockwork.Timer
	period time.Duration // 0 for one-shot
	gen    uint64
}

// clockSched runs tasks off a clockwork Clock. Callbacks are funneled
// through exec, which the session points at its serial worker so timer
// callbacks mutate state from the single writer only.
type clockSched struct {
	clock clockwork.Clock
	exec  func(func())

	mu    sync.Mutex
	tasks map[TaskID]*clockTask
	gen   uint64
}

// New creates a Scheduler on the given clock. exec runs every callback;
// nil means direct invocation on the timer goroutine.
func New(clock clockwork.Clock, exec func(func())) Scheduler {
	if exec == nil {
		exec = func(fn func()) { fn() }
	}
	return &clockSched{clock: clock, exec: exec, tasks: make(map[TaskID]*clockTask)}
}

func (s *clockSched) Once(id TaskID, d time.Duration, fn func()) {
	s.schedule(id, d, 0, fn)
}

func (s *clockSched) Repeat(id TaskID, d time.Duration, fn func()) {
	s.schedule(id, d, d, fn)
}

func (s *clockSched) schedule(id TaskID, d, period time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.tasks[id]; ok {
		old.timer.Stop()
	}
	s.gen++
	t := &clockTask{period: period, gen: s.gen}
	t.timer = s.clock.AfterFunc(d, func() { s.fire(id, t.gen, fn) })
	s.tasks[id] = t
}

// fire runs on the timer goroutine. The generation check discards firings
// that raced with a Cancel or a replacement.
func (s *clockSched) fire(id TaskID, gen uint64, fn func()) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.gen != gen {
		s.mu.Unlock()
		return
	}
	if t.period > 0 {
		t.timer = s.clock.AfterFunc(t.period, func() { s.fire(id, gen, fn) })
	} else {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	s.exec(fn)
}

func (s *clockSched) Cancel(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, id)
	return true
}

func (s *clockSched) Active(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

func (s *clockSched) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, id)
	}
}
