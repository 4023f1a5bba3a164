package sched

import (
	"sort"
	"time"
)

// Manual is a deterministic Scheduler for tests: tasks fire synchronously
// from Advance, in due order, on the calling goroutine.
type Manual struct {
	now   time.Time
	tasks map[TaskID]*manualTask
	seq   int
}

type manualTask struct {
	due    time.Time
	period time.Duration
	fn     func()
	seq    int
}

// NewManual creates a Manual scheduler starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, tasks: make(map[TaskID]*manualTask)}
}

// Now returns the scheduler's current time.
func (m *Manual) Now() time.Time { return m.now }

func (m *Manual) Once(id TaskID, d time.Duration, fn func()) {
	m.seq++
	m.tasks[id] = &manualTask{due: m.now.Add(d), fn: fn, seq: m.seq}
}

func (m *Manual) Repeat(id TaskID, d time.Duration, fn func()) {
	m.seq++
	m.tasks[id] = &manualTask{due: m.now.Add(d), period: d, fn: fn, seq: m.seq}
}

func (m *Manual) Cancel(id TaskID) bool {
	_, ok := m.tasks[id]
	delete(m.tasks, id)
	return ok
}

func (m *Manual) Active(id TaskID) bool {
	_, ok := m.tasks[id]
	return ok
}

func (m *Manual) CancelAll() {
	m.tasks = make(map[TaskID]*manualTask)
}

// Advance moves time forward by d, firing due tasks one at a time in due
// order (ties broken by scheduling order). A callback may reschedule or
// cancel tasks; the changes take effect immediately.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		id, t := m.nextDue(target)
		if t == nil {
			break
		}
		m.now = t.due
		if t.period > 0 {
			t.due = t.due.Add(t.period)
		} else {
			delete(m.tasks, id)
		}
		t.fn()
	}
	m.now = target
}

func (m *Manual) nextDue(target time.Time) (TaskID, *manualTask) {
	type cand struct {
		id TaskID
		t  *manualTask
	}
	var cands []cand
	for id, t := range m.tasks {
		if !t.due.After(target) {
			cands = append(cands, cand{id, t})
		}
	}
	if len(cands) == 0 {
		return TaskID{}, nil
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].t.due.Equal(cands[j].t.due) {
			return cands[i].t.due.Before(cands[j].t.due)
		}
		return cands[i].t.seq < cands[j].t.seq
	})
	return cands[0].id, cands[0].t
}
