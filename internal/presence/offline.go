// Package presence implements the three ephemeral automata that ride on top
// of the transcript: the offline-note injector, the greeting injector and
// the typing broadcaster. All three are confined to the session worker; the
// scheduler routes their timer callbacks back onto it.
package presence

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/parley-chat/parley/internal/reconcile"
	"github.com/parley-chat/parley/internal/sched"
	"github.com/parley-chat/parley/internal/store"
	"go.uber.org/zap"
)

// Debounce absorbs reconnect flicker before any injected note is touched.
const Debounce = 600 * time.Millisecond

// OfflineNoteID is the fixed local identity of the injected offline note.
// Reusing one identity makes every (re)insertion an idempotent replace.
const OfflineNoteID = "offline-note"

// DefaultOfflineText is what the injected note says unless overridden.
const DefaultOfflineText = "All agents are currently offline. Leave a message and we will get back to you."

// Nature describes where the offline note stands relative to the transcript
// tail.
type Nature int

const (
	// NatureMissing: the note is not in the transcript.
	NatureMissing Nature = iota
	// NatureExisting: the note is present but no longer the tail.
	NatureExisting
	// NatureOffline: the note is the transcript tail.
	NatureOffline
)

func (n Nature) String() string {
	switch n {
	case NatureExisting:
		return "existing"
	case NatureOffline:
		return "offline"
	default:
		return "missing"
	}
}

var offlineDebounceID = sched.TaskID{Kind: "offline_debounce"}

// Offline injects and retracts the fixed-identity offline note as the
// aggregate agent presence changes. Mutations are debounced so a condition
// that appears and disappears within the window touches nothing.
type Offline struct {
	chat  string
	rec   *reconcile.Reconciler
	st    store.Store
	sch   sched.Scheduler
	clock clockwork.Clock
	log   *zap.Logger
	text  string

	connectedAt time.Time
	online      map[string]bool
}

// NewOffline creates the injector for one chat.
func NewOffline(chat string, rec *reconcile.Reconciler, st store.Store,
	sch sched.Scheduler, clock clockwork.Clock, log *zap.Logger) *Offline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Offline{
		chat:   chat,
		rec:    rec,
		st:     st,
		sch:    sch,
		clock:  clock,
		log:    log,
		text:   DefaultOfflineText,
		online: make(map[string]bool),
	}
}

// SetText overrides the injected note text.
func (o *Offline) SetText(text string) { o.text = text }

// OnConnect records the start of the current connection.
func (o *Offline) OnConnect() {
	o.connectedAt = o.clock.Now()
	o.invalidate()
}

// OnDisconnect clears the connection; the note is retracted after the
// debounce unless the connection comes back first.
func (o *Offline) OnDisconnect() {
	o.connectedAt = time.Time{}
	o.invalidate()
}

// ObserveAgent folds one agent's activity into the aggregate.
func (o *Offline) ObserveAgent(agentID string, online bool) {
	if o.online[agentID] == online {
		return
	}
	o.online[agentID] = online
	o.invalidate()
}

// NextNature computes what the transcript tail should look like given the
// current connection and agent aggregate.
func (o *Offline) NextNature() Nature {
	if o.connectedAt.IsZero() {
		return NatureMissing
	}
	for _, up := range o.online {
		if up {
			return NatureMissing
		}
	}
	return NatureOffline
}

// CurrentNature inspects the store for the note's standing.
func (o *Offline) CurrentNature() (Nature, error) {
	note, err := o.st.ByLocalID(o.chat, OfflineNoteID)
	if err != nil {
		return NatureMissing, err
	}
	if note == nil {
		return NatureMissing, nil
	}
	tail, err := o.st.Tail(o.chat)
	if err != nil {
		return NatureMissing, err
	}
	if tail != nil && tail.LocalID == OfflineNoteID {
		return NatureOffline, nil
	}
	return NatureExisting, nil
}

func (o *Offline) invalidate() {
	o.sch.Once(offlineDebounceID, Debounce, func() {
		if err := o.apply(); err != nil {
			o.log.Error("offline note transition failed", zap.Error(err))
		}
	})
}

// apply runs the transition table against the natures observed at fire
// time, not at invalidation time.
func (o *Offline) apply() error {
	cur, err := o.CurrentNature()
	if err != nil {
		return err
	}
	next := o.NextNature()

	switch {
	case next == NatureOffline && cur == NatureOffline:
		return nil
	case next == NatureOffline:
		// Missing appends; existing replaces in place. Both are the same
		// fixed-identity upsert with a fresh tail date.
		now := o.clock.Now().UnixMilli()
		_, err := o.rec.UpsertLocal(o.chat, OfflineNoteID, func(m *store.Message) {
			m.Direction = store.DirSystem
			m.Kind = store.KindSystem
			m.Text = o.text
			m.TsMs = now
		})
		if err == nil {
			o.log.Info("offline note injected", zap.String("from", cur.String()))
		}
		return err
	case cur != NatureMissing:
		if err := o.rec.Remove(o.chat, store.Identity{LocalID: OfflineNoteID}); err != nil {
			return err
		}
		o.log.Info("offline note retracted")
		return nil
	default:
		return nil
	}
}

// Reset drops all volatile state and the pending debounce. Persisted rows
// are untouched.
func (o *Offline) Reset() {
	o.sch.Cancel(offlineDebounceID)
	o.connectedAt = time.Time{}
	o.online = make(map[string]bool)
}
