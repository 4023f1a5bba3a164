package presence

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/parley-chat/parley/internal/sched"
	"github.com/parley-chat/parley/internal/wire"
	"go.uber.org/zap"
)

const (
	// TypingKeepalive is the resend period while typing continues.
	TypingKeepalive = 5 * time.Second
	// TypingIdle is how long after the last keystroke the stop packet goes
	// out.
	TypingIdle = 3 * time.Second
)

var (
	typingKeepaliveID = sched.TaskID{Kind: "typing_keepalive"}
	typingIdleID      = sched.TaskID{Kind: "typing_idle"}
)

// Typing broadcasts the draft to the current peer: an immediate packet on
// the first keystroke, a keepalive every 5s while typing continues, and an
// empty stop packet once the keyboard has been idle for 3s.
type Typing struct {
	act   wire.Actions
	sch   sched.Scheduler
	clock clockwork.Clock
	log   *zap.Logger

	peer    string
	draft   string
	lastKey time.Time
	active  bool
}

func NewTyping(act wire.Actions, sch sched.Scheduler, clock clockwork.Clock, log *zap.Logger) *Typing {
	if log == nil {
		log = zap.NewNop()
	}
	return &Typing{act: act, sch: sch, clock: clock, log: log}
}

// OnKeystroke reports a draft change addressed to peer. Switching peers
// flushes a stop packet for the previous one first.
func (t *Typing) OnKeystroke(peer, draft string) {
	if t.active && peer != t.peer {
		t.stop()
	}
	t.peer = peer
	t.draft = draft
	t.lastKey = t.clock.Now()

	if !t.active {
		t.active = true
		t.send(draft)
		t.sch.Repeat(typingKeepaliveID, TypingKeepalive, t.tick)
	}
	// Each keystroke pushes the idle cutoff out to last-keystroke + 3s.
	t.sch.Once(typingIdleID, TypingIdle, t.onIdle)
}

// Active reports whether a typing broadcast is currently running.
func (t *Typing) Active() bool { return t.active }

func (t *Typing) tick() {
	if t.clock.Now().Sub(t.lastKey) > TypingIdle {
		t.stop()
		return
	}
	t.send(t.draft)
}

func (t *Typing) onIdle() {
	t.stop()
}

func (t *Typing) stop() {
	if !t.active {
		return
	}
	t.send("")
	t.sch.Cancel(typingKeepaliveID)
	t.sch.Cancel(typingIdleID)
	t.active = false
}

// Flush sends the stop packet for the current peer if one is owed.
func (t *Typing) Flush() { t.stop() }

// Reset drops all state and timers without emitting a packet.
func (t *Typing) Reset() {
	t.sch.Cancel(typingKeepaliveID)
	t.sch.Cancel(typingIdleID)
	t.active = false
	t.peer = ""
	t.draft = ""
	t.lastKey = time.Time{}
}

func (t *Typing) send(draft string) {
	if err := t.act.SendTyping(draft); err != nil {
		t.log.Warn("typing packet dropped", zap.Error(err))
	}
}
