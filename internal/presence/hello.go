package presence

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/parley-chat/parley/internal/reconcile"
	"github.com/parley-chat/parley/internal/sched"
	"github.com/parley-chat/parley/internal/store"
	"go.uber.org/zap"
)

// HelloQuiet is how long after reconnect the transcript must stay quiet
// before the greeting is considered.
const HelloQuiet = 2 * time.Second

// HelloNoteID is the fixed local identity of the greeting placeholder.
const HelloNoteID = "hello-note"

// DefaultHelloText is the greeting unless overridden.
const DefaultHelloText = "Hi! How can we help you today?"

var (
	helloQuietID  = sched.TaskID{Kind: "hello_quiet"}
	helloSettleID = sched.TaskID{Kind: "hello_settle"}
)

// Hello (re)inserts a single fixed-identity greeting on reconnect when the
// transcript has no real content.
type Hello struct {
	chat  string
	rec   *reconcile.Reconciler
	st    store.Store
	sch   sched.Scheduler
	clock clockwork.Clock
	log   *zap.Logger
	text  string
}

func NewHello(chat string, rec *reconcile.Reconciler, st store.Store,
	sch sched.Scheduler, clock clockwork.Clock, log *zap.Logger) *Hello {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hello{chat: chat, rec: rec, st: st, sch: sch, clock: clock, log: log, text: DefaultHelloText}
}

// SetText overrides the greeting text.
func (h *Hello) SetText(text string) { h.text = text }

// OnConnect arms the quiet period. A reconnect before it fires restarts it.
func (h *Hello) OnConnect() {
	h.sch.Cancel(helloSettleID)
	h.sch.Once(helloQuietID, HelloQuiet, h.afterQuiet)
}

// wants reports whether the greeting belongs at the tail: the transcript is
// empty, or the tail is the prior greeting itself.
func (h *Hello) wants() (bool, error) {
	tail, err := h.st.Tail(h.chat)
	if err != nil {
		return false, err
	}
	return tail == nil || tail.LocalID == HelloNoteID, nil
}

func (h *Hello) afterQuiet() {
	ok, err := h.wants()
	if err != nil {
		h.log.Error("greeting condition check failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	h.sch.Once(helloSettleID, Debounce, h.insert)
}

func (h *Hello) insert() {
	// The transcript may have gained content during the settle window.
	ok, err := h.wants()
	if err != nil || !ok {
		if err != nil {
			h.log.Error("greeting condition check failed", zap.Error(err))
		}
		return
	}
	now := h.clock.Now().UnixMilli()
	if _, err := h.rec.UpsertLocal(h.chat, HelloNoteID, func(m *store.Message) {
		m.Direction = store.DirSystem
		m.Kind = store.KindSystem
		m.Text = h.text
		m.TsMs = now
	}); err != nil {
		h.log.Error("greeting insert failed", zap.Error(err))
		return
	}
	h.log.Info("greeting inserted")
}

// Reset cancels both pending stages.
func (h *Hello) Reset() {
	h.sch.Cancel(helloQuietID)
	h.sch.Cancel(helloSettleID)
}
