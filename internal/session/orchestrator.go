package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/history"
	"github.com/parley-chat/parley/internal/outgoing"
	"github.com/parley-chat/parley/internal/presence"
	"github.com/parley-chat/parley/internal/reconcile"
	"github.com/parley-chat/parley/internal/sched"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/wire"
	"go.uber.org/zap"
)

// ErrStopped is returned for operations posted after the worker exited.
var ErrStopped = errors.New("session: orchestrator stopped")

// Params configures an Orchestrator.
type Params struct {
	Chat    string
	Site    string
	Channel string
	Client  string
	Store   store.Store
	Actions wire.Actions
	Source  wire.Source // optional; Start pumps its transactions
	Bus     *bus.Bus
	Clock   clockwork.Clock
	Sched   sched.Scheduler // optional; defaults to a clock scheduler routed onto the worker
	Logger  *zap.Logger
}

// Orchestrator owns one chat session. Every mutation of sync state runs on
// its single serial worker: inbound transactions, timer callbacks and the
// public operations all funnel through the task queue, so the components it
// owns are unlocked. The bus is the UI-facing boundary.
type Orchestrator struct {
	chat    string
	site    string
	channel string
	client  string

	st      store.Store
	act     wire.Actions
	src     wire.Source
	b       *bus.Bus
	clock   clockwork.Clock
	sch     sched.Scheduler
	log     *zap.Logger
	machine *Machine

	rec  *reconcile.Reconciler
	trk  *history.Tracker
	pipe *outgoing.Pipeline
	off  *presence.Offline
	hel  *presence.Hello
	typ  *presence.Typing

	tasks  chan func()
	done   chan struct{}
	unread int
}

// New wires an orchestrator and its components. Start must be called before
// any operation.
func New(p Params) *Orchestrator {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	o := &Orchestrator{
		chat:    p.Chat,
		site:    p.Site,
		channel: p.Channel,
		client:  p.Client,
		st:      p.Store,
		act:     p.Actions,
		src:     p.Source,
		b:       p.Bus,
		clock:   clock,
		log:     log,
		machine: NewMachine(p.Bus),
		tasks:   make(chan func(), 256),
		done:    make(chan struct{}),
	}
	o.sch = p.Sched
	if o.sch == nil {
		o.sch = sched.New(clock, o.post)
	}
	o.rec = reconcile.NewReconciler(p.Store, p.Bus, log)
	o.trk = history.NewTracker(clock, log)
	o.pipe = outgoing.NewPipeline(p.Chat, p.Store, o.rec, p.Actions, o.sch, clock, p.Bus, log)
	o.off = presence.NewOffline(p.Chat, o.rec, p.Store, o.sch, clock, log)
	o.hel = presence.NewHello(p.Chat, o.rec, p.Store, o.sch, clock, log)
	o.typ = presence.NewTyping(p.Actions, o.sch, clock, log)
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return o.machine.Current() }

// Start launches the serial worker and, when a source is configured, the
// transaction pump. The worker exits when ctx is canceled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case fn := <-o.tasks:
				fn()
			case <-ctx.Done():
				return
			case <-o.done:
				return
			}
		}
	}()
	if o.src != nil {
		go func() {
			for tx := range o.src.Transactions() {
				o.Deliver(tx)
			}
		}()
	}
}

// Stop terminates the worker. Pending tasks are dropped.
func (o *Orchestrator) Stop() {
	select {
	case <-o.done:
	default:
		close(o.done)
	}
}

// post enqueues fn on the worker. Timer callbacks come in this way.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.tasks <- fn:
	case <-o.done:
	}
}

// do runs fn on the worker and waits for its result.
func (o *Orchestrator) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case o.tasks <- func() { errc <- fn() }:
	case <-o.done:
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-o.done:
		return ErrStopped
	}
}

// Deliver hands one inbound transaction to the worker.
func (o *Orchestrator) Deliver(tx wire.Transaction) {
	o.post(func() { o.handle(tx) })
}

// handle routes the subjects of one transaction. History entries are
// collected and reconciled as a single batch; the rest route individually.
func (o *Orchestrator) handle(tx wire.Transaction) {
	var entries []wire.MsgPayload
	sawHistory := false
	for _, s := range tx.Subjects {
		switch s := s.(type) {
		case wire.HistoryEntry:
			sawHistory = true
			entries = append(entries, s.Msg)
		case wire.BecamePermanent:
			o.onPermanent(s)
		case wire.AlreadySeen:
			if err := o.rec.PropagateSeen(o.chat, s.GlobalID); err != nil {
				o.log.Error("seen propagation failed", zap.Error(err), zap.Int64("id", s.GlobalID))
			}
		case wire.RateForm:
			o.onRateForm(s)
		case wire.SwitchingDataMode:
			o.onSwitchingDataMode()
		case wire.AgentUpdate:
			o.onAgentUpdate(s)
		case wire.ChatState:
			o.onChatState(s)
		}
	}
	// An empty transaction is an empty history page: it resolves an
	// in-flight request with "nothing older".
	if sawHistory || len(tx.Subjects) == 0 {
		o.ingest(entries)
	}
}

// ingest reconciles one history batch and folds the outcome into the
// tracker. An empty batch answering an in-flight request means the remote
// has nothing older: history is exhausted.
func (o *Orchestrator) ingest(entries []wire.MsgPayload) {
	wasRequested := o.trk.State().Activity == history.ActivityRequested

	if len(entries) == 0 {
		if wasRequested {
			o.trk.OnResponse(o.trk.State().LocalEarliestID, 0, o.trk.RemoteHasContent())
			o.publish(bus.KindHistoryExhausted, bus.HistoryLoad{ChatID: o.chat})
			o.log.Info("history exhausted")
		}
		return
	}

	res, err := o.rec.IngestBatch(o.chat, entries)
	if err != nil {
		o.log.Error("batch ingest failed", zap.Error(err), zap.Int("entries", len(entries)))
		return
	}
	o.trk.OnLocalSpan(res.EarliestID, res.LatestID, res.LatestMs)
	switch res.Class.Kind {
	case reconcile.BatchSingleLive, reconcile.BatchDisjointNewer:
		o.trk.OnNewerArrived()
	}
	if wasRequested {
		o.trk.OnResponse(res.EarliestID, res.LatestID, true)
		o.publish(bus.KindHistoryLoaded, bus.HistoryLoad{
			ChatID: o.chat, Count: res.Changed, Boundary: res.Class.Boundary,
		})
	} else {
		o.trk.OnResponse(0, res.LatestID, true)
	}
	if err := o.pipe.SetRemoteHasContent(true); err != nil {
		o.log.Error("intent flush failed", zap.Error(err))
	}

	if res.MaxIncomingID > 0 {
		o.ack(res.MaxIncomingID)
	}
	o.refreshUnread()

	switch o.machine.Current() {
	case Connecting, Resyncing:
		_ = o.machine.Transition(Active)
	}
}

// ack confirms receipt of the newest incoming line of a batch.
func (o *Orchestrator) ack(globalID int64) {
	var timepoint float64
	if m, err := o.st.ByGlobalID(o.chat, globalID); err == nil && m != nil {
		timepoint = float64(m.TsMs) / 1000
	}
	if err := o.act.SendAck(globalID, timepoint); err != nil {
		o.log.Warn("ack dropped", zap.Error(err), zap.Int64("id", globalID))
	}
}

func (o *Orchestrator) onPermanent(s wire.BecamePermanent) {
	if err := o.rec.Promote(o.chat, s.LocalID, s.Msg); err != nil {
		o.log.Warn("promotion rejected", zap.Error(err), zap.String("local_id", s.LocalID))
		return
	}
	o.pipe.OnConfirmed(s.LocalID)
	o.trk.OnLocalSpan(0, s.Msg.GlobalID, s.Msg.TsMs)
	if err := o.pipe.SetRemoteHasContent(true); err != nil {
		o.log.Error("intent flush failed", zap.Error(err))
	}
}

func (o *Orchestrator) onRateForm(s wire.RateForm) {
	localID := "rate-form-" + s.FormID
	if _, err := o.rec.UpsertLocal(o.chat, localID, func(m *store.Message) {
		m.Direction = store.DirSystem
		m.Kind = store.KindRateForm
		m.Text = s.FormID
		m.TsMs = o.clock.Now().UnixMilli()
	}); err != nil {
		o.log.Error("rate form insert failed", zap.Error(err), zap.String("form_id", s.FormID))
	}
}

// onSwitchingDataMode drops volatile sync progress and asks the server to
// replay recent activity. Persisted transcript rows stay put.
func (o *Orchestrator) onSwitchingDataMode() {
	_ = o.machine.Transition(Resyncing)
	o.trk.Reset()
	o.rec.Reset()
	o.log.Info("data receiving mode switching, resyncing")
	if err := o.act.RequestRecentActivity(o.site, o.channel, o.client); err != nil {
		o.log.Error("recent activity request failed", zap.Error(err))
	}
}

func (o *Orchestrator) onAgentUpdate(s wire.AgentUpdate) {
	if s.Field == "status" {
		o.off.ObserveAgent(s.AgentID, s.Value == "online")
	}
	o.publish(bus.KindAgentUpdated, bus.AgentChange{
		AgentID: s.AgentID, Field: s.Field, Value: s.Value,
	})
}

func (o *Orchestrator) onChatState(s wire.ChatState) {
	if err := o.pipe.SetChatState(outgoing.ChatState{
		HasActiveChat:  s.HasActiveChat,
		InfoRequested:  s.InfoRequested,
		InfoSubmitted:  s.InfoSubmitted,
		OperatorActive: s.OperatorActive,
		PerChatMode:    s.PerChatMode,
	}); err != nil {
		o.log.Error("chat state application failed", zap.Error(err))
	}
}

// Connect opens the session: presence automata arm, recent activity is
// requested and an initial history page is fetched.
func (o *Orchestrator) Connect() error {
	return o.do(func() error {
		if err := o.machine.Transition(Connecting); err != nil {
			return err
		}
		o.off.OnConnect()
		o.hel.OnConnect()
		if err := o.act.RequestRecentActivity(o.site, o.channel, o.client); err != nil {
			o.log.Error("recent activity request failed", zap.Error(err))
		}
		return o.requestHistory(history.MostRecent(), history.BehaviorPlain)
	})
}

// Disconnect flags the transport as down. Volatile reconciliation state is
// reset; the transcript is untouched.
func (o *Orchestrator) Disconnect() error {
	return o.do(func() error {
		o.typ.Flush()
		o.off.OnDisconnect()
		o.trk.Reset()
		switch o.machine.Current() {
		case Connecting, Idle:
			// Losing the link before it was up changes nothing.
			return nil
		}
		return o.machine.Transition(Connecting)
	})
}

// Teardown turns the session inactive: every pending timer is invalidated
// and all volatile state resets wholesale. Persisted rows are never deleted.
func (o *Orchestrator) Teardown() error {
	return o.do(func() error {
		o.sch.CancelAll()
		o.trk.Reset()
		o.rec.Reset()
		o.pipe.Reset()
		o.off.Reset()
		o.hel.Reset()
		o.typ.Reset()
		o.unread = 0
		if o.machine.Current() != Idle {
			return o.machine.Transition(Idle)
		}
		return nil
	})
}

// SendText composes and dispatches a user-typed message.
func (o *Orchestrator) SendText(text string) (string, error) {
	var id string
	err := o.do(func() error {
		var err error
		id, err = o.pipe.Send(text, true)
		return err
	})
	return id, err
}

// QueueIntent buffers a programmatic message until the remote confirms it
// has content; explicit user sends bypass this.
func (o *Orchestrator) QueueIntent(text string) error {
	return o.do(func() error {
		_, err := o.pipe.Send(text, false)
		return err
	})
}

// SendMedia composes and dispatches a media-pointer message.
func (o *Orchestrator) SendMedia(mediaRef, mime string) (string, error) {
	var id string
	err := o.do(func() error {
		var err error
		id, err = o.pipe.SendMedia(mediaRef, mime)
		return err
	})
	return id, err
}

// ResendFailed retries a queued or failed send.
func (o *Orchestrator) ResendFailed(localID string) error {
	return o.do(func() error { return o.pipe.Resend(localID) })
}

// MarkRead advances the local read watermark to the newest incoming line
// and acks it.
func (o *Orchestrator) MarkRead() error {
	return o.do(func() error {
		ids, err := o.st.KnownIDs(o.chat)
		if err != nil {
			return err
		}
		for i := len(ids) - 1; i >= 0; i-- {
			m, err := o.st.ByGlobalID(o.chat, ids[i])
			if err != nil {
				return err
			}
			if m == nil || m.Direction != store.DirIncoming {
				continue
			}
			if err := o.st.SetLocalRead(o.chat, m.GlobalID); err != nil {
				return err
			}
			o.ack(m.GlobalID)
			o.refreshUnread()
			return nil
		}
		return nil
	})
}

// RequestHistory runs the admission policy and dispatches on admit.
// Rejected requests are dropped silently.
func (o *Orchestrator) RequestHistory(a history.Anchor, b history.Behavior) error {
	return o.do(func() error { return o.requestHistory(a, b) })
}

func (o *Orchestrator) requestHistory(a history.Anchor, b history.Behavior) error {
	d := o.trk.Request(a, b)
	if !d.Admit {
		return nil
	}
	if d.AnchorID > 0 {
		if m, err := o.st.ByGlobalID(o.chat, d.AnchorID); err == nil && m != nil && m.PastEdge {
			o.rec.MarkLoading(store.Identity{GlobalID: d.AnchorID})
		}
	}
	if err := o.act.RequestHistory(d.BeforeID); err != nil {
		return fmt.Errorf("history dispatch: %w", err)
	}
	return nil
}

// SetDraft reports the current draft text; drives the typing broadcaster.
func (o *Orchestrator) SetDraft(draft string) error {
	return o.do(func() error {
		o.typ.OnKeystroke(o.chat, draft)
		return nil
	})
}

// Messages returns the ordered transcript slice for rendering. Safe to call
// from any goroutine.
func (o *Orchestrator) Messages(afterMs int64, limit int) ([]store.Message, error) {
	return o.st.Range(o.chat, afterMs, limit)
}

// Unread returns the current unread count.
func (o *Orchestrator) Unread() (int, error) {
	return o.st.UnreadCount(o.chat)
}

// IsBoundaryLoading reports whether a history fetch is pending for the
// given message. Safe to call from any goroutine.
func (o *Orchestrator) IsBoundaryLoading(key store.Identity) bool {
	return o.rec.IsLoading(key)
}

func (o *Orchestrator) refreshUnread() {
	count, err := o.st.UnreadCount(o.chat)
	if err != nil {
		o.log.Error("unread count failed", zap.Error(err))
		return
	}
	if count == o.unread {
		return
	}
	o.unread = count
	o.publish(bus.KindUnreadChanged, bus.UnreadChange{ChatID: o.chat, Count: count})
}

func (o *Orchestrator) publish(kind string, payload any) {
	if o.b == nil {
		return
	}
	o.b.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
