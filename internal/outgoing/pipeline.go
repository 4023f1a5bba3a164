// Package outgoing implements the send pipeline: composing messages under
// contact-form gating, silent intent buffering before remote content is
// confirmed, delivery timeouts, and explicit resend transitions.
package outgoing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/reconcile"
	"github.com/parley-chat/parley/internal/sched"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/wire"
	"go.uber.org/zap"
)

// SendTimeout bounds how long a dispatched message may stay in "sent"
// before it is marked failed. Retry is an explicit user action.
const SendTimeout = 5 * time.Second

func timeoutID(localID string) sched.TaskID {
	return sched.TaskID{Kind: "send_timeout", Key: localID}
}

// Pipeline drives outgoing delivery for one chat. Confined to the session
// worker.
type Pipeline struct {
	chat  string
	st    store.Store
	rec   *reconcile.Reconciler
	act   wire.Actions
	sch   sched.Scheduler
	clock clockwork.Clock
	b     *bus.Bus
	log   *zap.Logger

	gate             Gate
	remoteHasContent bool
	intents          []string
	inflight         map[string]struct{}
}

// NewPipeline creates a pipeline for the given chat.
func NewPipeline(chat string, st store.Store, rec *reconcile.Reconciler, act wire.Actions,
	sch sched.Scheduler, clock clockwork.Clock, b *bus.Bus, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		chat:     chat,
		st:       st,
		rec:      rec,
		act:      act,
		sch:      sch,
		clock:    clock,
		b:        b,
		log:      log,
		inflight: make(map[string]struct{}),
	}
}

// Gate returns the currently active gate classification.
func (p *Pipeline) Gate() Gate { return p.gate }

// SetChatState folds a chat_state subject into the gate. Submitting the
// contact info releases any queued sends in their original order.
func (p *Pipeline) SetChatState(cs ChatState) error {
	prev := p.gate
	p.gate = GateFor(cs)
	if prev == GateBlocking && p.gate != GateBlocking {
		return p.releaseQueued()
	}
	return nil
}

// SetRemoteHasContent records whether the remote has confirmed content.
// The first confirmation flushes buffered intents verbatim, in order.
func (p *Pipeline) SetRemoteHasContent(v bool) error {
	if !v {
		p.remoteHasContent = false
		return nil
	}
	if p.remoteHasContent {
		return nil
	}
	p.remoteHasContent = true
	pending := p.intents
	p.intents = nil
	for _, text := range pending {
		if _, err := p.compose(text, "", ""); err != nil {
			return err
		}
	}
	return nil
}

// Send composes and dispatches a plain-text message. Non-explicit sends
// attempted before remote content is confirmed are buffered as intents.
func (p *Pipeline) Send(text string, explicit bool) (string, error) {
	if !p.remoteHasContent && !explicit {
		p.intents = append(p.intents, text)
		p.log.Debug("send buffered until remote content confirmed")
		return "", nil
	}
	return p.compose(text, "", "")
}

// SendMedia composes and dispatches a media-pointer message. The attachment
// stays in the in-flight set until OnUploadResult.
func (p *Pipeline) SendMedia(mediaRef, mime string) (string, error) {
	localID, err := p.compose("", mediaRef, mime)
	if err != nil {
		return "", err
	}
	if localID != "" {
		p.inflight[localID] = struct{}{}
	}
	return localID, nil
}

func (p *Pipeline) compose(text, mediaRef, mime string) (string, error) {
	localID := uuid.New().String()
	gate := p.gate

	kind := store.KindText
	if mediaRef != "" {
		kind = store.KindMedia
	}
	status := store.StatusNone
	if gate == GateBlocking {
		status = store.StatusQueued
	}
	now := p.clock.Now().UnixMilli()
	if _, err := p.rec.UpsertLocal(p.chat, localID, func(m *store.Message) {
		m.Direction = store.DirOutgoing
		m.Kind = kind
		m.Text = text
		m.MediaRef = mediaRef
		m.MediaMime = mime
		m.Status = status
		m.TsMs = now
	}); err != nil {
		return "", fmt.Errorf("compose: %w", err)
	}

	switch gate {
	case GateBlocking:
		p.log.Info("send queued behind contact-form gate", zap.String("local_id", localID))
		return localID, nil
	case GateRegular:
		if err := p.attachNote(localID, now); err != nil {
			return "", err
		}
	}
	return localID, p.dispatch(localID, text, mediaRef, mime)
}

// attachNote inserts the informational contact note next to the send and
// links it for date snapping on promotion.
func (p *Pipeline) attachNote(parentLocalID string, tsMs int64) error {
	noteID := uuid.New().String()
	if _, err := p.rec.UpsertLocal(p.chat, noteID, func(m *store.Message) {
		m.Direction = store.DirSystem
		m.Kind = store.KindContactForm
		m.OrderTie = 1
		m.TsMs = tsMs
	}); err != nil {
		return fmt.Errorf("attach note: %w", err)
	}
	p.rec.LinkChildren(parentLocalID, store.Identity{LocalID: noteID})
	return nil
}

func (p *Pipeline) dispatch(localID, text, mediaRef, mime string) error {
	if err := p.act.SendMessage(text, mediaRef, mime, localID); err != nil {
		return fmt.Errorf("dispatch %s: %w", localID, err)
	}
	if _, err := p.rec.UpsertLocal(p.chat, localID, func(m *store.Message) {
		m.Status = store.StatusSent
	}); err != nil {
		return err
	}
	p.sch.Once(timeoutID(localID), SendTimeout, func() { p.onTimeout(localID) })
	return nil
}

// onTimeout marks a send failed iff its status is still exactly "sent".
// The one-shot task fires at most once per dispatch, so a message is never
// failed twice.
func (p *Pipeline) onTimeout(localID string) {
	m, err := p.st.ByLocalID(p.chat, localID)
	if err != nil {
		p.log.Error("send timeout lookup failed", zap.Error(err), zap.String("local_id", localID))
		return
	}
	if m == nil || m.Status != store.StatusSent {
		return
	}
	if _, err := p.rec.UpsertLocal(p.chat, localID, func(m *store.Message) {
		m.Status = store.StatusFailed
	}); err != nil {
		p.log.Error("send timeout mark failed", zap.Error(err), zap.String("local_id", localID))
		return
	}
	p.publish(bus.KindSendFailed, bus.SendFailure{
		ChatID: p.chat, LocalID: localID, Reason: "delivery timeout",
	})
	p.log.Warn("send timed out", zap.String("local_id", localID))
}

// OnConfirmed invalidates the delivery timer for a promoted send.
func (p *Pipeline) OnConfirmed(localID string) {
	p.sch.Cancel(timeoutID(localID))
}

// Resend applies the explicit-resend transitions: a queued send clears its
// marker but stays in the pending set until the gate releases; a failed
// send gets a fresh date and re-enters the pipeline with a re-armed timer.
func (p *Pipeline) Resend(localID string) error {
	m, err := p.st.ByLocalID(p.chat, localID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("resend: no message %s", localID)
	}
	switch m.Status {
	case store.StatusQueued:
		_, err := p.rec.UpsertLocal(p.chat, localID, func(m *store.Message) {
			m.Status = store.StatusNone
		})
		return err
	case store.StatusFailed:
		now := p.clock.Now().UnixMilli()
		if _, err := p.rec.UpsertLocal(p.chat, localID, func(m *store.Message) {
			m.Status = store.StatusNone
			m.TsMs = now
		}); err != nil {
			return err
		}
		return p.dispatch(localID, m.Text, m.MediaRef, m.MediaMime)
	default:
		return nil
	}
}

// OnUploadResult finishes a media attempt. The attachment leaves the
// in-flight set regardless of outcome; a failure surfaces exactly one
// classified event.
func (p *Pipeline) OnUploadResult(localID string, uploadErr error) error {
	delete(p.inflight, localID)
	if uploadErr == nil {
		return nil
	}
	kind := ClassifyUploadError(uploadErr)
	if _, err := p.rec.UpsertLocal(p.chat, localID, func(m *store.Message) {
		m.Status = store.StatusFailed
	}); err != nil {
		return err
	}
	p.sch.Cancel(timeoutID(localID))
	p.publish(bus.KindMediaFailed, bus.MediaFailure{
		ChatID: p.chat, LocalID: localID, Kind: string(kind),
	})
	p.log.Warn("media upload failed",
		zap.String("local_id", localID), zap.String("kind", string(kind)))
	return nil
}

// InFlight reports whether a media attachment is still being uploaded.
func (p *Pipeline) InFlight(localID string) bool {
	_, ok := p.inflight[localID]
	return ok
}

func (p *Pipeline) releaseQueued() error {
	msgs, err := p.st.Pending(p.chat)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		m := m
		if m.Status == store.StatusQueued {
			if _, err := p.rec.UpsertLocal(p.chat, m.LocalID, func(row *store.Message) {
				row.Status = store.StatusNone
			}); err != nil {
				return err
			}
		}
		if err := p.dispatch(m.LocalID, m.Text, m.MediaRef, m.MediaMime); err != nil {
			return err
		}
	}
	return nil
}

// Reset drops volatile pipeline state: buffered intents, the in-flight set
// and the gate. Persisted rows are untouched.
func (p *Pipeline) Reset() {
	p.intents = nil
	p.inflight = make(map[string]struct{})
	p.gate = GateOmit
	p.remoteHasContent = false
}

func (p *Pipeline) publish(kind string, payload any) {
	if p.b == nil {
		return
	}
	p.b.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
