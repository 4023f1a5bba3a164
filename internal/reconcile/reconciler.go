// Package reconcile merges remote-reported message state into the local
// transcript: idempotent upserts keyed by identity, gap/boundary detection,
// seen propagation, and promotion cross-linking.
package reconcile

import (
	"fmt"
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/wire"
	"go.uber.org/zap"
)

// Reconciler is the single writer of transcript rows. All methods except
// IsLoading must be called from the session worker.
type Reconciler struct {
	st  store.Store
	b   *bus.Bus
	log *zap.Logger

	// loading tracks boundary ids with an outstanding further-back fetch.
	// Read from the rendering context, hence the lock.
	mu      sync.RWMutex
	loading map[store.Identity]struct{}

	// links maps a parent outgoing local id to its attached child messages,
	// consumed exactly once when the parent is promoted.
	links map[string][]store.Identity
}

// NewReconciler creates a reconciler over the given store and bus.
func NewReconciler(st store.Store, b *bus.Bus, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		st:      st,
		b:       b,
		log:     log,
		loading: make(map[store.Identity]struct{}),
		links:   make(map[string][]store.Identity),
	}
}

// IngestResult reports what one batch did to the transcript.
type IngestResult struct {
	Class         BatchClass
	Changed       int
	NewIncoming   []int64 // global ids of incoming rows created by this batch
	MaxIncomingID int64
	EarliestID    int64
	LatestID      int64
	LatestMs      int64
}

// IngestBatch reconciles one batch of history entries, ordered by date.
// It classifies the batch against the known span, applies the boundary
// flags, propagates seen state, and broadcasts per changed row.
func (r *Reconciler) IngestBatch(chat string, entries []wire.MsgPayload) (*IngestResult, error) {
	known, err := r.st.KnownIDs(chat)
	if err != nil {
		return nil, fmt.Errorf("known ids: %w", err)
	}
	knownSet := make(map[int64]struct{}, len(known))
	for _, id := range known {
		knownSet[id] = struct{}{}
	}

	var ids []int64
	for _, e := range entries {
		if e.GlobalID > 0 {
			ids = append(ids, e.GlobalID)
		}
	}
	res := &IngestResult{Class: ClassifyBatch(ids, known)}

	var upserted []bus.MessageRef
	err = r.st.Batch(func(st store.Store) error {
		for _, e := range entries {
			key := store.Identity{GlobalID: e.GlobalID, LocalID: e.LocalID}
			changed, msg, err := st.Upsert(chat, key, func(m *store.Message) {
				applyPayload(m, e)
			})
			if err != nil {
				return fmt.Errorf("upsert %v: %w", key, err)
			}
			if changed {
				res.Changed++
				upserted = append(upserted, ref(chat, msg))
			}
			if msg.Direction == store.DirIncoming && msg.GlobalID > 0 {
				if _, was := knownSet[msg.GlobalID]; !was {
					res.NewIncoming = append(res.NewIncoming, msg.GlobalID)
					if msg.GlobalID > res.MaxIncomingID {
						res.MaxIncomingID = msg.GlobalID
					}
				}
			}
			if msg.TsMs > res.LatestMs {
				res.LatestMs = msg.TsMs
			}
		}

		boundaryRefs, err := r.applyBoundary(st, chat, res.Class.Boundary)
		if err != nil {
			return err
		}
		upserted = append(upserted, boundaryRefs...)

		futureRefs, err := r.applyFutureEdge(st, chat, res.Class.Kind, known)
		if err != nil {
			return err
		}
		upserted = append(upserted, futureRefs...)

		span, err := st.KnownIDs(chat)
		if err != nil {
			return err
		}
		if len(span) > 0 {
			res.EarliestID = span[0]
			res.LatestID = span[len(span)-1]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The response for an outstanding boundary fetch has landed.
	r.mu.Lock()
	for _, id := range ids {
		delete(r.loading, store.Identity{GlobalID: id})
	}
	r.mu.Unlock()

	for _, ref := range upserted {
		r.publish(bus.KindMessageUpserted, ref)
	}
	r.log.Debug("batch reconciled",
		zap.String("class", res.Class.Kind.String()),
		zap.Int64("boundary", res.Class.Boundary),
		zap.Int("changed", res.Changed))

	// An incoming line implies the peer has seen everything before it.
	if res.MaxIncomingID > 0 {
		if err := r.PropagateSeen(chat, res.MaxIncomingID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// applyBoundary clears the history-past flag from every known id except the
// global earliest, then sets it on the candidate.
func (r *Reconciler) applyBoundary(st store.Store, chat string, boundary int64) ([]bus.MessageRef, error) {
	span, err := st.KnownIDs(chat)
	if err != nil {
		return nil, err
	}
	if len(span) == 0 {
		return nil, nil
	}
	globalEarliest := span[0]

	var refs []bus.MessageRef
	for _, id := range span {
		if id == globalEarliest && id != boundary {
			// The global earliest keeps whatever flag it had.
			continue
		}
		want := id == boundary
		changed, msg, err := st.Upsert(chat, store.Identity{GlobalID: id}, func(m *store.Message) {
			m.PastEdge = want
		})
		if err != nil {
			return nil, err
		}
		if changed {
			refs = append(refs, ref(chat, msg))
		}
	}
	return refs, nil
}

// applyFutureEdge maintains the upper counterpart of the past edge: when a
// disjoint newer batch opens a gap, the top of the old span is flagged, and
// any flagged row whose successor has since arrived is cleared.
func (r *Reconciler) applyFutureEdge(st store.Store, chat string, kind BatchKind, before []int64) ([]bus.MessageRef, error) {
	span, err := st.KnownIDs(chat)
	if err != nil {
		return nil, err
	}
	after := make(map[int64]struct{}, len(span))
	for _, id := range span {
		after[id] = struct{}{}
	}

	var candidate int64
	if kind == BatchDisjointNewer && len(before) > 0 {
		top := before[len(before)-1]
		if _, closed := after[top+1]; !closed {
			candidate = top
		}
	}

	var refs []bus.MessageRef
	for _, id := range span {
		_, nextKnown := after[id+1]
		changed, msg, err := st.Upsert(chat, store.Identity{GlobalID: id}, func(m *store.Message) {
			switch {
			case id == candidate:
				m.FutureEdge = true
			case nextKnown:
				m.FutureEdge = false
			}
		})
		if err != nil {
			return nil, err
		}
		if changed {
			refs = append(refs, ref(chat, msg))
		}
	}
	return refs, nil
}

// PropagateSeen upgrades every non-seen outgoing row up to and including id
// once id exceeds the peer-seen watermark, then advances the watermark.
// Already-seen rows are never touched again.
func (r *Reconciler) PropagateSeen(chat string, id int64) error {
	wm, err := r.st.PeerSeen(chat)
	if err != nil {
		return err
	}
	if id <= wm {
		return nil
	}
	var changed []int64
	err = r.st.Batch(func(st store.Store) error {
		var err error
		if changed, err = st.SeenThrough(chat, id); err != nil {
			return err
		}
		return st.SetPeerSeen(chat, id)
	})
	if err != nil {
		return fmt.Errorf("propagate seen: %w", err)
	}
	for _, gid := range changed {
		r.publish(bus.KindMessageUpserted, bus.MessageRef{ChatID: chat, GlobalID: gid})
	}
	return nil
}

// LinkChildren records system-note / contact-form messages attached to an
// unconfirmed outgoing parent.
func (r *Reconciler) LinkChildren(parentLocalID string, children ...store.Identity) {
	r.links[parentLocalID] = append(r.links[parentLocalID], children...)
}

// Promote confirms an outgoing message with its permanent global id, snaps
// any linked children to the confirmed date, and consumes the link entry.
func (r *Reconciler) Promote(chat, localID string, p wire.MsgPayload) error {
	if localID == "" || p.GlobalID <= 0 {
		return store.ErrInvalidChange
	}
	var upserted []bus.MessageRef
	err := r.st.Batch(func(st store.Store) error {
		changed, msg, err := st.Upsert(chat, store.Identity{LocalID: localID}, func(m *store.Message) {
			m.GlobalID = p.GlobalID
			if !m.Frozen {
				m.TsMs = p.TsMs
			}
			if m.Status.Rank() < store.StatusDelivered.Rank() {
				m.Status = store.StatusDelivered
			}
		})
		if err != nil {
			return fmt.Errorf("promote %s: %w", localID, err)
		}
		if changed {
			upserted = append(upserted, ref(chat, msg))
		}
		confirmedMs := msg.TsMs

		for _, child := range r.links[localID] {
			changed, cm, err := st.Upsert(chat, child, func(m *store.Message) {
				m.TsMs = confirmedMs
			})
			if err != nil {
				return fmt.Errorf("snap child %v: %w", child, err)
			}
			if changed {
				upserted = append(upserted, ref(chat, cm))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	delete(r.links, localID)
	for _, ref := range upserted {
		r.publish(bus.KindMessageUpserted, ref)
	}
	return nil
}

// UpsertLocal creates or mutates a locally synthesized row (system notes,
// presence placeholders, forms) and broadcasts on change.
func (r *Reconciler) UpsertLocal(chat, localID string, fn func(*store.Message)) (bool, error) {
	changed, msg, err := r.st.Upsert(chat, store.Identity{LocalID: localID}, fn)
	if err != nil {
		return false, err
	}
	if changed {
		r.publish(bus.KindMessageUpserted, ref(chat, msg))
	}
	return changed, nil
}

// Remove deletes rows and broadcasts their removal.
func (r *Reconciler) Remove(chat string, keys ...store.Identity) error {
	if err := r.st.Delete(chat, keys); err != nil {
		return err
	}
	for _, key := range keys {
		r.publish(bus.KindMessageRemoved, bus.MessageRef{
			ChatID: chat, GlobalID: key.GlobalID, LocalID: key.LocalID,
		})
	}
	return nil
}

// MarkLoading flags a boundary id as having an outstanding fetch.
func (r *Reconciler) MarkLoading(key store.Identity) {
	r.mu.Lock()
	r.loading[key] = struct{}{}
	r.mu.Unlock()
}

// ClearLoading drops the outstanding-fetch flag.
func (r *Reconciler) ClearLoading(key store.Identity) {
	r.mu.Lock()
	delete(r.loading, key)
	r.mu.Unlock()
}

// IsLoading is the rendering predicate: whether a further-back fetch for
// the given boundary is outstanding. Safe from any goroutine.
func (r *Reconciler) IsLoading(key store.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loading[key]
	return ok
}

// Reset drops all volatile reconciliation state: the loading set and the
// unconsumed links. Persisted transcript rows are untouched.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.loading = make(map[store.Identity]struct{})
	r.mu.Unlock()
	r.links = make(map[string][]store.Identity)
}

func applyPayload(m *store.Message, p wire.MsgPayload) {
	m.Direction = store.Direction(p.Direction)
	m.Kind = store.Kind(p.Kind)
	m.Text = p.Text
	m.MediaRef = p.MediaRef
	m.MediaMime = p.MediaMime
	m.AuthorID = p.AuthorID
	m.OrderTie = p.OrderTie
	if p.Frozen {
		m.Frozen = true
	}
	if !m.Frozen {
		m.TsMs = p.TsMs
	} else if m.TsMs == 0 {
		m.TsMs = p.TsMs
	}
	// Replayed rows land as historic; never regress past delivery progress.
	if m.Status.Rank() < store.StatusHistoric.Rank() {
		m.Status = store.StatusHistoric
	}
}

func ref(chat string, m *store.Message) bus.MessageRef {
	return bus.MessageRef{ChatID: chat, GlobalID: m.GlobalID, LocalID: m.LocalID}
}

func (r *Reconciler) publish(kind string, ref bus.MessageRef) {
	if r.b == nil {
		return
	}
	r.b.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: ref})
}
