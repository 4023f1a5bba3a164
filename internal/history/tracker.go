// Package history tracks pagination and sync progress for one chat: what
// span of the transcript is known locally, what the remote claims to hold,
// and whether a history request is currently in flight.
package history

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Activity is the request lifecycle state.
type Activity int

const (
	ActivityInitial Activity = iota
	ActivityRequested
	ActivitySynced
)

func (a Activity) String() string {
	switch a {
	case ActivityRequested:
		return "requested"
	case ActivitySynced:
		return "synced"
	default:
		return "initial"
	}
}

// Behavior selects the admission policy for a history request.
type Behavior int

const (
	// BehaviorPlain applies throttling and in-flight checks only.
	BehaviorPlain Behavior = iota
	// BehaviorSmart additionally skips requests the synced span already
	// answers, admitting only a fetch further back from the local earliest.
	BehaviorSmart
	// BehaviorAnyway bypasses every check.
	BehaviorAnyway
)

// Anchor names the message a request paginates before. Missing means "no
// anchor, fetch the most recent page". A present anchor with a zero id is
// the defensive sentinel: it admits nothing.
type Anchor struct {
	GlobalID int64
	Missing  bool
}

// MostRecent is the anchor for an initial, unanchored fetch.
func MostRecent() Anchor { return Anchor{Missing: true} }

// At anchors a request before the given global id.
func At(id int64) Anchor { return Anchor{GlobalID: id} }

// MinRequestInterval is the floor between two history dispatches.
const MinRequestInterval = 3 * time.Second

// State is an immutable snapshot of sync progress.
type State struct {
	Activity          Activity
	RequestedAt       time.Time
	RespondedAt       time.Time
	LocalEarliestID   int64
	LocalLatestID     int64
	LocalLatestMs     int64
	RemoteEarliestID  int64
	RemoteLatestID    int64
	RemoteHasContent  bool
	NewerSinceConnect bool
}

// Decision is the outcome of the admission policy.
type Decision struct {
	Admit    bool
	Reason   string // reject reason or admit rule, for logs
	BeforeID int64  // dispatch "before this id"; 0 means most recent
	AnchorID int64  // the anchor message, for boundary-loading bookkeeping
}

func reject(reason string) Decision { return Decision{Reason: reason} }

func (s State) admitted(a Anchor, reason string) Decision {
	d := Decision{Admit: true, Reason: reason}
	if !a.Missing {
		d.BeforeID = a.GlobalID + 1
		d.AnchorID = a.GlobalID
	}
	return d
}

// Admit evaluates the request-admission table against the snapshot.
// First match wins.
func (s State) Admit(now time.Time, a Anchor, b Behavior) Decision {
	switch {
	case !a.Missing && a.GlobalID == 0:
		return reject("zero anchor")
	case b == BehaviorAnyway:
		return s.admitted(a, "forced")
	case s.Activity == ActivityRequested && now.Sub(s.RequestedAt) < MinRequestInterval:
		// An unanswered request holds the slot only for the throttle
		// window; after that a retry may claim it.
		return reject("request in flight")
	case s.Activity != ActivityRequested &&
		!s.RequestedAt.IsZero() && now.Sub(s.RequestedAt) < MinRequestInterval:
		return reject("throttled")
	case b == BehaviorSmart && s.Activity == ActivitySynced &&
		!a.Missing && a.GlobalID == s.RemoteEarliestID && s.RemoteEarliestID > 0:
		return reject("remote earliest already known")
	case b == BehaviorSmart && s.Activity == ActivitySynced &&
		!a.Missing && a.GlobalID == s.LocalEarliestID && s.LocalEarliestID > 0:
		return s.admitted(a, "fetch past local earliest")
	case b == BehaviorSmart:
		return reject("smart: span already covers anchor")
	default:
		return s.admitted(a, "plain")
	}
}

// Tracker owns the mutable state. It is confined to the session worker and
// therefore unlocked.
type Tracker struct {
	clock clockwork.Clock
	log   *zap.Logger
	state State
}

// NewTracker creates a tracker in the initial state.
func NewTracker(clock clockwork.Clock, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{clock: clock, log: log}
}

// State returns the current snapshot.
func (t *Tracker) State() State { return t.state }

// Request runs the admission table and, on admit, stamps the request and
// moves to requested. The caller dispatches the returned descriptor.
func (t *Tracker) Request(a Anchor, b Behavior) Decision {
	now := t.clock.Now()
	d := t.state.Admit(now, a, b)
	if !d.Admit {
		t.log.Debug("history request rejected", zap.String("reason", d.Reason))
		return d
	}
	t.state.Activity = ActivityRequested
	t.state.RequestedAt = now
	t.log.Debug("history request admitted",
		zap.String("reason", d.Reason), zap.Int64("before_id", d.BeforeID))
	return d
}

// OnResponse folds a history response into the snapshot and returns to
// synced. Zero remote ids leave the previous remote span untouched.
func (t *Tracker) OnResponse(remoteEarliest, remoteLatest int64, hasContent bool) {
	t.state.Activity = ActivitySynced
	t.state.RespondedAt = t.clock.Now()
	if remoteEarliest > 0 {
		t.state.RemoteEarliestID = remoteEarliest
	}
	if remoteLatest > 0 && remoteLatest > t.state.RemoteLatestID {
		t.state.RemoteLatestID = remoteLatest
	}
	if hasContent {
		t.state.RemoteHasContent = true
	}
}

// OnLocalSpan records the locally known transcript span after an ingest.
func (t *Tracker) OnLocalSpan(earliestID, latestID, latestMs int64) {
	if earliestID > 0 {
		t.state.LocalEarliestID = earliestID
	}
	if latestID > t.state.LocalLatestID {
		t.state.LocalLatestID = latestID
	}
	if latestMs > t.state.LocalLatestMs {
		t.state.LocalLatestMs = latestMs
	}
}

// OnNewerArrived flags that live content has arrived since connect.
func (t *Tracker) OnNewerArrived() {
	t.state.NewerSinceConnect = true
}

// RemoteHasContent reports whether the remote has confirmed any content.
func (t *Tracker) RemoteHasContent() bool { return t.state.RemoteHasContent }

// Reset returns the tracker to its initial value wholesale.
func (t *Tracker) Reset() {
	t.state = State{}
}
