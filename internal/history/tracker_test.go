package history

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestTracker() (*Tracker, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	return NewTracker(clock, nil), clock
}

func TestZeroAnchorRejected(t *testing.T) {
	tr, _ := newTestTracker()
	d := tr.Request(Anchor{GlobalID: 0}, BehaviorAnyway)
	if d.Admit {
		t.Fatal("zero anchor must be rejected even with anyway behavior")
	}
	if tr.State().Activity != ActivityInitial {
		t.Error("rejected request must not change activity")
	}
}

func TestAnywayBypassesInFlight(t *testing.T) {
	tr, _ := newTestTracker()
	if d := tr.Request(MostRecent(), BehaviorPlain); !d.Admit {
		t.Fatalf("initial request rejected: %s", d.Reason)
	}
	if d := tr.Request(At(10), BehaviorPlain); d.Admit {
		t.Error("second request admitted while one is in flight")
	}
	if d := tr.Request(At(10), BehaviorAnyway); !d.Admit {
		t.Errorf("anyway request rejected: %s", d.Reason)
	}
}

func TestThrottleWindow(t *testing.T) {
	tr, clock := newTestTracker()
	if d := tr.Request(MostRecent(), BehaviorPlain); !d.Admit {
		t.Fatalf("initial request rejected: %s", d.Reason)
	}
	tr.OnResponse(10, 20, true)

	// Identical request within 3s: exactly one dispatch total.
	if d := tr.Request(MostRecent(), BehaviorPlain); d.Admit {
		t.Error("request admitted inside the throttle window")
	}

	clock.Advance(MinRequestInterval)
	if d := tr.Request(MostRecent(), BehaviorPlain); !d.Admit {
		t.Errorf("request rejected after throttle expiry: %s", d.Reason)
	}
}

func TestUnansweredRequestExpires(t *testing.T) {
	tr, clock := newTestTracker()
	if d := tr.Request(MostRecent(), BehaviorPlain); !d.Admit {
		t.Fatalf("initial request rejected: %s", d.Reason)
	}

	// No response arrives. The in-flight slot holds only for the
	// throttle window, then a retry claims it.
	clock.Advance(MinRequestInterval - time.Millisecond)
	if d := tr.Request(MostRecent(), BehaviorPlain); d.Admit {
		t.Error("retry admitted while the request still holds the slot")
	}

	clock.Advance(time.Millisecond)
	if d := tr.Request(MostRecent(), BehaviorPlain); !d.Admit {
		t.Errorf("retry rejected after the unanswered request expired: %s", d.Reason)
	}
	if tr.State().Activity != ActivityRequested {
		t.Error("retry must leave the tracker in the requested state")
	}
}

func TestSmartAdmission(t *testing.T) {
	tr, clock := newTestTracker()
	if d := tr.Request(MostRecent(), BehaviorPlain); !d.Admit {
		t.Fatalf("initial request rejected: %s", d.Reason)
	}
	tr.OnResponse(10, 20, true)
	tr.OnLocalSpan(12, 20, 5000)
	clock.Advance(MinRequestInterval)

	// Anchor at the known remote earliest: nothing further back exists.
	if d := tr.Request(At(10), BehaviorSmart); d.Admit {
		t.Error("smart request at remote earliest admitted")
	}

	// Anchor at the local earliest: fetch further back.
	d := tr.Request(At(12), BehaviorSmart)
	if !d.Admit {
		t.Fatalf("smart request at local earliest rejected: %s", d.Reason)
	}
	if d.BeforeID != 13 {
		t.Errorf("BeforeID = %d, want anchor+1 = 13", d.BeforeID)
	}
	tr.OnResponse(10, 0, true)
	clock.Advance(MinRequestInterval)

	// Any other anchor under smart: the span already covers it.
	if d := tr.Request(At(15), BehaviorSmart); d.Admit {
		t.Error("smart request inside the span admitted")
	}
}

func TestMostRecentDispatch(t *testing.T) {
	tr, _ := newTestTracker()
	d := tr.Request(MostRecent(), BehaviorPlain)
	if !d.Admit {
		t.Fatalf("rejected: %s", d.Reason)
	}
	if d.BeforeID != 0 {
		t.Errorf("BeforeID = %d, want 0 (most recent)", d.BeforeID)
	}
	if tr.State().Activity != ActivityRequested {
		t.Error("activity not moved to requested")
	}
}

func TestResetWholesale(t *testing.T) {
	tr, clock := newTestTracker()
	tr.Request(MostRecent(), BehaviorPlain)
	tr.OnResponse(10, 20, true)
	tr.OnLocalSpan(10, 20, 5000)
	tr.OnNewerArrived()

	tr.Reset()
	if tr.State() != (State{}) {
		t.Errorf("state after reset = %+v, want zero value", tr.State())
	}

	// Fresh request is admitted immediately: the stamp was reset too.
	clock.Advance(time.Millisecond)
	if d := tr.Request(MostRecent(), BehaviorPlain); !d.Admit {
		t.Errorf("post-reset request rejected: %s", d.Reason)
	}
}
