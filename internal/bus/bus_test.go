package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageUpserted, Timestamp: time.Now(), Payload: MessageRef{ChatID: "c1", GlobalID: 42}})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("got kind %q, want %q", evt.Kind, KindMessageUpserted)
		}
		ref, ok := evt.Payload.(MessageRef)
		if !ok || ref.GlobalID != 42 {
			t.Errorf("payload = %#v, want MessageRef with GlobalID 42", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("history.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageUpserted})
	b.Publish(Event{Kind: KindHistoryLoaded})

	select {
	case evt := <-ch:
		if evt.Kind != KindHistoryLoaded {
			t.Errorf("got kind %q, want %q", evt.Kind, KindHistoryLoaded)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The message event must not have been delivered to the history subscriber.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()

	b.Publish(Event{Kind: KindMessageUpserted})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	b.Publish(Event{Kind: KindMessageUpserted})
	// Buffer is full; this one is dropped instead of blocking.
	b.Publish(Event{Kind: KindMessageRemoved})

	evt := <-ch
	if evt.Kind != KindMessageUpserted {
		t.Errorf("got %q, want %q", evt.Kind, KindMessageUpserted)
	}
}
