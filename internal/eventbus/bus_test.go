package eventbus

import (
	"testing"
	"time"
)

func TestPublishFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	finished, unsubFinished := b.Subscribe(4, TypeJobFinished)
	defer unsubFinished()

	b.Publish(Event{Type: TypeJobStarted, Data: JobStarted{JobID: "j1"}})
	b.Publish(Event{Type: TypeJobFinished, Data: JobFinished{JobID: "j1", Status: "completed"}})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(finished); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-finished
	if e.Time.IsZero() {
		t.Fatal("Publish did not stamp the event time")
	}
	if d, ok := e.Data.(JobFinished); !ok || d.Status != "completed" {
		t.Fatalf("unexpected payload %#v", e.Data)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeSendResult})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: TypeJobStarted})
}
