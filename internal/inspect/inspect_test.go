package inspect

import (
	"fmt"
	"testing"
)

func TestInspector_RingEviction(t *testing.T) {
	t.Parallel()

	i := New(3)
	for n := range 5 {
		i.Record(Event{RequestID: fmt.Sprintf("r%d", n), Stage: "route"})
	}

	got := i.Recent(0)
	if len(got) != 3 {
		t.Fatalf("recent = %d events, want ring capacity", len(got))
	}
	if got[0].RequestID != "r4" || got[2].RequestID != "r2" {
		t.Fatalf("order = %v %v %v, want newest first", got[0].RequestID, got[1].RequestID, got[2].RequestID)
	}
}

func TestInspector_RecentLimit(t *testing.T) {
	t.Parallel()

	i := New(10)
	for n := range 5 {
		i.Record(Event{RequestID: fmt.Sprintf("r%d", n)})
	}
	if got := i.Recent(2); len(got) != 2 || got[0].RequestID != "r4" {
		t.Fatalf("recent(2) = %v", got)
	}
}

func TestInspector_SubscribeFanOut(t *testing.T) {
	t.Parallel()

	i := New(8)
	ch, cancel := i.Subscribe(4)
	defer cancel()

	i.Record(Event{RequestID: "r1", Stage: "upstream"})
	select {
	case ev := <-ch:
		if ev.RequestID != "r1" {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("subscriber did not receive event")
	}
}

func TestInspector_SlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	i := New(8)
	_, cancel := i.Subscribe(1)
	defer cancel()

	// Fill the subscriber buffer and keep recording; Record must not block.
	for n := range 10 {
		i.Record(Event{RequestID: fmt.Sprintf("r%d", n)})
	}
	if len(i.Recent(0)) != 8 {
		t.Fatal("ring lost events while subscriber was slow")
	}
}

func TestInspector_CancelIdempotent(t *testing.T) {
	t.Parallel()

	i := New(8)
	_, cancel := i.Subscribe(1)
	cancel()
	cancel() // second cancel must not panic
	i.Record(Event{RequestID: "r1"})
}
