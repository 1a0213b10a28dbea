package shadow

import (
	"testing"
	"time"

	"github.com/modelmux/modelmux/internal/classify"
)

func comp(id string) Comparison {
	return Comparison{
		RequestID: id,
		Prompt:    "p",
		Primary:   Leg{Provider: "a", Response: "ra", DurationMs: 10},
		Shadow:    Leg{Provider: "b", Response: "rb", DurationMs: 20},
		TaskType:  classify.TaskGeneral,
		Timestamp: time.Now(),
	}
}

func TestQueue_DropOldestOnOverflow(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	if q.Push(comp("1")) || q.Push(comp("2")) {
		t.Fatal("dropped before capacity reached")
	}
	if !q.Push(comp("3")) {
		t.Fatal("overflow did not drop")
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d", q.Dropped())
	}

	got := q.Drain(0)
	if len(got) != 2 || got[0].RequestID != "2" || got[1].RequestID != "3" {
		t.Fatalf("drained = %v", got)
	}
}

func TestQueue_DrainLimit(t *testing.T) {
	t.Parallel()

	q := NewQueue(10)
	for i := range 5 {
		q.Push(comp(string(rune('a' + i))))
	}
	if got := q.Drain(2); len(got) != 2 {
		t.Fatalf("drained %d, want 2", len(got))
	}
	if q.Len() != 3 {
		t.Fatalf("remaining = %d", q.Len())
	}
}
