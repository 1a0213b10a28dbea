package plugin

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

func TestRegistry_ExecutesInOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry(slog.New(slog.DiscardHandler))
	var order []string
	r.Register(HookRequest, "first", func(_ context.Context, _ *HookContext) error {
		order = append(order, "first")
		return nil
	})
	r.Register(HookRequest, "second", func(_ context.Context, _ *HookContext) error {
		order = append(order, "second")
		return nil
	})

	r.Execute(context.Background(), HookRequest, &HookContext{RequestID: "r1"})
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v", order)
	}
}

func TestRegistry_FailureDoesNotStopChain(t *testing.T) {
	t.Parallel()

	r := NewRegistry(slog.New(slog.DiscardHandler))
	ran := false
	r.Register(HookPrompt, "broken", func(_ context.Context, _ *HookContext) error {
		return errors.New("plugin exploded")
	})
	r.Register(HookPrompt, "after", func(_ context.Context, _ *HookContext) error {
		ran = true
		return nil
	})

	r.Execute(context.Background(), HookPrompt, &HookContext{})
	if !ran {
		t.Fatal("handler after a failure did not run")
	}
}

func TestRegistry_PanicDoesNotStopChain(t *testing.T) {
	t.Parallel()

	r := NewRegistry(slog.New(slog.DiscardHandler))
	ran := false
	r.Register(HookResponse, "crasher", func(_ context.Context, _ *HookContext) error {
		panic("nil map write")
	})
	r.Register(HookResponse, "after", func(_ context.Context, _ *HookContext) error {
		ran = true
		return nil
	})

	r.Execute(context.Background(), HookResponse, &HookContext{RequestID: "r2"})
	if !ran {
		t.Fatal("handler after a panic did not run")
	}
}

func TestRegistry_HandlersCanMutateContext(t *testing.T) {
	t.Parallel()

	r := NewRegistry(slog.New(slog.DiscardHandler))
	r.Register(HookPrompt, "rewriter", func(_ context.Context, hc *HookContext) error {
		hc.Prompt = hc.Prompt + " [augmented]"
		return nil
	})

	hc := &HookContext{Prompt: "original"}
	r.Execute(context.Background(), HookPrompt, hc)
	if hc.Prompt != "original [augmented]" {
		t.Fatalf("prompt = %q", hc.Prompt)
	}
}

func TestRegistry_UnknownHookNoop(t *testing.T) {
	t.Parallel()

	r := NewRegistry(slog.New(slog.DiscardHandler))
	r.Execute(context.Background(), "nope", &HookContext{})
	if r.Len("nope") != 0 {
		t.Fatal("phantom handlers")
	}
}
