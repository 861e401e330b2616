package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHooksRunInReverseOrder(t *testing.T) {
	h := NewHandler(time.Second)

	var order []int
	h.OnShutdown(func(context.Context) error {
		order = append(order, 1)
		return nil
	})
	h.OnShutdown(func(context.Context) error {
		order = append(order, 2)
		return nil
	})

	go h.Trigger()
	if err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("hook order = %v, want [2 1]", order)
	}

	select {
	case <-h.Done():
	default:
		t.Fatalf("Done not closed after Wait")
	}
}

func TestLastErrorWins(t *testing.T) {
	h := NewHandler(time.Second)
	errA := errors.New("a")

	h.OnShutdown(func(context.Context) error { return errA })
	h.OnShutdown(func(context.Context) error { return errors.New("b") })

	go h.Trigger()
	// Hooks run in reverse: b first, then a; a is the last error.
	if err := h.Wait(); err != errA {
		t.Fatalf("Wait = %v, want %v", err, errA)
	}
}

func TestTriggerIdempotent(t *testing.T) {
	h := NewHandler(time.Second)
	h.Trigger()
	h.Trigger() // second call must not panic

	if err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
