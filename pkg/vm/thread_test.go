package vm

import (
	"testing"

	"lunadbg/pkg/value"
)

// A coroutine built from a host function that yields once and then
// returns should walk Suspended -> Running -> Suspended -> Running ->
// Dead, handing values across the Resume/Yield boundary both ways.
func TestThreadResumeYieldSequence(t *testing.T) {
	m := New()
	body := &GoFunction{Name: "co-body", Fn: func(ctx *Context) (int, error) {
		n, _ := ctx.Arg(0).AsNumber()
		back := ctx.Thread().Yield([]value.Value{value.Number(n + 1)})
		n2, _ := back[0].AsNumber()
		ctx.Push(value.Number(n2 + 1))
		return 1, nil
	}}
	th := NewThread(m, GoFunctionValue(body))
	if th.Status != StatusSuspended {
		t.Fatalf("expected new thread to start suspended, got %v", th.Status)
	}

	first, err := th.Resume(m.Main, []value.Value{value.Number(10)})
	if err != nil {
		t.Fatalf("first resume errored: %v", err)
	}
	if n, _ := first[0].AsNumber(); n != 11 {
		t.Fatalf("expected yield value 11, got %v", n)
	}
	if th.Status != StatusSuspended {
		t.Fatalf("expected thread suspended after yield, got %v", th.Status)
	}

	second, err := th.Resume(m.Main, []value.Value{value.Number(20)})
	if err != nil {
		t.Fatalf("second resume errored: %v", err)
	}
	if n, _ := second[0].AsNumber(); n != 21 {
		t.Fatalf("expected return value 21, got %v", n)
	}
	if th.Status != StatusDead {
		t.Fatalf("expected thread dead after returning, got %v", th.Status)
	}
}

func TestThreadResumeDeadCoroutineErrors(t *testing.T) {
	m := New()
	body := &GoFunction{Name: "co-body", Fn: func(ctx *Context) (int, error) { return 0, nil }}
	th := NewThread(m, GoFunctionValue(body))
	if _, err := th.Resume(m.Main, nil); err != nil {
		t.Fatalf("unexpected error on first resume: %v", err)
	}
	if th.Status != StatusDead {
		t.Fatalf("expected thread dead after returning with no yields, got %v", th.Status)
	}
	_, err := th.Resume(m.Main, nil)
	if err == nil {
		t.Fatal("expected resuming a dead coroutine to error")
	}
}

// GetOrAddUpvalue must hand back the same cell for the same register so
// that sibling closures genuinely share state.
func TestGetOrAddUpvalueSharesCell(t *testing.T) {
	m := New()
	th := m.Main
	th.ensureStack(4)
	uv1 := th.GetOrAddUpvalue(2)
	uv2 := th.GetOrAddUpvalue(2)
	if uv1 != uv2 {
		t.Fatal("expected the same upvalue object for the same register")
	}
	uv1.Set(value.Number(7))
	if v, _ := uv2.Get().AsNumber(); v != 7 {
		t.Fatalf("expected write through uv1 visible via uv2, got %v", v)
	}

	th.CloseUpValues(0)
	if n, _ := uv1.Get().AsNumber(); n != 7 {
		t.Fatalf("expected closed upvalue to retain its last value, got %v", n)
	}
	uv3 := th.GetOrAddUpvalue(2)
	if uv3 == uv1 {
		t.Fatal("expected a fresh upvalue after closing the old one")
	}
}
