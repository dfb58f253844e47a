package vm

import (
	"testing"

	"lunadbg/pkg/code"
	lerrors "lunadbg/pkg/errors"
	"lunadbg/pkg/value"
)

func TestArithMetamethodAdd(t *testing.T) {
	m := New()
	tbl := value.NewTable()
	meta := value.NewTable()
	meta.Set(value.Str("__add"), GoFunctionValue(&GoFunction{Name: "add", Fn: func(ctx *Context) (int, error) {
		ctx.Push(value.Number(42))
		return 1, nil
	}}))
	tbl.SetMetatable(meta)

	v, err := m.arith(m.Main, code.OpAdd, value.TableValue(tbl), value.Number(1), lerrors.Site{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := v.AsNumber(); n != 42 {
		t.Fatalf("expected metamethod result 42, got %v", n)
	}
}

func TestArithOnNonNumberErrors(t *testing.T) {
	m := New()
	_, err := m.arith(m.Main, code.OpAdd, value.Str("x"), value.Number(1), lerrors.Site{})
	if err == nil {
		t.Fatal("expected arithmetic on a non-coercible string to error")
	}
}

// A type that defines only __lt must compute a <= b as not (b < a).
func TestLessEqualFallsBackToLessThan(t *testing.T) {
	m := New()
	mkBoxed := func(n float64) value.Value {
		tbl := value.NewTable()
		tbl.Set(value.Str("n"), value.Number(n))
		return value.TableValue(tbl)
	}
	meta := value.NewTable()
	meta.Set(value.Str("__lt"), GoFunctionValue(&GoFunction{Name: "lt", Fn: func(ctx *Context) (int, error) {
		at, _ := ctx.Arg(0).AsTable()
		bt, _ := ctx.Arg(1).AsTable()
		an, _ := at.Get(value.Str("n")).AsNumber()
		bn, _ := bt.Get(value.Str("n")).AsNumber()
		ctx.Push(value.Bool(an < bn))
		return 1, nil
	}}))
	a, b := mkBoxed(1), mkBoxed(2)
	at, _ := a.AsTable()
	bt, _ := b.AsTable()
	at.SetMetatable(meta)
	bt.SetMetatable(meta)

	frame := &CallFrame{}
	le, err := m.lessEqual(m.Main, frame, a, b, lerrors.Site{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !le {
		t.Fatal("expected 1 <= 2 to be true via the __lt fallback")
	}
	if !frame.ReversedLE {
		t.Fatal("expected the __lt fallback path to set ReversedLE")
	}
}

func TestConcatMixesNumbersAndStrings(t *testing.T) {
	m := New()
	v, err := m.concat(m.Main, []value.Value{value.Str("n="), value.Number(5)}, lerrors.Site{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s, _ := v.AsString(); s != "n=5" {
		t.Fatalf("expected \"n=5\", got %q", s)
	}
}

func TestLengthUsesRawLenWithoutMetamethod(t *testing.T) {
	m := New()
	tbl := value.NewTable()
	tbl.Append(value.Number(1))
	tbl.Append(value.Number(2))
	tbl.Append(value.Number(3))
	v, err := m.length(m.Main, value.TableValue(tbl), lerrors.Site{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := v.AsNumber(); n != 3 {
		t.Fatalf("expected length 3, got %v", n)
	}
}
