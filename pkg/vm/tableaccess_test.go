package vm

import (
	"testing"

	lerrors "lunadbg/pkg/errors"
	"lunadbg/pkg/value"
)

func TestGetIndexFollowsIndexChain(t *testing.T) {
	m := New()
	base := value.NewTable()
	base.Set(value.Str("greeting"), value.Str("hi"))

	mid := value.NewTable()
	midMeta := value.NewTable()
	midMeta.Set(value.Str("__index"), value.TableValue(base))
	mid.SetMetatable(midMeta)

	leaf := value.NewTable()
	leafMeta := value.NewTable()
	leafMeta.Set(value.Str("__index"), value.TableValue(mid))
	leaf.SetMetatable(leafMeta)

	v, err := m.GetIndex(m.Main, value.TableValue(leaf), value.Str("greeting"), lerrors.Site{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s, _ := v.AsString(); s != "hi" {
		t.Fatalf("expected to find value through the chain, got %v", v)
	}
}

func TestGetIndexFunctionMetamethod(t *testing.T) {
	m := New()
	t1 := value.NewTable()
	meta := value.NewTable()
	meta.Set(value.Str("__index"), GoFunctionValue(&GoFunction{Name: "idx", Fn: func(ctx *Context) (int, error) {
		ctx.Push(value.Str("computed"))
		return 1, nil
	}}))
	t1.SetMetatable(meta)

	v, err := m.GetIndex(m.Main, value.TableValue(t1), value.Str("missing"), lerrors.Site{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s, _ := v.AsString(); s != "computed" {
		t.Fatalf("expected computed value, got %v", v)
	}
}

// Assigning to a key that already exists in the raw table must bypass
// __newindex entirely, even when a metatable defines it.
func TestSetIndexRawHitBypassesNewIndex(t *testing.T) {
	m := New()
	tbl := value.NewTable()
	tbl.Set(value.Str("x"), value.Number(1))
	called := false
	meta := value.NewTable()
	meta.Set(value.Str("__newindex"), GoFunctionValue(&GoFunction{Name: "ni", Fn: func(ctx *Context) (int, error) {
		called = true
		return 0, nil
	}}))
	tbl.SetMetatable(meta)

	if err := m.SetIndex(m.Main, value.TableValue(tbl), value.Str("x"), value.Number(2), lerrors.Site{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("expected __newindex not to be invoked for an existing key")
	}
	if v := tbl.Get(value.Str("x")); v != value.Number(2) {
		t.Fatalf("expected raw set to take effect, got %v", v)
	}
}

func TestSetIndexNewKeyGoesThroughNewIndex(t *testing.T) {
	m := New()
	tbl := value.NewTable()
	meta := value.NewTable()
	meta.Set(value.Str("__newindex"), GoFunctionValue(&GoFunction{Name: "ni", Fn: func(ctx *Context) (int, error) {
		t, _ := ctx.Arg(0).AsTable()
		t.Set(ctx.Arg(1), ctx.Arg(2))
		return 0, nil
	}}))
	tbl.SetMetatable(meta)

	if err := m.SetIndex(m.Main, value.TableValue(tbl), value.Str("y"), value.Number(5), lerrors.Site{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v := tbl.Get(value.Str("y")); v != value.Number(5) {
		t.Fatalf("expected __newindex handler to have stored the value, got %v", v)
	}
}

func TestGetIndexOnNonTableErrors(t *testing.T) {
	m := New()
	_, err := m.GetIndex(m.Main, value.Number(3), value.Str("x"), lerrors.Site{})
	if err == nil {
		t.Fatal("expected indexing a number to error")
	}
}
