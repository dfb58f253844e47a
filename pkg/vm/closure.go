// Package vm implements the register-based interpreter: upvalues and
// closures, the value/call-frame stack, the dispatch loop, and the
// cooperative thread (coroutine) model built on top of it.
package vm

import (
	"lunadbg/pkg/code"
	"lunadbg/pkg/value"
)

// Upvalue is an ownership handle over a value cell that is either open
// (still pointing into a live register of owner's stack) or closed (it
// owns the cell directly). Every open upvalue is uniquely identified by
// the pair (owner, Register); CloseUpValues converts every open upvalue
// at a register at or above a base into a closed one, so sibling
// closures that captured the same local keep observing each other's
// writes even after the frame that declared it returns.
type Upvalue struct {
	owner    *Thread
	Register int
	closed   bool
	value    value.Value
}

// Get returns the upvalue's current value, reading through to the
// owning thread's stack while open.
func (u *Upvalue) Get() value.Value {
	if u.closed {
		return u.value
	}
	return u.owner.Stack[u.Register]
}

// Set writes through to the owning thread's stack while open, or to the
// owned cell once closed.
func (u *Upvalue) Set(v value.Value) {
	if u.closed {
		u.value = v
		return
	}
	u.owner.Stack[u.Register] = v
}

// Close converts an open upvalue into a closed one, copying the current
// stack value into its own cell so it survives the frame's stack slots
// being reused.
func (u *Upvalue) Close() {
	if u.closed {
		return
	}
	u.value = u.owner.Stack[u.Register]
	u.closed = true
	u.owner = nil
}

// Closure is a runtime function value: an immutable Prototype paired
// with the vector of upvalues it was created with.
type Closure struct {
	Proto    *code.Prototype
	Upvalues []*Upvalue
}

// NewClosure builds a closure by resolving every upvalue descriptor of
// proto against the enclosing frame (parent) running on th: InStack
// descriptors capture (or share) an open upvalue over the parent's
// register Index, others copy the parent closure's own upvalue at Index.
func NewClosure(th *Thread, parent *Closure, parentBase int, proto *code.Prototype) *Closure {
	ups := make([]*Upvalue, len(proto.Upvalues))
	for i, desc := range proto.Upvalues {
		if desc.InStack {
			ups[i] = th.GetOrAddUpvalue(parentBase + int(desc.Index))
		} else {
			ups[i] = parent.Upvalues[desc.Index]
		}
	}
	return &Closure{Proto: proto, Upvalues: ups}
}

// GoFunction is a host-registered callable: the "register host function"
// operation named in the external interfaces. Name is used for
// tracebacks and debugger frame display. GoFunction is always referenced
// through a pointer so that Value's identity-based equality for function
// values behaves sensibly.
type GoFunction struct {
	Name string
	Fn   func(ctx *Context) (int, error)
}

// ClosureValue wraps a *Closure as a Lua function value.
func ClosureValue(c *Closure) value.Value { return value.FunctionValue(c) }

// GoFunctionValue wraps a *GoFunction as a Lua function value.
func GoFunctionValue(f *GoFunction) value.Value { return value.FunctionValue(f) }

// AsCallable resolves a function value to its concrete representation.
func AsCallable(v value.Value) (closure *Closure, goFn *GoFunction, ok bool) {
	if v.Type() != value.TypeFunction {
		return nil, nil, false
	}
	switch ref := v.Ref().(type) {
	case *Closure:
		return ref, nil, true
	case *GoFunction:
		return nil, ref, true
	default:
		return nil, nil, false
	}
}

// FunctionName returns a display name for tracebacks and debugger frame
// listings: a GoFunction's registered name, "main chunk" for a main-chunk
// closure, "function" for any other Lua closure, or "?" for a value that
// is not callable.
func FunctionName(v value.Value) string {
	closure, goFn, ok := AsCallable(v)
	if !ok {
		return "?"
	}
	if goFn != nil {
		return goFn.Name
	}
	if closure.Proto.IsMainChunk() {
		return "main chunk"
	}
	return "function"
}
