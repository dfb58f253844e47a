package vm

import (
	"sort"

	lerrors "lunadbg/pkg/errors"
	"lunadbg/pkg/value"
)

// Status is a coroutine's position in Lua's thread status machine.
type Status int

const (
	StatusSuspended Status = iota
	StatusRunning
	StatusNormal // resumed another thread and is waiting for it
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusSuspended:
		return "suspended"
	case StatusRunning:
		return "running"
	case StatusNormal:
		return "normal"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// MaxCallDepth bounds the call-frame stack; exceeding it raises
// StackOverflow.
const MaxCallDepth = 200

type signalKind int

const (
	sigYield signalKind = iota
	sigReturn
	sigError
)

type coroutineSignal struct {
	kind   signalKind
	values []value.Value
	err    error
}

// Thread owns one value stack and call-frame stack: Lua's coroutine.
// Every Thread except a VM's main thread is backed by its own goroutine,
// started lazily on first Resume; the Resume/yield channel handshake
// guarantees only one thread's goroutine ever runs unblocked at a time,
// which is how this package realizes the cooperative, single-OS-thread
// scheduling model without giving every coroutine its own explicit
// continuation.
type Thread struct {
	vm     *VM
	Status Status

	Stack      []value.Value
	Frames     []CallFrame
	openUpvals []*Upvalue // open upvalues, kept sorted by Register ascending

	// top is the logical stack height above which registers are not
	// live: it is only meaningful right after a call or return left a
	// variable number of results, for the following multres-aware
	// opcode (Call/Return/SetList/VarArg with B or C == 0) to consume.
	top int

	body value.Value

	started  bool
	resumeCh chan []value.Value
	yieldCh  chan coroutineSignal

	// IsMain marks the process's single main thread, which may never
	// yield (cross-thread yield is forbidden).
	IsMain bool
}

// NewMainThread creates the VM's one main thread.
func NewMainThread(vm *VM) *Thread {
	return &Thread{vm: vm, Status: StatusRunning, IsMain: true}
}

// NewThread creates a suspended coroutine that will run body (a Lua
// closure or host function) when first resumed.
func NewThread(vm *VM, body value.Value) *Thread {
	return &Thread{
		vm:       vm,
		Status:   StatusSuspended,
		body:     body,
		resumeCh: make(chan []value.Value),
		yieldCh:  make(chan coroutineSignal),
	}
}

func (t *Thread) ensureStack(n int) {
	for len(t.Stack) < n {
		t.Stack = append(t.Stack, value.Nil)
	}
}

// GetOrAddUpvalue returns the open upvalue over register reg, creating
// one if none exists yet, so that sibling closures capturing the same
// local share a single cell.
func (t *Thread) GetOrAddUpvalue(reg int) *Upvalue {
	i := sort.Search(len(t.openUpvals), func(i int) bool { return t.openUpvals[i].Register >= reg })
	if i < len(t.openUpvals) && t.openUpvals[i].Register == reg {
		return t.openUpvals[i]
	}
	uv := &Upvalue{owner: t, Register: reg}
	t.openUpvals = append(t.openUpvals, nil)
	copy(t.openUpvals[i+1:], t.openUpvals[i:])
	t.openUpvals[i] = uv
	return uv
}

// CloseUpValues closes every open upvalue at register >= base, the
// operation performed on Return, on an explicit Jmp-with-close operand,
// and while unwinding a frame due to an error.
func (t *Thread) CloseUpValues(base int) {
	i := sort.Search(len(t.openUpvals), func(i int) bool { return t.openUpvals[i].Register >= base })
	for _, uv := range t.openUpvals[i:] {
		uv.Close()
	}
	t.openUpvals = t.openUpvals[:i]
}

// Resume continues thread t with args, as called from caller (nil for a
// resume driven directly by Go code rather than another Lua thread). It
// blocks until t yields, returns, or errors.
func (t *Thread) Resume(caller *Thread, args []value.Value) ([]value.Value, error) {
	if t.Status == StatusDead {
		return nil, lerrors.NewCoroutineError("cannot resume dead coroutine")
	}
	if t.Status != StatusSuspended {
		return nil, lerrors.NewCoroutineError("cannot resume non-suspended coroutine")
	}
	if caller != nil {
		caller.Status = StatusNormal
	}
	t.Status = StatusRunning
	if !t.started {
		t.started = true
		go t.bootstrap(args)
	} else {
		t.resumeCh <- args
	}
	sig := <-t.yieldCh
	if caller != nil {
		caller.Status = StatusRunning
	}
	switch sig.kind {
	case sigYield:
		t.Status = StatusSuspended
		return sig.values, nil
	case sigReturn:
		t.Status = StatusDead
		return sig.values, nil
	default:
		t.Status = StatusDead
		return nil, sig.err
	}
}

// Yield suspends t, handing values to its resumer, and blocks until the
// next Resume. It must be called from within the goroutine executing t
// (ordinarily from a host function's Context, e.g. the coroutine.yield
// registration in coroutinelib.go); the main thread must never call it.
func (t *Thread) Yield(values []value.Value) []value.Value {
	t.yieldCh <- coroutineSignal{kind: sigYield, values: values}
	return <-t.resumeCh
}

// bootstrap is the body of the goroutine backing a non-main thread: it
// runs the thread's body closure to completion (or error) and reports
// the outcome on yieldCh exactly once per Resume/Yield cycle.
func (t *Thread) bootstrap(args []value.Value) {
	results, err := t.vm.CallValue(t, t.body, args, -1)
	if err != nil {
		t.yieldCh <- coroutineSignal{kind: sigError, err: err}
		return
	}
	t.yieldCh <- coroutineSignal{kind: sigReturn, values: results}
}
