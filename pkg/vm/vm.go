package vm

import (
	"context"

	"lunadbg/pkg/code"
	lerrors "lunadbg/pkg/errors"
	"lunadbg/pkg/value"
)

// lfieldsPerFlush mirrors Lua's LFIELDS_PER_FLUSH: SetList batches array
// constructor fields in groups of this size against the C operand.
const lfieldsPerFlush = 50

// Hook is implemented by the debugger overlay (pkg/debugger). The VM
// calls OnDebugTrap whenever dispatch reaches the reserved DebugTrap
// opcode, and OnClosureCreated whenever a new prototype becomes
// reachable, so the overlay can keep its registered_prototypes map
// current.
type Hook interface {
	OnDebugTrap(th *Thread, proto *code.Prototype, pc int) (code.Instruction, error)
	OnClosureCreated(proto *code.Prototype)
}

// VM is a single Lua state: one global environment shared by a main
// thread and any coroutines created from it.
type VM struct {
	Globals *value.Table
	Hook    Hook
	Main    *Thread
}

// New creates a VM with a fresh globals table and main thread.
func New() *VM {
	vm := &VM{Globals: value.NewTable()}
	vm.Main = NewMainThread(vm)
	return vm
}

// Load wraps proto as a closure ready to run on the main thread,
// resolving its single expected upvalue (by the Lua 5.2 convention, the
// main chunk's sole upvalue is the environment table, _ENV, at index 0).
func (vm *VM) Load(proto *code.Prototype) *Closure {
	if vm.Hook != nil {
		vm.Hook.OnClosureCreated(proto)
	}
	ups := make([]*Upvalue, len(proto.Upvalues))
	for i := range ups {
		if i == 0 {
			ups[i] = &Upvalue{closed: true, value: value.TableValue(vm.Globals)}
		} else {
			ups[i] = &Upvalue{closed: true, value: value.Nil}
		}
	}
	return &Closure{Proto: proto, Upvalues: ups}
}

// Run executes closure on the VM's main thread with args, returning
// every result the top-level return produced.
func (vm *VM) Run(closure *Closure, args []value.Value) ([]value.Value, error) {
	return vm.CallValue(vm.Main, ClosureValue(closure), args, -1)
}

// CallValue invokes any function value (a Lua closure, a host
// GoFunction, or a table/userdata with a __call metamethod) on th,
// blocking until it returns. want is the number of results the caller
// asks for, or -1 for "all".
func (vm *VM) CallValue(th *Thread, fn value.Value, args []value.Value, want int) ([]value.Value, error) {
	closure, goFn, ok := AsCallable(fn)
	if !ok {
		if mm, ok2 := metamethod(fn, "__call"); ok2 {
			newArgs := make([]value.Value, 0, len(args)+1)
			newArgs = append(newArgs, fn)
			newArgs = append(newArgs, args...)
			return vm.CallValue(th, mm, newArgs, want)
		}
		return nil, lerrors.NewCallError(lerrors.Site{}, fn.TypeName())
	}
	if goFn != nil {
		ctx := &Context{vm: vm, thread: th, args: args, ctx: context.Background()}
		n, err := goFn.Fn(ctx)
		if err != nil {
			return nil, err
		}
		if n > len(ctx.results) {
			n = len(ctx.results)
		}
		if n < 0 {
			n = 0
		}
		return ctx.results[:n], nil
	}
	return vm.callClosure(th, closure, args, want)
}

// callClosure pushes a fresh frame for closure at the top of th's call
// stack and drives the dispatch loop until that frame (and anything it
// calls, tail-called, or errors through) returns.
func (vm *VM) callClosure(th *Thread, c *Closure, args []value.Value, want int) ([]value.Value, error) {
	if len(th.Frames) >= MaxCallDepth {
		return nil, lerrors.NewStackOverflow(lerrors.Site{Chunk: string(c.Proto.Source)})
	}
	entryDepth := len(th.Frames)
	base, varargCount := vm.prepareArgs(th, vm.callBase(th), c.Proto, args)
	th.Frames = append(th.Frames, CallFrame{
		Closure:     c,
		Base:        base,
		ReturnBase:  -1,
		WantResults: want,
		VarargCount: varargCount,
	})
	return vm.run(th, entryDepth)
}

// callBase returns the register base for a new non-tail call's callee
// frame: immediately above the registers of th's current innermost
// frame (0 if th has none yet). th.Stack only ever grows
// (ensureStack never shrinks it) and OpReturn pops a frame without
// truncating the stack, so deriving a callee's base from len(th.Stack)
// would make every ordinary call claim a fresh, never-reclaimed slab —
// unbounded growth proportional to the number of calls made, not the
// call depth. Basing it on the caller's own register window instead
// means a call made after a prior sibling call returned reuses that
// sibling's registers.
func (vm *VM) callBase(th *Thread) int {
	if len(th.Frames) == 0 {
		return 0
	}
	top := &th.Frames[len(th.Frames)-1]
	return top.Base + int(top.Closure.Proto.MaxStackSize)
}

// prepareArgs lays out a callee's registers starting no earlier than
// minBase: fixed parameters at the returned base, and (for a vararg
// function called with extra arguments) the surplus arguments stored
// just below that base, in the order they were passed.
func (vm *VM) prepareArgs(th *Thread, minBase int, proto *code.Prototype, args []value.Value) (base int, varargCount int) {
	np := int(proto.NumParams)
	if proto.IsVararg && len(args) > np {
		varargCount = len(args) - np
	}
	base = minBase + varargCount
	th.ensureStack(base + int(proto.MaxStackSize) + 1)
	if varargCount > 0 {
		extra := args[np:]
		for i, v := range extra {
			th.Stack[base-varargCount+i] = v
		}
	}
	for i := 0; i < np; i++ {
		if i < len(args) {
			th.Stack[base+i] = args[i]
		} else {
			th.Stack[base+i] = value.Nil
		}
	}
	for i := np; i < int(proto.MaxStackSize); i++ {
		th.Stack[base+i] = value.Nil
	}
	return base, varargCount
}

// placeResults copies results into the caller's stack at absolute index
// returnBase, honoring want (-1 means "all", updating th.top so a
// subsequent multres opcode picks them up).
func (vm *VM) placeResults(th *Thread, returnBase int, results []value.Value, want int) {
	n := len(results)
	if want >= 0 && n > want {
		n = want
	}
	th.ensureStack(returnBase + max(n, want) + 1)
	for i := 0; i < n; i++ {
		th.Stack[returnBase+i] = results[i]
	}
	if want < 0 {
		th.top = returnBase + n
	} else {
		for i := n; i < want; i++ {
			th.Stack[returnBase+i] = value.Nil
		}
	}
}

func site(proto *code.Prototype, pc int) lerrors.Site {
	return lerrors.Site{Chunk: string(proto.Source), Line: proto.LineAt(pc)}
}

// unwind closes upvalues and pops every frame above entryDepth, building
// a Traceback (innermost frame first) from the frames it pops.
func (vm *VM) unwind(th *Thread, entryDepth int, err error) ([]value.Value, error) {
	le, ok := err.(lerrors.LuaError)
	tb := &lerrors.Traceback{}
	if ok {
		tb.Err = le
	}
	for fi := len(th.Frames) - 1; fi >= entryDepth; fi-- {
		f := &th.Frames[fi]
		tb.Frames = append(tb.Frames, lerrors.Frame{
			Site:     site(f.Closure.Proto, f.PC),
			Name:     FunctionName(ClosureValue(f.Closure)),
			TailCall: f.TailCall,
		})
		th.CloseUpValues(f.Base)
	}
	th.Frames = th.Frames[:entryDepth]
	if !ok {
		tb.Err = lerrors.NewDebuggerError(lerrors.Site{}, err.Error())
	}
	return nil, tb
}

func (vm *VM) getR(th *Thread, frame *CallFrame, i int) value.Value { return th.Stack[frame.Base+i] }

func (vm *VM) setR(th *Thread, frame *CallFrame, i int, v value.Value) {
	th.Stack[frame.Base+i] = v
}

const bitRK = 1 << 8

func (vm *VM) getRK(th *Thread, frame *CallFrame, rk uint16) value.Value {
	if rk&bitRK != 0 {
		return frame.Closure.Proto.Constants[int(rk)&^bitRK]
	}
	return th.Stack[frame.Base+int(rk)]
}

// condJump realizes the "test instruction, then jump" pairing used by
// Eq/Lt/Le/Test/TestSet: if matched is false, the following Jmp is
// skipped; otherwise it is executed immediately, including its
// close-upvalues operand.
func (vm *VM) condJump(th *Thread, frame *CallFrame, proto *code.Prototype, matched bool) {
	if !matched {
		frame.PC++
		return
	}
	jmp := proto.Code.At(frame.PC)
	if a := jmp.A(); a != 0 {
		th.CloseUpValues(frame.Base + int(a) - 1)
	}
	frame.PC += 1 + int(jmp.SBx())
}

// run is the dispatch loop: it executes instructions on th's top frame
// until the call-frame stack returns to entryDepth, i.e. until the
// frame active when run was entered (and everything it calls) has
// returned.
func (vm *VM) run(th *Thread, entryDepth int) ([]value.Value, error) {
	for {
		frame := &th.Frames[len(th.Frames)-1]
		proto := frame.Closure.Proto
		pc := frame.PC
		instr := proto.Code.At(pc)
		frame.PC = pc + 1
		op := instr.OpCode()

		if op == code.OpDebugTrap {
			if vm.Hook == nil {
				return vm.unwind(th, entryDepth, lerrors.NewDebuggerError(site(proto, pc), "debug trap fired with no debugger attached"))
			}
			orig, err := vm.Hook.OnDebugTrap(th, proto, pc)
			if err != nil {
				return vm.unwind(th, entryDepth, err)
			}
			instr = orig
			op = instr.OpCode()
		}

		var err error
		switch op {
		case code.OpMove:
			vm.setR(th, frame, int(instr.A()), vm.getR(th, frame, int(instr.B())))

		case code.OpLoadK:
			vm.setR(th, frame, int(instr.A()), proto.Constants[instr.Bx()])

		case code.OpLoadBool:
			vm.setR(th, frame, int(instr.A()), value.Bool(instr.B() != 0))
			if instr.C() != 0 {
				frame.PC++
			}

		case code.OpLoadNil:
			a, b := int(instr.A()), int(instr.B())
			for i := a; i <= a+b; i++ {
				vm.setR(th, frame, i, value.Nil)
			}

		case code.OpGetUpVal:
			vm.setR(th, frame, int(instr.A()), frame.Closure.Upvalues[instr.B()].Get())

		case code.OpSetUpVal:
			frame.Closure.Upvalues[instr.B()].Set(vm.getR(th, frame, int(instr.A())))

		case code.OpGetTabUp:
			var v value.Value
			table := frame.Closure.Upvalues[instr.B()].Get()
			key := vm.getRK(th, frame, instr.C())
			v, err = vm.GetIndex(th, table, key, site(proto, pc))
			if err == nil {
				vm.setR(th, frame, int(instr.A()), v)
			}

		case code.OpSetTabUp:
			table := frame.Closure.Upvalues[instr.A()].Get()
			key := vm.getRK(th, frame, instr.B())
			val := vm.getRK(th, frame, instr.C())
			err = vm.SetIndex(th, table, key, val, site(proto, pc))

		case code.OpGetTable:
			var v value.Value
			table := vm.getR(th, frame, int(instr.B()))
			key := vm.getRK(th, frame, instr.C())
			v, err = vm.GetIndex(th, table, key, site(proto, pc))
			if err == nil {
				vm.setR(th, frame, int(instr.A()), v)
			}

		case code.OpSetTable:
			table := vm.getR(th, frame, int(instr.A()))
			key := vm.getRK(th, frame, instr.B())
			val := vm.getRK(th, frame, instr.C())
			err = vm.SetIndex(th, table, key, val, site(proto, pc))

		case code.OpNewTable:
			vm.setR(th, frame, int(instr.A()), value.TableValue(value.NewTable()))

		case code.OpSelf:
			a, b := int(instr.A()), int(instr.B())
			table := vm.getR(th, frame, b)
			vm.setR(th, frame, a+1, table)
			key := vm.getRK(th, frame, instr.C())
			var v value.Value
			v, err = vm.GetIndex(th, table, key, site(proto, pc))
			if err == nil {
				vm.setR(th, frame, a, v)
			}

		case code.OpAdd, code.OpSub, code.OpMul, code.OpDiv, code.OpMod, code.OpPow:
			a := vm.getRK(th, frame, instr.B())
			b := vm.getRK(th, frame, instr.C())
			var v value.Value
			v, err = vm.arith(th, op, a, b, site(proto, pc))
			if err == nil {
				vm.setR(th, frame, int(instr.A()), v)
			}

		case code.OpUnm:
			var v value.Value
			v, err = vm.unm(th, vm.getR(th, frame, int(instr.B())), site(proto, pc))
			if err == nil {
				vm.setR(th, frame, int(instr.A()), v)
			}

		case code.OpNot:
			vm.setR(th, frame, int(instr.A()), value.Bool(!vm.getR(th, frame, int(instr.B())).Truthy()))

		case code.OpLen:
			var v value.Value
			v, err = vm.length(th, vm.getR(th, frame, int(instr.B())), site(proto, pc))
			if err == nil {
				vm.setR(th, frame, int(instr.A()), v)
			}

		case code.OpConcat:
			b, c := int(instr.B()), int(instr.C())
			vals := make([]value.Value, 0, c-b+1)
			for i := b; i <= c; i++ {
				vals = append(vals, vm.getR(th, frame, i))
			}
			var v value.Value
			v, err = vm.concat(th, vals, site(proto, pc))
			if err == nil {
				vm.setR(th, frame, int(instr.A()), v)
			}

		case code.OpJmp:
			if a := instr.A(); a != 0 {
				th.CloseUpValues(frame.Base + int(a) - 1)
			}
			frame.PC += int(instr.SBx())

		case code.OpEq:
			var eq bool
			eq, err = vm.equals(th, vm.getRK(th, frame, instr.B()), vm.getRK(th, frame, instr.C()))
			if err == nil {
				vm.condJump(th, frame, proto, eq == (instr.A() != 0))
			}

		case code.OpLt:
			var lt bool
			lt, err = vm.lessThan(th, vm.getRK(th, frame, instr.B()), vm.getRK(th, frame, instr.C()), site(proto, pc))
			if err == nil {
				vm.condJump(th, frame, proto, lt == (instr.A() != 0))
			}

		case code.OpLe:
			var le bool
			le, err = vm.lessEqual(th, frame, vm.getRK(th, frame, instr.B()), vm.getRK(th, frame, instr.C()), site(proto, pc))
			if err == nil {
				vm.condJump(th, frame, proto, le == (instr.A() != 0))
			}

		case code.OpTest:
			cond := vm.getR(th, frame, int(instr.A())).Truthy()
			vm.condJump(th, frame, proto, cond == (instr.C() != 0))

		case code.OpTestSet:
			b := vm.getR(th, frame, int(instr.B()))
			cond := b.Truthy()
			matched := cond == (instr.C() != 0)
			if matched {
				vm.setR(th, frame, int(instr.A()), b)
			}
			vm.condJump(th, frame, proto, matched)

		case code.OpCall:
			a, b, c := int(instr.A()), int(instr.B()), int(instr.C())
			args := vm.collectArgs(th, frame, a, b)
			want := -1
			if c != 0 {
				want = c - 1
			}
			err = vm.dispatchCall(th, frame, a, vm.getR(th, frame, a), args, want, false)

		case code.OpTailCall:
			a, b := int(instr.A()), int(instr.B())
			args := vm.collectArgs(th, frame, a, b)
			err = vm.dispatchCall(th, frame, a, vm.getR(th, frame, a), args, -1, true)
			if tte, ok := err.(errTailToEntry); ok {
				return tte.results, nil
			}

		case code.OpReturn:
			a, b := int(instr.A()), int(instr.B())
			count := b - 1
			if b == 0 {
				count = th.top - (frame.Base + a)
			}
			results := make([]value.Value, count)
			copy(results, th.Stack[frame.Base+a:frame.Base+a+count])
			returnBase, want := frame.ReturnBase, frame.WantResults
			th.CloseUpValues(frame.Base)
			th.Frames = th.Frames[:len(th.Frames)-1]
			if returnBase < 0 {
				return results, nil
			}
			vm.placeResults(th, returnBase, results, want)

		case code.OpForPrep:
			a := int(instr.A())
			initV, initOK := vm.getR(th, frame, a).ToNumber()
			_, limitOK := vm.getR(th, frame, a+1).ToNumber()
			stepV, stepOK := vm.getR(th, frame, a+2).ToNumber()
			if !initOK || !limitOK || !stepOK {
				err = lerrors.NewArithmeticError(site(proto, pc), "non-number 'for' loop value")
			} else {
				vm.setR(th, frame, a, value.Number(initV-stepV))
				frame.PC += int(instr.SBx())
			}

		case code.OpForLoop:
			a := int(instr.A())
			step, _ := vm.getR(th, frame, a+2).AsNumber()
			idx, _ := vm.getR(th, frame, a).AsNumber()
			limit, _ := vm.getR(th, frame, a+1).AsNumber()
			idx += step
			cont := (step > 0 && idx <= limit) || (step <= 0 && idx >= limit)
			if cont {
				vm.setR(th, frame, a, value.Number(idx))
				vm.setR(th, frame, a+3, value.Number(idx))
				frame.PC += int(instr.SBx())
			}

		case code.OpTForCall:
			a, c := int(instr.A()), int(instr.C())
			fn := vm.getR(th, frame, a)
			var results []value.Value
			results, err = vm.CallValue(th, fn, []value.Value{vm.getR(th, frame, a+1), vm.getR(th, frame, a+2)}, c)
			if err == nil {
				for i := 0; i < c; i++ {
					if i < len(results) {
						vm.setR(th, frame, a+3+i, results[i])
					} else {
						vm.setR(th, frame, a+3+i, value.Nil)
					}
				}
			}

		case code.OpTForLoop:
			a := int(instr.A())
			if first := vm.getR(th, frame, a+1); !first.IsNil() {
				vm.setR(th, frame, a, first)
				frame.PC += int(instr.SBx())
			}

		case code.OpSetList:
			a, b, c := int(instr.A()), int(instr.B()), int(instr.C())
			table, _ := vm.getR(th, frame, a).AsTable()
			count := b
			if count == 0 {
				count = th.top - (frame.Base + a + 1)
			}
			if c == 0 {
				c = int(proto.Code.At(frame.PC).Ax())
				frame.PC++
			}
			for i := 1; i <= count; i++ {
				table.Set(value.Number(float64((c-1)*lfieldsPerFlush+i)), vm.getR(th, frame, a+i))
			}

		case code.OpClosure:
			a := int(instr.A())
			child := proto.Protos[instr.Bx()]
			cl := NewClosure(th, frame.Closure, frame.Base, child)
			if vm.Hook != nil {
				vm.Hook.OnClosureCreated(child)
			}
			vm.setR(th, frame, a, ClosureValue(cl))

		case code.OpVarArg:
			a, b := int(instr.A()), int(instr.B())
			n := b - 1
			if b == 0 {
				n = frame.VarargCount
			}
			for i := 0; i < n; i++ {
				v := value.Nil
				if i < frame.VarargCount {
					v = th.Stack[frame.Base-frame.VarargCount+i]
				}
				vm.setR(th, frame, a+i, v)
			}
			if b == 0 {
				th.top = frame.Base + a + n
			}

		case code.OpExtraArg:
			// Only ever consumed by the preceding SetList; reaching
			// it directly is a no-op.

		default:
			err = lerrors.NewDebuggerError(site(proto, pc), "unrecognized opcode")
		}

		if err != nil {
			return vm.unwind(th, entryDepth, err)
		}
	}
}

func (vm *VM) collectArgs(th *Thread, frame *CallFrame, a, b int) []value.Value {
	n := b - 1
	if b == 0 {
		n = th.top - (frame.Base + a + 1)
	}
	args := make([]value.Value, n)
	copy(args, th.Stack[frame.Base+a+1:frame.Base+a+1+n])
	return args
}

// dispatchCall implements both Call and TailCall's callee resolution.
// For a Lua closure, Call pushes a new frame above the caller; TailCall
// closes the caller's upvalues and reuses its frame slot so the call
// stack never grows across a chain of tail calls.
func (vm *VM) dispatchCall(th *Thread, frame *CallFrame, a int, fn value.Value, args []value.Value, want int, tail bool) error {
	closure, goFn, ok := AsCallable(fn)
	if !ok {
		if mm, ok2 := metamethod(fn, "__call"); ok2 {
			newArgs := make([]value.Value, 0, len(args)+1)
			newArgs = append(newArgs, fn)
			newArgs = append(newArgs, args...)
			return vm.dispatchCall(th, frame, a, mm, newArgs, want, tail)
		}
		return lerrors.NewCallError(site(frame.Closure.Proto, frame.PC-1), fn.TypeName())
	}
	if goFn != nil {
		ctx := &Context{vm: vm, thread: th, args: args, ctx: context.Background()}
		n, err := goFn.Fn(ctx)
		if err != nil {
			return err
		}
		if n > len(ctx.results) {
			n = len(ctx.results)
		}
		if tail {
			returnBase, wantUp := frame.ReturnBase, frame.WantResults
			th.CloseUpValues(frame.Base)
			th.Frames = th.Frames[:len(th.Frames)-1]
			if returnBase < 0 {
				// No Lua caller frame is left to place results into:
				// hand them to run() through errTailToEntry, which
				// returns them as this invocation's results, as an
				// ordinary call followed by Return would.
				return errTailToEntry{results: ctx.results[:n]}
			}
			vm.placeResults(th, returnBase, ctx.results[:n], wantUp)
			return nil
		}
		vm.placeResults(th, frame.Base+a, ctx.results[:n], want)
		return nil
	}
	if len(th.Frames) >= MaxCallDepth {
		return lerrors.NewStackOverflow(site(closure.Proto, 0))
	}
	if tail {
		returnBase, wantUp := frame.ReturnBase, frame.WantResults
		th.CloseUpValues(frame.Base)
		base, varargCount := vm.prepareArgs(th, frame.Base, closure.Proto, args)
		th.Frames[len(th.Frames)-1] = CallFrame{
			Closure:     closure,
			Base:        base,
			ReturnBase:  returnBase,
			WantResults: wantUp,
			VarargCount: varargCount,
			TailCall:    true,
		}
		return nil
	}
	base, varargCount := vm.prepareArgs(th, frame.Base+int(frame.Closure.Proto.MaxStackSize), closure.Proto, args)
	th.Frames = append(th.Frames, CallFrame{
		Closure:     closure,
		Base:        base,
		ReturnBase:  frame.Base + a,
		WantResults: want,
		VarargCount: varargCount,
	})
	return nil
}

// errTailToEntry is an internal signal: a host function was tail-called
// from the frame this run() invocation was entered with, so there is no
// Lua caller frame left to place results into — they are this
// invocation's final results instead.
type errTailToEntry struct {
	results []value.Value
}

func (e errTailToEntry) Error() string { return "tail call returned to entry frame" }
