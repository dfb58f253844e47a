package debugger

import (
	"lunadbg/pkg/code"
	"lunadbg/pkg/value"
	"lunadbg/pkg/vm"
)

// maxStepScan bounds the control-flow walk nextLineTarget performs;
// legitimate prototypes never need more than a handful of hops to cross a
// line boundary, so hitting this is itself a sign something is wrong
// (e.g. an infinite Jmp cycle), and falling through to "no target"
// behaves like Step Over hitting a Return.
const maxStepScan = 1 << 16

// nextLineTarget walks forward from pc, resolving the control-flow
// opcodes a next-line computation must see through (a Jmp/ForPrep is an
// unconditional branch; ForLoop/TForLoop's branch depends on the live
// register values the loop is about to test), until it finds an
// instruction on a different source line than curLine. It returns
// ok=false if a Return is reached first (step-over has no target; the
// caller falls back to treating this like Step Out).
func nextLineTarget(proto *code.Prototype, stack []value.Value, base, pc, curLine int) (int, bool) {
	for i := 0; i < maxStepScan; i++ {
		if pc < 0 || pc >= proto.Code.Len() {
			return 0, false
		}
		instr := proto.Code.At(pc)
		switch instr.OpCode() {
		case code.OpJmp, code.OpForPrep:
			pc = pc + 1 + int(instr.SBx())
			continue
		case code.OpForLoop:
			a := int(instr.A())
			idx, _ := stack[base+a].AsNumber()
			limit, _ := stack[base+a+1].AsNumber()
			step, _ := stack[base+a+2].AsNumber()
			idx += step
			if (step > 0 && idx <= limit) || (step <= 0 && idx >= limit) {
				pc = pc + 1 + int(instr.SBx())
			} else {
				pc++
			}
			continue
		case code.OpTForLoop:
			a := int(instr.A())
			if !stack[base+a+1].IsNil() {
				pc = pc + 1 + int(instr.SBx())
			} else {
				pc++
			}
			continue
		case code.OpReturn:
			return 0, false
		default:
			if proto.LineAt(pc) != curLine {
				return pc, true
			}
			pc++
		}
	}
	return 0, false
}

// installStepBreak arms a transient trap at (proto, pc). If that slot is
// already patched by a user breakpoint, the step trap rides on top of it
// (ownsPatch=false) rather than installing a second patch, so firing and
// clearing a step doesn't disturb the breakpoint's own bookkeeping. Must
// be called with mu held.
func (o *Overlay) installStepBreak(proto *code.Prototype, pc int, entryDepth int) {
	key := bpKey{proto, pc}
	if orig, ok := o.active[key]; ok {
		o.stepBreak = &stepTrap{key: key, original: orig, ownsPatch: false, entryDepth: entryDepth}
		return
	}
	orig := proto.Code.At(pc)
	proto.Code.Set(pc, orig.WithOpCode(code.OpDebugTrap))
	o.stepBreak = &stepTrap{key: key, original: orig, ownsPatch: true, entryDepth: entryDepth}
}

// armStepOver arms the next-line target after orig (the instruction that
// was paused at) executes: past the call for Call/TailCall, otherwise
// resolving orig's own control flow first. Must be called with mu held.
func (o *Overlay) armStepOver(th *vm.Thread, frame *vm.CallFrame, proto *code.Prototype, pc int, orig code.Instruction) {
	o.stepMode = StepOver
	entryDepth := len(th.Frames)
	curLine := proto.LineAt(pc)

	if o.granularity == GranularityInstruction {
		o.installStepBreak(proto, pc+1, entryDepth)
		return
	}

	var target int
	var ok bool
	switch orig.OpCode() {
	case code.OpCall, code.OpTailCall:
		target, ok = nextLineTarget(proto, th.Stack, frame.Base, pc+1, curLine)
	default:
		target, ok = nextLineTarget(proto, th.Stack, frame.Base, pc, curLine)
	}
	if !ok {
		o.armStepOutLocked(th)
		return
	}
	o.installStepBreak(proto, target, entryDepth)
}

// armStepIn arms pc=0 of the callee when orig is a call into a Lua
// closure (read directly out of the about-to-be-called register — no
// runtime hook into frame push is needed, since the callee is already
// known at the paused call site); anything else behaves like Step Over.
func (o *Overlay) armStepIn(th *vm.Thread, frame *vm.CallFrame, proto *code.Prototype, pc int, orig code.Instruction) {
	o.stepMode = StepIn
	op := orig.OpCode()
	if op != code.OpCall && op != code.OpTailCall {
		o.armStepOver(th, frame, proto, pc, orig)
		return
	}
	fn := th.Stack[frame.Base+int(orig.A())]
	closure, goFn, ok := vm.AsCallable(fn)
	if !ok || goFn != nil {
		o.armStepOver(th, frame, proto, pc, orig)
		return
	}
	entryDepth := len(th.Frames)
	if op == code.OpCall {
		entryDepth++
	}
	o.installStepBreak(closure.Proto, 0, entryDepth)
}

// armStepOutLocked arms the instruction after the current frame's call
// site in its caller, so the trap fires exactly when control returns to
// the caller. A no-op (behaves as Continue) if th has no caller frame.
// Must be called with mu held.
func (o *Overlay) armStepOutLocked(th *vm.Thread) {
	o.stepMode = StepOut
	if len(th.Frames) < 2 {
		o.stepBreak = nil
		return
	}
	caller := &th.Frames[len(th.Frames)-2]
	o.installStepBreak(caller.Closure.Proto, caller.PC, len(th.Frames)-1)
}
