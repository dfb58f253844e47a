package debugger

import (
	"fmt"

	"lunadbg/pkg/code"
	"lunadbg/pkg/vm"
)

// InstructionInfo is one disassembled line of a prototype's bytecode, as
// the getBytecode RPC reports it: the overlay always resolves patched
// slots back to the original instruction, so a breakpoint never shows up
// as DEBUGTRAP in a listing meant for a human to read.
type InstructionInfo struct {
	Index      int    `json:"index"`
	Line       int    `json:"line"`
	Text       string `json:"text"`
	ChildProto int    `json:"childProto"` // a Closure's Bx: index into the prototype's Protos list, or -1
}

// BytecodeInfo is getBytecode's result: one prototype's disassembly, plus
// enough naming context (constants/locals/upvalues) to make the operand
// numbers in Text meaningful without a second round trip.
type BytecodeInfo struct {
	Chunk        string            `json:"chunk"`
	PC           int               `json:"pc"` // the frame's current pc, or -1 if not applicable
	Instructions []InstructionInfo `json:"instructions"`
	Constants    []string          `json:"constants"`
	Locals       []string          `json:"locals"`
	Upvalues     []string          `json:"upvalues"`
}

// instrTextLocked renders instr the way "luac -l" would, resolving any
// currently-patched slot back to its original opcode first.
func (o *Overlay) instrTextLocked(proto *code.Prototype, pc int) string {
	instr := proto.Code.At(pc)
	if instr.OpCode() == code.OpDebugTrap {
		if orig, ok := o.active[bpKey{proto, pc}]; ok {
			instr = orig
		} else if o.stepBreak != nil && o.stepBreak.key == (bpKey{proto, pc}) {
			instr = o.stepBreak.original
		}
	}
	return instr.String()
}

func (o *Overlay) bytecodeInfoLocked(proto *code.Prototype, pc int) BytecodeInfo {
	info := BytecodeInfo{Chunk: string(proto.Source), PC: pc}
	info.Instructions = make([]InstructionInfo, proto.Code.Len())
	for i := 0; i < proto.Code.Len(); i++ {
		childIdx := -1
		instr := proto.Code.At(i)
		op := instr.OpCode()
		if op == code.OpDebugTrap {
			if orig, ok := o.active[bpKey{proto, i}]; ok {
				op = orig.OpCode()
				instr = orig
			}
		}
		if op == code.OpClosure {
			childIdx = int(instr.Bx())
		}
		info.Instructions[i] = InstructionInfo{
			Index:      i,
			Line:       proto.LineAt(i),
			Text:       o.instrTextLocked(proto, i),
			ChildProto: childIdx,
		}
	}
	info.Constants = make([]string, len(proto.Constants))
	for i, c := range proto.Constants {
		info.Constants[i] = c.String()
	}
	seen := make(map[string]bool)
	for _, lv := range proto.Locals {
		if !seen[lv.Name] {
			seen[lv.Name] = true
			info.Locals = append(info.Locals, lv.Name)
		}
	}
	info.Upvalues = make([]string, len(proto.Upvalues))
	for i, uv := range proto.Upvalues {
		info.Upvalues[i] = uv.Name
	}
	return info
}

// GetBytecode disassembles the prototype active in th's frameIdx'th call
// frame (innermost is index 0).
func (o *Overlay) GetBytecode(th *vm.Thread, frameIdx int) (BytecodeInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	frame, err := frameAt(th, frameIdx)
	if err != nil {
		return BytecodeInfo{}, err
	}
	return o.bytecodeInfoLocked(frame.Closure.Proto, frame.PC), nil
}

// FindPrototype resolves a file/line pair to the bytecode of the tightest
// enclosing prototype. Only chunks already registered (through VM.Load or
// a Closure instruction) are searched; any other file is an error.
func (o *Overlay) FindPrototype(file string, line int) (BytecodeInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	chunk := "@" + file
	root, ok := o.registered[chunk]
	if !ok {
		for c, r := range o.registered {
			if code.Source(c).Path() == file {
				root = r
				ok = true
				break
			}
		}
	}
	if !ok {
		return BytecodeInfo{}, fmt.Errorf("no loaded chunk matches %q", file)
	}
	target := root.FindTightestByLine(line)
	if target == nil {
		return BytecodeInfo{}, fmt.Errorf("no prototype in %q contains line %d", file, line)
	}
	return o.bytecodeInfoLocked(target, -1), nil
}
