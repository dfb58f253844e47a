package code

import (
	"strings"

	"lunadbg/pkg/value"
)

// Source is a chunk name following the compiler boundary's convention:
// names starting with "@" denote a file-backed source, names without "@"
// denote an inline chunk (e.g. a string loaded with load()).
type Source string

// UnknownSource is used for prototypes produced without a chunk name.
const UnknownSource Source = "=?"

// IsFile reports whether the chunk is file-backed.
func (s Source) IsFile() bool { return strings.HasPrefix(string(s), "@") }

// Path returns the chunk's path with separators normalized to "/", minus
// the "@" marker for file-backed sources.
func (s Source) Path() string {
	str := string(s)
	if strings.HasPrefix(str, "@") {
		str = str[1:]
	}
	return strings.ReplaceAll(str, "\\", "/")
}

// UpvalueDescriptor records how a closure should resolve one upvalue slot
// when it is created by the Closure opcode: either from the enclosing
// frame's local registers (InStack) or from the enclosing closure's own
// upvalue vector.
type UpvalueDescriptor struct {
	Name    string
	InStack bool
	Index   uint8
}

// LocalVariable is one debug record for a local variable: its name and
// the program-counter range ([StartPC, EndPC)) over which the register
// holds that variable.
type LocalVariable struct {
	Name    string
	StartPC int
	EndPC   int
}

// CodeArray is the mutable container for a prototype's instruction
// stream. It is kept distinct from the rest of Prototype so that a
// prototype can otherwise be treated as immutable: the debugger overlay
// is the only component that mutates entries, and only while holding its
// own lock (see pkg/debugger). No other component may retain a reference
// to an element across a suspension point.
type CodeArray struct {
	instrs []Instruction
}

// NewCodeArray wraps a freshly compiled instruction stream.
func NewCodeArray(instrs []Instruction) *CodeArray {
	return &CodeArray{instrs: append([]Instruction(nil), instrs...)}
}

// Len returns the number of instructions.
func (c *CodeArray) Len() int { return len(c.instrs) }

// At returns the instruction at pc.
func (c *CodeArray) At(pc int) Instruction { return c.instrs[pc] }

// Set overwrites the instruction at pc. Reserved for the debugger
// overlay's patch/restore operations.
func (c *CodeArray) Set(pc int, instr Instruction) { c.instrs[pc] = instr }

// Prototype is an immutable compiled function: everything the VM needs
// to execute a closure over this function, save for its instruction
// stream, which lives in the separate, overlay-owned CodeArray.
type Prototype struct {
	Source          Source
	LineDefined     int
	LastLineDefined int
	NumParams       uint8
	IsVararg        bool
	MaxStackSize    uint8

	Code      *CodeArray
	LineInfo  []int // one source line per instruction index
	Constants []value.Value
	Protos    []*Prototype
	Upvalues  []UpvalueDescriptor
	Locals    []LocalVariable
}

// IsMainChunk reports whether p is the top-level prototype of a chunk.
func (p *Prototype) IsMainChunk() bool { return p.LineDefined == 0 && p.LastLineDefined == 0 }

// LineAt returns the source line active at pc, or 0 if no line info was
// retained (e.g. a stripped prototype).
func (p *Prototype) LineAt(pc int) int {
	if pc < 0 || pc >= len(p.LineInfo) {
		return 0
	}
	return p.LineInfo[pc]
}

// LocalName returns the name of the local variable live in register at
// pc, or "" if none is recorded.
func (p *Prototype) LocalName(register int, pc int) string {
	count := 0
	for _, lv := range p.Locals {
		if pc < lv.StartPC || pc >= lv.EndPC {
			continue
		}
		if count == register {
			return lv.Name
		}
		count++
	}
	return ""
}

// FindByLine performs the depth-first, children-preferred search the
// debugger overlay uses to resolve a source line to an instruction index:
// it returns the prototype and pc of the first instruction (searching
// nested prototypes before the current one's remaining instructions)
// whose line info equals line.
func (p *Prototype) FindByLine(line int) (*Prototype, int, bool) {
	for _, child := range p.Protos {
		if cp, pc, ok := child.FindByLine(line); ok {
			return cp, pc, true
		}
	}
	for pc, l := range p.LineInfo {
		if l == line {
			return p, pc, true
		}
	}
	return nil, 0, false
}

// FindTightestByLine returns the prototype among p and its descendants
// whose defined range most tightly contains line, used by the controller
// RPC's findPrototype to disambiguate nested functions on the same line.
func (p *Prototype) FindTightestByLine(line int) *Prototype {
	if line < p.LineDefined || line > p.LastLineDefined {
		if !(p.LineDefined == 0 && p.LastLineDefined == 0) {
			return nil
		}
	}
	best := p
	for _, child := range p.Protos {
		if m := child.FindTightestByLine(line); m != nil {
			if best == p || (m.LineDefined >= best.LineDefined && m.LastLineDefined <= best.LastLineDefined) {
				best = m
			}
		}
	}
	return best
}
