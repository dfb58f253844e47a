package main

import (
	"fmt"

	"lunadbg/pkg/code"
	"lunadbg/pkg/value"
)

// exampleLoader is the controller.Loader this command wires in. No
// parser lives in this module (spec §1 puts a bytecode compiler out of
// scope), so "program" names one of a small set of prototypes built by
// hand here, the same way pkg/vm's own tests construct them — a
// production loader would swap this out for one that reads a
// pre-assembled bytecode file off disk.
func exampleLoader(program string) (*code.Prototype, error) {
	build, ok := demoPrograms[program]
	if !ok {
		return nil, fmt.Errorf("no built-in program named %q (known: %v)", program, demoProgramNames())
	}
	return build(), nil
}

var demoPrograms = map[string]func() *code.Prototype{
	"count.lua": countDemo,
}

func demoProgramNames() []string {
	names := make([]string, 0, len(demoPrograms))
	for name := range demoPrograms {
		names = append(names, name)
	}
	return names
}

// countDemo builds the equivalent of:
//
//	local sum = 0
//	for i = 1, 10 do
//	    sum = sum + i
//	end
//	return sum
func countDemo() *code.Prototype {
	instrs := []code.Instruction{
		code.ABxInstruction(code.OpLoadK, 0, 0),  // sum = 0
		code.ABxInstruction(code.OpLoadK, 1, 1),  // (for init) = 1
		code.ABxInstruction(code.OpLoadK, 2, 2),  // (for limit) = 10
		code.ABxInstruction(code.OpLoadK, 3, 1),  // (for step) = 1
		code.AsBxInstruction(code.OpForPrep, 1, 1),
		code.ABCInstruction(code.OpAdd, 0, 0, 4), // sum = sum + i
		code.AsBxInstruction(code.OpForLoop, 1, -2),
		code.ABCInstruction(code.OpReturn, 0, 2, 0),
	}
	return &code.Prototype{
		Source:       code.Source("@count.lua"),
		MaxStackSize: 5,
		Code:         code.NewCodeArray(instrs),
		LineInfo:     []int{1, 2, 2, 2, 2, 3, 3, 4},
		Constants:    []value.Value{value.Number(0), value.Number(1), value.Number(10)},
		Locals: []code.LocalVariable{
			{Name: "sum", StartPC: 0, EndPC: 8},
			{Name: "(for index)", StartPC: 4, EndPC: 7},
			{Name: "(for limit)", StartPC: 4, EndPC: 7},
			{Name: "(for step)", StartPC: 4, EndPC: 7},
			{Name: "i", StartPC: 5, EndPC: 7},
		},
	}
}
