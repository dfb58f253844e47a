package errors

import (
	"strings"
	"testing"
)

func TestTypeErrorMessage(t *testing.T) {
	err := NewTypeError(Site{Chunk: "@game.lua", Line: 12}, "index", "nil")
	if got, want := err.Error(), "@game.lua:12: attempt to index a nil value"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if err.Kind() != "TypeError" {
		t.Errorf("Kind() = %q, want TypeError", err.Kind())
	}
}

func TestBaseErrorValueDefaultsToMessage(t *testing.T) {
	err := NewCallError(Site{}, "table")
	if err.Value() != err.Error() {
		t.Errorf("Value() = %v, want %v", err.Value(), err.Error())
	}
}

func TestTracebackFormatsTailCalls(t *testing.T) {
	tb := &Traceback{
		Err: NewArithmeticError(Site{Chunk: "@g.lua", Line: 2}, "nil"),
		Frames: []Frame{
			{Site: Site{Chunk: "@g.lua", Line: 2}, Name: "g"},
			{TailCall: true},
		},
	}
	out := tb.Error()
	if !strings.Contains(out, "in function 'g'") {
		t.Errorf("traceback missing callee frame: %q", out)
	}
	if !strings.Contains(out, "tail calls") {
		t.Errorf("traceback missing tail call marker: %q", out)
	}
}
