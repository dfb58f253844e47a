package code

import "testing"

func TestABCRoundTrip(t *testing.T) {
	i := ABCInstruction(OpAdd, 3, 260, 511)
	if i.OpCode() != OpAdd {
		t.Fatalf("OpCode() = %v, want OpAdd", i.OpCode())
	}
	if i.A() != 3 {
		t.Errorf("A() = %d, want 3", i.A())
	}
	if i.B() != 260 {
		t.Errorf("B() = %d, want 260", i.B())
	}
	if i.C() != 511 {
		t.Errorf("C() = %d, want 511", i.C())
	}
}

func TestAsBxRoundTripNegative(t *testing.T) {
	i := AsBxInstruction(OpJmp, 0, -120)
	if i.OpCode() != OpJmp {
		t.Fatalf("OpCode() = %v, want OpJmp", i.OpCode())
	}
	if i.SBx() != -120 {
		t.Errorf("SBx() = %d, want -120", i.SBx())
	}
}

func TestAxRoundTrip(t *testing.T) {
	i := AxInstruction(OpExtraArg, 1<<20)
	if i.Ax() != 1<<20 {
		t.Errorf("Ax() = %d, want %d", i.Ax(), 1<<20)
	}
}

func TestWithOpCodePreservesOperands(t *testing.T) {
	original := ABCInstruction(OpAdd, 1, 2, 3)
	patched := original.WithOpCode(OpDebugTrap)
	if patched.OpCode() != OpDebugTrap {
		t.Fatalf("OpCode() after patch = %v, want OpDebugTrap", patched.OpCode())
	}
	restored := patched.WithOpCode(OpAdd)
	if restored != original {
		t.Errorf("restored = %#v, want %#v (operand bits must round-trip)", restored, original)
	}
}

func TestDebugTrapOpcodeValue(t *testing.T) {
	if OpDebugTrap != 40 {
		t.Fatalf("OpDebugTrap = %d, want 40", OpDebugTrap)
	}
}

func TestOpModeClassification(t *testing.T) {
	cases := []struct {
		op   OpCode
		mode OpMode
	}{
		{OpMove, OpModeABC},
		{OpLoadK, OpModeABx},
		{OpJmp, OpModeAsBx},
		{OpExtraArg, OpModeAx},
	}
	for _, c := range cases {
		if got := c.op.Mode(); got != c.mode {
			t.Errorf("%s.Mode() = %v, want %v", c.op.Name(), got, c.mode)
		}
	}
}
