package value

import (
	"math"
	"testing"
)

func TestTruthy(t *testing.T) {
	cases := []struct {
		v    Value
		want bool
	}{
		{Nil, false},
		{False, false},
		{True, true},
		{Number(0), true},
		{Str(""), true},
	}
	for _, c := range cases {
		if got := c.v.Truthy(); got != c.want {
			t.Errorf("Truthy(%v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestNumberEqualityNaN(t *testing.T) {
	nan := Number(math.NaN())
	if nan.Equals(nan) {
		t.Error("NaN must not equal itself")
	}
	if !Number(1).Equals(Number(1)) {
		t.Error("1 must equal 1")
	}
}

func TestStringToNumberCoercion(t *testing.T) {
	cases := []struct {
		s    string
		want float64
		ok   bool
	}{
		{"3", 3, true},
		{"  3.5 ", 3.5, true},
		{"0x10", 16, true},
		{"not a number", 0, false},
	}
	for _, c := range cases {
		v := Str(c.s)
		got, ok := v.ToNumber()
		if ok != c.ok {
			t.Fatalf("ToNumber(%q) ok = %v, want %v", c.s, ok, c.ok)
		}
		if ok && got != c.want {
			t.Errorf("ToNumber(%q) = %v, want %v", c.s, got, c.want)
		}
	}
}

func TestHashKeyRejectsNilAndNaN(t *testing.T) {
	if Nil.HashKey() {
		t.Error("nil must not be a valid hash key")
	}
	if Number(math.NaN()).HashKey() {
		t.Error("NaN must not be a valid hash key")
	}
	if !Number(1).HashKey() {
		t.Error("1 must be a valid hash key")
	}
}

func TestIdentityEqualityForTables(t *testing.T) {
	a := TableValue(NewTable())
	b := TableValue(NewTable())
	if a.Equals(b) {
		t.Error("distinct tables must not be equal")
	}
	if !a.Equals(a) {
		t.Error("a table must equal itself")
	}
}
