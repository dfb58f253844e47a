package main

import "testing"

func TestParseBreakFlags(t *testing.T) {
	got, err := parseBreakFlags([]string{"count.lua:3", "count.lua:5", "other.lua:1"})
	if err != nil {
		t.Fatalf("parseBreakFlags: %v", err)
	}
	if len(got["@count.lua"]) != 2 {
		t.Fatalf("expected 2 breakpoints for @count.lua, got %d", len(got["@count.lua"]))
	}
	if got["@count.lua"][0].Line != 3 || got["@count.lua"][1].Line != 5 {
		t.Fatalf("unexpected line numbers: %+v", got["@count.lua"])
	}
	if len(got["@other.lua"]) != 1 || got["@other.lua"][0].Line != 1 {
		t.Fatalf("unexpected breakpoints for @other.lua: %+v", got["@other.lua"])
	}
}

func TestParseBreakFlagsRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"count.lua", "count.lua:abc", ""} {
		if _, err := parseBreakFlags([]string{bad}); err == nil {
			t.Errorf("parseBreakFlags(%q) should have failed", bad)
		}
	}
}

func TestExampleLoaderUnknownProgram(t *testing.T) {
	if _, err := exampleLoader("nonexistent.lua"); err == nil {
		t.Fatal("expected an error for an unknown program")
	}
}

func TestExampleLoaderCount(t *testing.T) {
	proto, err := exampleLoader("count.lua")
	if err != nil {
		t.Fatalf("exampleLoader: %v", err)
	}
	if proto.Source.Path() != "count.lua" {
		t.Fatalf("unexpected source: %s", proto.Source)
	}
	if proto.Code.Len() == 0 {
		t.Fatal("expected a non-empty instruction stream")
	}
}
