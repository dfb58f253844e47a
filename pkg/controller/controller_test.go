package controller

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"lunadbg/pkg/code"
	"lunadbg/pkg/debugger"
	"lunadbg/pkg/value"
	"lunadbg/pkg/vm"
)

// countProto builds: local x = 0; x = x + 1; return x — just enough for a
// launch/breakpoint/continue round trip to exercise.
func countProto() *code.Prototype {
	instrs := []code.Instruction{
		code.ABxInstruction(code.OpLoadK, 0, 0), // line 1
		code.ABxInstruction(code.OpLoadK, 1, 1), // line 2
		code.ABCInstruction(code.OpAdd, 0, 0, 1),
		code.ABCInstruction(code.OpReturn, 0, 2, 0), // line 3
	}
	return &code.Prototype{
		Source:       code.Source("@count.lua"),
		MaxStackSize: 2,
		Code:         code.NewCodeArray(instrs),
		LineInfo:     []int{1, 2, 2, 3},
		Constants:    []value.Value{value.Number(0), value.Number(1)},
	}
}

// lineReader reads newline-delimited messages off r with a test timeout,
// standing in for however a real client would drain the server's stdio
// or TCP output.
type lineReader struct {
	br *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{br: bufio.NewReader(r)}
}

func (lr *lineReader) next(t *testing.T) string {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := lr.br.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("read line: %v", res.err)
		}
		return res.line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line of output")
		return ""
	}
}

func TestControllerRoundTrip(t *testing.T) {
	m := vm.New()
	o := debugger.NewOverlay(m)
	o.Attach()

	loader := func(program string) (*code.Prototype, error) {
		if program != "count.lua" {
			return nil, fmt.Errorf("unknown program %q", program)
		}
		return countProto(), nil
	}
	srv := NewServer(m, o, loader)

	reqR, reqW := io.Pipe()
	outR, outW := io.Pipe()
	out := newLineReader(outR)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx, reqR, outW) }()

	send := func(id int, method string, params any) {
		raw, _ := json.Marshal(params)
		req := Request{ID: json.RawMessage(fmt.Sprintf("%d", id)), Method: method, Params: raw}
		line, _ := json.Marshal(req)
		line = append(line, '\n')
		go reqW.Write(line)
	}

	mustResponse := func(line string, label string) Response {
		t.Helper()
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("unmarshal %s response: %v", label, err)
		}
		if resp.Error != nil {
			t.Fatalf("%s failed: %+v", label, resp.Error)
		}
		return resp
	}

	// The initialize response and the "initialized" event it triggers are
	// written from two different goroutines (the request loop and the
	// overlay's event emitter) with no ordering guarantee between them,
	// so accept either interleaving here, the same way "continue" is
	// handled below.
	send(1, "initialize", nil)
	sawInitResponse, sawInitialized := false, false
	for i := 0; i < 2; i++ {
		line := out.next(t)
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			t.Fatalf("unmarshal line %d after initialize: %v", i, err)
		}
		switch probe.Type {
		case "response":
			mustResponse(line, "initialize")
			sawInitResponse = true
		case "event":
			var env EventEnvelope
			if err := json.Unmarshal([]byte(line), &env); err != nil {
				t.Fatalf("unmarshal initialized event: %v", err)
			}
			if env.Event != "initialized" {
				t.Fatalf("expected an initialized event, got %+v", env)
			}
			sawInitialized = true
		default:
			t.Fatalf("unexpected envelope type %q", probe.Type)
		}
	}
	if !sawInitResponse || !sawInitialized {
		t.Fatalf("expected both an initialize response and an initialized event")
	}

	send(2, "setBreakpoints", map[string]any{
		"chunk":       "@count.lua",
		"breakpoints": []map[string]any{{"line": 2}},
	})
	mustResponse(out.next(t), "setBreakpoints")

	send(3, "launch", map[string]any{"program": "count.lua"})
	mustResponse(out.next(t), "launch")

	var env EventEnvelope
	if err := json.Unmarshal([]byte(out.next(t)), &env); err != nil {
		t.Fatalf("unmarshal stopped event: %v", err)
	}
	if env.Type != "event" || env.Event != "stopped" {
		t.Fatalf("expected a stopped event, got %+v", env)
	}

	// The continue response and the resulting "continued" event are
	// written from two different goroutines (the request loop and the
	// paused VM goroutine it just released) with no ordering guarantee
	// between them, so accept either interleaving here.
	send(4, "continue", map[string]any{})
	sawResponse, sawContinued := false, false
	for i := 0; i < 2; i++ {
		line := out.next(t)
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			t.Fatalf("unmarshal line %d after continue: %v", i, err)
		}
		switch probe.Type {
		case "response":
			mustResponse(line, "continue")
			sawResponse = true
		case "event":
			if err := json.Unmarshal([]byte(line), &env); err != nil {
				t.Fatalf("unmarshal continued event: %v", err)
			}
			if env.Event != "continued" {
				t.Fatalf("expected a continued event, got %+v", env)
			}
			sawContinued = true
		default:
			t.Fatalf("unexpected envelope type %q", probe.Type)
		}
	}
	if !sawResponse || !sawContinued {
		t.Fatalf("expected both a continue response and a continued event")
	}

	if err := json.Unmarshal([]byte(out.next(t)), &env); err != nil {
		t.Fatalf("unmarshal terminated event: %v", err)
	}
	if env.Event != "terminated" {
		t.Fatalf("expected a terminated event, got %+v", env)
	}

	send(5, "terminate", nil)
	select {
	case err := <-serveDone:
		if err != nil {
			t.Fatalf("Serve returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Serve to return after terminate")
	}
}
