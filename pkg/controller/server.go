package controller

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"lunadbg/pkg/code"
	"lunadbg/pkg/debugger"
	"lunadbg/pkg/vm"
)

// Loader produces a prototype tree for a launch request's program
// argument. No parser lives in this module (spec.md §1 puts a bytecode
// compiler out of scope), so callers inject however they turn "program"
// into a *code.Prototype — a path to a pre-assembled bytecode file in
// production, a hand-built prototype table in tests.
type Loader func(program string) (*code.Prototype, error)

// Server wires a *vm.VM and its attached *debugger.Overlay to the wire
// protocol: one goroutine drains client requests and dispatches them,
// another drains the overlay's event stream, both coordinated by
// golang.org/x/sync/errgroup so a transport error or a terminate request
// unwinds both cleanly.
type Server struct {
	VM      *vm.VM
	Overlay *debugger.Overlay
	Loader  Loader

	wmu sync.Mutex
	w   *json.Encoder

	launchMu sync.Mutex
	launched bool
}

// NewServer creates a Server ready to Serve.
func NewServer(v *vm.VM, o *debugger.Overlay, loader Loader) *Server {
	return &Server{VM: v, Overlay: o, Loader: loader}
}

var errTerminate = errors.New("terminate requested")

// Serve reads line-delimited Requests from r and writes line-delimited
// Responses/EventEnvelopes to w until r is exhausted, a transport error
// occurs, or a terminate request arrives — whichever happens first
// cancels the other loop via the errgroup's derived context.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.w = json.NewEncoder(w)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx, r) })
	g.Go(func() error { return s.eventLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, errTerminate) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) readLoop(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, 4<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(nil, nil, Error(ParseError, err))
			continue
		}
		result, err := s.dispatch(req.Method, req.Params)
		if errors.Is(err, errTerminate) {
			s.writeResponse(req.ID, nil, nil)
			return errTerminate
		}
		s.writeResponse(req.ID, result, err)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (s *Server) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-s.Overlay.Events:
			if !ok {
				return io.EOF
			}
			s.writeEvent(e)
		}
	}
}

func (s *Server) writeResponse(id json.RawMessage, result any, err error) {
	resp := Response{Type: "response", ID: id}
	if err != nil {
		resp.Error = errorObject(err)
	} else {
		resp.Result = result
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.w.Encode(resp)
}

func (s *Server) writeEvent(e debugger.Event) {
	env := EventEnvelope{Type: "event", Event: string(e.Kind)}
	switch e.Kind {
	case debugger.EventStopped:
		env.Body = e.Stopped
	case debugger.EventOutput:
		env.Body = e.Output
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.w.Encode(env)
}

func (s *Server) dispatch(method string, params json.RawMessage) (any, error) {
	h, ok := methodTable[method]
	if !ok {
		return nil, notFound(method)
	}
	return h(s, params)
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return Error(InvalidParams, fmt.Errorf("invalid params: %w", err))
	}
	return nil
}

func (s *Server) resolveThread(threadID string) (*vm.Thread, error) {
	th, ok := s.Overlay.ThreadByID(threadID)
	if !ok || th == nil {
		return nil, Error(InvalidParams, fmt.Errorf("unknown thread id %q", threadID))
	}
	return th, nil
}
