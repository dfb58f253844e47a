package controller

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"lunadbg/pkg/debugger"
	"lunadbg/pkg/vm"
)

type methodFunc func(s *Server, params json.RawMessage) (any, error)

// methodTable names every RPC the controller answers, each backed
// directly by a pkg/debugger operation — exactly the method set the
// overlay was built to serve.
var methodTable = map[string]methodFunc{
	"initialize":          handleInitialize,
	"setBreakpoints":      handleSetBreakpoints,
	"launch":              handleLaunch,
	"continue":            handleContinue,
	"next":                handleNext,
	"stepIn":              handleStepIn,
	"stepOut":             handleStepOut,
	"getStack":            handleGetStack,
	"getLocals":           handleGetLocals,
	"getUpvalues":         handleGetUpvalues,
	"getGlobals":          handleGetGlobals,
	"setLocal":            handleSetLocal,
	"setUpvalue":          handleSetUpvalue,
	"getBytecode":         handleGetBytecode,
	"setInstrBreakpoint":  handleSetInstrBreakpoint,
	"getInstrBreakpoints": handleGetInstrBreakpoints,
	"findPrototype":       handleFindPrototype,
	"setStepOverMode":     handleSetStepOverMode,
	"getOptions":          handleGetOptions,
	"terminate":           handleTerminate,
}

func handleInitialize(s *Server, params json.RawMessage) (any, error) {
	result := map[string]any{
		"sessionId":    uuid.NewString(),
		"capabilities": map[string]bool{"conditionalBreakpoints": true, "logPoints": true, "hitConditions": true},
	}
	go s.Overlay.EmitInitialized()
	return result, nil
}

type setBreakpointsParams struct {
	Chunk       string                           `json:"chunk"`
	Breakpoints []debugger.LineBreakpointRequest `json:"breakpoints"`
}

func handleSetBreakpoints(s *Server, params json.RawMessage) (any, error) {
	var p setBreakpointsParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return map[string]any{"breakpoints": s.Overlay.SetBreakpoints(p.Chunk, p.Breakpoints)}, nil
}

type launchParams struct {
	Program     string `json:"program"`
	StopOnEntry bool   `json:"stopOnEntry"`
}

// handleLaunch loads the program via the injected Loader and runs it on
// the VM's main thread in its own goroutine, so the request-read loop
// stays free to keep servicing setBreakpoints/continue/etc while the
// program executes. Completion and failure both surface as events
// (output + terminated), not as this request's result.
func handleLaunch(s *Server, params json.RawMessage) (any, error) {
	var p launchParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if s.Loader == nil {
		return nil, Error(InternalError, fmt.Errorf("no loader configured"))
	}
	proto, err := s.Loader(p.Program)
	if err != nil {
		return nil, Error(InvalidParams, fmt.Errorf("load %q: %w", p.Program, err))
	}

	s.launchMu.Lock()
	if s.launched {
		s.launchMu.Unlock()
		return nil, Error(InvalidRequest, fmt.Errorf("a program is already running"))
	}
	s.launched = true
	s.launchMu.Unlock()

	closure := s.VM.Load(proto)
	if p.StopOnEntry {
		s.Overlay.ArmStopOnEntry(proto)
	}
	go func() {
		_, err := s.VM.Run(closure, nil)
		if err != nil {
			s.Overlay.EmitOutput("stderr", err.Error())
		}
		s.Overlay.EmitTerminated()
	}()
	return map[string]any{"started": true}, nil
}

type threadParams struct {
	ThreadID string `json:"threadId"`
}

func handleContinue(s *Server, params json.RawMessage) (any, error) {
	th, err := s.resolveOptionalThread(params)
	if err != nil {
		return nil, err
	}
	if err := s.Overlay.Continue(th); err != nil {
		return nil, Error(InvalidRequest, err)
	}
	return map[string]any{}, nil
}

func handleNext(s *Server, params json.RawMessage) (any, error) {
	th, err := s.resolveOptionalThread(params)
	if err != nil {
		return nil, err
	}
	if err := s.Overlay.StepOver(th); err != nil {
		return nil, Error(InvalidRequest, err)
	}
	return map[string]any{}, nil
}

func handleStepIn(s *Server, params json.RawMessage) (any, error) {
	th, err := s.resolveOptionalThread(params)
	if err != nil {
		return nil, err
	}
	if err := s.Overlay.StepIn(th); err != nil {
		return nil, Error(InvalidRequest, err)
	}
	return map[string]any{}, nil
}

func handleStepOut(s *Server, params json.RawMessage) (any, error) {
	th, err := s.resolveOptionalThread(params)
	if err != nil {
		return nil, err
	}
	if err := s.Overlay.StepOut(th); err != nil {
		return nil, Error(InvalidRequest, err)
	}
	return map[string]any{}, nil
}

// resolveOptionalThread resolves params' threadId, falling back to the
// overlay's last-paused thread when params carries none — convenient for
// a single-threaded debug session where the client never bothers to name
// a thread explicitly.
func (s *Server) resolveOptionalThread(params json.RawMessage) (*vm.Thread, error) {
	var p threadParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.ThreadID == "" {
		return s.Overlay.LastThread(), nil
	}
	return s.resolveThread(p.ThreadID)
}

type frameParams struct {
	ThreadID   string `json:"threadId"`
	FrameIndex int    `json:"frameIndex"`
}

func handleGetStack(s *Server, params json.RawMessage) (any, error) {
	var p threadParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	th, err := s.resolveThreadOrLast(p.ThreadID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"frames": s.Overlay.GetStack(th)}, nil
}

func handleGetLocals(s *Server, params json.RawMessage) (any, error) {
	var p frameParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	th, err := s.resolveThreadOrLast(p.ThreadID)
	if err != nil {
		return nil, err
	}
	vars, err := s.Overlay.GetLocals(th, p.FrameIndex)
	if err != nil {
		return nil, Error(InvalidParams, err)
	}
	return map[string]any{"variables": vars}, nil
}

func handleGetUpvalues(s *Server, params json.RawMessage) (any, error) {
	var p frameParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	th, err := s.resolveThreadOrLast(p.ThreadID)
	if err != nil {
		return nil, err
	}
	vars, err := s.Overlay.GetUpvalues(th, p.FrameIndex)
	if err != nil {
		return nil, Error(InvalidParams, err)
	}
	return map[string]any{"variables": vars}, nil
}

func handleGetGlobals(s *Server, params json.RawMessage) (any, error) {
	return map[string]any{"variables": s.Overlay.GetGlobals()}, nil
}

type setVariableParams struct {
	ThreadID   string `json:"threadId"`
	FrameIndex int    `json:"frameIndex"`
	Name       string `json:"name"`
	Value      string `json:"value"`
}

func handleSetLocal(s *Server, params json.RawMessage) (any, error) {
	var p setVariableParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	th, err := s.resolveThreadOrLast(p.ThreadID)
	if err != nil {
		return nil, err
	}
	v := debugger.ParseValueLiteral(p.Value)
	if err := s.Overlay.SetLocal(th, p.FrameIndex, p.Name, v); err != nil {
		return nil, Error(InvalidParams, err)
	}
	return map[string]any{}, nil
}

func handleSetUpvalue(s *Server, params json.RawMessage) (any, error) {
	var p setVariableParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	th, err := s.resolveThreadOrLast(p.ThreadID)
	if err != nil {
		return nil, err
	}
	v := debugger.ParseValueLiteral(p.Value)
	if err := s.Overlay.SetUpvalue(th, p.FrameIndex, p.Name, v); err != nil {
		return nil, Error(InvalidParams, err)
	}
	return map[string]any{}, nil
}

func handleGetBytecode(s *Server, params json.RawMessage) (any, error) {
	var p frameParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	th, err := s.resolveThreadOrLast(p.ThreadID)
	if err != nil {
		return nil, err
	}
	info, err := s.Overlay.GetBytecode(th, p.FrameIndex)
	if err != nil {
		return nil, Error(InvalidParams, err)
	}
	return info, nil
}

type instrBreakpointParams struct {
	Chunk   string `json:"chunk"`
	Index   int    `json:"index"`
	Enabled bool   `json:"enabled"`
}

func handleSetInstrBreakpoint(s *Server, params json.RawMessage) (any, error) {
	var p instrBreakpointParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.Overlay.SetInstrBreakpoint(p.Chunk, p.Index, p.Enabled); err != nil {
		return nil, Error(InvalidParams, err)
	}
	return map[string]any{}, nil
}

type chunkParams struct {
	Chunk string `json:"chunk"`
}

func handleGetInstrBreakpoints(s *Server, params json.RawMessage) (any, error) {
	var p chunkParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return map[string]any{"indices": s.Overlay.GetInstrBreakpoints(p.Chunk)}, nil
}

type findPrototypeParams struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

func handleFindPrototype(s *Server, params json.RawMessage) (any, error) {
	var p findPrototypeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	info, err := s.Overlay.FindPrototype(p.File, p.Line)
	if err != nil {
		return nil, Error(InvalidParams, err)
	}
	return info, nil
}

type setStepOverModeParams struct {
	Mode string `json:"mode"`
}

func handleSetStepOverMode(s *Server, params json.RawMessage) (any, error) {
	var p setStepOverModeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	switch strings.ToLower(p.Mode) {
	case "instruction":
		s.Overlay.SetStepOverMode(debugger.GranularityInstruction)
	case "line", "":
		s.Overlay.SetStepOverMode(debugger.GranularityLine)
	default:
		return nil, Error(InvalidParams, fmt.Errorf("unknown step-over mode %q", p.Mode))
	}
	return map[string]any{}, nil
}

func handleGetOptions(s *Server, params json.RawMessage) (any, error) {
	return s.Overlay.Options(), nil
}

func handleTerminate(s *Server, params json.RawMessage) (any, error) {
	return nil, errTerminate
}

func (s *Server) resolveThreadOrLast(id string) (*vm.Thread, error) {
	if id == "" {
		if th := s.Overlay.LastThread(); th != nil {
			return th, nil
		}
		return s.resolveThread("main")
	}
	return s.resolveThread(id)
}
