package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// InProcessGuest is the AGENTICA_NO_SANDBOX=1 backend: a minimal namespace
// evaluator that runs in the controller's own process instead of an
// isolated interpreter. It implements just enough of the REPL contract
// (init / run_code / call_method / session_info) to exercise the bridge
// and the sequencer in tests and in local development, without attempting
// to reproduce the guest's own language runtime — which is explicitly out
// of scope (spec.md §1).
type InProcessGuest struct {
	mu       sync.Mutex
	globals  map[string]any
	locals   map[string]any
	onFuture func(FutureResult)
	inbox    map[string][][]byte
}

// NewInProcessGuest constructs an empty namespace guest.
func NewInProcessGuest(onFuture func(FutureResult)) *InProcessGuest {
	return &InProcessGuest{
		globals:  make(map[string]any),
		locals:   make(map[string]any),
		onFuture: onFuture,
		inbox:    make(map[string][][]byte),
	}
}

// WriteInbox appends data to iid's FIFO inbox queue.
func (g *InProcessGuest) WriteInbox(ctx context.Context, iid string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inbox[iid] = append(g.inbox[iid], data)
	return nil
}

func (g *InProcessGuest) Call(ctx context.Context, fid int64, fn string, data []byte) ([]byte, error) {
	switch fn {
	case fnReplInit:
		return g.replInit(data)
	case fnReplRunCode:
		return g.replRunCode(data)
	case fnReplCallMethod:
		return g.replCallMethod(data)
	case fnReplSessionInfo:
		return g.replSessionInfo()
	default:
		return nil, fmt.Errorf("sandbox: in-process guest has no export %q", fn)
	}
}

func (g *InProcessGuest) Close(ctx context.Context) error { return nil }

func (g *InProcessGuest) replInit(data []byte) ([]byte, error) {
	var req replInitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	g.mu.Lock()
	for k, v := range req.Globals {
		g.globals[k] = v
	}
	for k, v := range req.Locals {
		g.locals[k] = v
	}
	g.mu.Unlock()
	return g.replSessionInfo()
}

// replRunCode interprets a tiny subset of "code": a literal
// `return <value>` statement sets the return value (optionally dispatched
// as a FutureResult when an iid is present), a `raise <name>: <message>`
// statement raises, and anything else is echoed back as plain output.
// This is sufficient to exercise the full bridge/sequencer contract
// without a general-purpose interpreter.
func (g *InProcessGuest) replRunCode(data []byte) ([]byte, error) {
	var req replRunCodeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	code := strings.TrimSpace(req.Code)
	info := EvaluationInfo{}

	switch {
	case strings.HasPrefix(code, "return "):
		value := strings.TrimSpace(strings.TrimPrefix(code, "return "))
		info.HasReturnValue = true
		info.HasResult = true
		info.Output = value
		info.OutStr = value
		if req.Options.IID != "" && g.onFuture != nil {
			g.onFuture(FutureResult{FID: req.Options.IID, Data: []byte(strconv.Quote(value))})
		}
	case strings.HasPrefix(code, "raise "):
		rest := strings.TrimSpace(strings.TrimPrefix(code, "raise "))
		name, msg, _ := strings.Cut(rest, ":")
		info.HasRaisedError = true
		info.HasResult = true
		info.ExceptionName = strings.TrimSpace(name)
		info.Traceback = strings.TrimSpace(msg)
		if req.Options.IID != "" && g.onFuture != nil {
			g.onFuture(FutureResult{FID: req.Options.IID, Err: &FrameError{Name: info.ExceptionName, Message: info.Traceback}})
		}
	default:
		info.Output = code
		info.OutStr = code
	}

	return json.Marshal(info)
}

func (g *InProcessGuest) replCallMethod(data []byte) ([]byte, error) {
	var req replCallMethodRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	switch req.Name {
	case "inbox_pop":
		if len(req.Args) == 0 {
			return json.Marshal(nil)
		}
		iid, _ := req.Args[0].(string)
		g.mu.Lock()
		queue := g.inbox[iid]
		if len(queue) == 0 {
			g.mu.Unlock()
			return json.Marshal(nil)
		}
		next := queue[0]
		g.inbox[iid] = queue[1:]
		g.mu.Unlock()
		return json.Marshal(next)
	case "has_var":
		if len(req.Args) == 0 {
			return json.Marshal(false)
		}
		name, _ := req.Args[0].(string)
		g.mu.Lock()
		_, ok := g.locals[name]
		if !ok {
			_, ok = g.globals[name]
		}
		g.mu.Unlock()
		return json.Marshal(ok)
	case "var_info":
		if len(req.Args) == 0 {
			return json.Marshal(nil)
		}
		name, _ := req.Args[0].(string)
		g.mu.Lock()
		v, ok := g.locals[name]
		if !ok {
			v, ok = g.globals[name]
		}
		g.mu.Unlock()
		if !ok {
			return json.Marshal(nil)
		}
		return json.Marshal(v)
	case "dir_vars":
		g.mu.Lock()
		names := make([]string, 0, len(g.globals)+len(g.locals))
		for k := range g.globals {
			names = append(names, k)
		}
		for k := range g.locals {
			names = append(names, k)
		}
		g.mu.Unlock()
		return json.Marshal(names)
	default:
		return nil, fmt.Errorf("sandbox: in-process guest has no method %q", req.Name)
	}
}

func (g *InProcessGuest) replSessionInfo() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	globalNames := make([]string, 0, len(g.globals))
	for k := range g.globals {
		globalNames = append(globalNames, k)
	}
	localNames := make([]string, 0, len(g.locals))
	for k := range g.locals {
		localNames = append(localNames, k)
	}
	return json.Marshal(map[string]any{
		"globals": globalNames,
		"locals":  localNames,
	})
}
