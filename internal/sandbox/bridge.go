// Package sandbox implements the duplex RPC bridge between the controller
// and an isolated guest interpreter that runs agent-produced code.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dohr-michael/agentica-server/internal/agenterrors"
	"github.com/dohr-michael/agentica-server/internal/sequencer"
)

// shutdownDrain bounds the context Close passes to Guest.Close (spec.md §9
// open question: prefer an explicit bounded drain over a hard sleep).
const shutdownDrain = 2 * time.Second

// ErrSandboxShutdown is returned to any pending caller when the bridge is
// closed out from under it.
var ErrSandboxShutdown = errors.New("sandbox: bridge shut down")

// Guest is the low-level contract an isolated interpreter backend must
// satisfy. ExtismGuest and InProcessGuest both implement it.
type Guest interface {
	// Call performs one synchronous RPC and returns the raw reply bytes
	// (or a guest-side error).
	Call(ctx context.Context, fid int64, fn string, data []byte) ([]byte, error)
	// WriteInbox enqueues a client-originated payload into the guest's
	// inbox for iid, for whatever repl code owns that invocation to
	// consume (spec.md §3's per-iid inbox, §4.5's "inbox: guest consumes").
	WriteInbox(ctx context.Context, iid string, data []byte) error
	// Close releases the guest's resources. Idempotent.
	Close(ctx context.Context) error
}

// FutureSink receives FutureResult values the guest addresses to a
// logical iid, to be forwarded to the client as opaque Data frames.
type FutureSink func(FutureResult)

// Bridge is the duplex channel to one agent's isolated guest. It
// implements sequencer.Sandbox so the history sequencer can drive the REPL
// contract without depending on the sandbox package directly.
type Bridge struct {
	guest   Guest
	pending *pendingTable
	onData  FutureSink

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

// NewBridge wraps guest in a Bridge; onData receives the FutureResults
// passed to DeliverFuture.
func NewBridge(guest Guest, onData FutureSink) *Bridge {
	return &Bridge{
		guest:   guest,
		pending: newPendingTable(),
		onData:  onData,
		closeCh: make(chan struct{}),
	}
}

const (
	fnReplInit        = "repl_init"
	fnReplRunCode     = "repl_run_code"
	fnReplCallMethod  = "repl_call_method"
	fnReplSessionInfo = "repl_session_info"
)

type replInitRequest struct {
	Globals map[string]any `json:"globals"`
	Locals  map[string]any `json:"locals"`
}

// Init populates/updates the guest's globals and locals namespaces.
func (b *Bridge) Init(ctx context.Context, globals, locals map[string]any) (any, error) {
	req, err := json.Marshal(replInitRequest{Globals: globals, Locals: locals})
	if err != nil {
		return nil, err
	}
	return b.call(ctx, fnReplInit, req)
}

type replRunCodeRequest struct {
	Code    string                           `json:"code"`
	Options sequencer.ReplRunCodeOptions `json:"options"`
}

// EvaluationInfo is the guest's report of one repl_run_code call.
type EvaluationInfo struct {
	ExceptionName  string `json:"exception_name,omitempty"`
	Traceback      string `json:"traceback,omitempty"`
	Output         string `json:"output,omitempty"`
	OutStr         string `json:"out_str,omitempty"`
	HasReturnValue bool   `json:"has_return_value"`
	HasRaisedError bool   `json:"has_raised_error"`
	HasResult      bool   `json:"has_result"`
}

// RunCode executes one fenced code block inside the guest. If opts.IID is
// set and the evaluation syntactically returned or raised, the guest emits
// a FutureResult for that iid through the FutureSink the guest itself was
// constructed with, before this call returns.
func (b *Bridge) RunCode(ctx context.Context, code string, opts sequencer.ReplRunCodeOptions) (any, error) {
	req, err := json.Marshal(replRunCodeRequest{Code: code, Options: opts})
	if err != nil {
		return nil, err
	}
	raw, err := b.call(ctx, fnReplRunCode, req)
	if err != nil {
		return nil, err
	}
	data, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("sandbox: unexpected reply type %T", raw)
	}
	var info EvaluationInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("sandbox: decode evaluation info: %w", err)
	}
	return info, nil
}

type replCallMethodRequest struct {
	Name   string         `json:"name"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// CallMethod invokes an arbitrary introspective method on the guest. When
// raw is true the result is returned as undecoded bytes.
func (b *Bridge) CallMethod(ctx context.Context, name string, args []any, kwargs map[string]any, raw bool) (any, error) {
	req, err := json.Marshal(replCallMethodRequest{Name: name, Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, err
	}
	result, err := b.call(ctx, fnReplCallMethod, req)
	if err != nil {
		return nil, err
	}
	data, ok := result.([]byte)
	if !ok {
		return nil, fmt.Errorf("sandbox: unexpected reply type %T", result)
	}
	if raw {
		return data, nil
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("sandbox: decode method result: %w", err)
	}
	return decoded, nil
}

// SessionInfo asks the guest for globals/locals signatures, loaded modules,
// role, and declared return type.
func (b *Bridge) SessionInfo(ctx context.Context) (any, error) {
	raw, err := b.call(ctx, fnReplSessionInfo, nil)
	if err != nil {
		return nil, err
	}
	data, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("sandbox: unexpected reply type %T", raw)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("sandbox: decode session info: %w", err)
	}
	return decoded, nil
}

// call performs one controller-originated RPC: it allocates a negative mid
// from the pending table so that the eventual FramedResponse is intercepted
// rather than forwarded to the client (spec.md §4.5/§9).
func (b *Bridge) call(ctx context.Context, fn string, data []byte) (any, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, agenterrors.NewWarpShutdown()
	}
	b.mu.Unlock()

	mid, _ := b.pending.Register()
	reply, err := b.guest.Call(ctx, mid, fn, data)
	if err != nil {
		b.pending.Intercept(FramedResponse{MID: mid, Err: &FrameError{Name: "SandboxError", Message: err.Error()}})
		return nil, agenterrors.NewSandboxError(err)
	}
	b.pending.Release(mid)
	return reply, nil
}

// DeliverFuture forwards fr to onData. ExtismGuest and InProcessGuest do
// not call it; they deliver FutureResults through their own FutureSink.
func (b *Bridge) DeliverFuture(fr FutureResult) {
	if b.onData != nil {
		b.onData(fr)
	}
}

// DeliverData implements the Data dispatch rule of spec.md §4.2: the
// client-originated payload is enqueued into the guest's inbox for iid.
func (b *Bridge) DeliverData(ctx context.Context, iid string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return agenterrors.NewWarpShutdown()
	}
	b.mu.Unlock()
	return b.guest.WriteInbox(ctx, iid, data)
}

// Close is idempotent: it cancels every pending reply with
// ErrSandboxShutdown so that no mid is ever leaked (spec.md §8's
// pending-table invariant), then calls the guest's Close with a context
// bounded by shutdownDrain. It does not put a QUIT message on any inbox.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.mu.Unlock()

	b.pending.CancelAll(ErrSandboxShutdown)

	drainCtx, cancel := context.WithTimeout(ctx, shutdownDrain)
	defer cancel()
	return b.guest.Close(drainCtx)
}

// PendingCount exposes the pending-reply table size for tests.
func (b *Bridge) PendingCount() int { return b.pending.Len() }
