package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dohr-michael/agentica-server/internal/agenterrors"
	"github.com/dohr-michael/agentica-server/internal/delta"
	"github.com/dohr-michael/agentica-server/internal/ids"
	"github.com/dohr-michael/agentica-server/internal/sandbox"
	"github.com/dohr-michael/agentica-server/internal/sequencer"
)

var errUnexpectedEvalType = errors.New("agent: sandbox returned an unexpected evaluation result type")

// ModelSpec is the resolved (provider, model, endpoint) triple an Agent is
// bound to.
type ModelSpec struct {
	Provider   string
	Model      string
	EndpointID string
}

// Config is the immutable construction-time configuration for an Agent.
type Config struct {
	UID                ids.UID
	CID                ids.CID
	ModelSpec          ModelSpec
	SystemPrompt       string
	Premise            string
	WarpGlobalsPayload []byte
	Budget             TokenBudget
	StreamingDefault   bool
	// ReturnType is the agent's declared return type ("str" enables the
	// bare-content-as-return fallback of spec.md §4.4 step 4).
	ReturnType string
}

// Agent binds one sandbox bridge and one inference client to a single
// client session, serializing invocations through runMu (spec.md §3's
// "run(iid, ...) is serialized by a per-agent mutex").
type Agent struct {
	cfg        Config
	strategy   Strategy
	sandbox    *sandbox.Bridge
	generation sequencer.Generation
	notifier   sequencer.Notifier
	history    *delta.History

	runMu     sync.Mutex
	systemRan bool

	closeMu sync.Mutex
	closed  bool

	cancelMu sync.Mutex
	cancels  map[ids.IID]context.CancelFunc
}

// New constructs an Agent. The strategy is selected once, here, from
// cfg.ModelSpec.Provider (spec.md §9's immutable strategy table).
func New(cfg Config, sb *sandbox.Bridge, gen sequencer.Generation, notifier sequencer.Notifier) *Agent {
	return &Agent{
		cfg:        cfg,
		strategy:   StrategyFor(cfg.ModelSpec.Provider),
		sandbox:    sb,
		generation: gen,
		notifier:   notifier,
		history:    &delta.History{},
		cancels:    make(map[ids.IID]context.CancelFunc),
	}
}

// UID returns the agent's identifier.
func (a *Agent) UID() ids.UID { return a.cfg.UID }

// History exposes the agent's append-only conversation history.
func (a *Agent) History() *delta.History { return a.history }

// Cancel triggers the cancellation scope for a single running invocation.
// It is a no-op if iid is not currently running — the caller (the
// multiplexer) is responsible for treating "not running" as
// NotRunningError, so Agent itself stays silent here.
func (a *Agent) Cancel(iid ids.IID) {
	a.cancelMu.Lock()
	cancel, ok := a.cancels[iid]
	a.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

// Run executes one invocation end to end: it acquires the per-agent run
// mutex, runs the one-time system sequence on first use, replays the
// warp-locals payload, and then runs the interaction policy for prompt,
// per spec.md §4.3.
//
// Run never panics the caller for ordinary policy failures: it returns an
// error, which the caller (the invocation task in internal/multiplex)
// turns into an Error{...} server message followed by EXIT.
func (a *Agent) Run(ctx context.Context, iid ids.IID, prompt string, warpLocals map[string]any, streaming bool) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancelMu.Lock()
	a.cancels[iid] = cancel
	a.cancelMu.Unlock()
	defer func() {
		cancel()
		a.cancelMu.Lock()
		delete(a.cancels, iid)
		a.cancelMu.Unlock()
	}()

	sc := &sequencer.Context{
		Sandbox:    a.sandbox,
		Generation: a.generation,
		History:    a.history,
		Notifier:   a.notifier,
		Protocol:   a.cfg.ModelSpec.Provider,
	}

	if !a.systemRan {
		if _, err := sc.Run(runCtx, a.strategy.InitSequence(a.cfg.Premise, a.cfg.SystemPrompt)); err != nil {
			return fmt.Errorf("agent: system sequence: %w", err)
		}
		a.systemRan = true
	}

	if _, err := a.sandbox.Init(runCtx, nil, warpLocals); err != nil {
		return fmt.Errorf("agent: replay warp locals: %w", err)
	}

	if _, err := sc.Run(runCtx, sequencer.Do(sequencer.Insert{Content: prompt, Role: delta.RoleUser}, func(any, error) sequencer.Step {
		return sequencer.Pure(nil)
	})); err != nil {
		return fmt.Errorf("agent: insert prompt: %w", err)
	}

	budget := newTracker(a.cfg.Budget)
	_, err := sc.Run(runCtx, userSequence(a.strategy, budget, string(iid), streaming, a.cfg.ReturnType))
	return err
}

// WriteInbox forwards a client-originated Data payload to the sandbox's
// inbox for iid (spec.md §4.2's Data dispatch rule).
func (a *Agent) WriteInbox(ctx context.Context, iid ids.IID, data []byte) error {
	return a.sandbox.DeliverData(ctx, string(iid), data)
}

// Close releases the agent's sandbox. Idempotent (spec.md §4.7's agent
// state machine: [running] --destroy--> [closed], idempotent).
func (a *Agent) Close(ctx context.Context) error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.sandbox != nil {
		return a.sandbox.Close(ctx)
	}
	return nil
}

// EnsureAdmitRelease returns an admission error if admitted is false.
// The multiplexer's invocation task does not call it: it checks
// Registry.Admit directly and only starts (and later releases) an
// invocation when admission succeeded.
func EnsureAdmitRelease(admitted bool) error {
	if !admitted {
		return agenterrors.NewTooManyInvocations()
	}
	return nil
}
