package multiplex

import (
	"context"
	"sync"
	"time"

	"github.com/dohr-michael/agentica-server/internal/agenterrors"
	"github.com/dohr-michael/agentica-server/internal/ids"
	"github.com/dohr-michael/agentica-server/internal/notifier"
	"github.com/dohr-michael/agentica-server/internal/registry"
)

// invocationTerminationWait bounds how long Stop waits for outstanding
// invocation tasks to unwind before giving up on them (spec.md §4.2's
// "await their completion (bounded best-effort)").
const invocationTerminationWait = 5 * time.Second

type invocationState struct {
	uid    ids.UID
	cancel context.CancelFunc
	done   chan struct{}
}

// agentContext is the lazily-created per-uid bookkeeping of spec.md §4.2
// ("notifier bindings, observability session span... created on the first
// Invoke for a uid — not at agent creation").
type agentContext struct {
	createdAt time.Time
	running   map[ids.IID]struct{}
}

// Multiplexer is the per-connection dispatcher: it consumes client
// messages (Invoke/Cancel/Data), spawns one invocation task per accepted
// Invoke (spec.md §4.3), and emits server messages onto Out() for a
// transport writer (spec.md §4.1) to serialize onto the wire.
type Multiplexer struct {
	cid ids.CID
	reg *registry.Registry
	bus *notifier.Bus
	out chan ServerMessage

	mu            sync.Mutex
	invocations   map[ids.IID]*invocationState
	agentContexts map[ids.UID]*agentContext
	stopped       bool

	wg sync.WaitGroup
}

// New constructs a Multiplexer for the given client session. outBuf sizes
// the server-message outbox; 0 chooses a sane default.
func New(cid ids.CID, reg *registry.Registry, bus *notifier.Bus, outBuf int) *Multiplexer {
	if outBuf <= 0 {
		outBuf = 256
	}
	return &Multiplexer{
		cid:           cid,
		reg:           reg,
		bus:           bus,
		out:           make(chan ServerMessage, outBuf),
		invocations:   make(map[ids.IID]*invocationState),
		agentContexts: make(map[ids.UID]*agentContext),
	}
}

// Out returns the channel of server messages a transport writer drains.
func (m *Multiplexer) Out() <-chan ServerMessage { return m.out }

// emit enqueues a server message, blocking until there is room — losing a
// NewIID or Error would corrupt the client's view of invocation state, so
// unlike the teacher's best-effort broadcast this never drops because the
// outbox is full. A message is discarded only when the multiplexer had
// already stopped before the call; Stop does not wake a sender that is
// already blocked.
func (m *Multiplexer) emit(msg ServerMessage) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return
	}
	select {
	case m.out <- msg:
	default:
		// Outbox full: still deliver, just no longer non-blocking. A stuck
		// transport writer will stall this goroutine, which is preferable
		// to silently corrupting invocation-state for the client.
		m.out <- msg
	}
}

func (m *Multiplexer) agentContextFor(uid ids.UID) *agentContext {
	ac, ok := m.agentContexts[uid]
	if !ok {
		ac = &agentContext{createdAt: time.Now(), running: make(map[ids.IID]struct{})}
		m.agentContexts[uid] = ac
	}
	return ac
}

// HandleInvoke implements the Invoke dispatch rule of spec.md §4.2.
func (m *Multiplexer) HandleInvoke(ctx context.Context, msg Invoke) {
	a, ok := m.reg.Lookup(msg.UID)
	if !ok {
		m.emit(ErrorMessage{IID: ids.IID(msg.MatchID), Name: "MalformedInvokeMessageError"})
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	ac := m.agentContextFor(msg.UID)
	m.mu.Unlock()

	if !m.reg.Admit() {
		m.emit(ErrorMessage{UID: msg.UID, IID: ids.IID(msg.MatchID), Name: "TooManyInvocationsError"})
		return
	}

	iid := ids.NewIID()
	invCtx, cancel := context.WithCancel(ctx)
	state := &invocationState{uid: msg.UID, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cancel()
		m.reg.Release()
		return
	}
	m.invocations[iid] = state
	ac.running[iid] = struct{}{}
	m.mu.Unlock()

	m.emit(NewIIDMessage{MatchID: msg.MatchID, UID: msg.UID, IID: iid})

	m.wg.Add(1)
	go m.runInvocation(invCtx, a, msg, iid, state)
}

// HandleCancel implements the Cancel dispatch rule of spec.md §4.2.
func (m *Multiplexer) HandleCancel(msg Cancel) {
	m.mu.Lock()
	state, ok := m.invocations[msg.IID]
	if ok {
		delete(m.invocations, msg.IID)
		if ac, ok := m.agentContexts[msg.UID]; ok {
			delete(ac.running, msg.IID)
		}
	}
	m.mu.Unlock()

	if !ok {
		m.emit(ErrorMessage{UID: msg.UID, IID: msg.IID, Name: "NotRunningError"})
		return
	}
	state.cancel()
}

// HandleData implements the Data dispatch rule of spec.md §4.2: if iid is
// unknown, emit NotRunningError; otherwise enqueue the payload into the
// invocation's sandbox inbox, for whatever repl code currently owns that
// invocation to consume.
func (m *Multiplexer) HandleData(ctx context.Context, msg Data) {
	m.mu.Lock()
	state, ok := m.invocations[msg.IID]
	m.mu.Unlock()
	if !ok {
		m.emit(ErrorMessage{UID: msg.UID, IID: msg.IID, Name: "NotRunningError"})
		return
	}

	a, ok := m.reg.Lookup(state.uid)
	if !ok {
		m.emit(ErrorMessage{UID: msg.UID, IID: msg.IID, Name: "NotRunningError"})
		return
	}
	if err := a.WriteInbox(ctx, msg.IID, msg.Payload); err != nil {
		name := "InternalServer"
		if n, ok := agenterrors.AsNamed(err); ok {
			name = n.Name()
		}
		m.emit(ErrorMessage{UID: msg.UID, IID: msg.IID, Name: name, Message: err.Error()})
	}
}

// DeliverFuture routes an unsolicited sandbox FutureResult (addressed by
// fid, which is the iid string) to the client as a Data or Error message.
// internal/lifecycle wires this as the sandbox's FutureSink for agents
// bound to this multiplexer's session.
func (m *Multiplexer) DeliverFuture(fid string, payload []byte, errName, errMessage string) {
	iid := ids.IID(fid)
	m.mu.Lock()
	state, ok := m.invocations[iid]
	m.mu.Unlock()
	if !ok {
		return
	}
	if errName != "" {
		m.emit(ErrorMessage{UID: state.uid, IID: iid, Name: errName, Message: errMessage})
		return
	}
	m.emit(DataMessage{UID: state.uid, IID: iid, Payload: payload})
}

// runInvocation is the invocation task of spec.md §4.3.
func (m *Multiplexer) runInvocation(ctx context.Context, a invocationAgent, msg Invoke, iid ids.IID, state *invocationState) {
	defer m.wg.Done()
	defer close(state.done)

	m.bus.PublishEvent(notifier.Event{Type: notifier.EventOnEnter, UID: msg.UID, IID: iid})
	m.emit(InvocationEventMessage{UID: msg.UID, IID: iid, Event: InvocationEnter})

	warpLocals, unmarshalErr := decodeWarpLocals(msg.WarpLocalsPayload)
	var runErr error
	if unmarshalErr != nil {
		runErr = agenterrors.NewValidationError("malformed warp_locals_payload: " + unmarshalErr.Error())
	} else {
		runErr = a.Run(ctx, iid, msg.Prompt, warpLocals, msg.Streaming)
	}

	m.mu.Lock()
	delete(m.invocations, iid)
	if ac, ok := m.agentContexts[msg.UID]; ok {
		delete(ac.running, iid)
	}
	m.mu.Unlock()

	if runErr != nil {
		if !agenterrors.IsRequestTooLarge(runErr) {
			name := "InternalServer"
			message := runErr.Error()
			if n, ok := agenterrors.AsNamed(runErr); ok {
				name = n.Name()
				message = n.Error()
			}
			m.bus.PublishEvent(notifier.Event{
				Type: notifier.EventOnException, UID: msg.UID, IID: iid,
				Attrs: map[string]any{"error_name": name, "error": message},
			})
			m.emit(ErrorMessage{UID: msg.UID, IID: iid, Name: name, Message: message})
		}
		m.emit(InvocationEventMessage{UID: msg.UID, IID: iid, Event: InvocationError})
	}

	m.bus.PublishEvent(notifier.Event{Type: notifier.EventOnExit, UID: msg.UID, IID: iid})
	m.emit(InvocationEventMessage{UID: msg.UID, IID: iid, Event: InvocationExit})

	m.reg.Release()
}

// invocationAgent is the subset of *agent.Agent the invocation task needs,
// kept as an interface so tests can substitute a stub without constructing
// a real sandbox/generation pair.
type invocationAgent interface {
	Run(ctx context.Context, iid ids.IID, prompt string, warpLocals map[string]any, streaming bool) error
}

// Stop implements the termination sequence of spec.md §4.2: cancel every
// running invocation, await their completion on a bounded best-effort
// basis, and clear all per-iid/per-uid state.
func (m *Multiplexer) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	states := make([]*invocationState, 0, len(m.invocations))
	for _, st := range m.invocations {
		states = append(states, st)
	}
	m.invocations = make(map[ids.IID]*invocationState)
	m.agentContexts = make(map[ids.UID]*agentContext)
	m.mu.Unlock()

	for _, st := range states {
		st.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(invocationTerminationWait):
	case <-ctx.Done():
	}
}
