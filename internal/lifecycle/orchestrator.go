// Package lifecycle is the composition root wiring internal/registry,
// internal/multiplex, internal/sandbox, and internal/inference together
// behind internal/httpapi.SocketHandler: one Orchestrator per process,
// one Multiplexer per accepted /socket connection. Grounded on
// cmd/commands/gateway.go's runGateway() construction order (bus →
// registry → server) generalized into a reusable, testable type instead
// of a single long-lived function.
package lifecycle

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dohr-michael/agentica-server/internal/ids"
	"github.com/dohr-michael/agentica-server/internal/multiplex"
	"github.com/dohr-michael/agentica-server/internal/notifier"
	"github.com/dohr-michael/agentica-server/internal/registry"
)

// socketOutBuf sizes each connection's server-message outbox.
const socketOutBuf = 256

// socketStopDrain bounds how long a closing socket's Multiplexer gets to
// unwind outstanding invocations before ServeSocket returns.
const socketStopDrain = 5 * time.Second

// Orchestrator accepts websocket upgrades for registered sessions and
// drives each one's Multiplexer to completion, per spec.md §4.8's
// "exactly one multiplexer per accepted socket" contract.
type Orchestrator struct {
	reg *registry.Registry
	bus *notifier.Bus

	mu    sync.RWMutex
	conns map[ids.CID]*multiplex.Multiplexer
}

// NewOrchestrator builds an Orchestrator over an already-constructed
// registry and event bus. reg may be nil at construction time and filled
// in later with BindRegistry — composing a Registry requires an
// AgentFactory, which in turn requires this Orchestrator, so the
// composition root necessarily builds the Orchestrator before the
// Registry exists.
func NewOrchestrator(reg *registry.Registry, bus *notifier.Bus) *Orchestrator {
	return &Orchestrator{reg: reg, bus: bus, conns: make(map[ids.CID]*multiplex.Multiplexer)}
}

// BindRegistry completes construction for callers that had to build the
// Orchestrator before its Registry existed (see NewOrchestrator).
func (o *Orchestrator) BindRegistry(reg *registry.Registry) {
	o.reg = reg
}

// routeFuture delivers an unsolicited sandbox FutureResult to whichever
// Multiplexer currently serves cid's socket, if any. A session with no
// open socket silently drops the future — there is no client connection
// to address it to, matching the "at most one live multiplexer per
// session" invariant.
func (o *Orchestrator) routeFuture(cid ids.CID, fid string, payload []byte, errName, errMessage string) {
	o.mu.RLock()
	m, ok := o.conns[cid]
	o.mu.RUnlock()
	if !ok {
		return
	}
	m.DeliverFuture(fid, payload, errName, errMessage)
}

// ServeSocket implements httpapi.SocketHandler. It upgrades the request,
// installs a fresh Multiplexer for cid, and runs the read/write pumps
// until the connection closes.
func (o *Orchestrator) ServeSocket(w http.ResponseWriter, r *http.Request, cid ids.CID) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Error("socket accept", "error", err, "cid", cid)
		return
	}

	m := multiplex.New(cid, o.reg, o.bus, socketOutBuf)

	o.mu.Lock()
	o.conns[cid] = m
	o.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	done := make(chan struct{})
	go o.writePump(ctx, conn, m, done)
	o.readPump(ctx, conn, m)
	cancel()
	<-done

	stopCtx, stopCancel := context.WithTimeout(context.Background(), socketStopDrain)
	m.Stop(stopCtx)
	stopCancel()

	o.mu.Lock()
	if o.conns[cid] == m {
		delete(o.conns, cid)
	}
	o.mu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "")
}

// readPump decodes inbound frames and dispatches them to the multiplexer
// until the connection errors or closes, grounded on
// internal/gateway/ws/hub.go's Client.readPump shape.
func (o *Orchestrator) readPump(ctx context.Context, conn *websocket.Conn, m *multiplex.Multiplexer) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := multiplex.DecodeClientMessage(data)
		if err != nil {
			slog.Debug("socket decode", "error", err)
			continue
		}
		switch v := msg.(type) {
		case multiplex.Invoke:
			m.HandleInvoke(ctx, v)
		case multiplex.Cancel:
			m.HandleCancel(v)
		case multiplex.Data:
			m.HandleData(ctx, v)
		}
	}
}

// writePump serializes server messages onto the wire until ctx is
// cancelled (by readPump's return, per the teacher's close-on-disconnect
// shape adapted to a context instead of a closed send channel).
func (o *Orchestrator) writePump(ctx context.Context, conn *websocket.Conn, m *multiplex.Multiplexer, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case msg := <-m.Out():
			data, err := multiplex.EncodeServerMessage(msg)
			if err != nil {
				slog.Error("socket encode", "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
