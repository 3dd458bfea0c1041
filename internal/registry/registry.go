// Package registry tracks client sessions and the agents created within
// them, and gates concurrent invocations behind an admission counter.
// Adapted from the admission-counter/mutex idiom of internal/actors/pool.go
// (AcquireInteractive/Release) and the session bookkeeping shape of
// internal/sessions/session.go, generalized from "pool of provider actors
// serving tasks" to "per-client-session map of agents admitting
// invocations" (spec.md §4.7).
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dohr-michael/agentica-server/internal/agent"
	"github.com/dohr-michael/agentica-server/internal/agenterrors"
	"github.com/dohr-michael/agentica-server/internal/ids"
)

// CreateAgentRequest mirrors the CreateAgentRequest body of spec.md §6.
type CreateAgentRequest struct {
	Doc                    string
	System                 string
	Model                  string
	JSON                   bool
	Streaming              bool
	WarpGlobalsPayload     []byte
	MaxTokensPerInvocation *int
	MaxTokensPerRound      *int
	MaxRounds              int
	Protocol               string
}

// AgentFactory builds a concrete Agent (wired to a sandbox, an inference
// client, and a notifier) for a validated model spec. The registry itself
// stays agnostic of sandbox/transport concerns; internal/lifecycle supplies
// the concrete factory.
type AgentFactory interface {
	NewAgent(ctx context.Context, cid ids.CID, spec agent.ModelSpec, req CreateAgentRequest) (*agent.Agent, error)
}

type sessionEntry struct {
	cid       ids.CID
	uids      map[ids.UID]struct{}
	createdAt time.Time
}

// Registry owns the session → agent mapping and the admission counter.
// Its maps are guarded by mu; the admission counter gets its own mutex
// (admitMu) because it is touched concurrently from many invocation-task
// goroutines.
type Registry struct {
	factory AgentFactory

	mu       sync.Mutex
	sessions map[ids.CID]*sessionEntry
	agents   map[ids.UID]*agent.Agent
	uidToCID map[ids.UID]ids.CID

	admitMu               sync.Mutex
	maxConcurrent         int
	concurrentInvocations int
}

// New constructs a Registry bounded by maxConcurrentInvocations. A value of
// 0 or less is treated as unbounded.
func New(factory AgentFactory, maxConcurrentInvocations int) *Registry {
	return &Registry{
		factory:       factory,
		sessions:      make(map[ids.CID]*sessionEntry),
		agents:        make(map[ids.UID]*agent.Agent),
		uidToCID:      make(map[ids.UID]ids.CID),
		maxConcurrent: maxConcurrentInvocations,
	}
}

// RegisterSession is idempotent: registering an already-registered cid is a
// no-op (spec.md §8 round-trip property).
func (r *Registry) RegisterSession(cid ids.CID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[cid]; ok {
		return
	}
	r.sessions[cid] = &sessionEntry{cid: cid, uids: make(map[ids.UID]struct{}), createdAt: time.Now()}
}

// SessionRegistered reports whether cid has been registered and not yet
// deregistered.
func (r *Registry) SessionRegistered(cid ids.CID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[cid]
	return ok
}

// CreateAgent validates req.Model, builds an Agent through the configured
// factory, and associates it with cid. The session must already be
// registered (spec.md §4.8: "clients must call register_session before any
// create_agent").
func (r *Registry) CreateAgent(ctx context.Context, cid ids.CID, req CreateAgentRequest) (ids.UID, error) {
	r.mu.Lock()
	sess, ok := r.sessions[cid]
	r.mu.Unlock()
	if !ok {
		return "", agenterrors.NewValidationError(fmt.Sprintf("session %q is not registered", cid))
	}

	spec, err := ParseModelSpec(req.Model)
	if err != nil {
		return "", err
	}

	a, err := r.factory.NewAgent(ctx, cid, spec, req)
	if err != nil {
		return "", err
	}

	uid := a.UID()
	r.mu.Lock()
	r.agents[uid] = a
	r.uidToCID[uid] = cid
	sess.uids[uid] = struct{}{}
	r.mu.Unlock()

	return uid, nil
}

// Lookup returns the agent bound to uid, if any.
func (r *Registry) Lookup(uid ids.UID) (*agent.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[uid]
	return a, ok
}

// DestroyAgent is idempotent: closing an already-destroyed or unknown uid
// succeeds silently (spec.md §8 round-trip property).
func (r *Registry) DestroyAgent(ctx context.Context, uid ids.UID) error {
	r.mu.Lock()
	a, ok := r.agents[uid]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	cid := r.uidToCID[uid]
	delete(r.agents, uid)
	delete(r.uidToCID, uid)
	if sess, ok := r.sessions[cid]; ok {
		delete(sess.uids, uid)
	}
	r.mu.Unlock()

	return a.Close(ctx)
}

// DeregisterSession destroys every agent belonging to cid, then forgets the
// session. Idempotent: deregistering twice, or a never-registered cid, is a
// no-op.
func (r *Registry) DeregisterSession(ctx context.Context, cid ids.CID) error {
	r.mu.Lock()
	sess, ok := r.sessions[cid]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	uidsToClose := make([]ids.UID, 0, len(sess.uids))
	for uid := range sess.uids {
		uidsToClose = append(uidsToClose, uid)
	}
	delete(r.sessions, cid)
	r.mu.Unlock()

	var firstErr error
	for _, uid := range uidsToClose {
		if err := r.DestroyAgent(ctx, uid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Admit attempts to reserve one concurrent-invocation slot, returning false
// if the registry is already at maxConcurrent. A non-positive maxConcurrent
// means unbounded.
func (r *Registry) Admit() bool {
	r.admitMu.Lock()
	defer r.admitMu.Unlock()
	if r.maxConcurrent > 0 && r.concurrentInvocations >= r.maxConcurrent {
		return false
	}
	r.concurrentInvocations++
	return true
}

// Release frees one concurrent-invocation slot. It is a caller error to
// call Release without a matching successful Admit; the counter is clamped
// at zero and the violation is left for the caller to log (spec.md §4.7).
func (r *Registry) Release() {
	r.admitMu.Lock()
	defer r.admitMu.Unlock()
	if r.concurrentInvocations > 0 {
		r.concurrentInvocations--
	}
}

// ConcurrentInvocations reports the current admission count, for metrics
// and tests.
func (r *Registry) ConcurrentInvocations() int {
	r.admitMu.Lock()
	defer r.admitMu.Unlock()
	return r.concurrentInvocations
}
