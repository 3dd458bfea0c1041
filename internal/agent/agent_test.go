package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/agentica-server/internal/agenterrors"
	"github.com/dohr-michael/agentica-server/internal/delta"
	"github.com/dohr-michael/agentica-server/internal/ids"
	"github.com/dohr-michael/agentica-server/internal/sandbox"
	"github.com/dohr-michael/agentica-server/internal/sequencer"
)

// scriptedGeneration returns one canned delta per call to Infer/InferStreaming,
// cycling through script in order; it records how many times each was called.
type scriptedGeneration struct {
	mu      sync.Mutex
	script  []delta.Delta
	calls   int
	partial []string
}

func (g *scriptedGeneration) next() delta.Delta {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.script[g.calls%len(g.script)]
	g.calls++
	return d
}

func (g *scriptedGeneration) Infer(ctx context.Context, history []delta.Delta, opts sequencer.ModelInference) (delta.Delta, error) {
	d := g.next()
	if d.Content == "BLOCK" {
		<-ctx.Done()
		return delta.Delta{}, ctx.Err()
	}
	return d, nil
}

func (g *scriptedGeneration) InferStreaming(ctx context.Context, history []delta.Delta, opts sequencer.ModelInference, onPartial func(delta.Delta)) (delta.Delta, error) {
	d := g.next()
	for _, ch := range strings.Split(d.Content, "|") {
		part := delta.Delta{ID: d.ID, Role: d.Role, Content: ch}
		onPartial(part)
		g.mu.Lock()
		g.partial = append(g.partial, ch)
		g.mu.Unlock()
	}
	return d, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Publish(event string, attrs map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func newTestAgent(t *testing.T, script []delta.Delta, budget TokenBudget) (*Agent, *scriptedGeneration, chan sandbox.FutureResult) {
	return newTestAgentWithReturnType(t, script, budget, "str")
}

func newTestAgentWithReturnType(t *testing.T, script []delta.Delta, budget TokenBudget, returnType string) (*Agent, *scriptedGeneration, chan sandbox.FutureResult) {
	t.Helper()
	futures := make(chan sandbox.FutureResult, 8)
	guest := sandbox.NewInProcessGuest(func(fr sandbox.FutureResult) { futures <- fr })
	bridge := sandbox.NewBridge(guest, func(fr sandbox.FutureResult) { futures <- fr })
	gen := &scriptedGeneration{script: script}
	notifier := &recordingNotifier{}
	a := New(Config{
		UID:          ids.NewUID(),
		ModelSpec:    ModelSpec{Provider: "openai", Model: "gpt-test"},
		SystemPrompt: "you are a test agent",
		Budget:       budget,
		ReturnType:   returnType,
	}, bridge, gen, notifier)
	return a, gen, futures
}

func TestAgentRunDispatchesFutureResultAndStops(t *testing.T) {
	a, _, futures := newTestAgent(t, []delta.Delta{
		{Content: "```\nreturn 42\n```", EndReason: delta.EndReasonStop},
	}, TokenBudget{MaxRounds: 5})
	defer a.Close(context.Background())

	iid := ids.NewIID()
	if err := a.Run(context.Background(), iid, "do the thing", nil, false); err != nil {
		t.Fatalf("run: %v", err)
	}

	select {
	case fr := <-futures:
		if fr.FID != string(iid) {
			t.Fatalf("future fid = %q, want %q", fr.FID, iid)
		}
	default:
		t.Fatalf("expected a future result to be dispatched")
	}

	if a.History().Len() == 0 {
		t.Fatalf("expected history to be populated")
	}
}

func TestAgentRunExhaustsMaxRounds(t *testing.T) {
	a, _, _ := newTestAgentWithReturnType(t, []delta.Delta{
		{Content: "no code here, just talk", EndReason: delta.EndReasonStop},
	}, TokenBudget{MaxRounds: 1}, "object")
	defer a.Close(context.Background())

	err := a.Run(context.Background(), ids.NewIID(), "go", nil, false)
	if err == nil {
		t.Fatalf("expected MaxRoundsError")
	}
	named, ok := agenterrors.AsNamed(err)
	if !ok || named.Name() != "MaxRoundsError" {
		t.Fatalf("expected MaxRoundsError, got %v", err)
	}
}

func TestAgentRunStreamingFusesPartialsInOrder(t *testing.T) {
	a, gen, futures := newTestAgent(t, []delta.Delta{
		{Content: "He|llo ```\nreturn \"done\"\n```", EndReason: delta.EndReasonStop},
	}, TokenBudget{MaxRounds: 3})
	defer a.Close(context.Background())

	iid := ids.NewIID()
	if err := a.Run(context.Background(), iid, "stream please", nil, true); err != nil {
		t.Fatalf("run: %v", err)
	}

	select {
	case <-futures:
	default:
		t.Fatalf("expected a future result to be dispatched")
	}

	if len(gen.partial) == 0 {
		t.Fatalf("expected streaming partials to have been observed")
	}
	joined := strings.Join(gen.partial, "")
	heAt, lloAt := strings.Index(joined, "He"), strings.Index(joined, "llo")
	if heAt < 0 || lloAt < 0 || heAt > lloAt {
		t.Fatalf("partials out of order or missing: %v", gen.partial)
	}
}

func TestAgentCloseIsIdempotent(t *testing.T) {
	a, _, _ := newTestAgent(t, []delta.Delta{{Content: "```\nreturn 1\n```"}}, TokenBudget{MaxRounds: 1})
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestAgentCancelStopsARunningInvocation(t *testing.T) {
	a, _, _ := newTestAgent(t, []delta.Delta{
		{Content: "BLOCK"},
	}, TokenBudget{MaxRounds: 1000})
	defer a.Close(context.Background())

	iid := ids.NewIID()
	done := make(chan error, 1)
	go func() {
		done <- a.Run(context.Background(), iid, "go forever", nil, false)
	}()

	// Give Run a moment to register its cancellation scope, then cancel it.
	time.Sleep(10 * time.Millisecond)
	a.Cancel(iid)

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected an error from a cancelled run")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not observe cancellation in time")
	}
}

func TestEnsureAdmitReleaseRejectsWhenNotAdmitted(t *testing.T) {
	if err := EnsureAdmitRelease(false); err == nil {
		t.Fatalf("expected an error when admission failed")
	}
	if err := EnsureAdmitRelease(true); err != nil {
		t.Fatalf("expected no error when admission succeeded, got %v", err)
	}
}
