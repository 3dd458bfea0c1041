package sequencer

import (
	"context"
	"errors"
	"testing"

	"github.com/dohr-michael/agentica-server/internal/delta"
)

type stubSandbox struct {
	runCode func(code string) (any, error)
}

func (s *stubSandbox) Init(ctx context.Context, globals, locals map[string]any) (any, error) {
	return nil, nil
}

func (s *stubSandbox) RunCode(ctx context.Context, code string, opts ReplRunCodeOptions) (any, error) {
	if s.runCode != nil {
		return s.runCode(code)
	}
	return "ok", nil
}

func (s *stubSandbox) CallMethod(ctx context.Context, name string, args []any, kwargs map[string]any, raw bool) (any, error) {
	return nil, nil
}

func (s *stubSandbox) SessionInfo(ctx context.Context) (any, error) { return nil, nil }

type stubGeneration struct{}

func (stubGeneration) Infer(ctx context.Context, history []delta.Delta, opts ModelInference) (delta.Delta, error) {
	return delta.Delta{Role: delta.RoleAgent, Content: "```\nprint(1)\n```"}, nil
}

func (stubGeneration) InferStreaming(ctx context.Context, history []delta.Delta, opts ModelInference, onPartial func(delta.Delta)) (delta.Delta, error) {
	onPartial(delta.Delta{Content: "He"})
	onPartial(delta.Delta{Content: "llo"})
	return delta.Delta{Role: delta.RoleAgent, Content: "Hello", EndReason: delta.EndReasonStop}, nil
}

type stubNotifier struct {
	events []string
}

func (n *stubNotifier) Publish(event string, attrs map[string]any) {
	n.events = append(n.events, event)
}

func newTestContext() *Context {
	return &Context{
		Sandbox:    &stubSandbox{},
		Generation: stubGeneration{},
		History:    &delta.History{},
		Notifier:   &stubNotifier{},
	}
}

func TestRunPureReturnsValueImmediately(t *testing.T) {
	c := newTestContext()
	v, err := c.Run(context.Background(), Pure(42))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("got %v, want 42", v)
	}
}

func TestRunInsertAppendsToHistory(t *testing.T) {
	c := newTestContext()
	step := Do(Insert{Content: "hi", Role: delta.RoleUser}, func(result any, err error) Step {
		return Pure(result)
	})
	_, err := c.Run(context.Background(), step)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.History.Len() != 1 {
		t.Fatalf("history length = %d, want 1", c.History.Len())
	}
	if c.History.All()[0].Content != "hi" {
		t.Fatalf("unexpected content %q", c.History.All()[0].Content)
	}
}

func TestRunChainsMultipleEffects(t *testing.T) {
	c := newTestContext()
	step := Do(LogCodeBlock{Code: "print(1)"}, func(execID any, err error) Step {
		return Do(ReplRunCode{Code: "print(1)"}, func(result any, err error) Step {
			return Do(LogExecuteResult{Result: result, ExecID: execID.(string)}, func(any, error) Step {
				return Pure(result)
			})
		})
	})
	v, err := c.Run(context.Background(), step)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Fatalf("got %v, want ok", v)
	}
	n := c.Notifier.(*stubNotifier)
	if len(n.events) != 2 || n.events[0] != "code.block" || n.events[1] != "code.result" {
		t.Fatalf("unexpected events %v", n.events)
	}
}

func TestRunFailStopsTheSequence(t *testing.T) {
	c := newTestContext()
	boom := errors.New("boom")
	step := Do(ReplRunCode{Code: "bad"}, func(result any, err error) Step {
		return Fail(boom)
	})
	_, err := c.Run(context.Background(), step)
	if !errors.Is(err, boom) {
		t.Fatalf("got err %v, want %v", err, boom)
	}
}

func TestRunModelInferenceStreamingFusesDeltas(t *testing.T) {
	c := newTestContext()
	step := Do(ModelInference{Streaming: true}, func(result any, err error) Step {
		return Pure(result)
	})
	v, err := c.Run(context.Background(), step)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := v.(delta.Delta)
	if d.Content != "Hello" {
		t.Fatalf("got content %q, want Hello", d.Content)
	}
}
