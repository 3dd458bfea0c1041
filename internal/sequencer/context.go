package sequencer

import (
	"context"
	"fmt"
	"sync"

	"github.com/dohr-michael/agentica-server/internal/delta"
)

// Sandbox is the subset of the sandbox bridge the sequencer needs to drive
// the REPL contract. internal/sandbox.Bridge satisfies it.
type Sandbox interface {
	Init(ctx context.Context, globals, locals map[string]any) (any, error)
	RunCode(ctx context.Context, code string, opts ReplRunCodeOptions) (any, error)
	CallMethod(ctx context.Context, name string, args []any, kwargs map[string]any, raw bool) (any, error)
	SessionInfo(ctx context.Context) (any, error)
}

// Generation is the subset of the inference client the sequencer needs.
// internal/inference.Client satisfies it.
type Generation interface {
	Infer(ctx context.Context, history []delta.Delta, opts ModelInference) (delta.Delta, error)
	InferStreaming(ctx context.Context, history []delta.Delta, opts ModelInference, onPartial func(delta.Delta)) (delta.Delta, error)
}

// Notifier is the subset of the event bus the sequencer needs.
type Notifier interface {
	Publish(event string, attrs map[string]any)
}

// Context is the mutable environment a Step is interpreted against: the
// sandbox, the inference client, the running history, the notifier, and a
// small scratch scope for Capture/Retrieve.
type Context struct {
	Sandbox    Sandbox
	Generation Generation
	History    *delta.History
	Notifier   Notifier
	Protocol   string

	mu      sync.Mutex
	scratch map[string]any
	execSeq int
}

// Run walks step, performing each effect in turn, until a Pure value is
// reached or an effect fails without being recovered by its continuation.
func (c *Context) Run(ctx context.Context, step Step) (any, error) {
	for {
		switch s := step.(type) {
		case pureStep:
			return s.value, nil
		case doStep:
			if fe, ok := s.effect.(failEffect); ok {
				return nil, fe.err
			}
			result, err := c.perform(ctx, s.effect)
			next := s.cont(result, err)
			if next == nil {
				if err != nil {
					return nil, err
				}
				return nil, fmt.Errorf("sequencer: continuation returned nil step without error")
			}
			step = next
		default:
			return nil, fmt.Errorf("sequencer: unknown step type %T", step)
		}
	}
}

func (c *Context) perform(ctx context.Context, effect Effect) (any, error) {
	switch e := effect.(type) {
	case Insert:
		d := delta.Delta{Role: e.Role, Content: e.Content}
		c.History.Append(d)
		return d, nil
	case InsertDelta:
		c.History.Append(e.Delta)
		return e.Delta, nil
	case Capture:
		c.mu.Lock()
		if c.scratch == nil {
			c.scratch = make(map[string]any)
		}
		c.scratch[e.Name] = e.Value
		c.mu.Unlock()
		return e.Value, nil
	case Retrieve:
		c.mu.Lock()
		v := c.scratch[e.Name]
		c.mu.Unlock()
		return v, nil
	case ReplInit:
		return c.Sandbox.Init(ctx, e.Globals, e.Locals)
	case ReplRunCode:
		return c.Sandbox.RunCode(ctx, e.Code, e.Options)
	case ReplCallMethod:
		return c.Sandbox.CallMethod(ctx, e.Name, e.Args, e.Kwargs, e.Raw)
	case ReplSessionInfo:
		return c.Sandbox.SessionInfo(ctx)
	case ModelInference:
		if e.Streaming {
			onPartial := func(p delta.Delta) {
				c.Notifier.Publish("inference.delta", map[string]any{"content": p.Content})
			}
			return c.Generation.InferStreaming(ctx, c.History.All(), e, onPartial)
		}
		return c.Generation.Infer(ctx, c.History.All(), e)
	case SendLog:
		c.Notifier.Publish(e.Event, e.Attrs)
		return nil, nil
	case LogCodeBlock:
		c.mu.Lock()
		c.execSeq++
		id := fmt.Sprintf("exec-%d", c.execSeq)
		c.mu.Unlock()
		c.Notifier.Publish("code.block", map[string]any{"exec_id": id, "code": e.Code})
		return id, nil
	case LogExecuteResult:
		c.Notifier.Publish("code.result", map[string]any{"exec_id": e.ExecID, "result": e.Result})
		return nil, nil
	default:
		return nil, fmt.Errorf("sequencer: unhandled effect %T", effect)
	}
}
