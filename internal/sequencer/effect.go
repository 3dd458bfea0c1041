package sequencer

import "github.com/dohr-michael/agentica-server/internal/delta"

// Effect is the closed set of things a Step can ask the Context to do.
type Effect interface {
	isEffect()
}

// Insert appends a plain user/system/agent-role message to the history.
type Insert struct {
	Content string
	Role    delta.Role
}

func (Insert) isEffect() {}

// Capture stashes a named value in the Context's scratch scope.
type Capture struct {
	Name  string
	Value any
}

func (Capture) isEffect() {}

// Retrieve fetches a named value previously stashed with Capture.
type Retrieve struct {
	Name string
}

func (Retrieve) isEffect() {}

// ReplInit populates or updates the sandbox's globals/locals namespaces.
type ReplInit struct {
	Globals map[string]any
	Locals  map[string]any
}

func (ReplInit) isEffect() {}

// ReplRunCodeOptions carries the per-call options accepted by repl_run_code.
type ReplRunCodeOptions struct {
	IID  string
	Mode string
}

// ReplRunCode executes one fenced code block inside the sandbox.
type ReplRunCode struct {
	Code    string
	Options ReplRunCodeOptions
}

func (ReplRunCode) isEffect() {}

// ReplCallMethod invokes an arbitrary introspective method on the guest.
type ReplCallMethod struct {
	Name string
	Args []any
	Kwargs map[string]any
	// Raw requests the result as undecoded bytes rather than JSON-decoded,
	// used when the caller needs pass-through payloads.
	Raw bool
}

func (ReplCallMethod) isEffect() {}

// ReplSessionInfo asks the guest for its current session summary.
type ReplSessionInfo struct{}

func (ReplSessionInfo) isEffect() {}

// ModelInference performs one inference call bounded by the given budget.
type ModelInference struct {
	StopTokens []string
	MaxTokens  *int
	MaxRetries *int
	Streaming  bool
}

func (ModelInference) isEffect() {}

// InsertDelta appends an already-constructed delta to the history (used to
// append the fused assistant delta after streaming).
type InsertDelta struct {
	Delta delta.Delta
}

func (InsertDelta) isEffect() {}

// SendLog forwards a structured observability event to the notifier.
type SendLog struct {
	Event string
	Attrs map[string]any
}

func (SendLog) isEffect() {}

// LogCodeBlock records the code about to be executed and returns an
// execution id correlating it with the eventual LogExecuteResult.
type LogCodeBlock struct {
	Code string
}

func (LogCodeBlock) isEffect() {}

// LogExecuteResult records the outcome of a previously logged code block.
type LogExecuteResult struct {
	Result any
	ExecID string
}

func (LogExecuteResult) isEffect() {}
