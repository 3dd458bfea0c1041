// Package sequencer implements the "history monad": a composable
// effect-description abstraction that decouples the agent's interaction
// policy from how each effect is actually executed.
//
// A description is either Pure(v) or Do(effect, continuation). A runner
// (Context.Run) walks the description against a mutable Context and
// produces the final value. The policy itself (internal/agent) only ever
// builds Steps; it never touches a sandbox, an HTTP client, or the history
// directly, which keeps it testable against a stub Context.
package sequencer

// Step is a description of an effectful computation: either a pure value
// or a further effect to perform before continuing.
type Step interface {
	isStep()
}

type pureStep struct {
	value any
}

func (pureStep) isStep() {}

type doStep struct {
	effect Effect
	cont   func(result any, err error) Step
}

func (doStep) isStep() {}

// Pure lifts a plain value into a Step that requires no further effects.
func Pure(v any) Step {
	return pureStep{value: v}
}

// Do sequences effect, then passes its result (or error) to cont to produce
// the next Step. If effect fails, cont is still invoked with err set so
// that policies can decide how to recover instead of the runner deciding
// for them; a policy that wants fail-fast semantics simply returns
// Fail(err) when err != nil.
func Do(effect Effect, cont func(result any, err error) Step) Step {
	return doStep{effect: effect, cont: cont}
}

// Fail produces a Step that, when run, terminates the sequence with err.
func Fail(err error) Step {
	return doStep{
		effect: failEffect{err: err},
		cont:   func(any, error) Step { return nil },
	}
}

type failEffect struct{ err error }

func (failEffect) isEffect() {}
