// Package agent binds a sandbox, an inference client, a system prompt, and
// the sequencer policy into one invocable unit, adapted from the teacher's
// EventRunner (internal/agent/eventrunner.go) and the cancellation-aware
// per-session run pattern of the standalone Vickko-gentica agent.go, but
// replacing eino's ADK iterator loop with the sequencer's effect
// descriptions.
package agent

import (
	"fmt"

	"github.com/dohr-michael/agentica-server/internal/delta"
	"github.com/dohr-michael/agentica-server/internal/sequencer"
)

// Strategy replaces runtime pattern-matching on (provider, model) with a
// small, immutable table of interaction strategies selected once at agent
// construction (spec.md §9). Each strategy only varies prompt wording; the
// interaction policy's control flow (policy.go) is provider-agnostic.
type Strategy interface {
	// InitSequence builds the one-time system-prompt sequence run before
	// an agent's first invocation.
	InitSequence(premise, system string) sequencer.Step
	// EmptyResponseMessage is inserted when a round's inference produced
	// no content at all.
	EmptyResponseMessage() string
	// MissingCodeMessage is inserted when the response had no fenced code
	// block and the declared return type isn't a bare string.
	MissingCodeMessage() string
	// EmptyOutputMessage is inserted when code execution produced no
	// observable output.
	EmptyOutputMessage() string
	// UncaughtExitMessage explains a SystemExit-style evaluation outcome.
	UncaughtExitMessage() string
	// MultipleCodeBlocksMessage explains that extra fenced blocks were
	// present and ignored.
	MultipleCodeBlocksMessage() string
}

type baseStrategy struct {
	name string
}

func (s baseStrategy) InitSequence(premise, system string) sequencer.Step {
	content := system
	if premise != "" {
		content = premise + "\n\n" + system
	}
	return sequencer.Do(sequencer.Insert{Content: content, Role: delta.RoleSystem}, func(any, error) sequencer.Step {
		return sequencer.Pure(nil)
	})
}

func (s baseStrategy) EmptyResponseMessage() string {
	return "The model returned an empty response. Produce a fenced code block with your next action."
}

func (s baseStrategy) MissingCodeMessage() string {
	return "No fenced code block was found in the response. Wrap executable code in a ``` block."
}

func (s baseStrategy) EmptyOutputMessage() string {
	return "The executed code produced no output."
}

func (s baseStrategy) UncaughtExitMessage() string {
	return "The code called exit/raised SystemExit without returning a value."
}

func (s baseStrategy) MultipleCodeBlocksMessage() string {
	return "Multiple code blocks were present; only the first was executed."
}

// openAIStrategy and anthropicStrategy vary only in wording from the base,
// grounded on the provider-specific variance observed in
// original_source/monads/repl_tool/multi_turn/{openai,anthropic}.py.
type openAIStrategy struct{ baseStrategy }
type anthropicStrategy struct{ baseStrategy }

func (s anthropicStrategy) MissingCodeMessage() string {
	return "No fenced code block was found. Anthropic models must respond with exactly one ``` block containing the next action."
}

// routerFallbackStrategy is used for router-dispatched models that do not
// match a known provider family.
type routerFallbackStrategy struct{ baseStrategy }

// StrategyFor selects the immutable strategy for a provider name, falling
// back to the router-generic strategy for anything unrecognized.
func StrategyFor(provider string) Strategy {
	switch provider {
	case "openai":
		return openAIStrategy{baseStrategy{name: "openai"}}
	case "anthropic":
		return anthropicStrategy{baseStrategy{name: "anthropic"}}
	default:
		return routerFallbackStrategy{baseStrategy{name: fmt.Sprintf("router:%s", provider)}}
	}
}
