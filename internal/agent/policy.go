package agent

import (
	"strconv"

	"github.com/dohr-michael/agentica-server/internal/agenterrors"
	"github.com/dohr-michael/agentica-server/internal/delta"
	"github.com/dohr-michael/agentica-server/internal/sandbox"
	"github.com/dohr-michael/agentica-server/internal/sequencer"
)

// userSequence builds the interaction policy of spec.md §4.4 as a single
// Step: repeatedly infer, append the fused delta, extract and execute the
// first fenced code block, and loop — until a future result is dispatched,
// the round budget is exhausted, or an unrecoverable error occurs.
func userSequence(strategy Strategy, budget *tracker, iid string, streaming bool, returnType string) sequencer.Step {
	return round(strategy, budget, iid, streaming, returnType)
}

func round(strategy Strategy, budget *tracker, iid string, streaming bool, returnType string) sequencer.Step {
	if budget.exceededMaxRounds() {
		return sequencer.Fail(agenterrors.NewMaxRoundsError())
	}
	opts := sequencer.ModelInference{MaxTokens: budget.effectiveCap(), Streaming: streaming}
	return sequencer.Do(opts, func(result any, err error) sequencer.Step {
		if err != nil {
			return sequencer.Fail(err)
		}
		d := result.(delta.Delta)
		completion := 0
		if d.Usage != nil {
			completion = d.Usage.CompletionTokens
		}
		budget.spend(completion)
		return sequencer.Do(sequencer.InsertDelta{Delta: d}, func(any, error) sequencer.Step {
			return afterInsert(strategy, budget, iid, streaming, d, returnType)
		})
	})
}

func afterInsert(strategy Strategy, budget *tracker, iid string, streaming bool, d delta.Delta, returnType string) sequencer.Step {
	if d.Content == "" {
		return sequencer.Do(sequencer.Insert{Content: strategy.EmptyResponseMessage(), Role: delta.RoleUser}, func(any, error) sequencer.Step {
			return round(strategy, budget, iid, streaming, returnType)
		})
	}

	blocks := extractCodeBlocks(d.Content)
	if len(blocks) == 0 {
		if returnType == "str" || returnType == "" {
			code := "return " + strconv.Quote(stripReasoningTags(d.Content))
			return executeCode(strategy, budget, iid, streaming, code, false, returnType)
		}
		return sequencer.Do(sequencer.Insert{Content: strategy.MissingCodeMessage(), Role: delta.RoleUser}, func(any, error) sequencer.Step {
			return round(strategy, budget, iid, streaming, returnType)
		})
	}
	return executeCode(strategy, budget, iid, streaming, blocks[0], len(blocks) > 1, returnType)
}

func executeCode(strategy Strategy, budget *tracker, iid string, streaming bool, code string, extraBlocks bool, returnType string) sequencer.Step {
	return sequencer.Do(sequencer.LogCodeBlock{Code: code}, func(execIDAny any, _ error) sequencer.Step {
		execID, _ := execIDAny.(string)
		return sequencer.Do(sequencer.ReplRunCode{Code: code, Options: sequencer.ReplRunCodeOptions{IID: iid}}, func(resultAny any, err error) sequencer.Step {
			return sequencer.Do(sequencer.LogExecuteResult{Result: resultAny, ExecID: execID}, func(any, error) sequencer.Step {
				if err != nil {
					return sequencer.Fail(agenterrors.NewSandboxError(err))
				}
				return afterExecute(strategy, budget, iid, streaming, resultAny, extraBlocks, returnType)
			})
		})
	})
}

func afterExecute(strategy Strategy, budget *tracker, iid string, streaming bool, resultAny any, extraBlocks bool, returnType string) sequencer.Step {
	info, ok := resultAny.(sandbox.EvaluationInfo)
	if !ok {
		return sequencer.Fail(agenterrors.NewSandboxError(errUnexpectedEvalType))
	}

	// If the evaluation syntactically returned or raised while an iid was
	// provided, the sandbox has already dispatched a FutureResult to the
	// client for this invocation: the policy terminates here (spec.md §4.4
	// step 6).
	if info.HasResult && (info.HasReturnValue || info.HasRaisedError) {
		return sequencer.Pure(nil)
	}

	outputMsg := info.OutStr
	if outputMsg == "" {
		outputMsg = strategy.EmptyOutputMessage()
	}
	return sequencer.Do(sequencer.Insert{Content: outputMsg, Role: delta.RoleUser}, func(any, error) sequencer.Step {
		return afterOutputMessage(strategy, budget, iid, streaming, info, extraBlocks, returnType)
	})
}

func afterOutputMessage(strategy Strategy, budget *tracker, iid string, streaming bool, info sandbox.EvaluationInfo, extraBlocks bool, returnType string) sequencer.Step {
	if info.ExceptionName == "SystemExit" {
		return sequencer.Do(sequencer.Insert{Content: strategy.UncaughtExitMessage(), Role: delta.RoleUser}, func(any, error) sequencer.Step {
			return afterExitExplanation(strategy, budget, iid, streaming, extraBlocks, returnType)
		})
	}
	return afterExitExplanation(strategy, budget, iid, streaming, extraBlocks, returnType)
}

func afterExitExplanation(strategy Strategy, budget *tracker, iid string, streaming bool, extraBlocks bool, returnType string) sequencer.Step {
	if extraBlocks {
		return sequencer.Do(sequencer.Insert{Content: strategy.MultipleCodeBlocksMessage(), Role: delta.RoleUser}, func(any, error) sequencer.Step {
			return round(strategy, budget, iid, streaming, returnType)
		})
	}
	return round(strategy, budget, iid, streaming, returnType)
}
