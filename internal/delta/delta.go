// Package delta implements the append-only conversation history: roles,
// deltas, and the fusion of many partial streaming deltas into one.
package delta

// Role is the speaker of a Delta.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
)

// EndReason is the model's declared reason for ending a turn.
type EndReason string

const (
	EndReasonUnset EndReason = ""
	EndReasonStop  EndReason = "stop"
	EndReasonEOS   EndReason = "eos"
	EndReasonOther EndReason = "other"
)

// Usage is token accounting reported alongside a Delta.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Merge deep-merges u2 into u, per spec.md §4.4's "deep-merge usage" rule:
// fields on u2 are added to the running totals.
func (u Usage) Merge(u2 Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + u2.PromptTokens,
		CompletionTokens: u.CompletionTokens + u2.CompletionTokens,
		TotalTokens:      u.TotalTokens + u2.TotalTokens,
	}
}

// Delta is one entry in the append-only history.
type Delta struct {
	ID               string    `json:"id"`
	Role             Role      `json:"role"`
	Content          string    `json:"content,omitempty"`
	ReasoningContent string    `json:"reasoning_content,omitempty"`
	Refusal          string    `json:"refusal,omitempty"`
	Usage            *Usage    `json:"usage,omitempty"`
	EndReason        EndReason `json:"end_reason,omitempty"`
	// Implicit marks few-shot scaffolding system messages for observability
	// only; they remain part of the history regardless.
	Implicit bool `json:"implicit,omitempty"`
}

// History is the ordered, append-only sequence of deltas for one agent.
type History struct {
	deltas []Delta
}

// Append adds d to the end of the history.
func (h *History) Append(d Delta) {
	h.deltas = append(h.deltas, d)
}

// All returns a copy of the deltas in order.
func (h *History) All() []Delta {
	out := make([]Delta, len(h.deltas))
	copy(out, h.deltas)
	return out
}

// Len reports the number of deltas recorded.
func (h *History) Len() int { return len(h.deltas) }

// Fuser accumulates partial streaming deltas into one logical delta,
// implementing spec.md §4.4's streaming fusion rules: concatenate
// content/reasoning_content/refusal, deep-merge usage, update end_reason
// from any non-EOS partial, keep the first id and role.
type Fuser struct {
	started bool
	out     Delta
}

// Add folds one partial delta into the fuser's running result.
func (f *Fuser) Add(partial Delta) {
	if !f.started {
		f.out = Delta{ID: partial.ID, Role: partial.Role}
		f.started = true
	}
	f.out.Content += partial.Content
	f.out.ReasoningContent += partial.ReasoningContent
	f.out.Refusal += partial.Refusal
	if partial.Usage != nil {
		base := Usage{}
		if f.out.Usage != nil {
			base = *f.out.Usage
		}
		merged := base.Merge(*partial.Usage)
		f.out.Usage = &merged
	}
	if partial.EndReason != EndReasonUnset && partial.EndReason != EndReasonEOS {
		f.out.EndReason = partial.EndReason
	}
}

// Result returns the fused delta. Safe to call even if Add was never
// called; returns a zero-value Delta in that case.
func (f *Fuser) Result() Delta { return f.out }
