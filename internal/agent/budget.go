package agent

// TokenBudget governs how many rounds an invocation may take and how many
// completion tokens each round/invocation may spend (spec.md §3, §4.4).
//
// MaxPerRound may legitimately be nil (unbounded) even when MaxRounds is
// set — the source allows this combination and we keep it rather than
// silently coupling the two (spec.md §9 open question).
type TokenBudget struct {
	MaxPerInvocation *int
	MaxPerRound      *int
	MaxRounds        int
}

// tracker is the per-invocation mutable view of a TokenBudget: it counts
// down remaining completion tokens as rounds complete.
type tracker struct {
	budget               TokenBudget
	remainingInvocation  *int
	round                int
}

func newTracker(b TokenBudget) *tracker {
	t := &tracker{budget: b}
	if b.MaxPerInvocation != nil {
		v := *b.MaxPerInvocation
		t.remainingInvocation = &v
	}
	return t
}

// effectiveCap returns min(MaxPerRound, remaining invocation budget), or
// nil when both are unbounded.
func (t *tracker) effectiveCap() *int {
	var cap *int
	if t.budget.MaxPerRound != nil {
		v := *t.budget.MaxPerRound
		cap = &v
	}
	if t.remainingInvocation != nil {
		if cap == nil || *t.remainingInvocation < *cap {
			v := *t.remainingInvocation
			cap = &v
		}
	}
	return cap
}

// spend subtracts completionTokens from the remaining invocation budget
// and advances the round counter.
func (t *tracker) spend(completionTokens int) {
	t.round++
	if t.remainingInvocation != nil {
		*t.remainingInvocation -= completionTokens
		if *t.remainingInvocation < 0 {
			*t.remainingInvocation = 0
		}
	}
}

// exceededMaxRounds reports whether another round would exceed MaxRounds.
func (t *tracker) exceededMaxRounds() bool {
	return t.budget.MaxRounds > 0 && t.round >= t.budget.MaxRounds
}
