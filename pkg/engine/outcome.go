package engine

// OutcomeKind is the terminal state a scheduled task reaches.
type OutcomeKind string

const (
	// OutcomeUnrun is the initial state before the scheduler reaches a task.
	OutcomeUnrun OutcomeKind = "unrun"

	// OutcomeSuccess indicates the body completed or the task had no body.
	OutcomeSuccess OutcomeKind = "success"

	// OutcomeCancel indicates the body returned the cancel sigil. Dependents
	// are skipped; the run still exits zero.
	OutcomeCancel OutcomeKind = "cancel"

	// OutcomeFail indicates the body returned the fail sigil or raised an
	// uncaught script error. The plan halts.
	OutcomeFail OutcomeKind = "fail"

	// OutcomeSkipped indicates a transitive dependency cancelled.
	OutcomeSkipped OutcomeKind = "skipped"
)

// Outcome is the tagged result of running one task.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool {
	return o.Kind != OutcomeUnrun
}

// Success returns the success outcome.
func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }

// Cancel returns a cancel outcome with an optional reason.
func Cancel(reason string) Outcome { return Outcome{Kind: OutcomeCancel, Reason: reason} }

// Fail returns a fail outcome.
func Fail(reason string) Outcome { return Outcome{Kind: OutcomeFail, Reason: reason} }

// Skipped returns the skipped outcome.
func Skipped() Outcome { return Outcome{Kind: OutcomeSkipped} }
