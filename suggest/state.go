package suggest

// RunID correlates a completion request with its stream events and cancellation.
// The empty RunID means "no active request".
type RunID string

// State is the entire mutable state of one engine instance.
type State struct {
	// RunID is the id of the active request, empty when idle.
	RunID RunID
	// Pending is true from the moment a request is issued until its terminal event.
	Pending bool
	// SuggestionText is the accumulated ghost text.
	SuggestionText string
}

// Idle returns the initial state.
func Idle() State {
	return State{}
}

// IsIdle reports whether there is neither an active run nor visible suggestion text.
func (s State) IsIdle() bool {
	return s.RunID == "" && s.SuggestionText == ""
}

// Active reports whether a run is outstanding or a suggestion is showing.
func (s State) Active() bool {
	return !s.IsIdle()
}

// TransitionKind enumerates the five state transitions.
type TransitionKind int

const (
	TransitionReset TransitionKind = iota
	TransitionRun
	TransitionDelta
	TransitionDone
	TransitionError
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionReset:
		return "reset"
	case TransitionRun:
		return "run"
	case TransitionDelta:
		return "delta"
	case TransitionDone:
		return "done"
	case TransitionError:
		return "error"
	default:
		return "unknown"
	}
}

// Transition is a discrete event applied to a State by Apply.
type Transition struct {
	Kind  TransitionKind
	RunID RunID  // TransitionRun only
	Text  string // TransitionDelta only
}

// Reset clears the state back to Idle.
func Reset() Transition { return Transition{Kind: TransitionReset} }

// Run starts tracking a freshly issued request.
func Run(id RunID) Transition { return Transition{Kind: TransitionRun, RunID: id} }

// Delta appends streamed text to the suggestion.
func Delta(text string) Transition { return Transition{Kind: TransitionDelta, Text: text} }

// Done marks the active request complete, keeping its text.
func Done() Transition { return Transition{Kind: TransitionDone} }

// Error drops the active request and its text.
func Error() Transition { return Transition{Kind: TransitionError} }

// Apply is the pure reducer over State. It has no side effects.
func Apply(s State, t Transition) State {
	switch t.Kind {
	case TransitionReset, TransitionError:
		return Idle()
	case TransitionRun:
		return State{RunID: t.RunID, Pending: true}
	case TransitionDelta:
		if s.RunID == "" {
			return s
		}
		return State{RunID: s.RunID, Pending: true, SuggestionText: s.SuggestionText + t.Text}
	case TransitionDone:
		return State{SuggestionText: s.SuggestionText}
	default:
		return s
	}
}
