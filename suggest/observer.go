package suggest

// ObservedKind is a suggestion lifecycle milestone reported to an Observer.
type ObservedKind string

const (
	ObservedRequested ObservedKind = "requested" // Complete returned a run id
	ObservedShown     ObservedKind = "shown"     // first delta of a run arrived
	ObservedCompleted ObservedKind = "completed" // run finished streaming
	ObservedAccepted  ObservedKind = "accepted"  // user accepted the ghost text
	ObservedRejected  ObservedKind = "rejected"  // user explicitly dismissed it
	ObservedIgnored   ObservedKind = "ignored"   // abandoned by edits, navigation or blur
	ObservedFailed    ObservedKind = "failed"    // backend reported an error
)

// Observation describes one lifecycle milestone.
type Observation struct {
	Kind  ObservedKind
	RunID RunID
	// Text is the suggestion text at the time of the observation.
	Text string
}

// Observer receives lifecycle milestones. It is called with the engine lock held
// and must not call back into the engine.
type Observer interface {
	Observe(Observation)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Observation)

// Observe implements Observer.
func (f ObserverFunc) Observe(o Observation) { f(o) }

func (e *Engine) notifyLocked(kind ObservedKind, id RunID) {
	if e.observer == nil {
		return
	}
	e.observer.Observe(Observation{Kind: kind, RunID: id, Text: e.state.SuggestionText})
}
