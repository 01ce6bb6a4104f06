package suggest

// maxEarlyEvents bounds the events held while a Complete call is in flight.
const maxEarlyEvents = 256

// handleStream is the single entry point for backend events.
func (e *Engine) handleStream(ev StreamEvent) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if ev.RunID == "" || ev.RunID != e.state.RunID {
		switch {
		case e.issuing && ev.RunID != "" && len(e.early) < maxEarlyEvents:
			// The id may belong to the request whose Complete has not returned yet.
			e.early = append(e.early, ev)
		case e.issuing && ev.RunID != "":
			if e.overflowed == nil {
				e.overflowed = make(map[RunID]struct{})
			}
			e.overflowed[ev.RunID] = struct{}{}
			e.logger.Debug("early stream buffer full, dropping event",
				"run_id", string(ev.RunID),
				"kind", string(ev.Kind),
			)
		default:
			e.logger.Debug("discarding stale stream event",
				"run_id", string(ev.RunID),
				"kind", string(ev.Kind),
			)
		}
		e.mu.Unlock()
		return
	}
	e.correlateLocked(ev)
	e.mu.Unlock()

	e.render()
}

// correlateLocked folds an event for the current run into the state.
// e.mu must be held and ev.RunID must equal e.state.RunID.
func (e *Engine) correlateLocked(ev StreamEvent) {
	switch ev.Kind {
	case EventDelta:
		e.applyLocked(Delta(ev.DeltaText))
		if !e.shown && e.state.SuggestionText != "" {
			e.shown = true
			e.notifyLocked(ObservedShown, ev.RunID)
		}
	case EventDone:
		e.notifyLocked(ObservedCompleted, ev.RunID)
		e.applyLocked(Done())
	case EventError:
		e.logger.Debug("completion stream failed", "run_id", string(ev.RunID), "error", ev.Err)
		e.notifyLocked(ObservedFailed, ev.RunID)
		e.applyLocked(Error())
		e.shown = false
	default:
		e.logger.Debug("ignoring stream event of unknown kind", "kind", string(ev.Kind))
	}
}
