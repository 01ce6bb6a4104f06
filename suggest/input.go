package suggest

// Key names a key press the host forwards to the engine. Values follow DOM
// KeyboardEvent.key names so web hosts can forward them verbatim.
type Key string

const (
	KeyTab        Key = "Tab"
	KeyEscape     Key = "Escape"
	KeyArrowLeft  Key = "ArrowLeft"
	KeyArrowRight Key = "ArrowRight"
	KeyArrowUp    Key = "ArrowUp"
	KeyArrowDown  Key = "ArrowDown"
	KeyHome       Key = "Home"
	KeyEnd        Key = "End"
	KeyPageUp     Key = "PageUp"
	KeyPageDown   Key = "PageDown"
)

// IsNavigation reports whether k moves the cursor without editing.
func (k Key) IsNavigation() bool {
	switch k {
	case KeyArrowLeft, KeyArrowRight, KeyArrowUp, KeyArrowDown,
		KeyHome, KeyEnd, KeyPageUp, KeyPageDown:
		return true
	}
	return false
}

// HandleKey must be called before the host's default handling of a key press.
// It returns true when the engine consumed the key and the host must skip its
// default action.
func (e *Engine) HandleKey(k Key) bool {
	switch {
	case k == KeyTab:
		return e.accept()
	case k == KeyEscape:
		return e.dismiss()
	case k.IsNavigation():
		e.abandon(ReasonInput)
		return false
	}
	return false
}

// HandleClick is called for pointer clicks inside the document. The click
// itself is never intercepted.
func (e *Engine) HandleClick() {
	e.abandon(ReasonInput)
}

// SelectionChanged is called when the selection moved without a document edit.
func (e *Engine) SelectionChanged() {
	e.abandon(ReasonInput)
}

// Blur is called when the view loses focus.
func (e *Engine) Blur() {
	e.abandon(ReasonInput)
}

// DocChanged is called after every document edit, including the insertion made
// by accepting a suggestion. It abandons the current suggestion and considers a
// fresh cycle.
func (e *Engine) DocChanged() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	abandoned := e.abandonLocked(ObservedIgnored)
	e.scheduleLocked()
	e.mu.Unlock()

	e.cancelRun(abandoned, ReasonInput)
	e.render()
}

// ScheduleIfEligible arms the idle timer without abandoning anything. Hosts use
// it after attaching an engine to a view that already has content.
func (e *Engine) ScheduleIfEligible() {
	e.mu.Lock()
	if e.closed || e.state.Active() {
		e.mu.Unlock()
		return
	}
	e.scheduleLocked()
	e.mu.Unlock()
}

// abandon drops the pending timer and, when something is showing or running,
// resets the state and cancels the run.
func (e *Engine) abandon(reason CancelReason) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.stopTimerLocked()
	if e.state.IsIdle() {
		e.mu.Unlock()
		return
	}
	abandoned := e.abandonLocked(ObservedIgnored)
	e.mu.Unlock()

	e.cancelRun(abandoned, reason)
	e.render()
}

func (e *Engine) dismiss() bool {
	e.mu.Lock()
	if e.closed || e.state.IsIdle() {
		e.mu.Unlock()
		return false
	}
	e.stopTimerLocked()
	abandoned := e.abandonLocked(ObservedRejected)
	e.mu.Unlock()

	e.cancelRun(abandoned, ReasonUser)
	e.render()
	return true
}

func (e *Engine) accept() bool {
	e.mu.Lock()
	if e.closed || e.state.SuggestionText == "" {
		e.mu.Unlock()
		return false
	}
	sel := e.host.Selection()
	if !sel.Collapsed() {
		e.mu.Unlock()
		return false
	}
	text := e.state.SuggestionText
	outstanding := e.state.RunID
	e.notifyLocked(ObservedAccepted, outstanding)
	e.stopTimerLocked()
	e.applyLocked(Reset())
	e.shown = false
	e.mu.Unlock()

	// State is reset before the insert so the host's resulting DocChanged sees an
	// idle engine and does not cancel the run a second time.
	e.render()
	if err := e.host.Insert(sel.To, text); err != nil {
		e.logger.Warn("failed to insert accepted suggestion", "error", err)
	}
	e.cancelRun(outstanding, ReasonUser)
	return true
}
