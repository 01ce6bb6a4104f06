package suggest

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// snapshot is what the scheduler captured when it armed the timer.
type snapshot struct {
	gen      uint64
	revision uint64
	sel      Selection
}

// scheduleLocked arms the idle timer if the view is eligible for a suggestion.
// Any previously armed timer is dropped first. e.mu must be held.
func (e *Engine) scheduleLocked() {
	e.stopTimerLocked()

	if e.closed || !e.enabled || !e.host.HasFocus() {
		return
	}
	sel := e.host.Selection()
	if !sel.Collapsed() {
		return
	}

	snap := snapshot{gen: e.gen, revision: e.host.Revision(), sel: sel}
	e.timer = time.AfterFunc(e.cfg.IdleDelay, func() { e.fire(snap) })
}

// stopTimerLocked drops the armed timer and invalidates any timer callback or
// Complete call that is already running. e.mu must be held.
func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
}

// fire runs on the timer goroutine once the idle delay has elapsed.
func (e *Engine) fire(snap snapshot) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("suggestion scheduler panic", "panic", r)
		}
	}()

	e.mu.Lock()
	req, ok := e.prepareLocked(snap)
	if !ok {
		e.mu.Unlock()
		return
	}
	e.issuing = true
	e.early = e.early[:0]
	e.overflowed = nil
	e.mu.Unlock()

	res, err := e.complete(req)
	if err == nil && res.RunID == "" {
		err = ErrEmptyRunID
	}

	e.mu.Lock()
	e.issuing = false
	early := e.early
	e.early = nil
	_, gapped := e.overflowed[res.RunID]
	e.overflowed = nil
	rearm := e.rearm
	e.rearm = false

	if err != nil {
		if rearm {
			e.scheduleLocked()
		}
		e.mu.Unlock()
		e.logger.Debug("completion request failed", "error", err)
		return
	}

	if snap.gen != e.gen || e.closed || !e.state.IsIdle() {
		// Superseded while the request was being issued. A timer skipped in
		// the meantime gets a fresh one.
		if rearm && e.state.IsIdle() {
			e.scheduleLocked()
		}
		e.mu.Unlock()
		e.logger.Debug("dropping superseded run", "run_id", string(res.RunID))
		e.cancelRun(res.RunID, ReasonInput)
		return
	}

	if gapped {
		e.mu.Unlock()
		e.logger.Debug("dropping run with lost stream events", "run_id", string(res.RunID))
		e.cancelRun(res.RunID, ReasonInput)
		return
	}

	e.applyLocked(Run(res.RunID))
	e.shown = false
	e.notifyLocked(ObservedRequested, res.RunID)
	for _, ev := range early {
		if ev.RunID == res.RunID {
			e.correlateLocked(ev)
		}
	}
	e.mu.Unlock()

	e.render()
}

// complete calls the client, turning a panic into an error so the issuing
// flag is always cleared.
func (e *Engine) complete(req CompletionRequest) (res CompletionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("suggest: Complete panicked: %v", r)
		}
	}()
	return e.client.Complete(e.ctx, req)
}

// prepareLocked re-validates the trigger preconditions captured in snap and
// builds the request. e.mu must be held.
func (e *Engine) prepareLocked(snap snapshot) (CompletionRequest, bool) {
	if snap.gen != e.gen || e.closed || !e.enabled {
		return CompletionRequest{}, false
	}
	if e.issuing {
		// At most one Complete at a time; the running call re-arms the timer
		// when it returns.
		e.rearm = true
		return CompletionRequest{}, false
	}
	if !e.host.HasFocus() || e.host.Revision() != snap.revision {
		return CompletionRequest{}, false
	}
	sel := e.host.Selection()
	if sel != snap.sel || !sel.Collapsed() {
		return CompletionRequest{}, false
	}
	if !e.state.IsIdle() {
		return CompletionRequest{}, false
	}

	docLen := e.host.Len()
	caret := min(sel.To, docLen)
	prefix := e.host.TextRange(max(0, caret-e.cfg.MaxPrefixChars), caret)
	suffix := e.host.TextRange(caret, min(docLen, caret+e.cfg.MaxSuffixChars))

	if utf8.RuneCountInString(strings.TrimSpace(prefix)) < e.cfg.MinPrefixChars {
		return CompletionRequest{}, false
	}

	return CompletionRequest{
		PrefixText:    prefix,
		SuffixText:    suffix,
		MaxTokens:     e.cfg.MaxTokens,
		Temperature:   *e.cfg.Temperature,
		Timeout:       e.cfg.Timeout,
		StopSequences: e.cfg.StopSequences,
	}, true
}
