package suggest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fox = "The quick brown fox jumps over"

func waitRun(t *testing.T, e *Engine, id RunID) {
	t.Helper()
	require.Eventually(t, func() bool { return e.State().RunID == id },
		time.Second, 2*time.Millisecond, "run %s never started", id)
}

// startRun types fox into an empty document and waits for r1.
func startRun(t *testing.T, e *Engine, host *fakeHost) {
	t.Helper()
	host.typeText(fox)
	waitRun(t, e, "r1")
}

func TestTypingThenPauseIssuesOneRequest(t *testing.T) {
	e, host, client := newTestEngine(t, "")

	host.typeText(fox)
	waitRun(t, e, "r1")
	quiet()

	require.Equal(t, 1, client.completeCount())
	req := client.lastComplete()
	assert.Equal(t, fox, req.PrefixText)
	assert.Equal(t, "", req.SuffixText)
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	assert.Equal(t, DefaultTimeout, req.Timeout)
	assert.Equal(t, State{RunID: "r1", Pending: true}, e.State())
}

func TestDebounceCoalescesEdits(t *testing.T) {
	host := newFakeHost(fox)
	client := newFakeClient()
	cfg := testConfig()
	cfg.IdleDelay = 150 * time.Millisecond
	e := New(host, client, cfg)
	host.engine = e
	t.Cleanup(e.Close)

	for i := 0; i < 10; i++ {
		host.typeText(" x")
		time.Sleep(5 * time.Millisecond)
	}
	waitRun(t, e, "r1")
	time.Sleep(2 * cfg.IdleDelay)

	assert.Equal(t, 1, client.completeCount())
	assert.Equal(t, fox+strings.Repeat(" x", 10), client.lastComplete().PrefixText)
}

func TestSuffixWindowIsClipped(t *testing.T) {
	host := newFakeHost(fox + "0123456789")
	host.setSelection(Selection{From: len(fox), To: len(fox)})
	client := newFakeClient()
	cfg := testConfig()
	cfg.MaxPrefixChars = 10
	cfg.MinPrefixChars = 5
	cfg.MaxSuffixChars = 4
	e := New(host, client, cfg)
	t.Cleanup(e.Close)

	e.DocChanged()
	waitRun(t, e, "r1")

	req := client.lastComplete()
	assert.Equal(t, "jumps over", req.PrefixText)
	assert.Equal(t, "0123", req.SuffixText)
}

func TestShortPrefixNeverRequests(t *testing.T) {
	e, host, client := newTestEngine(t, "")

	host.typeText("hi there!!")
	quiet()

	assert.Equal(t, 0, client.completeCount())
	assert.True(t, e.State().IsIdle())
}

func TestPrefixGateCountsTrimmedText(t *testing.T) {
	_, host, client := newTestEngine(t, "")

	host.typeText("                    abc                    ")
	quiet()

	assert.Equal(t, 0, client.completeCount())
}

func TestNavigationCancelsStreamingSuggestion(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	startRun(t, e, host)
	client.emit(StreamEvent{RunID: "r1", Kind: EventDelta, DeltaText: "lazy "})
	require.Equal(t, "lazy ", e.State().SuggestionText)

	consumed := e.HandleKey(KeyArrowLeft)

	assert.False(t, consumed)
	assert.Equal(t, Idle(), e.State())
	require.Eventually(t, func() bool { return len(client.cancelCalls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, CancelRequest{RunID: "r1", Reason: ReasonInput}, client.cancelCalls()[0])
}

func TestAcceptInsertsCompletedSuggestion(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	startRun(t, e, host)
	client.emit(StreamEvent{RunID: "r1", Kind: EventDelta, DeltaText: "lazy "})
	client.emit(StreamEvent{RunID: "r1", Kind: EventDelta, DeltaText: "dog"})
	client.emit(StreamEvent{RunID: "r1", Kind: EventDone})
	require.Equal(t, State{SuggestionText: "lazy dog"}, e.State())

	consumed := e.HandleKey(KeyTab)

	assert.True(t, consumed)
	assert.Equal(t, fox+"lazy dog", host.String())
	assert.Equal(t, Selection{From: len(fox) + 8, To: len(fox) + 8}, host.Selection())
	assert.Empty(t, e.State().SuggestionText)

	time.Sleep(testIdle / 2)
	assert.Empty(t, client.cancelCalls(), "completed run must not be cancelled")
}

func TestAcceptWhileStreamingCancelsOnce(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	startRun(t, e, host)
	client.emit(StreamEvent{RunID: "r1", Kind: EventDelta, DeltaText: "lazy"})

	require.True(t, e.HandleKey(KeyTab))

	assert.Equal(t, fox+"lazy", host.String())
	require.Eventually(t, func() bool { return len(client.cancelCalls()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(testIdle / 2)
	assert.Equal(t, []CancelRequest{{RunID: "r1", Reason: ReasonUser}}, client.cancelCalls())
}

func TestAcceptWithoutSuggestionIsNotConsumed(t *testing.T) {
	e, host, _ := newTestEngine(t, "")
	startRun(t, e, host)

	assert.False(t, e.HandleKey(KeyTab), "pending run without text has nothing to accept")
	assert.Equal(t, fox, host.String())
}

func TestStaleDeltaAfterNewRunIsDiscarded(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	startRun(t, e, host)

	require.True(t, e.HandleKey(KeyEscape))
	host.typeText(" the")
	waitRun(t, e, "r2")

	client.emit(StreamEvent{RunID: "r1", Kind: EventDelta, DeltaText: "stale"})
	client.emit(StreamEvent{RunID: "r2", Kind: EventDelta, DeltaText: " lazy"})
	client.emit(StreamEvent{RunID: "r1", Kind: EventDone})

	assert.Equal(t, State{RunID: "r2", Pending: true, SuggestionText: " lazy"}, e.State())
	assert.Contains(t, client.cancelCalls(), CancelRequest{RunID: "r1", Reason: ReasonUser})
}

func TestStaleEventsNeverMutateIdleState(t *testing.T) {
	e, _, client := newTestEngine(t, fox)

	for _, kind := range []EventKind{EventDelta, EventDone, EventError} {
		client.emit(StreamEvent{RunID: "ghost", Kind: kind, DeltaText: "x"})
		assert.Equal(t, Idle(), e.State())
	}
}

func TestEscapeDismissesOnlyWhenActive(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	assert.False(t, e.HandleKey(KeyEscape))

	startRun(t, e, host)
	assert.True(t, e.HandleKey(KeyEscape))
	assert.Equal(t, Idle(), e.State())
	require.Eventually(t, func() bool { return len(client.cancelCalls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, ReasonUser, client.cancelCalls()[0].Reason)
	assert.False(t, e.HandleKey(KeyEscape))
}

func TestEscapeAfterDoneNeedsNoCancel(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	startRun(t, e, host)
	client.emit(StreamEvent{RunID: "r1", Kind: EventDelta, DeltaText: "dog"})
	client.emit(StreamEvent{RunID: "r1", Kind: EventDone})

	assert.True(t, e.HandleKey(KeyEscape))
	time.Sleep(testIdle / 2)
	assert.Empty(t, client.cancelCalls())
}

func TestClickCancelsWithoutConsuming(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	startRun(t, e, host)

	e.HandleClick()

	assert.Equal(t, Idle(), e.State())
	require.Eventually(t, func() bool { return len(client.cancelCalls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, ReasonInput, client.cancelCalls()[0].Reason)
}

func TestDocChangeCancelsAndReschedules(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	startRun(t, e, host)

	host.typeText("!")
	assert.Equal(t, Idle(), e.State())
	waitRun(t, e, "r2")

	require.Eventually(t, func() bool { return len(client.cancelCalls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, CancelRequest{RunID: "r1", Reason: ReasonInput}, client.cancelCalls()[0])
	assert.Equal(t, fox+"!", client.lastComplete().PrefixText)
}

func TestSelectionChangeDoesNotReschedule(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	startRun(t, e, host)

	host.setSelection(Selection{From: 3, To: 3})
	e.SelectionChanged()
	quiet()

	assert.Equal(t, Idle(), e.State())
	assert.Equal(t, 1, client.completeCount())
}

func TestRevalidationAbortsStaleTimers(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeHost)
	}{
		{"focus lost", func(h *fakeHost) { h.setFocus(false) }},
		{"cursor moved", func(h *fakeHost) { h.setSelection(Selection{From: 2, To: 2}) }},
		{"range selected", func(h *fakeHost) { h.setSelection(Selection{From: 0, To: len(fox)}) }},
		{"document replaced", func(h *fakeHost) {
			h.mu.Lock()
			h.revision++
			h.mu.Unlock()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, host, client := newTestEngine(t, fox)
			e.DocChanged()
			tt.mutate(host)
			quiet()
			assert.Equal(t, 0, client.completeCount())
		})
	}
}

func TestNoScheduleWhenIneligible(t *testing.T) {
	t.Run("unfocused", func(t *testing.T) {
		e, host, client := newTestEngine(t, fox)
		host.setFocus(false)
		e.DocChanged()
		quiet()
		assert.Equal(t, 0, client.completeCount())
	})
	t.Run("range selection", func(t *testing.T) {
		e, host, client := newTestEngine(t, fox)
		host.setSelection(Selection{From: 1, To: 4})
		e.DocChanged()
		quiet()
		assert.Equal(t, 0, client.completeCount())
	})
	t.Run("disabled", func(t *testing.T) {
		e, _, client := newTestEngine(t, fox)
		e.SetEnabled(false)
		e.DocChanged()
		quiet()
		assert.Equal(t, 0, client.completeCount())
	})
}

func TestCompleteFailureLeavesEngineIdle(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	client.completeErr = errors.New("backend unavailable")

	host.typeText(fox)
	require.Eventually(t, func() bool { return client.completeCount() == 1 }, time.Second, time.Millisecond)
	quiet()

	assert.Equal(t, Idle(), e.State())
	assert.Empty(t, client.cancelCalls())
}

func TestEmptyRunIDIsTreatedAsFailure(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	client.emptyID = true

	host.typeText(fox)
	require.Eventually(t, func() bool { return client.completeCount() == 1 }, time.Second, time.Millisecond)
	quiet()

	assert.Equal(t, Idle(), e.State())
}

func TestErrorEventResetsWithoutCancel(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	startRun(t, e, host)
	client.emit(StreamEvent{RunID: "r1", Kind: EventDelta, DeltaText: "lazy"})

	client.emit(StreamEvent{RunID: "r1", Kind: EventError, Err: "upstream timeout"})

	assert.Equal(t, Idle(), e.State())
	quiet()
	assert.Empty(t, client.cancelCalls())
	assert.Equal(t, 1, client.completeCount(), "errors are not retried")
}

func TestEditDuringCompleteCancelsReturnedRun(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	gate := make(chan struct{})
	client.gate = gate

	host.typeText(fox)
	require.Eventually(t, func() bool { return client.completeCount() == 1 }, time.Second, time.Millisecond)

	host.typeText("!")
	quiet()
	close(gate)

	require.Eventually(t, func() bool { return len(client.cancelCalls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, CancelRequest{RunID: "r1", Reason: ReasonInput}, client.cancelCalls()[0])

	// The pause after "!" fired while r1 was being issued; it is re-armed.
	waitRun(t, e, "r2")
	assert.Equal(t, 2, client.completeCount())
	assert.Equal(t, fox+"!", client.lastComplete().PrefixText)
}

func TestFailedCompleteRearmsSkippedTimer(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	gate := make(chan struct{})
	client.gate = gate
	client.completeErr = errors.New("unavailable")

	host.typeText(fox)
	require.Eventually(t, func() bool { return client.completeCount() == 1 }, time.Second, time.Millisecond)
	host.typeText("!")
	quiet()

	client.mu.Lock()
	client.completeErr = nil
	client.mu.Unlock()
	close(gate)

	waitRun(t, e, "r2")
	assert.Empty(t, client.cancelCalls())
}

func TestPanickingCompleteDoesNotWedgeScheduler(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	client.onComplete = func(id RunID) {
		if id == "r1" {
			panic("boom")
		}
	}

	host.typeText(fox)
	require.Eventually(t, func() bool { return client.completeCount() == 1 }, time.Second, time.Millisecond)
	quiet()
	assert.Equal(t, Idle(), e.State())

	host.typeText(" x")
	waitRun(t, e, "r2")
}

func TestEarlyBufferOverflowCancelsRun(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	client.onComplete = func(id RunID) {
		for i := 0; i <= maxEarlyEvents; i++ {
			client.emit(StreamEvent{RunID: id, Kind: EventDelta, DeltaText: "x"})
		}
		client.emit(StreamEvent{RunID: id, Kind: EventDone})
	}

	host.typeText(fox)
	require.Eventually(t, func() bool { return len(client.cancelCalls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, CancelRequest{RunID: "r1", Reason: ReasonInput}, client.cancelCalls()[0])
	assert.Equal(t, Idle(), e.State())
	_, ok := e.Ghost()
	assert.False(t, ok)
}

func TestTemperatureReachesRequest(t *testing.T) {
	_, host, client := newTestEngine(t, "")
	host.typeText(fox)
	require.Eventually(t, func() bool { return client.completeCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, DefaultTemperature, client.lastComplete().Temperature)

	zero := 0.0
	cfg := testConfig()
	cfg.Temperature = &zero
	host2 := newFakeHost(fox)
	client2 := newFakeClient()
	e2 := New(host2, client2, cfg)
	host2.engine = e2
	t.Cleanup(e2.Close)
	e2.ScheduleIfEligible()
	require.Eventually(t, func() bool { return client2.completeCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0.0, client2.lastComplete().Temperature)
}

func TestEventsBeforeCompleteReturnsAreReplayed(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	client.onComplete = func(id RunID) {
		client.emit(StreamEvent{RunID: id, Kind: EventDelta, DeltaText: "lazy"})
		client.emit(StreamEvent{RunID: "other", Kind: EventDelta, DeltaText: "noise"})
	}

	host.typeText(fox)
	waitRun(t, e, "r1")

	assert.Equal(t, "lazy", e.State().SuggestionText)
}

func TestAtMostOneActiveRun(t *testing.T) {
	var mu sync.Mutex
	active := map[RunID]bool{}
	maxActive := 0
	obs := ObserverFunc(func(o Observation) {
		mu.Lock()
		defer mu.Unlock()
		switch o.Kind {
		case ObservedRequested:
			active[o.RunID] = true
		case ObservedCompleted, ObservedFailed, ObservedAccepted, ObservedRejected, ObservedIgnored:
			delete(active, o.RunID)
		}
		maxActive = max(maxActive, len(active))
	})
	e, host, client := newTestEngine(t, "", WithObserver(obs))

	host.typeText(fox)
	for i := 1; i <= 5; i++ {
		waitRun(t, e, RunID(fmt.Sprintf("r%d", i)))
		host.typeText(".")
	}

	require.Eventually(t, func() bool { return len(client.cancelCalls()) == 5 }, time.Second, time.Millisecond)
	for i, c := range client.cancelCalls() {
		assert.Equal(t, ReasonInput, c.Reason, "cancel %d", i)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxActive)
}

func TestDecoratorFollowsSuggestion(t *testing.T) {
	dec := &recordingDecorator{}
	e, host, client := newTestEngine(t, "", WithDecorator(dec))
	startRun(t, e, host)

	_, shown := dec.current()
	assert.False(t, shown, "nothing to show before the first delta")

	client.emit(StreamEvent{RunID: "r1", Kind: EventDelta, DeltaText: "lazy"})
	g, shown := dec.current()
	require.True(t, shown)
	assert.Equal(t, Ghost{Pos: len(fox), Text: "lazy"}, g)

	ghost, ok := e.Ghost()
	require.True(t, ok)
	assert.Equal(t, g, ghost)

	e.HandleKey(KeyArrowLeft)
	_, shown = dec.current()
	assert.False(t, shown)
}

func TestGhostHiddenForRangeSelection(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	startRun(t, e, host)
	client.emit(StreamEvent{RunID: "r1", Kind: EventDelta, DeltaText: "lazy"})

	host.setSelection(Selection{From: 0, To: 4})
	_, ok := e.Ghost()
	assert.False(t, ok)
}

func TestObserverLifecycle(t *testing.T) {
	var mu sync.Mutex
	var kinds []ObservedKind
	obs := ObserverFunc(func(o Observation) {
		mu.Lock()
		kinds = append(kinds, o.Kind)
		mu.Unlock()
	})
	e, host, client := newTestEngine(t, "", WithObserver(obs))
	startRun(t, e, host)
	client.emit(StreamEvent{RunID: "r1", Kind: EventDelta, DeltaText: "lazy"})
	client.emit(StreamEvent{RunID: "r1", Kind: EventDelta, DeltaText: " dog"})
	client.emit(StreamEvent{RunID: "r1", Kind: EventDone})
	e.HandleKey(KeyTab)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(kinds), 4)
	assert.Equal(t, []ObservedKind{ObservedRequested, ObservedShown, ObservedCompleted, ObservedAccepted}, kinds[:4])
}

func TestSetEnabledFalseAbandonsRun(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	startRun(t, e, host)

	e.SetEnabled(false)

	assert.False(t, e.Enabled())
	assert.Equal(t, Idle(), e.State())
	require.Eventually(t, func() bool { return len(client.cancelCalls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, ReasonUser, client.cancelCalls()[0].Reason)
}

func TestBlurCancelsOutstandingRun(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	startRun(t, e, host)

	host.setFocus(false)
	e.Blur()

	assert.Equal(t, Idle(), e.State())
	require.Eventually(t, func() bool { return len(client.cancelCalls()) == 1 }, time.Second, time.Millisecond)
}

func TestCloseTearsDown(t *testing.T) {
	e, host, client := newTestEngine(t, "")
	startRun(t, e, host)
	require.Equal(t, 1, client.handlerCount())

	e.Close()

	assert.Equal(t, 0, client.handlerCount())
	require.Eventually(t, func() bool { return len(client.cancelCalls()) == 1 }, time.Second, time.Millisecond)

	host.typeText(" more text after close")
	quiet()
	assert.Equal(t, 1, client.completeCount())
	assert.False(t, e.HandleKey(KeyEscape))
	e.Close()
}

func TestCloseBeforeTimerFires(t *testing.T) {
	e, host, client := newTestEngine(t, fox)
	e.DocChanged()
	e.Close()
	host.setFocus(true)
	quiet()
	assert.Equal(t, 0, client.completeCount())
}
