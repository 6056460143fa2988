package autoloop

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/danshapiro/gyoshu/internal/bridge"
	"github.com/danshapiro/gyoshu/internal/decision"
	"github.com/danshapiro/gyoshu/internal/fsstore"
	"github.com/danshapiro/gyoshu/internal/lockmgr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	fs, err := fsstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	locks := lockmgr.New(t.TempDir())
	return NewStore(fs, locks)
}

func TestDetectTerminalCaseAndWhitespace(t *testing.T) {
	cases := []string{
		"<promise>GYOSHU_AUTO_COMPLETE</promise>",
		"<promise> gyoshu_auto_complete </promise>",
		"prefix text\n<PROMISE>GyoShu_Auto_Complete</PROMISE>\ntrailing",
	}
	for _, c := range cases {
		if got := DetectTerminal(c); got != TerminalComplete {
			t.Errorf("expected TerminalComplete for %q, got %q", c, got)
		}
	}
	if got := DetectTerminal("no tag here"); got != TerminalNone {
		t.Fatalf("expected TerminalNone, got %q", got)
	}
	if got := DetectTerminal("<promise>GYOSHU_AUTO_BLOCKED</promise>"); got != TerminalBlocked {
		t.Fatalf("expected TerminalBlocked, got %q", got)
	}
	if got := DetectTerminal("<promise>GYOSHU_AUTO_BUDGET_EXHAUSTED</promise>"); got != TerminalBudgetExhausted {
		t.Fatalf("expected TerminalBudgetExhausted, got %q", got)
	}
}

// S6 — terminal tag short-circuits injection even when cooldown/hash would
// otherwise admit it.
func TestGateTerminalTagShortCircuits(t *testing.T) {
	g := NewGate(0)
	st := &State{ReportTitle: "wine", Active: true}
	admit, reason := g.Admit(st, "<promise>GYOSHU_AUTO_COMPLETE</promise>", time.Now())
	if admit {
		t.Fatalf("expected no admit, got admit with reason %q", reason)
	}
}

// S6 (full) — observing a terminal tag through the Controller actually
// deactivates the durable loop and clears its in-memory Index, not merely
// blocking one Admit call.
func TestControllerObserveOutputTerminalTagDeactivates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st, err := store.Seed(ctx, "wine", "run-1", Budgets{MaxCycles: 5, MaxToolCalls: 100, MaxTimeMinutes: 60}, 20, 3)
	if err != nil {
		t.Fatal(err)
	}

	tracker := NewTracker()
	tracker.Set("wine", &Index{Accumulator: NewAccumulator(store, st, time.Hour)})
	ctrl := NewController(store, NewGate(0), tracker)

	msg, err := ctrl.ObserveOutput(ctx, "wine", "<promise>GYOSHU_AUTO_COMPLETE</promise>", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if msg != "" {
		t.Fatalf("expected no continuation message on terminal tag, got %q", msg)
	}

	reloaded, err := store.Load(ctx, "wine")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Active {
		t.Fatal("expected loop to deactivate on terminal tag")
	}
	if reloaded.Terminal != TerminalComplete {
		t.Fatalf("expected terminal recorded, got %q", reloaded.Terminal)
	}
	if reloaded.LastDecision != decision.Complete {
		t.Fatalf("expected lastDecision=COMPLETE, got %q", reloaded.LastDecision)
	}
	if _, ok := tracker.Get("wine"); ok {
		t.Fatal("expected in-memory Index cleared on terminal tag")
	}

	// A subsequent call against an already-inactive loop is a no-op.
	msg, err = ctrl.ObserveOutput(ctx, "wine", "more output", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if msg != "" {
		t.Fatalf("expected no message once inactive, got %q", msg)
	}
}

// Testable property #9 — on BUDGET_EXHAUSTED, active transitions true to
// false on the first trip, stays false afterward, indices are cleared, and
// a terminal-tagged message is emitted for the host loop's own scan.
func TestControllerObserveOutputBudgetExhaustionFirstTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st, err := store.Seed(ctx, "wine", "run-1", Budgets{MaxToolCalls: 1}, 20, 3)
	if err != nil {
		t.Fatal(err)
	}
	st.Budgets.TotalToolCalls = 1
	if err := store.Save(ctx, st); err != nil {
		t.Fatal(err)
	}

	tracker := NewTracker()
	tracker.Set("wine", &Index{Accumulator: NewAccumulator(store, st, time.Hour)})
	ctrl := NewController(store, NewGate(0), tracker)

	msg, err := ctrl.ObserveOutput(ctx, "wine", "ordinary output", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if msg == "" {
		t.Fatal("expected a terminal-tagged message on first budget trip")
	}
	if got := DetectTerminal(msg); got != TerminalBudgetExhausted {
		t.Fatalf("expected emitted message to carry a budget-exhausted terminal tag, got %q in %q", got, msg)
	}

	reloaded, err := store.Load(ctx, "wine")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Active {
		t.Fatal("expected active=false after first budget trip")
	}
	if reloaded.LastDecision != decision.BudgetExhausted {
		t.Fatalf("expected lastDecision=BUDGET_EXHAUSTED, got %q", reloaded.LastDecision)
	}
	if _, ok := tracker.Get("wine"); ok {
		t.Fatal("expected in-memory Index cleared on budget exhaustion")
	}

	// Monotonic: a second call never flips active back to true.
	msg, err = ctrl.ObserveOutput(ctx, "wine", "ordinary output", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if msg != "" {
		t.Fatalf("expected no message once already inactive, got %q", msg)
	}
	reloaded, err = store.Load(ctx, "wine")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Active {
		t.Fatal("active flipped back to true, budget exhaustion must be monotone")
	}
}

func TestControllerObserveOutputAdmitsContinuationMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Seed(ctx, "wine", "run-1", Budgets{MaxCycles: 5, MaxToolCalls: 100, MaxTimeMinutes: 60}, 20, 3)
	if err != nil {
		t.Fatal(err)
	}
	ctrl := NewController(store, NewGate(0), NewTracker())

	msg, err := ctrl.ObserveOutput(ctx, "wine", "agent made progress", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if msg == "" {
		t.Fatal("expected a continuation message to be admitted")
	}
	if DetectTerminal(msg) != TerminalNone {
		t.Fatalf("expected a non-terminal continuation message, got %q", msg)
	}

	reloaded, err := store.Load(ctx, "wine")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.LastInjection == nil {
		t.Fatal("expected Gate.Record to have set lastInjection")
	}
}

func TestGateAdmitRejectsInactiveOrBudgetExceeded(t *testing.T) {
	g := NewGate(0)

	inactive := &State{ReportTitle: "wine", Active: false}
	if admit, reason := g.Admit(inactive, "anything", time.Now()); admit {
		t.Fatalf("expected inactive loop to never admit, got admit (reason=%q)", reason)
	}

	overBudget := &State{
		ReportTitle: "wine",
		Active:      true,
		Budgets:     Budgets{MaxToolCalls: 5, TotalToolCalls: 5},
	}
	if admit, reason := g.Admit(overBudget, "anything", time.Now()); admit {
		t.Fatalf("expected budget-exceeded loop to never admit, got admit (reason=%q)", reason)
	}
}

func TestGateCooldown(t *testing.T) {
	g := NewGate(2 * time.Second)
	st := &State{ReportTitle: "wine", Active: true}
	now := time.Now()
	admit, _ := g.Admit(st, "first output", now)
	if !admit {
		t.Fatal("expected first admit to succeed")
	}
	g.Record(st, "first output", now)

	admit, reason := g.Admit(st, "second output", now.Add(500*time.Millisecond))
	if admit {
		t.Fatalf("expected cooldown to block, got admit (reason=%q)", reason)
	}

	admit, _ = g.Admit(st, "second output", now.Add(3*time.Second))
	if !admit {
		t.Fatal("expected admit after cooldown elapses")
	}
}

func TestGateOutputUnchanged(t *testing.T) {
	g := NewGate(0)
	st := &State{ReportTitle: "wine", Active: true}
	now := time.Now()
	g.Record(st, "same output", now.Add(-time.Hour))

	admit, reason := g.Admit(st, "same output", now)
	if admit {
		t.Fatalf("expected unchanged output to block injection, got admit (reason=%q)", reason)
	}
	admit, _ = g.Admit(st, "different output", now)
	if !admit {
		t.Fatal("expected changed output to admit")
	}
}

// Property: injection admission is idempotent for the same unchanged
// output regardless of how many times Admit is queried.
func TestGateAdmitIdempotentOnRepeatedQuery(t *testing.T) {
	g := NewGate(0)
	st := &State{ReportTitle: "wine", Active: true}
	now := time.Now()
	g.Record(st, "steady state", now.Add(-time.Hour))
	for i := 0; i < 5; i++ {
		admit, _ := g.Admit(st, "steady state", now)
		if admit {
			t.Fatalf("iteration %d: expected no admit for unchanged output", i)
		}
	}
}

func TestBudgetExceededPrecedence(t *testing.T) {
	now := time.Now()
	base := Budgets{MaxCycles: 5, MaxToolCalls: 100, MaxTimeMinutes: 60}

	st := &State{Budgets: withCounters(base, 100, 5, now.Add(-2*time.Hour)), MaxIterations: 20, Iteration: 20}
	exceeded, reason := BudgetExceeded(st, now)
	if !exceeded || reason != "maxToolCalls" {
		t.Fatalf("expected maxToolCalls to win precedence, got exceeded=%v reason=%q", exceeded, reason)
	}

	st2 := &State{Budgets: withCounters(base, 0, 5, now.Add(-2*time.Hour)), MaxIterations: 20, Iteration: 20}
	_, reason = BudgetExceeded(st2, now)
	if reason != "maxCycles" {
		t.Fatalf("expected maxCycles next in precedence, got %q", reason)
	}

	st3 := &State{Budgets: withCounters(base, 0, 0, now.Add(-2*time.Hour)), MaxIterations: 20, Iteration: 20}
	_, reason = BudgetExceeded(st3, now)
	if reason != "maxTimeMinutes" {
		t.Fatalf("expected maxTimeMinutes next, got %q", reason)
	}

	st4 := &State{Budgets: withCounters(base, 0, 0, now), MaxIterations: 20, Iteration: 20}
	_, reason = BudgetExceeded(st4, now)
	if reason != "maxIterations" {
		t.Fatalf("expected maxIterations last, got %q", reason)
	}

	st5 := &State{Budgets: withCounters(base, 0, 0, now)}
	exceeded, _ = BudgetExceeded(st5, now)
	if exceeded {
		t.Fatal("expected no budget exceeded within bounds")
	}
}

func withCounters(b Budgets, totalToolCalls, currentCycle int, startedAt time.Time) Budgets {
	b.TotalToolCalls = totalToolCalls
	b.CurrentCycle = currentCycle
	b.StartedAt = startedAt
	return b
}

// Property: budget counters are monotone — BudgetExceeded never flips from
// true back to false as TotalToolCalls only increases.
func TestBudgetMonotonicity(t *testing.T) {
	st := &State{Budgets: Budgets{MaxToolCalls: 10}}
	wasExceeded := false
	for i := 0; i < 20; i++ {
		st.Budgets.TotalToolCalls = i
		exceeded, _ := BudgetExceeded(st, time.Now())
		if wasExceeded && !exceeded {
			t.Fatalf("budget exceeded flipped back to false at count %d", i)
		}
		wasExceeded = wasExceeded || exceeded
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st, err := store.Load(ctx, "wine")
	if err != nil {
		t.Fatal(err)
	}
	if st.Active {
		t.Fatal("expected fresh state to be inactive")
	}
	st.Active = true
	st.Budgets.CurrentCycle = 3
	if err := store.Save(ctx, st); err != nil {
		t.Fatal(err)
	}
	reloaded, err := store.Load(ctx, "wine")
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.Active || reloaded.Budgets.CurrentCycle != 3 {
		t.Fatalf("expected persisted state, got %+v", reloaded)
	}
}

// §6 forward-compatibility: a field this version doesn't know about must
// survive a Load/Save round trip untouched.
func TestStoreRoundTripPreservesUnknownFields(t *testing.T) {
	fs, err := fsstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	locks := lockmgr.New(t.TempDir())
	store := NewStore(fs, locks)
	ctx := context.Background()

	raw := []byte(`{
		"reportTitle": "wine",
		"active": true,
		"budgets": {"maxCycles": 5},
		"futureField": "from-a-newer-writer"
	}`)
	if err := fs.AtomicWrite(statePath("wine"), raw, 0o600); err != nil {
		t.Fatal(err)
	}

	st, err := store.Load(ctx, "wine")
	if err != nil {
		t.Fatal(err)
	}
	if st.Extra["futureField"] == nil {
		t.Fatal("expected unknown field captured in Extra")
	}
	st.Iteration = 2
	if err := store.Save(ctx, st); err != nil {
		t.Fatal(err)
	}

	b, err := fs.ReadFile(statePath("wine"))
	if err != nil {
		t.Fatal(err)
	}
	var roundTripped map[string]json.RawMessage
	if err := json.Unmarshal(b, &roundTripped); err != nil {
		t.Fatal(err)
	}
	if string(roundTripped["futureField"]) != `"from-a-newer-writer"` {
		t.Fatalf("expected futureField to survive the read-modify-write cycle, got %v", roundTripped["futureField"])
	}
}

func TestAccumulatorFlush(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st := &State{ReportTitle: "wine"}
	acc := NewAccumulator(store, st, 24*time.Hour) // long debounce; force manual flush
	acc.Add(ctx, 3)
	acc.Add(ctx, 4)
	if st.Budgets.TotalToolCalls != 7 {
		t.Fatalf("expected in-memory count 7, got %d", st.Budgets.TotalToolCalls)
	}
	if err := acc.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	reloaded, err := store.Load(ctx, "wine")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Budgets.TotalToolCalls != 7 {
		t.Fatalf("expected persisted count 7, got %d", reloaded.Budgets.TotalToolCalls)
	}
	acc.Stop()
}

func TestRunDecisionCyclePersistsTrustGoalAndDecision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Seed(ctx, "wine", "run-1", Budgets{MaxCycles: 5, MaxToolCalls: 100, MaxTimeMinutes: 60}, 20, 3)
	if err != nil {
		t.Fatal(err)
	}
	ctrl := NewController(store, NewGate(0), NewTracker())

	cvs := []CandidateVerifications{
		{
			WorkerID:      "w1",
			StageID:       "s1",
			GoalProgress:  0.9,
			PrimaryMetric: 0.5,
			Verifications: []decision.VerificationResult{
				{WorkerID: "v1", TrustScore: 90, Status: decision.Verified},
				{WorkerID: "v2", TrustScore: 85, Status: decision.Verified},
			},
		},
	}

	outcome, err := ctrl.RunDecisionCycle(ctx, "wine", cvs, 9, 10, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Selected == nil || outcome.Selected.WorkerID != "w1" {
		t.Fatalf("expected w1 selected, got %+v", outcome)
	}
	if outcome.Decision != decision.Pivot {
		t.Fatalf("expected PIVOT (goal not yet met, attempts left), got %q", outcome.Decision)
	}

	reloaded, err := store.Load(ctx, "wine")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.TrustScore == nil || *reloaded.TrustScore != 85 {
		t.Fatalf("expected persisted trust score 85, got %+v", reloaded.TrustScore)
	}
	if reloaded.GoalGateStatus != decision.GoalNotMet {
		t.Fatalf("expected persisted goal gate NOT_MET, got %q", reloaded.GoalGateStatus)
	}
	if reloaded.LastDecision != decision.Pivot {
		t.Fatalf("expected persisted lastDecision PIVOT, got %q", reloaded.LastDecision)
	}
	if reloaded.AttemptNumber != 1 {
		t.Fatalf("expected attemptNumber incremented to 1 on PIVOT, got %d", reloaded.AttemptNumber)
	}
	if !reloaded.Active {
		t.Fatal("expected loop to remain active on PIVOT")
	}
}

func TestRunDecisionCycleGoalMetDeactivatesLoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Seed(ctx, "wine", "run-1", Budgets{MaxCycles: 5, MaxToolCalls: 100, MaxTimeMinutes: 60}, 20, 3)
	if err != nil {
		t.Fatal(err)
	}
	tracker := NewTracker()
	tracker.Set("wine", &Index{})
	ctrl := NewController(store, NewGate(0), tracker)

	cvs := []CandidateVerifications{
		{
			WorkerID:      "w1",
			GoalProgress:  1.0,
			PrimaryMetric: 1.0,
			Verifications: []decision.VerificationResult{
				{WorkerID: "v1", TrustScore: 95, Status: decision.Verified},
			},
		},
	}

	outcome, err := ctrl.RunDecisionCycle(ctx, "wine", cvs, 10, 10, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Decision != decision.Complete {
		t.Fatalf("expected COMPLETE when goal is met and trust passes, got %q", outcome.Decision)
	}

	reloaded, err := store.Load(ctx, "wine")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Active {
		t.Fatal("expected loop to deactivate on COMPLETE")
	}
	if _, ok := tracker.Get("wine"); ok {
		t.Fatal("expected in-memory Index cleared on COMPLETE")
	}
}

func TestSweeperSuspendedWhileActive(t *testing.T) {
	fs, err := fsstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	registry := bridge.New(fs)
	sid := bridge.NewSessionID()
	meta := &bridge.Meta{
		SessionID:     sid,
		PID:           os.Getpid(),
		SocketPath:    "/tmp/gyoshu-test.sock",
		BridgeStarted: time.Now().UTC().Format(time.RFC3339),
		NotebookPath:  "/tmp/notebook.ipynb",
		ReportTitle:   "wine",
		LastActivity:  time.Now().Add(-time.Hour),
	}
	if err := registry.Register(meta); err != nil {
		t.Fatal(err)
	}

	active := true
	sweeper := NewSweeper(registry, time.Hour, 30*time.Minute, func() bool { return active })
	reaped, err := sweeper.SweepOnce()
	if err != nil {
		t.Fatal(err)
	}
	if len(reaped) != 0 {
		t.Fatalf("expected no reaping while active, got %v", reaped)
	}

	active = false
	reaped, err = sweeper.SweepOnce()
	if err != nil {
		t.Fatal(err)
	}
	if len(reaped) != 1 || reaped[0] != bridge.ShortForm(sid) {
		t.Fatalf("expected idle session reaped, got %v", reaped)
	}
}
