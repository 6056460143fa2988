// Package autoloop implements the Auto-Loop Controller (§4.6): durable
// per-report loop state, terminal-tag detection, cooldown/output-change
// gated re-injection, budget enforcement with a fixed precedence, debounced
// tool-call persistence, the decision-engine-driven cycle transition, and
// the idle-bridge reaping sweep.
package autoloop

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/gyoshu/internal/bridge"
	"github.com/danshapiro/gyoshu/internal/decision"
	"github.com/danshapiro/gyoshu/internal/fsstore"
	"github.com/danshapiro/gyoshu/internal/gerr"
	"github.com/danshapiro/gyoshu/internal/gyoshulog"
	"github.com/danshapiro/gyoshu/internal/jsonx"
	"github.com/danshapiro/gyoshu/internal/lockmgr"
)

// Budgets bounds one auto-loop run (§3 AutoLoopState.budgets).
type Budgets struct {
	MaxCycles      int       `json:"maxCycles"`
	CurrentCycle   int       `json:"currentCycle"`
	MaxToolCalls   int       `json:"maxToolCalls"`
	TotalToolCalls int       `json:"totalToolCalls"`
	MaxTimeMinutes int       `json:"maxTimeMinutes"`
	StartedAt      time.Time `json:"startedAt"`
}

// Terminal is the set of promise tags that short-circuit further injection
// (seed scenario S6).
type Terminal string

const (
	TerminalNone            Terminal = ""
	TerminalComplete        Terminal = "GYOSHU_AUTO_COMPLETE"
	TerminalBlocked         Terminal = "GYOSHU_AUTO_BLOCKED"
	TerminalBudgetExhausted Terminal = "GYOSHU_AUTO_BUDGET_EXHAUSTED"
)

var terminalTagRe = regexp.MustCompile(`(?is)<promise>\s*(GYOSHU_AUTO_COMPLETE|GYOSHU_AUTO_BLOCKED|GYOSHU_AUTO_BUDGET_EXHAUSTED)\s*</promise>`)

// DetectTerminal scans output for a terminal promise tag, case-insensitive
// and tolerant of surrounding whitespace. The first match wins.
func DetectTerminal(output string) Terminal {
	m := terminalTagRe.FindStringSubmatch(output)
	if m == nil {
		return TerminalNone
	}
	return Terminal(strings.ToUpper(m[1]))
}

// decisionForTerminal maps an observed terminal promise tag onto the
// AutoLoopDecision it represents, for persisting LastDecision alongside
// Active=false.
func decisionForTerminal(t Terminal) decision.Decision {
	switch t {
	case TerminalComplete:
		return decision.Complete
	case TerminalBlocked:
		return decision.Blocked
	case TerminalBudgetExhausted:
		return decision.BudgetExhausted
	default:
		return ""
	}
}

// State is the durable AutoLoopState (§3), persisted at
// reports/<reportTitle>/auto/loop-state.json.
type State struct {
	ReportTitle       string                  `json:"reportTitle"`
	RunID             string                  `json:"runId,omitempty"`
	ResearchSessionID string                  `json:"researchSessionID,omitempty"`
	Active            bool                    `json:"active"`
	Iteration         int                     `json:"iteration"`
	MaxIterations     int                     `json:"maxIterations"`
	AttemptNumber     int                     `json:"attemptNumber"`
	MaxAttempts       int                     `json:"maxAttempts"`
	LastDecision      decision.Decision       `json:"lastDecision,omitempty"`
	NextObjective     string                  `json:"nextObjective,omitempty"`
	TrustScore        *int                    `json:"trustScore,omitempty"`
	GoalGateStatus    decision.GoalGateStatus `json:"goalGateStatus,omitempty"`
	LastInjection     *time.Time              `json:"lastInjection,omitempty"`
	LastOutputHash    string                  `json:"lastOutputHash,omitempty"`
	Terminal          Terminal                `json:"terminal,omitempty"`
	Budgets           Budgets                 `json:"budgets"`

	// Extra carries any field a newer writer persisted that this version
	// does not recognize, so Load/Save never silently drop it on a
	// read-modify-write cycle (§6).
	Extra map[string]json.RawMessage `json:"-"`
}

// stateAlias breaks the recursion a State.MarshalJSON/UnmarshalJSON would
// otherwise cause by calling json.Marshal/Unmarshal on itself.
type stateAlias State

// MarshalJSON re-merges Extra's unknown fields back in underneath the
// known ones (§6 forward-compatibility).
func (s State) MarshalJSON() ([]byte, error) {
	alias := stateAlias(s)
	return jsonx.MergeUnknown(&alias, s.Extra)
}

// UnmarshalJSON decodes the known fields and stashes anything else in Extra.
func (s *State) UnmarshalJSON(data []byte) error {
	extra, err := jsonx.SplitUnknown(data, (*stateAlias)(s))
	if err != nil {
		return err
	}
	s.Extra = extra
	return nil
}

func statePath(reportTitle string) string {
	return "reports/" + reportTitle + "/auto/loop-state.json"
}

// Store persists and loads State under the Report lock category, matching
// the fixed global lock order QUEUE < NOTEBOOK < REPORT (§4.2).
type Store struct {
	fs    *fsstore.Store
	locks *lockmgr.Manager
}

// NewStore returns a Store backed by fs/locks.
func NewStore(fs *fsstore.Store, locks *lockmgr.Manager) *Store {
	return &Store{fs: fs, locks: locks}
}

// Load reads reportTitle's loop state, or a fresh inactive State if none
// has been persisted yet.
func (s *Store) Load(ctx context.Context, reportTitle string) (*State, error) {
	guard, err := s.locks.NewSession().Acquire(ctx, lockmgr.Report, reportTitle)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	exists, err := s.fs.Exists(statePath(reportTitle))
	if err != nil {
		return nil, err
	}
	if !exists {
		return &State{ReportTitle: reportTitle}, nil
	}
	b, err := s.fs.ReadFile(statePath(reportTitle))
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, gerr.Wrap(gerr.PoisonedMeta, "autoloop.Load", "malformed loop state", err)
	}
	return &st, nil
}

// Seed initializes a fresh loop state for reportTitle from run/attempt
// budgets (§3: runId, maxIterations, maxAttempts, budgets all come from
// the run's configuration at loop creation, not from the zero value) and
// persists it. It is a caller error to Seed a report that already has a
// persisted state; callers should Load first to check.
func (s *Store) Seed(ctx context.Context, reportTitle, runID string, budgets Budgets, maxIterations, maxAttempts int) (*State, error) {
	st := &State{
		ReportTitle:   reportTitle,
		RunID:         runID,
		Active:        true,
		MaxIterations: maxIterations,
		MaxAttempts:   maxAttempts,
		Budgets:       budgets,
	}
	if st.Budgets.StartedAt.IsZero() {
		st.Budgets.StartedAt = time.Now().UTC()
	}
	if err := s.Save(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Save durably writes st under the Report lock.
func (s *Store) Save(ctx context.Context, st *State) error {
	guard, err := s.locks.NewSession().Acquire(ctx, lockmgr.Report, st.ReportTitle)
	if err != nil {
		return err
	}
	defer guard.Release()

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return gerr.Wrap(gerr.TransientIO, "autoloop.Save", "marshal", err)
	}
	return s.fs.AtomicWrite(statePath(st.ReportTitle), b, 0o600)
}

// BudgetExceeded reports whether any budget in st has been exhausted, and
// which one, following the fixed precedence totalToolCalls > cycle >
// elapsed > iteration (§4.6).
func BudgetExceeded(st *State, now time.Time) (exceeded bool, reason string) {
	b := st.Budgets
	if b.MaxToolCalls > 0 && b.TotalToolCalls >= b.MaxToolCalls {
		return true, "maxToolCalls"
	}
	if b.MaxCycles > 0 && b.CurrentCycle >= b.MaxCycles {
		return true, "maxCycles"
	}
	if b.MaxTimeMinutes > 0 && !b.StartedAt.IsZero() && now.Sub(b.StartedAt) >= time.Duration(b.MaxTimeMinutes)*time.Minute {
		return true, "maxTimeMinutes"
	}
	if st.MaxIterations > 0 && st.Iteration >= st.MaxIterations {
		return true, "maxIterations"
	}
	return false, ""
}

// InjectionCooldownDefault is the default minimum spacing between
// injections (§4.6).
const InjectionCooldownDefault = 2000 * time.Millisecond

// Gate decides whether a new prompt injection is admissible. Per §4.6, all
// of the following must hold: the loop is still active, no budget has been
// exceeded, no terminal tag is present in the observed output, the cooldown
// since the last injection has elapsed, and the observed output has
// changed since the last processed output (a rolling blake3 hash,
// avoiding re-injection on an unchanged notebook tail).
type Gate struct {
	cooldown time.Duration
}

// NewGate returns a Gate with the given cooldown (InjectionCooldownDefault
// if zero).
func NewGate(cooldown time.Duration) *Gate {
	if cooldown <= 0 {
		cooldown = InjectionCooldownDefault
	}
	return &Gate{cooldown: cooldown}
}

// HashOutput returns the hex-encoded blake3 digest of output, for
// State.LastOutputHash comparisons.
func HashOutput(output string) string {
	sum := blake3.Sum256([]byte(output))
	return hex.EncodeToString(sum[:])
}

// Admit reports whether st (as of now) admits an injection for the given
// output, per the §4.6 admission predicate: active, budgets not exceeded,
// terminal-tag short circuit (S6), cooldown, and output-change. It does not
// mutate st; callers apply the returned decision via Record on the path
// that actually injects.
func (g *Gate) Admit(st *State, output string, now time.Time) (admit bool, reason string) {
	if !st.Active {
		return false, "loop not active"
	}
	if exceeded, why := BudgetExceeded(st, now); exceeded {
		return false, "budget exceeded: " + why
	}
	if t := DetectTerminal(output); t != TerminalNone {
		return false, "terminal tag present: " + string(t)
	}
	if st.LastInjection != nil && now.Sub(*st.LastInjection) < g.cooldown {
		return false, "cooldown not elapsed"
	}
	hash := HashOutput(output)
	if st.LastOutputHash != "" && hash == st.LastOutputHash {
		return false, "output unchanged since last injection"
	}
	return true, ""
}

// Record updates st to reflect an injection just admitted for output at now.
func (g *Gate) Record(st *State, output string, now time.Time) {
	t := now
	st.LastInjection = &t
	st.LastOutputHash = HashOutput(output)
}

// BuildContinuationMessage assembles the §4.6 Outputs #2 continuation
// message handed to the transport on an admitted injection: iteration,
// last decision, trust, goal gate, a budget summary, the next objective,
// and the fixed house rules every continuation carries.
func BuildContinuationMessage(st *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Auto-loop iteration %d", st.Iteration)
	if st.MaxIterations > 0 {
		fmt.Fprintf(&b, "/%d", st.MaxIterations)
	}
	fmt.Fprintf(&b, ", attempt %d", st.AttemptNumber)
	if st.MaxAttempts > 0 {
		fmt.Fprintf(&b, "/%d", st.MaxAttempts)
	}
	b.WriteString(".\n")
	if st.LastDecision != "" {
		fmt.Fprintf(&b, "Last decision: %s.\n", st.LastDecision)
	}
	if st.TrustScore != nil {
		fmt.Fprintf(&b, "Trust score: %d.\n", *st.TrustScore)
	}
	if st.GoalGateStatus != "" {
		fmt.Fprintf(&b, "Goal gate: %s.\n", st.GoalGateStatus)
	}
	fmt.Fprintf(&b, "Budget: %d/%d tool calls, cycle %d/%d.\n",
		st.Budgets.TotalToolCalls, st.Budgets.MaxToolCalls, st.Budgets.CurrentCycle, st.Budgets.MaxCycles)
	if st.NextObjective != "" {
		fmt.Fprintf(&b, "Next objective: %s\n", st.NextObjective)
	}
	b.WriteString("Rules: verify adversarially before claiming progress; only wrap a terminal " +
		"<promise> tag around GYOSHU_AUTO_COMPLETE, GYOSHU_AUTO_BLOCKED, or " +
		"GYOSHU_AUTO_BUDGET_EXHAUSTED when the loop should actually stop.")
	return b.String()
}

// terminalMessage builds the terminal-tagged message emitted on a
// controller-driven transition (budget exhaustion), so the host loop's own
// terminal-tag scan also observes the stop (§4.6).
func terminalMessage(st *State, t Terminal, reason string) string {
	return fmt.Sprintf(
		"Auto-loop stopped at iteration %d (cycle %d/%d, %d/%d tool calls): %s. <promise>%s</promise>",
		st.Iteration, st.Budgets.CurrentCycle, st.Budgets.MaxCycles,
		st.Budgets.TotalToolCalls, st.Budgets.MaxToolCalls, reason, t)
}

// Index is the one owned, per-report in-memory aggregate this package
// keeps in place of the source's scattered activeAutoLoops /
// recentOutputBuffer / injectionInFlight / lastProcessedOutputHash /
// saveDebounceTimers maps (§9 design note): everything a live loop needs
// in memory, cleared in one call when the loop deactivates.
type Index struct {
	Accumulator *Accumulator
}

// Tracker owns the in-memory Index for every report with an active loop.
// Clear tears one report's Index down completely — stopping its debounce
// timer — so a terminal condition can never leave a partial teardown
// behind (seed scenario S6: "in-memory indices for that report cleared").
type Tracker struct {
	mu       sync.Mutex
	byReport map[string]*Index
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{byReport: make(map[string]*Index)}
}

// Set installs idx as reportTitle's in-memory Index.
func (t *Tracker) Set(reportTitle string, idx *Index) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byReport[reportTitle] = idx
}

// Get returns reportTitle's Index, if any.
func (t *Tracker) Get(reportTitle string) (*Index, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.byReport[reportTitle]
	return idx, ok
}

// Clear tears down and removes reportTitle's Index, if one exists.
func (t *Tracker) Clear(reportTitle string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.byReport[reportTitle]; ok {
		if idx.Accumulator != nil {
			idx.Accumulator.Stop()
		}
		delete(t.byReport, reportTitle)
	}
}

// Active reports whether any report currently has a tracked Index, the
// signal the idle-bridge Sweeper uses to suspend itself.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byReport) > 0
}

// Accumulator buffers tool-call count increments in memory and persists
// them to the backing Store on a debounce timer, so a burst of tool calls
// costs one durable write instead of one per call.
type Accumulator struct {
	mu       sync.Mutex
	store    *Store
	state    *State
	debounce time.Duration
	timer    *time.Timer
	dirty    bool
}

// NewAccumulator returns an Accumulator over st, flushing to store no more
// often than every debounce (DefaultDebounce if zero).
func NewAccumulator(store *Store, st *State, debounce time.Duration) *Accumulator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Accumulator{store: store, state: st, debounce: debounce}
}

// DefaultDebounce is the default persistence debounce window (§4.6).
const DefaultDebounce = 1000 * time.Millisecond

// Add increments the in-memory tool-call counter and schedules a debounced
// flush; it never blocks on I/O.
func (a *Accumulator) Add(ctx context.Context, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Budgets.TotalToolCalls += n
	a.dirty = true
	if a.timer != nil {
		return
	}
	a.timer = time.AfterFunc(a.debounce, func() { a.flush(ctx) })
}

func (a *Accumulator) flush(ctx context.Context) {
	a.mu.Lock()
	if !a.dirty {
		a.timer = nil
		a.mu.Unlock()
		return
	}
	st := a.state
	a.dirty = false
	a.timer = nil
	a.mu.Unlock()

	_ = a.store.Save(ctx, st)
}

// Stop cancels any pending debounced flush without writing it; callers that
// need the final count durable must call Flush first.
func (a *Accumulator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Flush forces an immediate synchronous persist of the current counters,
// cancelling any pending debounced timer.
func (a *Accumulator) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	st := a.state
	a.dirty = false
	a.mu.Unlock()
	return a.store.Save(ctx, st)
}

// Controller is the auto-loop's durable state machine (§4.6): it owns
// persistence via Store, admission via Gate, the in-memory Tracker, and
// drives the decision engine (D, §4.5) once a cycle's verification results
// are available.
type Controller struct {
	store   *Store
	gate    *Gate
	tracker *Tracker
}

// NewController returns a Controller. A nil gate/tracker gets a default.
func NewController(store *Store, gate *Gate, tracker *Tracker) *Controller {
	if gate == nil {
		gate = NewGate(0)
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Controller{store: store, gate: gate, tracker: tracker}
}

// Tracker exposes the controller's in-memory Tracker, e.g. for wiring the
// idle-bridge Sweeper's activeFn.
func (c *Controller) Tracker() *Tracker { return c.tracker }

// ObserveOutput implements the §4.6 event path for one piece of observed
// agent/tool output. Terminal-tag detection short-circuits everything
// first (S6): the loop deactivates and its in-memory Index is cleared, and
// nothing further is admitted. Next, the first trip of any budget performs
// the §4.6 terminal transition (active=false, lastDecision=
// BUDGET_EXHAUSTED, persisted, indices cleared, terminal-tagged message
// emitted) — a budget that stays exceeded on a later call is a no-op,
// since the loop is already inactive and Load never re-activates it.
// Otherwise the cooldown/output-change gate decides whether to admit a
// continuation message. The returned string is empty when nothing should
// be sent to the transport this call.
func (c *Controller) ObserveOutput(ctx context.Context, reportTitle, output string, now time.Time) (string, error) {
	st, err := c.store.Load(ctx, reportTitle)
	if err != nil {
		return "", err
	}
	if !st.Active {
		return "", nil
	}

	if t := DetectTerminal(output); t != TerminalNone {
		st.Active = false
		st.Terminal = t
		st.LastDecision = decisionForTerminal(t)
		if err := c.store.Save(ctx, st); err != nil {
			return "", err
		}
		c.tracker.Clear(reportTitle)
		return "", nil
	}

	if exceeded, reason := BudgetExceeded(st, now); exceeded {
		st.Active = false
		st.Terminal = TerminalBudgetExhausted
		st.LastDecision = decision.BudgetExhausted
		if err := c.store.Save(ctx, st); err != nil {
			return "", err
		}
		c.tracker.Clear(reportTitle)
		return terminalMessage(st, TerminalBudgetExhausted, reason), nil
	}

	admit, _ := c.gate.Admit(st, output, now)
	if !admit {
		return "", nil
	}
	msg := BuildContinuationMessage(st)
	c.gate.Record(st, output, now)
	if err := c.store.Save(ctx, st); err != nil {
		return "", err
	}
	return msg, nil
}

// CandidateVerifications bundles one candidate's stage facts with the
// verification set the decision engine aggregates over (§4.5).
type CandidateVerifications struct {
	WorkerID      string
	StageID       string
	GoalProgress  float64
	PrimaryMetric float64
	Verifications []decision.VerificationResult
}

// CycleOutcome is what one decision cycle learns: the best eligible
// candidate (if any), the selection reason, and the resulting
// AutoLoopDecision.
type CycleOutcome struct {
	Selected *decision.Candidate
	Reason   string
	Decision decision.Decision
}

// RunDecisionCycle wires the decision engine D into the auto-loop cycle
// (§2 data flow, §4.5): it aggregates each candidate's verifications with
// decision.Aggregate, selects the best eligible candidate with
// decision.SelectBest, evaluates the goal gate with
// decision.EvaluateGoalGate, and computes the next AutoLoopDecision with
// decision.NextDecision — then persists trustScore, goalGateStatus,
// lastDecision, and (on PIVOT) an incremented attemptNumber onto
// reportTitle's durable State. A COMPLETE/BLOCKED/BUDGET_EXHAUSTED
// decision also deactivates the loop and clears its in-memory Index.
func (c *Controller) RunDecisionCycle(ctx context.Context, reportTitle string, cvs []CandidateVerifications, goalAchieved, goalTarget float64, reworkRounds, maxReworkRounds int) (CycleOutcome, error) {
	st, err := c.store.Load(ctx, reportTitle)
	if err != nil {
		return CycleOutcome{}, err
	}

	candidates := make([]decision.Candidate, 0, len(cvs))
	for _, cv := range cvs {
		candidates = append(candidates, decision.Candidate{
			WorkerID:      cv.WorkerID,
			StageID:       cv.StageID,
			GoalProgress:  cv.GoalProgress,
			PrimaryMetric: cv.PrimaryMetric,
			Trust:         decision.Aggregate(cv.Verifications),
		})
	}

	sel := decision.SelectBest(candidates)
	goalStatus := decision.EvaluateGoalGate(goalAchieved, goalTarget)
	budgetExceeded, _ := BudgetExceeded(st, time.Now())

	next := decision.NextDecision(decision.NextDecisionInput{
		TrustPassed:  sel.Selected != nil,
		GoalStatus:   goalStatus,
		AttemptsLeft: st.MaxAttempts == 0 || st.AttemptNumber < st.MaxAttempts,
		BudgetOK:     !budgetExceeded,
		ReworkRounds: reworkRounds,
		MaxRework:    maxReworkRounds,
	})

	trust := 0
	if sel.Selected != nil {
		trust = sel.Selected.Trust.Aggregated
	}
	st.TrustScore = &trust
	st.GoalGateStatus = goalStatus
	st.LastDecision = next
	st.Budgets.CurrentCycle++

	switch next {
	case decision.Pivot:
		st.AttemptNumber++
	case decision.Complete:
		st.Active = false
		st.Terminal = TerminalComplete
	case decision.Blocked:
		st.Active = false
		st.Terminal = TerminalBlocked
	case decision.BudgetExhausted:
		st.Active = false
		st.Terminal = TerminalBudgetExhausted
	}

	if err := c.store.Save(ctx, st); err != nil {
		return CycleOutcome{}, err
	}
	if !st.Active {
		c.tracker.Clear(reportTitle)
	}

	return CycleOutcome{Selected: sel.Selected, Reason: sel.Reason, Decision: next}, nil
}

// IdleSweepInterval and IdleThreshold are the §4.6 defaults for the
// idle-bridge reaping sweep.
const (
	IdleSweepInterval = 5 * time.Minute
	IdleThreshold     = 30 * time.Minute
)

// Sweeper periodically reaps bridge sessions idle past a threshold, but
// only when no auto-loop is active — an active loop may still be reading
// from a quiet bridge.
type Sweeper struct {
	registry  *bridge.Registry
	interval  time.Duration
	threshold time.Duration
	activeFn  func() bool
	log       *gyoshulog.Logger
}

// NewSweeper returns a Sweeper. activeFn reports whether any auto-loop is
// currently active; the sweep is suspended entirely while it returns true.
func NewSweeper(registry *bridge.Registry, interval, threshold time.Duration, activeFn func() bool) *Sweeper {
	if interval <= 0 {
		interval = IdleSweepInterval
	}
	if threshold <= 0 {
		threshold = IdleThreshold
	}
	return &Sweeper{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
		activeFn:  activeFn,
		log:       gyoshulog.New("[autoloop-sweep] "),
	}
}

// SweepOnce runs a single sweep pass, reaping every idle session, unless an
// auto-loop is active. It returns the session ids reaped. A reap failure for
// one session is swallowed (§7: background sweeps swallow non-fatal errors)
// but logged when debugging is enabled, and the sweep continues with the
// rest of the idle set.
func (s *Sweeper) SweepOnce() ([]string, error) {
	if s.activeFn != nil && s.activeFn() {
		return nil, nil
	}
	idle, err := s.registry.IdleSessions(s.threshold)
	if err != nil {
		return nil, err
	}
	var reaped []string
	for _, shortForm := range idle {
		if err := s.registry.ReapDir(shortForm); err != nil {
			s.log.LoggedAndIgnored("autoloop.Sweeper.SweepOnce", "transient-io", err)
			continue
		}
		reaped = append(reaped, shortForm)
	}
	return reaped, nil
}

// Run loops SweepOnce every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.SweepOnce()
		}
	}
}
