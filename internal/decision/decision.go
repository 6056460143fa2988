// Package decision implements the Trust-and-Goal Decision Engine (D, §4.5):
// conservative aggregation of adversarial verifications, a two-gate (trust,
// goal) admission of candidates, best-candidate selection, and the next
// AutoLoopDecision.
package decision

import (
	"math"
	"sort"
	"strconv"
)

// VerificationResult is the subset of the durable VerificationResult (§3)
// the decision engine reasons about.
type VerificationResult struct {
	JobID         string
	WorkerID      string
	TrustScore    int
	Status        VerificationStatus
	DurationMS    int64
}

// VerificationStatus is the canonical vocabulary for a single verifier's
// outcome (§9 design note: pick one vocabulary, map the other on input).
type VerificationStatus string

const (
	Verified VerificationStatus = "VERIFIED"
	Partial  VerificationStatus = "PARTIAL"
	Rejected VerificationStatus = "REJECTED"
)

// StatusForScore classifies a trust score into its canonical status
// per spec §3 thresholds: VERIFIED >= 80; PARTIAL 60-79; else REJECTED.
func StatusForScore(score int) VerificationStatus {
	switch {
	case score >= 80:
		return Verified
	case score >= 60:
		return Partial
	default:
		return Rejected
	}
}

// Consensus labels the agreement among a verifier set.
type Consensus string

const (
	Unanimous Consensus = "unanimous"
	Majority  Consensus = "majority"
	Split     Consensus = "split"
)

// TrustVerdict is the result of aggregating one candidate's verifications.
type TrustVerdict struct {
	Aggregated int       `json:"aggregated"`
	Passed     bool      `json:"passed"`
	Consensus  Consensus `json:"consensus"`
}

// TrustPassThreshold is the fixed trust-gate threshold (§4.5, §8 property 7).
const TrustPassThreshold = 80

// Aggregate computes the conservative minimum-trust verdict for one
// candidate's verification set. The minimum rule is intentional:
// adversarial reviewers are never averaged into approval.
func Aggregate(results []VerificationResult) TrustVerdict {
	if len(results) == 0 {
		return TrustVerdict{Aggregated: 0, Passed: false, Consensus: Split}
	}
	min := results[0].TrustScore
	agree := 0
	for _, r := range results {
		if r.TrustScore < min {
			min = r.TrustScore
		}
		if r.Status == Verified {
			agree++
		}
	}
	return TrustVerdict{
		Aggregated: min,
		Passed:     min >= TrustPassThreshold,
		Consensus:  consensusLabel(agree, len(results)),
	}
}

func consensusLabel(agree, total int) Consensus {
	if agree == total || agree == 0 {
		return Unanimous
	}
	if agree*2 > total {
		return Majority
	}
	return Split
}

// Candidate is a worker's stage output eligible for verification and
// selection (§3). Fields beyond the ones the engine ranks on are opaque
// to this package.
type Candidate struct {
	WorkerID      string
	StageID       string
	GoalProgress  float64
	PrimaryMetric float64
	Trust         TrustVerdict
}

// GoalGateStatus mirrors AutoLoopState.goalGateStatus (§3).
type GoalGateStatus string

const (
	GoalMet     GoalGateStatus = "MET"
	GoalNotMet  GoalGateStatus = "NOT_MET"
	GoalBlocked GoalGateStatus = "BLOCKED"
)

// EvaluateGoalGate is the binary predicate: did achieved meet or exceed
// target? A non-finite or non-positive target is treated as unevaluable
// and reported as BLOCKED rather than silently passing.
func EvaluateGoalGate(achieved, target float64) GoalGateStatus {
	if math.IsNaN(target) || math.IsInf(target, 0) || target <= 0 {
		return GoalBlocked
	}
	if achieved >= target {
		return GoalMet
	}
	return GoalNotMet
}

// SelectionResult is the outcome of SelectBest.
type SelectionResult struct {
	Selected *Candidate
	Reason   string
}

// SelectBest ranks candidates whose aggregated trust passes the trust gate
// by goalProgress descending, tie-breaking on primaryMetric descending.
// It never mutates candidates; the returned pointer aliases an element of
// the input slice (or is nil, with Reason explaining the failing gate and
// best score observed).
func SelectBest(candidates []Candidate) SelectionResult {
	eligible := make([]*Candidate, 0, len(candidates))
	bestTrustSeen := -1
	for i := range candidates {
		c := &candidates[i]
		if c.Trust.Aggregated > bestTrustSeen {
			bestTrustSeen = c.Trust.Aggregated
		}
		if c.Trust.Passed {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return SelectionResult{
			Selected: nil,
			Reason:   reasonNoneEligible(bestTrustSeen),
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].GoalProgress != eligible[j].GoalProgress {
			return eligible[i].GoalProgress > eligible[j].GoalProgress
		}
		return eligible[i].PrimaryMetric > eligible[j].PrimaryMetric
	})
	return SelectionResult{Selected: eligible[0], Reason: "selected " + eligible[0].WorkerID + " by goalProgress/primaryMetric"}
}

func reasonNoneEligible(bestTrustSeen int) string {
	if bestTrustSeen < 0 {
		return "trust-gate: no candidates to evaluate"
	}
	return "trust-gate: no candidate reached aggregated trust >= 80 (best observed: " + strconv.Itoa(bestTrustSeen) + ")"
}

// Decision is the set of AutoLoopDecision values (§3).
type Decision string

const (
	Continue        Decision = "CONTINUE"
	Pivot           Decision = "PIVOT"
	Rework          Decision = "REWORK"
	Complete        Decision = "COMPLETE"
	Blocked         Decision = "BLOCKED"
	BudgetExhausted Decision = "BUDGET_EXHAUSTED"
)

// NextDecisionInput bundles the facts the §4.5 decision table reasons over.
type NextDecisionInput struct {
	TrustPassed  bool
	GoalStatus   GoalGateStatus
	AttemptsLeft bool
	BudgetOK     bool
	ReworkRounds int
	MaxRework    int
}

// NextDecision implements the §4.5 Trust×Goal×attempts×budget table.
func NextDecision(in NextDecisionInput) Decision {
	if !in.BudgetOK {
		return BudgetExhausted
	}
	if in.GoalStatus == GoalBlocked {
		return Blocked
	}
	if !in.TrustPassed {
		if in.ReworkRounds >= in.MaxRework {
			return Blocked
		}
		return Rework
	}
	switch in.GoalStatus {
	case GoalMet:
		return Complete
	case GoalNotMet:
		if in.AttemptsLeft {
			return Pivot
		}
		return Blocked
	}
	return Continue
}
