package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/danshapiro/gyoshu/internal/autoloop"
	"github.com/danshapiro/gyoshu/internal/fsstore"
	"github.com/danshapiro/gyoshu/internal/queue"
	"github.com/danshapiro/gyoshu/internal/reportgate"
)

type statusReport struct {
	ReportTitle string                `json:"reportTitle"`
	RunID       string                `json:"runId,omitempty"`
	Queue       *queue.StatusSnapshot `json:"queue,omitempty"`
	AutoLoop    *autoloop.State       `json:"autoLoop,omitempty"`
	ReportGate  *reportgate.Result    `json:"reportGate,omitempty"`
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	var durableRoot, reportTitle, runtimeRoot, runID string
	var asJSON bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--durable-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--durable-root requires a value")
				return 1
			}
			durableRoot = args[i]
		case "--report-title":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--report-title requires a value")
				return 1
			}
			reportTitle = args[i]
		case "--runtime-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--runtime-root requires a value")
				return 1
			}
			runtimeRoot = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--run-id requires a value")
				return 1
			}
			runID = args[i]
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	if durableRoot == "" || reportTitle == "" {
		fmt.Fprintln(stderr, "--durable-root and --report-title are required")
		return 1
	}
	if runtimeRoot == "" {
		runtimeRoot = durableRoot + "/.runtime"
	}

	store, err := fsstore.New(durableRoot)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	locks := newLockManager(runtimeRoot)

	result := statusReport{ReportTitle: reportTitle}

	if runID == "" {
		runID, err = latestRunID(store, reportTitle)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	if runID != "" {
		result.RunID = runID
		q, err := queue.Open(store, locks, nil, reportTitle, runID)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		snap, err := q.Status()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		result.Queue = snap
	}

	loopStore := autoloop.NewStore(store, locks)
	loopState, err := loopStore.Load(context.Background(), reportTitle)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	result.AutoLoop = loopState

	gateResult := reportgate.Evaluate(store, "reports/"+reportTitle)
	result.ReportGate = &gateResult

	if asJSON {
		b, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, string(b))
		return 0
	}

	printHuman(stdout, result)
	return 0
}

func latestRunID(store *fsstore.Store, reportTitle string) (string, error) {
	names, err := store.List("reports/" + reportTitle + "/queue")
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names) // ULIDs are lexicographically time-ordered
	return strings.TrimSuffix(names[len(names)-1], ".json"), nil
}

func printHuman(stdout io.Writer, r statusReport) {
	fmt.Fprintf(stdout, "report: %s\n", r.ReportTitle)
	if r.RunID != "" {
		fmt.Fprintf(stdout, "run: %s\n", r.RunID)
	}
	if r.Queue != nil {
		fmt.Fprintf(stdout, "queue: pending=%d claimed=%d done=%d failed=%d workers=%d complete=%v hasFailed=%v\n",
			r.Queue.JobCounts[queue.Pending], r.Queue.JobCounts[queue.Claimed], r.Queue.JobCounts[queue.Done],
			r.Queue.JobCounts[queue.Failed], r.Queue.Workers, r.Queue.IsComplete, r.Queue.HasFailed)
	}
	if r.AutoLoop != nil {
		fmt.Fprintf(stdout, "auto-loop: active=%v cycle=%d iteration=%d attempt=%d toolCalls=%d lastDecision=%s terminal=%s\n",
			r.AutoLoop.Active, r.AutoLoop.Budgets.CurrentCycle, r.AutoLoop.Iteration, r.AutoLoop.AttemptNumber,
			r.AutoLoop.Budgets.TotalToolCalls, r.AutoLoop.LastDecision, r.AutoLoop.Terminal)
	}
	if r.ReportGate != nil {
		fmt.Fprintf(stdout, "report gate: score=%d passed=%v violations=%d\n",
			r.ReportGate.Score, r.ReportGate.Passed, len(r.ReportGate.Violations))
	}
}
