package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/gyoshu/internal/autoloop"
	"github.com/danshapiro/gyoshu/internal/config"
	"github.com/danshapiro/gyoshu/internal/fsstore"
	"github.com/danshapiro/gyoshu/internal/ident"
	"github.com/danshapiro/gyoshu/internal/queue"
)

func runInit(args []string, stdout, stderr io.Writer) int {
	var durableRoot, reportTitle, runtimeRoot string

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
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	if durableRoot == "" || reportTitle == "" {
		fmt.Fprintln(stderr, "--durable-root and --report-title are required")
		return 1
	}
	if err := ident.ValidateReportTitle(reportTitle); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if runtimeRoot == "" {
		runtimeRoot = durableRoot + "/.runtime"
	}

	if err := os.MkdirAll(durableRoot, 0o700); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := os.MkdirAll(runtimeRoot, 0o700); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	cfg := config.Default(durableRoot)
	cfg.Runtime.RootOverride = runtimeRoot
	b, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	configPath := durableRoot + "/run.yaml"
	if err := os.WriteFile(configPath, b, 0o600); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	store, err := fsstore.New(durableRoot)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	locks := newLockManager(runtimeRoot)
	runID := queue.NewRunID()
	q, err := queue.Open(store, locks, nil, reportTitle, runID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := q.Init(queue.Config{
		MaxJobAttempts:      cfg.Queue.MaxJobAttempts,
		StaleClaimMS:        cfg.Queue.StaleClaimMS,
		HeartbeatIntervalMS: cfg.Queue.HeartbeatIntervalMS,
	}); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	loopStore := autoloop.NewStore(store, locks)
	budgets := autoloop.Budgets{
		MaxCycles:      cfg.Budgets.MaxCycles,
		MaxToolCalls:   cfg.Budgets.MaxToolCalls,
		MaxTimeMinutes: cfg.Budgets.MaxTimeMinutes,
	}
	if _, err := loopStore.Seed(context.Background(), reportTitle, runID, budgets, cfg.Budgets.MaxIterations, cfg.Budgets.MaxAttempts); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	fmt.Fprintf(stdout, "initialized report %q (run %s) under %s\n", reportTitle, runID, durableRoot)
	return 0
}
