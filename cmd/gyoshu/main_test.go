package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunInitThenStatus(t *testing.T) {
	durableRoot := t.TempDir()
	var stdout, stderr bytes.Buffer

	code := runInit([]string{"--durable-root", durableRoot, "--report-title", "wine"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("init exit code %d, stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "wine") {
		t.Fatalf("expected init output to mention report title, got %q", stdout.String())
	}

	stdout.Reset()
	stderr.Reset()
	code = runStatus([]string{"--durable-root", durableRoot, "--report-title", "wine", "--json"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("status exit code %d, stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "\"reportTitle\": \"wine\"") {
		t.Fatalf("expected json status output, got %q", stdout.String())
	}
	if !strings.Contains(stdout.String(), "\"queue\"") {
		t.Fatalf("expected queue snapshot in status output, got %q", stdout.String())
	}
}

func TestRunInitRejectsMissingArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runInit([]string{"--durable-root", t.TempDir()}, &stdout, &stderr); code == 0 {
		t.Fatal("expected nonzero exit code for missing --report-title")
	}
}

func TestRunInitRejectsBadReportTitle(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runInit([]string{"--durable-root", t.TempDir(), "--report-title", "../escape"}, &stdout, &stderr)
	if code == 0 {
		t.Fatal("expected nonzero exit code for a traversal report title")
	}
}

func TestRunStatusOnEmptyReportDoesNotError(t *testing.T) {
	durableRoot := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := runStatus([]string{"--durable-root", durableRoot, "--report-title", "never-initialized"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected status on a never-initialized report to succeed with empty state, got code=%d stderr=%s", code, stderr.String())
	}
}
