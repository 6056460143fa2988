package lockmgr

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := New(t.TempDir())
	g, err := m.Acquire(context.Background(), Queue, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Release(); err != nil {
		t.Fatal(err)
	}
	// Re-acquiring after release must succeed.
	g2, err := m.Acquire(context.Background(), Queue, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	_ = g2.Release()
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	m := New(t.TempDir(), WithTimeout(100*time.Millisecond))
	g1, err := m.Acquire(context.Background(), Queue, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	defer g1.Release()

	_, err = m.Acquire(context.Background(), Queue, "run-1")
	if err == nil {
		t.Fatal("expected lock-timeout error")
	}
}

func TestStaleLockReclaimedWhenOwnerDead(t *testing.T) {
	root := t.TempDir()
	m := New(root, WithTimeout(5*time.Second))
	lockDir := filepath.Join(root, "locks", "queue")
	if err := os.MkdirAll(lockDir, 0o700); err != nil {
		t.Fatal(err)
	}
	// Simulate a lock left behind by a dead process (an unused high pid).
	deadPID := 1 << 30
	lf := lockFile{OwnerPID: deadPID, AcquiredAt: time.Now().UTC(), TimeoutMS: 5000}
	b, _ := json.Marshal(lf)
	if err := os.WriteFile(filepath.Join(lockDir, "run-1.lock"), b, 0o600); err != nil {
		t.Fatal(err)
	}

	var reclaimed bool
	m.onStale = func(category Category, key string, ownerPID int) { reclaimed = true }

	g, err := m.Acquire(context.Background(), Queue, "run-1")
	if err != nil {
		t.Fatalf("expected stale lock to be reclaimed, got %v", err)
	}
	defer g.Release()
	if !reclaimed {
		t.Fatal("expected onStale callback to fire")
	}
}

func TestStaleLockReclaimedWhenAged(t *testing.T) {
	root := t.TempDir()
	m := New(root, WithTimeout(10*time.Millisecond))
	lockDir := filepath.Join(root, "locks", "queue")
	if err := os.MkdirAll(lockDir, 0o700); err != nil {
		t.Fatal(err)
	}
	lf := lockFile{OwnerPID: os.Getpid(), AcquiredAt: time.Now().Add(-time.Second), TimeoutMS: 10}
	b, _ := json.Marshal(lf)
	if err := os.WriteFile(filepath.Join(lockDir, "run-1.lock"), b, 0o600); err != nil {
		t.Fatal(err)
	}
	g, err := m.Acquire(context.Background(), Queue, "run-1")
	if err != nil {
		t.Fatalf("expected aged lock to be reclaimed, got %v", err)
	}
	_ = g.Release()
}

func TestSessionEnforcesOrder(t *testing.T) {
	m := New(t.TempDir(), WithDebugOrder(true))
	s := m.NewSession()
	if _, err := s.Acquire(context.Background(), Notebook, "n1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Acquire(context.Background(), Queue, "q1"); err == nil {
		t.Fatal("expected out-of-order acquisition to be refused")
	}
	_ = s.Release()
}

func TestSessionReleasesInReverseOrder(t *testing.T) {
	m := New(t.TempDir(), WithDebugOrder(true))
	s := m.NewSession()
	if _, err := s.Acquire(context.Background(), Queue, "q1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Acquire(context.Background(), Notebook, "n1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Acquire(context.Background(), Report, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Release(); err != nil {
		t.Fatal(err)
	}
}
