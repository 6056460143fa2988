// Package lockmgr implements the advisory file-lock manager (§4.2): fixed
// global acquisition order across lock categories, lease timeouts, and
// stale-lock reclaim. Lock files live exclusively under a runtime root,
// never inside the durable tree.
package lockmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danshapiro/gyoshu/internal/attractor/procutil"
	"github.com/danshapiro/gyoshu/internal/gerr"
)

// Category is one of the three fixed lock categories. Lower values must be
// acquired before higher values within a single Session.
type Category int

const (
	Queue    Category = 1
	Notebook Category = 2
	Report   Category = 3
)

func (c Category) String() string {
	switch c {
	case Queue:
		return "queue"
	case Notebook:
		return "notebook"
	case Report:
		return "report"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

const defaultTimeout = 30 * time.Second
const pollInterval = 20 * time.Millisecond

// Manager acquires and releases advisory locks under runtimeRoot.
type Manager struct {
	runtimeRoot string
	timeout     time.Duration
	debugOrder  bool
	onStale     func(category Category, key string, ownerPID int)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout overrides the default 30s acquisition timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithDebugOrder enables refusal of out-of-order acquisition within a
// Session; intended for tests and development builds.
func WithDebugOrder(enabled bool) Option {
	return func(m *Manager) { m.debugOrder = enabled }
}

// WithStaleLogger installs a callback invoked whenever a stale lock is
// forcibly reclaimed, so operators can observe it (spec §4.2: "can be
// forcibly reclaimed ... with logging").
func WithStaleLogger(fn func(category Category, key string, ownerPID int)) Option {
	return func(m *Manager) { m.onStale = fn }
}

// New returns a Manager rooting its lock files under runtimeRoot/locks.
func New(runtimeRoot string, opts ...Option) *Manager {
	m := &Manager{runtimeRoot: runtimeRoot, timeout: defaultTimeout}
	for _, o := range opts {
		o(m)
	}
	return m
}

type lockFile struct {
	OwnerPID   int       `json:"owner_pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	TimeoutMS  int64     `json:"timeout_ms"`
}

func (m *Manager) pathFor(category Category, key string) string {
	return filepath.Join(m.runtimeRoot, "locks", category.String(), key+".lock")
}

// Guard represents a held lock. Release is idempotent and safe to call via
// defer from any exit path, including after a panic recovers further up
// the call stack.
type Guard struct {
	path     string
	released bool
}

// Release drops the lock. Safe to call more than once.
func (g *Guard) Release() error {
	if g == nil || g.released {
		return nil
	}
	g.released = true
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return gerr.Wrap(gerr.TransientIO, "lockmgr.Release", g.path, err)
	}
	return nil
}

// Acquire takes the lock for (category, key), blocking (with polling) until
// acquired, a stale lock is reclaimed, or ctx/timeout elapses.
func (m *Manager) Acquire(ctx context.Context, category Category, key string) (*Guard, error) {
	path := m.pathFor(category, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, gerr.Wrap(gerr.TransientIO, "lockmgr.Acquire", "mkdir", err)
	}

	deadline := time.Now().Add(m.timeout)
	for {
		ok, err := m.tryAcquire(path)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Guard{path: path}, nil
		}
		if stale, owner := m.checkStale(path); stale {
			if err := os.Remove(path); err == nil && m.onStale != nil {
				m.onStale(category, key, owner)
			}
			continue // retry immediately; don't count this iteration against the poll sleep
		}
		if time.Now().After(deadline) {
			return nil, gerr.New(gerr.LockTimeout, "lockmgr.Acquire", fmt.Sprintf("timed out acquiring %s/%s", category, key))
		}
		select {
		case <-ctx.Done():
			return nil, gerr.Wrap(gerr.LockTimeout, "lockmgr.Acquire", "context done while waiting", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// tryAcquire attempts a single exclusive-create of the lock file.
func (m *Manager) tryAcquire(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, gerr.Wrap(gerr.TransientIO, "lockmgr.tryAcquire", path, err)
	}
	defer f.Close()
	lf := lockFile{OwnerPID: os.Getpid(), AcquiredAt: time.Now().UTC(), TimeoutMS: m.timeout.Milliseconds()}
	b, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return false, gerr.Wrap(gerr.TransientIO, "lockmgr.tryAcquire", "marshal", err)
	}
	if _, err := f.Write(b); err != nil {
		return false, gerr.Wrap(gerr.TransientIO, "lockmgr.tryAcquire", "write", err)
	}
	return true, nil
}

// checkStale reports whether the lock file at path belongs to a dead owner
// or has aged past 2x its recorded timeout.
func (m *Manager) checkStale(path string) (bool, int) {
	b, err := os.ReadFile(path)
	if err != nil {
		return false, 0
	}
	var lf lockFile
	if err := json.Unmarshal(b, &lf); err != nil {
		// Unparseable lock file: treat conservatively as not stale rather
		// than risk reclaiming a healthy lock written by an incompatible
		// future version.
		return false, 0
	}
	if lf.OwnerPID > 0 && !procutil.PIDAlive(lf.OwnerPID) {
		return true, lf.OwnerPID
	}
	timeout := time.Duration(lf.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if time.Since(lf.AcquiredAt) > 2*timeout {
		return true, lf.OwnerPID
	}
	return false, lf.OwnerPID
}

// Session tracks the categories acquired by one logical caller so
// out-of-order acquisition can be refused when debug mode is enabled, and
// so all held locks can be released in one reverse-order call.
type Session struct {
	mgr   *Manager
	held  []*Guard
	order []Category
}

// NewSession starts a lock-ordering session against this Manager.
func (m *Manager) NewSession() *Session {
	return &Session{mgr: m}
}

// Acquire takes (category, key) within the session, enforcing ascending
// category order when the Manager was built with WithDebugOrder(true).
func (s *Session) Acquire(ctx context.Context, category Category, key string) (*Guard, error) {
	if s.mgr.debugOrder && len(s.order) > 0 {
		last := s.order[len(s.order)-1]
		if category <= last {
			return nil, gerr.New(gerr.LockTimeout, "lockmgr.Session.Acquire",
				fmt.Sprintf("out-of-order acquisition: %s after %s (must be strictly ascending)", category, last))
		}
	}
	g, err := s.mgr.Acquire(ctx, category, key)
	if err != nil {
		return nil, err
	}
	s.held = append(s.held, g)
	s.order = append(s.order, category)
	return g, nil
}

// Release releases every lock held by the session, in reverse acquisition
// order, matching the §4.2 "acquire ascending, release descending" rule.
// Release is idempotent.
func (s *Session) Release() error {
	var firstErr error
	for i := len(s.held) - 1; i >= 0; i-- {
		if err := s.held[i].Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.held = nil
	s.order = nil
	return firstErr
}
