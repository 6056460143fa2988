// Package bridge implements the Bridge Registry (§4.3): per-session REPL
// bridge metadata with liveness verification. Identity is only trusted when
// (pid, processStartTime) still refer to a live process, preventing a
// recycled pid from being mistaken for the session that originally started.
package bridge

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/gyoshu/internal/attractor/procutil"
	"github.com/danshapiro/gyoshu/internal/fsstore"
	"github.com/danshapiro/gyoshu/internal/gerr"
	"github.com/danshapiro/gyoshu/internal/jsonx"
)

// PythonEnv describes the interpreter backing a session.
type PythonEnv struct {
	Type       string `json:"type"`
	PythonPath string `json:"pythonPath"`
}

// Meta is the on-disk BridgeMeta entity (§3).
type Meta struct {
	SessionID        string    `json:"sessionId"`
	PID              int       `json:"pid"`
	ProcessStartTime *int64    `json:"processStartTime,omitempty"`
	SocketPath       string    `json:"socketPath"`
	BridgeStarted    string    `json:"bridgeStarted,omitempty"`
	StartedAt        string    `json:"startedAt,omitempty"`
	NotebookPath     string    `json:"notebookPath"`
	ReportTitle      string    `json:"reportTitle"`
	PythonEnv        PythonEnv `json:"pythonEnv"`
	Verification     *string   `json:"verification,omitempty"`
	LastActivity     time.Time `json:"lastActivity"`

	// Extra carries any field a newer writer persisted that this version
	// does not recognize, so Register/Load/TouchActivity never silently
	// drop it on a read-modify-write cycle (§6).
	Extra map[string]json.RawMessage `json:"-"`
}

// metaAlias breaks the recursion a Meta.MarshalJSON/UnmarshalJSON would
// otherwise cause by calling json.Marshal/Unmarshal on itself.
type metaAlias Meta

// MarshalJSON re-merges Extra's unknown fields back in underneath the
// known ones (§6 forward-compatibility).
func (m Meta) MarshalJSON() ([]byte, error) {
	alias := metaAlias(m)
	return jsonx.MergeUnknown(&alias, m.Extra)
}

// UnmarshalJSON decodes the known fields and stashes anything else in Extra.
func (m *Meta) UnmarshalJSON(data []byte) error {
	extra, err := jsonx.SplitUnknown(data, (*metaAlias)(m))
	if err != nil {
		return err
	}
	m.Extra = extra
	return nil
}

// NewSessionID mints a fresh, globally-sortable session id.
func NewSessionID() string {
	return ulid.Make().String()
}

// ShortForm returns the 12-hex-character short form of a session id, used
// for on-disk directory names (§3).
func ShortForm(sessionID string) string {
	sum := blake3.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])[:12]
}

// Validate checks Meta's load-time invariants (§4.3): pid positive,
// socketPath absolute, notebookPath set, processStartTime positive if
// present, at least one of bridgeStarted/startedAt non-empty. A failing
// Meta is "poisoned" and must be reaped rather than acted on.
func (m *Meta) Validate() error {
	if m.PID <= 0 {
		return gerr.New(gerr.PoisonedMeta, "bridge.Validate", "pid must be positive")
	}
	if !filepath.IsAbs(m.SocketPath) {
		return gerr.New(gerr.PoisonedMeta, "bridge.Validate", "socketPath must be absolute")
	}
	if strings.TrimSpace(m.NotebookPath) == "" {
		return gerr.New(gerr.PoisonedMeta, "bridge.Validate", "notebookPath is required")
	}
	if m.ProcessStartTime != nil && *m.ProcessStartTime <= 0 {
		return gerr.New(gerr.PoisonedMeta, "bridge.Validate", "processStartTime must be positive if present")
	}
	if strings.TrimSpace(m.BridgeStarted) == "" && strings.TrimSpace(m.StartedAt) == "" {
		return gerr.New(gerr.PoisonedMeta, "bridge.Validate", "one of bridgeStarted/startedAt is required")
	}
	return nil
}

// IdentityVerified reports whether (pid, processStartTime) still refer to
// a live process. When processStartTime is absent, liveness of the pid
// alone is the best available signal.
func (m *Meta) IdentityVerified() bool {
	if m.PID <= 0 {
		return false
	}
	if !procutil.PIDAlive(m.PID) {
		return false
	}
	if m.ProcessStartTime == nil {
		return true
	}
	actual, ok := processStartTime(m.PID)
	if !ok {
		return false
	}
	return actual == *m.ProcessStartTime
}

// Registry manages BridgeMeta files under a runtime store, each in its own
// session directory so sockets and meta for different sessions can never
// collide.
type Registry struct {
	store *fsstore.Store
}

// New returns a Registry rooted at the given runtime fsstore.
func New(store *fsstore.Store) *Registry {
	return &Registry{store: store}
}

func metaPath(sessionID string) string {
	return filepath.Join(ShortForm(sessionID), "bridge_meta.json")
}

// Register validates and durably writes meta for a new session.
func (r *Registry) Register(meta *Meta) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	if meta.LastActivity.IsZero() {
		meta.LastActivity = time.Now().UTC()
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return gerr.Wrap(gerr.TransientIO, "bridge.Register", "marshal", err)
	}
	return r.store.AtomicWrite(metaPath(meta.SessionID), b, 0o600)
}

// Load reads and validates the meta file for sessionID. A validation
// failure is returned as a *gerr.Error with Kind PoisonedMeta so callers
// can route it to Reap without ever sending a signal to the referenced
// pid.
func (r *Registry) Load(sessionID string) (*Meta, error) {
	b, err := r.store.ReadFile(metaPath(sessionID))
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, gerr.Wrap(gerr.PoisonedMeta, "bridge.Load", "malformed meta json", err)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

// TouchActivity updates lastActivity for idle-bridge reaping bookkeeping.
func (r *Registry) TouchActivity(sessionID string) error {
	meta, err := r.Load(sessionID)
	if err != nil {
		return err
	}
	meta.LastActivity = time.Now().UTC()
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return gerr.Wrap(gerr.TransientIO, "bridge.TouchActivity", "marshal", err)
	}
	return r.store.AtomicWrite(metaPath(sessionID), b, 0o600)
}

// Reap removes sessionID's meta file and, if the socket path is contained
// under the session's own runtime directory and lstats as a socket,
// removes it too. No signal is ever sent to the referenced pid — a
// recycled pid must never be treated as the original owner.
func (r *Registry) Reap(sessionID string) error {
	return r.reapDir(ShortForm(sessionID), sessionID)
}

// ReapDir reaps a session identified only by its on-disk short form, the
// shape IdleSessions reports. Used by the idle-bridge sweep (§4.6), which
// never has the original full session id in hand.
func (r *Registry) ReapDir(shortForm string) error {
	return r.reapDir(shortForm, "")
}

func (r *Registry) reapDir(dir, sessionIDForLoad string) error {
	var meta *Meta
	if sessionIDForLoad != "" {
		if m, err := r.Load(sessionIDForLoad); err == nil {
			meta = m
		}
	} else if b, err := r.store.ReadFile(filepath.Join(dir, "bridge_meta.json")); err == nil {
		var m Meta
		if json.Unmarshal(b, &m) == nil {
			meta = &m
		}
	}
	if meta != nil && meta.SocketPath != "" {
		r.removeSocketIfContained(dir, meta.SocketPath)
	}

	path := filepath.Join(dir, "bridge_meta.json")
	full, err := r.store.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return gerr.Wrap(gerr.TransientIO, "bridge.Reap", full, err)
	}
	return nil
}

func (r *Registry) removeSocketIfContained(sessionDir, socketPath string) {
	sockRel := filepath.Join(sessionDir, filepath.Base(socketPath))
	full, err := r.store.Resolve(sockRel)
	if err != nil {
		return
	}
	if full != socketPath {
		return // meta lied about the socket's directory; leave it alone
	}
	info, err := os.Lstat(full)
	if err != nil {
		return
	}
	if info.Mode()&os.ModeSocket == 0 {
		return
	}
	_ = os.Remove(full)
}

// IdleSessions returns the session directory short-forms whose meta file's
// lastActivity is older than threshold, for the idle-bridge sweep (§4.6).
// A caller must additionally check no active auto-loop references the
// session before reaping — this package only reports candidates.
func (r *Registry) IdleSessions(threshold time.Duration) ([]string, error) {
	dirs, err := r.store.List(".")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var idle []string
	for _, d := range dirs {
		b, err := r.store.ReadFile(filepath.Join(d, "bridge_meta.json"))
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal(b, &meta); err != nil {
			continue
		}
		if now.Sub(meta.LastActivity) > threshold {
			idle = append(idle, d)
		}
	}
	return idle, nil
}

// processStartTime reads /proc/<pid>/stat's 22nd field (start time in
// clock ticks since boot), the same signal the spec uses to disambiguate
// a live pid from a recycled one.
func processStartTime(pid int) (int64, bool) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, false
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 {
		return 0, false
	}
	fields := strings.Fields(line[closeIdx+2:])
	const startTimeFieldIndex = 19 // field 22 overall, 0-indexed after the 2 consumed fields
	if len(fields) <= startTimeFieldIndex {
		return 0, false
	}
	var v int64
	if _, err := fmt.Sscanf(fields[startTimeFieldIndex], "%d", &v); err != nil {
		return 0, false
	}
	return v, true
}
