// Package gyoshulog is the coordination core's minimal logging sink (§7):
// background sweeps and reclaim paths swallow non-fatal errors by design,
// but still surface them when debugging is enabled rather than silently
// discarding the signal. Grounded on internal/server/server.go's
// log.New(os.Stderr, prefix, log.LstdFlags) logger field — the teacher
// repo reaches for nothing heavier than the standard library "log"
// package for this, so neither do we.
package gyoshulog

import (
	"log"
	"os"
)

// EnvDebug is the env var gating verbose output (§7: "Logging to standard
// error is gated on a debug env var to keep production output quiet").
const EnvDebug = "GYOSHU_DEBUG"

// Logger is the coordination core's log sink: every call is a no-op unless
// debugging is enabled.
type Logger struct {
	enabled bool
	out     *log.Logger
}

// New returns a Logger honoring GYOSHU_DEBUG, writing to os.Stderr with the
// given prefix.
func New(prefix string) *Logger {
	return &Logger{
		enabled: os.Getenv(EnvDebug) != "",
		out:     log.New(os.Stderr, prefix, log.LstdFlags),
	}
}

// LoggedAndIgnored records that err was observed and deliberately discarded
// (§9 design note: replace silent catch-all swallows with a
// logged_and_ignored sink carrying the error kind), tagged with the
// operation and error kind.
func (l *Logger) LoggedAndIgnored(op, kind string, err error) {
	if !l.enabled || err == nil {
		return
	}
	l.out.Printf("%s: %s: %v", op, kind, err)
}

// StaleReclaimed logs a forcibly-reclaimed stale lock (§4.2: "can be
// forcibly reclaimed by a subsequent caller with logging").
func (l *Logger) StaleReclaimed(category, key string, ownerPID int) {
	if !l.enabled {
		return
	}
	l.out.Printf("stale lock reclaimed: category=%s key=%s ownerPid=%d", category, key, ownerPID)
}
