package main

import (
	"github.com/danshapiro/gyoshu/internal/gyoshulog"
	"github.com/danshapiro/gyoshu/internal/lockmgr"
)

// newLockManager builds the lockmgr used by every subcommand, wiring stale
// reclaim logging through gyoshulog (§4.2: "forcibly reclaimed ... with
// logging") so operators running with GYOSHU_DEBUG=1 see reclaims instead
// of silent recovery.
func newLockManager(runtimeRoot string) *lockmgr.Manager {
	log := gyoshulog.New("[lockmgr] ")
	return lockmgr.New(runtimeRoot, lockmgr.WithStaleLogger(func(category lockmgr.Category, key string, ownerPID int) {
		log.StaleReclaimed(category.String(), key, ownerPID)
	}))
}
