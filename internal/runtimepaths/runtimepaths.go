// Package runtimepaths resolves the ephemeral runtime root (§6): explicit
// env var override, then XDG runtime dir, then a user-cache fallback, then
// a platform cache directory. The chosen directory is created with
// user-only permissions.
package runtimepaths

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/danshapiro/gyoshu/internal/gerr"
)

// EnvOverride is the explicit override variable, highest precedence.
const EnvOverride = "GYOSHU_RUNTIME_DIR"

const appDirName = "gyoshu"

// Resolve returns the runtime root directory, creating it with 0o700
// permissions if it does not already exist.
func Resolve() (string, error) {
	dir, err := candidate()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", gerr.Wrap(gerr.TransientIO, "runtimepaths.Resolve", "mkdir "+dir, err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return "", gerr.Wrap(gerr.TransientIO, "runtimepaths.Resolve", "chmod "+dir, err)
	}
	return dir, nil
}

func candidate() (string, error) {
	if v := os.Getenv(EnvOverride); v != "" {
		if !filepath.IsAbs(v) {
			return "", gerr.New(gerr.PathSafety, "runtimepaths.candidate", EnvOverride+" must be an absolute path")
		}
		return v, nil
	}
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, appDirName), nil
	}
	if v := os.Getenv("XDG_CACHE_HOME"); v != "" {
		return filepath.Join(v, appDirName, "runtime"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", gerr.Wrap(gerr.TransientIO, "runtimepaths.candidate", "resolve home dir", err)
	}
	return filepath.Join(home, cacheSubdir(), appDirName, "runtime"), nil
}

// cacheSubdir returns the platform-conventional cache location under the
// user's home directory, used only as the last-resort fallback.
func cacheSubdir() string {
	if runtime.GOOS == "darwin" {
		return "Library/Caches"
	}
	return ".cache"
}
