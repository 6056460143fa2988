//go:build unix

package fsstore

import "syscall"

// syscallNoFollow is OR'd into the open flags for symlink-safe reads so the
// kernel itself refuses to traverse a symlink at the final path component.
const syscallNoFollow = syscall.O_NOFOLLOW
