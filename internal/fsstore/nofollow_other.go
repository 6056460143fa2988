//go:build !unix

package fsstore

// syscallNoFollow degrades to a no-op on platforms without O_NOFOLLOW. On
// these platforms ReadFile follows a symlink at the final path component;
// the Lstat-based parent check in verifyNoSymlinkParents runs for
// AtomicWrite only, not for ReadFile.
const syscallNoFollow = 0
