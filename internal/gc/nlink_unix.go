//go:build !windows

package gc

import (
	"os"
	"syscall"
)

// nlinkIsOne implements spec.md §4.8 pass 2's "nlink == 1" heuristic: an
// object with exactly one hard link is referenced by nothing but the
// object store itself.
func nlinkIsOne(info os.FileInfo) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return uint64(st.Nlink) == 1
}
