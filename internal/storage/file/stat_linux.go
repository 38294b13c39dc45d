//go:build linux

package file

import (
	"os"
	"syscall"
	"time"

	"github.com/renderd-project/renderd/internal/storage"
)

// statTimes extracts atime/ctime from the platform-specific Stat_t that
// os.FileInfo.Sys() returns, since os.FileInfo itself only exposes mtime.
func statTimes(fi os.FileInfo) storage.Stat {
	st := storage.Stat{MTime: fi.ModTime()}
	sys, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return st
	}
	st.ATime = time.Unix(sys.Atim.Sec, sys.Atim.Nsec)
	st.CTime = time.Unix(sys.Ctim.Sec, sys.Ctim.Nsec)
	return st
}
