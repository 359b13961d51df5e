//go:build darwin || freebsd || netbsd

package server

import (
	"io/fs"
	"syscall"
	"time"

	"github.com/rfratto/hostfs/internal/ipc"
)

func statFromInfo(fi fs.FileInfo) ipc.Stat {
	st := fallbackStat(fi)

	if s, ok := fi.Sys().(*syscall.Stat_t); ok {
		st.Dev = uint64(s.Dev)
		st.Ino = uint64(s.Ino)
		st.Nlink = uint64(s.Nlink)
		st.UID = s.Uid
		st.GID = s.Gid
		st.Rdev = uint64(s.Rdev)
		st.Size = s.Size
		st.Blksize = int64(s.Blksize)
		st.Blocks = int64(s.Blocks)
		st.Atime = time.Unix(int64(s.Atimespec.Sec), int64(s.Atimespec.Nsec))
		st.Mtime = time.Unix(int64(s.Mtimespec.Sec), int64(s.Mtimespec.Nsec))
		st.Ctime = time.Unix(int64(s.Ctimespec.Sec), int64(s.Ctimespec.Nsec))
		st.Birthtime = time.Unix(int64(s.Birthtimespec.Sec), int64(s.Birthtimespec.Nsec))
	}
	return st
}
