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
		st.Atime = time.Unix(int64(s.Atim.Sec), int64(s.Atim.Nsec))
		st.Mtime = time.Unix(int64(s.Mtim.Sec), int64(s.Mtim.Nsec))
		st.Ctime = time.Unix(int64(s.Ctim.Sec), int64(s.Ctim.Nsec))
	}
	return st
}
