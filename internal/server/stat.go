package server

import (
	"io/fs"

	"github.com/rfratto/hostfs/internal/ipc"
)

// fallbackStat fills in the fields of a Stat that every platform can report.
func fallbackStat(fi fs.FileInfo) ipc.Stat {
	return ipc.Stat{
		Mode:    fi.Mode(),
		Nlink:   1,
		Size:    fi.Size(),
		Blksize: 512,
		Blocks:  (fi.Size() + 511) / 512,
		Atime:   fi.ModTime(),
		Mtime:   fi.ModTime(),
		Ctime:   fi.ModTime(),
	}
}
