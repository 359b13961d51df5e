//go:build !linux && !darwin && !freebsd && !netbsd

package server

import (
	"io/fs"

	"github.com/rfratto/hostfs/internal/ipc"
)

func statFromInfo(fi fs.FileInfo) ipc.Stat { return fallbackStat(fi) }
