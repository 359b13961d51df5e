package fs

import (
	"os"
	"path"
	"time"

	"github.com/rfratto/hostfs/internal/ipc"
)

// Stats describes a file. Stats implements os.FileInfo.
type Stats struct {
	ipc.Stat

	name string
}

var _ os.FileInfo = (*Stats)(nil)

func newStats(p string, st ipc.Stat) *Stats {
	return &Stats{Stat: st, name: path.Base(p)}
}

// Name returns the base name of the path the file was opened with.
func (s *Stats) Name() string { return s.name }

// Size returns the size of the file in bytes.
func (s *Stats) Size() int64 { return s.Stat.Size }

// Mode returns the mode of the file.
func (s *Stats) Mode() os.FileMode { return s.Stat.Mode }

// ModTime returns the last modification time of the file.
func (s *Stats) ModTime() time.Time { return s.Mtime }

// IsDir returns true if the file is a directory.
func (s *Stats) IsDir() bool { return s.Stat.Mode.IsDir() }

// IsRegular returns true if the file is a regular file.
func (s *Stats) IsRegular() bool { return s.Stat.Mode.IsRegular() }

// IsSymlink returns true if the file is a symbolic link.
func (s *Stats) IsSymlink() bool { return s.Stat.Mode&os.ModeSymlink != 0 }

// Sys returns the underlying ipc.Stat.
func (s *Stats) Sys() interface{} { return &s.Stat }
