package server

import (
	"os"

	"golang.org/x/sys/unix"
)

// datasync flushes the data of f without flushing metadata which isn't
// needed to read it back.
func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
