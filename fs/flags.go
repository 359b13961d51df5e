package fs

import "github.com/rfratto/hostfs/internal/ipc"

// DefaultOpenFlags are the flags used when none are given.
const DefaultOpenFlags = "r"

var flagStrings = map[string]ipc.OpenFlags{
	"r":   ipc.OpenReadOnly,
	"rs":  ipc.OpenReadOnly | ipc.OpenSync,
	"sr":  ipc.OpenReadOnly | ipc.OpenSync,
	"r+":  ipc.OpenReadWrite,
	"rs+": ipc.OpenReadWrite | ipc.OpenSync,
	"sr+": ipc.OpenReadWrite | ipc.OpenSync,

	"w":   ipc.OpenTruncate | ipc.OpenCreate | ipc.OpenWriteOnly,
	"wx":  ipc.OpenTruncate | ipc.OpenCreate | ipc.OpenWriteOnly | ipc.OpenExclusive,
	"xw":  ipc.OpenTruncate | ipc.OpenCreate | ipc.OpenWriteOnly | ipc.OpenExclusive,
	"w+":  ipc.OpenTruncate | ipc.OpenCreate | ipc.OpenReadWrite,
	"wx+": ipc.OpenTruncate | ipc.OpenCreate | ipc.OpenReadWrite | ipc.OpenExclusive,
	"xw+": ipc.OpenTruncate | ipc.OpenCreate | ipc.OpenReadWrite | ipc.OpenExclusive,

	"a":   ipc.OpenAppend | ipc.OpenCreate | ipc.OpenWriteOnly,
	"ax":  ipc.OpenAppend | ipc.OpenCreate | ipc.OpenWriteOnly | ipc.OpenExclusive,
	"xa":  ipc.OpenAppend | ipc.OpenCreate | ipc.OpenWriteOnly | ipc.OpenExclusive,
	"as":  ipc.OpenAppend | ipc.OpenCreate | ipc.OpenWriteOnly | ipc.OpenSync,
	"sa":  ipc.OpenAppend | ipc.OpenCreate | ipc.OpenWriteOnly | ipc.OpenSync,
	"a+":  ipc.OpenAppend | ipc.OpenCreate | ipc.OpenReadWrite,
	"ax+": ipc.OpenAppend | ipc.OpenCreate | ipc.OpenReadWrite | ipc.OpenExclusive,
	"xa+": ipc.OpenAppend | ipc.OpenCreate | ipc.OpenReadWrite | ipc.OpenExclusive,
	"as+": ipc.OpenAppend | ipc.OpenCreate | ipc.OpenReadWrite | ipc.OpenSync,
	"sa+": ipc.OpenAppend | ipc.OpenCreate | ipc.OpenReadWrite | ipc.OpenSync,
}

// ParseFlags converts a flag string such as "r", "w+" or "ax" into open
// flags. An empty string is treated as DefaultOpenFlags.
func ParseFlags(s string) (ipc.OpenFlags, error) {
	if s == "" {
		s = DefaultOpenFlags
	}
	f, ok := flagStrings[s]
	if !ok {
		return 0, ipc.TypeError("open", "flags", "unknown file open flag %q", s)
	}
	return f, nil
}
