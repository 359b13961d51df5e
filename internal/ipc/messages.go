package ipc

import (
	"fmt"
	"os"
	"time"
)

// Command names a native operation.
type Command string

// Commands understood by a backend.
const (
	CommandOpen      Command = "fs.open"
	CommandClose     Command = "fs.close"
	CommandRead      Command = "fs.read"
	CommandWrite     Command = "fs.write"
	CommandFstat     Command = "fs.fstat"
	CommandAccess    Command = "fs.access"
	CommandOpendir   Command = "fs.opendir"
	CommandReaddir   Command = "fs.readdir"
	CommandClosedir  Command = "fs.closedir"
	CommandFtruncate Command = "fs.ftruncate"
	CommandFsync     Command = "fs.fsync"
	CommandFchmod    Command = "fs.fchmod"
	CommandFchown    Command = "fs.fchown"
	CommandFutimes   Command = "fs.futimes"

	// CommandInterrupt asks the backend to drop a pending call. Interrupts are
	// best-effort and are never waited on.
	CommandInterrupt Command = "ipc.interrupt"
)

// String implements fmt.Stringer.
func (c Command) String() string { return string(c) }

// OpenFlags control how a file is opened. Values match Linux open(2).
type OpenFlags uint32

const (
	OpenReadOnly   OpenFlags = 0x0 // Open the file for reading.
	OpenWriteOnly  OpenFlags = 0x1 // Open the file for writing.
	OpenReadWrite  OpenFlags = 0x2 // Open the file for reading and writing.
	OpenAccessMode OpenFlags = 0x3 // Mask for the access mode bits.

	OpenCreate    OpenFlags = 0x40     // Create the file if it doesn't exist.
	OpenExclusive OpenFlags = 0x80     // Fail if the file already exists.
	OpenTruncate  OpenFlags = 0x200    // Truncate file contents before opening for writing.
	OpenAppend    OpenFlags = 0x400    // Writes always go to the end of the file.
	OpenSync      OpenFlags = 0x101000 // Enable synchronous writes.
)

// EntryType specifies the type of a file in a directory.
type EntryType uint8

const (
	EntryUnknown EntryType = iota
	EntryRegular
	EntryDirectory
	EntryLink
	EntryPipe
	EntrySocket
	EntryCharacter
	EntryBlock
)

// Common data types carried inside messages.
type (
	// Stat describes an open descriptor.
	Stat struct {
		Dev       uint64
		Ino       uint64
		Mode      os.FileMode
		Nlink     uint64
		UID       uint32
		GID       uint32
		Rdev      uint64
		Size      int64
		Blksize   int64
		Blocks    int64
		Atime     time.Time
		Mtime     time.Time
		Ctime     time.Time
		Birthtime time.Time
	}

	// DirEntry is a single entry returned from a directory read.
	DirEntry struct {
		Name string
		Type EntryType
	}
)

// Message types. Each command has a Params type, and commands which return
// data have a Result type. The types for a command can be created with
// NewEmptyParams and NewEmptyResult.
type (
	OpenParams struct {
		ID    string      // Caller-assigned ID of the handle.
		Path  string      // Path to open.
		Flags OpenFlags   // Flags to open with.
		Mode  os.FileMode // Mode used if the file is created.
	}
	OpenResult struct {
		FD uint64 // Native descriptor for the opened resource.
	}

	CloseParams struct {
		ID string
	}

	ReadParams struct {
		ID       string
		Size     uint32 // Maximum number of bytes to read.
		Position int64  // Offset to read from. -1 reads from the current offset.
	}
	ReadResult struct {
		Data []byte
	}

	WriteParams struct {
		ID       string
		Position int64 // Offset to write at. -1 writes at the current offset.
		Data     []byte
	}
	WriteResult struct {
		Written uint32
	}

	FstatParams struct {
		ID string
	}
	StatResult struct {
		Stat Stat
	}

	AccessParams struct {
		Path string
		Mode uint32 // F_OK, R_OK, W_OK, X_OK mask.
	}
	AccessResult struct {
		Mode uint32 // Mask that was validated.
	}

	OpendirParams struct {
		ID   string
		Path string
	}

	ReaddirParams struct {
		ID      string
		Entries int // Maximum number of entries to return.
	}
	ReaddirResult struct {
		Entries []DirEntry
	}

	ClosedirParams struct {
		ID string
	}

	FtruncateParams struct {
		ID   string
		Size int64
	}

	FsyncParams struct {
		ID       string
		DataOnly bool // Only flush data, not metadata.
	}

	FchmodParams struct {
		ID   string
		Mode os.FileMode
	}

	FchownParams struct {
		ID  string
		UID int
		GID int
	}

	FutimesParams struct {
		ID    string
		Atime time.Time
		Mtime time.Time
	}

	InterruptParams struct {
		Seq uint64 // Request to interrupt.
	}
)

func (*OpenParams) ipcParams()      {}
func (*OpenResult) ipcResult()      {}
func (*CloseParams) ipcParams()     {}
func (*ReadParams) ipcParams()      {}
func (*ReadResult) ipcResult()      {}
func (*WriteParams) ipcParams()     {}
func (*WriteResult) ipcResult()     {}
func (*FstatParams) ipcParams()     {}
func (*StatResult) ipcResult()      {}
func (*AccessParams) ipcParams()    {}
func (*AccessResult) ipcResult()    {}
func (*OpendirParams) ipcParams()   {}
func (*ReaddirParams) ipcParams()   {}
func (*ReaddirResult) ipcResult()   {}
func (*ClosedirParams) ipcParams()  {}
func (*FtruncateParams) ipcParams() {}
func (*FsyncParams) ipcParams()     {}
func (*FchmodParams) ipcParams()    {}
func (*FchownParams) ipcParams()    {}
func (*FutimesParams) ipcParams()   {}
func (*InterruptParams) ipcParams() {}

// NewEmptyParams returns an empty Params value for c. ErrorUnimplemented is
// returned for unknown commands.
func NewEmptyParams(c Command) (Params, error) {
	switch c {
	case CommandOpen:
		return &OpenParams{}, nil
	case CommandClose:
		return &CloseParams{}, nil
	case CommandRead:
		return &ReadParams{}, nil
	case CommandWrite:
		return &WriteParams{}, nil
	case CommandFstat:
		return &FstatParams{}, nil
	case CommandAccess:
		return &AccessParams{}, nil
	case CommandOpendir:
		return &OpendirParams{}, nil
	case CommandReaddir:
		return &ReaddirParams{}, nil
	case CommandClosedir:
		return &ClosedirParams{}, nil
	case CommandFtruncate:
		return &FtruncateParams{}, nil
	case CommandFsync:
		return &FsyncParams{}, nil
	case CommandFchmod:
		return &FchmodParams{}, nil
	case CommandFchown:
		return &FchownParams{}, nil
	case CommandFutimes:
		return &FutimesParams{}, nil
	case CommandInterrupt:
		return &InterruptParams{}, nil
	}
	return nil, fmt.Errorf("no params for %q: %w", c, ErrorUnimplemented)
}

// NewEmptyResult returns an empty Result value for c. Commands without a
// result return ErrorUnimplemented.
func NewEmptyResult(c Command) (Result, error) {
	switch c {
	case CommandOpen, CommandOpendir:
		return &OpenResult{}, nil
	case CommandRead:
		return &ReadResult{}, nil
	case CommandWrite:
		return &WriteResult{}, nil
	case CommandFstat:
		return &StatResult{}, nil
	case CommandAccess:
		return &AccessResult{}, nil
	case CommandReaddir:
		return &ReaddirResult{}, nil
	}
	return nil, fmt.Errorf("no result for %q: %w", c, ErrorUnimplemented)
}
