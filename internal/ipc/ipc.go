// Package ipc defines the message vocabulary used between hostfs clients and
// an out-of-process native backend. A client issues requests tagged with a
// sequence ID, and the backend eventually answers with a reply carrying the
// same sequence ID. Replies may arrive in any order.
//
// ipc does not care how messages are moved between peers. See the codec, wire
// and grpcipc subpackages for encoding and transports.
package ipc

// Params is implemented by the parameter types of every command.
type Params interface {
	ipcParams()
}

// Result is implemented by the result types of commands which return data.
type Result interface {
	ipcResult()
}

// Status of a reply.
type Status uint8

const (
	StatusOK    Status = 0 // Command succeeded.
	StatusError Status = 1 // Command failed. Code and Message are set.
)

type (
	// RequestHeader is present in every request.
	RequestHeader struct {
		Command Command // Command to invoke.
		Seq     uint64  // Reply must carry the same value.
	}

	// ReplyHeader is present in every reply.
	ReplyHeader struct {
		Command Command // Command the reply is for.
		Seq     uint64  // Request this reply applies to.
		Status  Status
		Code    Errno  // Native error code when Status is StatusError.
		Message string // Native error message when Status is StatusError.
	}
)

// Err returns the BackendError described by h, or nil if h is a successful
// reply.
func (h ReplyHeader) Err() error {
	if h.Status == StatusOK {
		return nil
	}
	return &BackendError{Command: h.Command, Code: h.Code, Message: h.Message}
}

// ClientTransport is used by a client to send requests to a backend and
// receive its replies.
type ClientTransport interface {
	// SendRequest transmits a request. SendRequest may be called concurrently.
	SendRequest(h RequestHeader, p Params) error

	// RecvReply blocks until the next reply arrives. io.EOF is returned once
	// the other side has gone away.
	RecvReply() (ReplyHeader, Result, error)

	// Close the connection.
	Close() error
}

// ServerTransport is used by a backend to receive requests and send replies.
type ServerTransport interface {
	// RecvRequest will get the next request from the other side of the
	// connection. Some commands have no parameters and return nil Params.
	RecvRequest() (RequestHeader, Params, error)

	// SendReply sends a reply to the other side of the connection. Commands
	// without a result pass a nil Result.
	SendReply(h ReplyHeader, r Result) error

	// Close the connection.
	Close() error
}
