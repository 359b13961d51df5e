// Package codec encodes ipc messages into frames which can be moved by any
// transport.
package codec

import (
	"errors"
	"fmt"

	"github.com/rfratto/hostfs/internal/ipc"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame is a single encoded message. Header always holds an encoded request
// or reply header. Data holds the encoded Params or Result, and is empty for
// messages without a payload.
type Frame struct {
	Header []byte `msgpack:"h"`
	Data   []byte `msgpack:"d,omitempty"`
}

// Codec converts ipc messages to and from frames.
type Codec interface {
	Name() string

	DecodeRequest(*Frame) (ipc.RequestHeader, ipc.Params, error)
	DecodeReply(*Frame) (ipc.ReplyHeader, ipc.Result, error)
	EncodeRequest(*ipc.RequestHeader, ipc.Params) (*Frame, error)
	EncodeReply(*ipc.ReplyHeader, ipc.Result) (*Frame, error)
}

// Get returns a Codec by name. An empty name returns the default codec.
func Get(name string) (Codec, error) {
	switch name {
	case "", "msgpack":
		return Msgpack(), nil
	}
	return nil, fmt.Errorf("unknown codec %q. supported codecs: msgpack", name)
}

// Msgpack returns a Codec using msgpack.
func Msgpack() Codec { return msgpackCodec{} }

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) DecodeRequest(in *Frame) (h ipc.RequestHeader, p ipc.Params, err error) {
	if err = msgpack.Unmarshal(in.Header, &h); err != nil {
		return
	}

	p, err = ipc.NewEmptyParams(h.Command)
	if errors.Is(err, ipc.ErrorUnimplemented) {
		// Unknown commands are passed through without params so the backend
		// can reply with its own error.
		p, err = nil, nil
	} else if err != nil {
		err = fmt.Errorf("couldn't get params for %s: %w", h.Command, err)
	} else if len(in.Data) > 0 {
		err = msgpack.Unmarshal(in.Data, p)
	}
	return
}

func (msgpackCodec) DecodeReply(in *Frame) (h ipc.ReplyHeader, r ipc.Result, err error) {
	if err = msgpack.Unmarshal(in.Header, &h); err != nil {
		return
	}
	if len(in.Data) == 0 {
		// Error replies and commands without results carry no data.
		return
	}

	r, err = ipc.NewEmptyResult(h.Command)
	if errors.Is(err, ipc.ErrorUnimplemented) {
		r, err = nil, nil
	} else if err != nil {
		err = fmt.Errorf("couldn't get result for %s: %w", h.Command, err)
	} else {
		err = msgpack.Unmarshal(in.Data, r)
	}
	return
}

func (msgpackCodec) EncodeRequest(h *ipc.RequestHeader, p ipc.Params) (res *Frame, err error) {
	res = &Frame{}
	res.Header, err = msgpack.Marshal(h)
	if err != nil {
		return nil, err
	}
	if p != nil {
		res.Data, err = msgpack.Marshal(p)
		if err != nil {
			return nil, err
		}
	}
	return
}

func (msgpackCodec) EncodeReply(h *ipc.ReplyHeader, r ipc.Result) (res *Frame, err error) {
	res = &Frame{}
	res.Header, err = msgpack.Marshal(h)
	if err != nil {
		return nil, err
	}
	if r != nil {
		res.Data, err = msgpack.Marshal(r)
		if err != nil {
			return nil, err
		}
	}
	return
}

// MarshalFrame encodes f into a single byte slice.
func MarshalFrame(f *Frame) ([]byte, error) { return msgpack.Marshal(f) }

// UnmarshalFrame decodes a frame previously encoded with MarshalFrame.
func UnmarshalFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
