package grpcipc

import (
	"context"
	"fmt"
	"strings"

	"github.com/rfratto/hostfs/internal/ipc/codec"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// codecHeader is the metadata key used to negotiate the codec for a stream.
const codecHeader = "x-hostfs-codec"

// GetCodec retrieves the Codec requested by the peer from an incoming gRPC
// context. If the peer didn't request a codec, the default codec is used.
func GetCodec(ctx context.Context) (codec.Codec, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return codec.Msgpack(), nil
	}

	negotiated := md.Get(codecHeader)
	if len(negotiated) == 0 {
		return codec.Msgpack(), nil
	}
	for _, v := range negotiated {
		if c, err := codec.Get(v); err == nil {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no valid codecs within %q. supported codecs: msgpack", strings.Join(negotiated, ","))
}

// WithCodec requests c for streams opened with the returned context.
func WithCodec(ctx context.Context, c codec.Codec) context.Context {
	return metadata.AppendToOutgoingContext(ctx, codecHeader, c.Name())
}

// pack wraps an encoded frame into a message.
func pack(f *codec.Frame) (*wrapperspb.BytesValue, error) {
	bb, err := msgpack.Marshal(f)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(bb), nil
}

// unpack extracts a frame from a message.
func unpack(m *wrapperspb.BytesValue) (*codec.Frame, error) {
	var f codec.Frame
	if err := msgpack.Unmarshal(m.GetValue(), &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &f, nil
}
