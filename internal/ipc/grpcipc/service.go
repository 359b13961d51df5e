package grpcipc

import (
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the full name of the gRPC service which carries hostfs
// frames.
const ServiceName = "hostfs.ipc.Bridge"

const streamMethod = "/" + ServiceName + "/Stream"

// BridgeServer is the server API for the Bridge service. Every call to Stream
// carries a single ipc session.
type BridgeServer interface {
	Stream(Bridge_StreamServer) error
}

// Bridge_StreamServer is the server side of a Bridge stream. Each message
// holds one encoded frame.
type Bridge_StreamServer interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

// RegisterBridgeServer registers srv with s.
func RegisterBridgeServer(s grpc.ServiceRegistrar, srv BridgeServer) {
	s.RegisterService(&bridgeServiceDesc, srv)
}

var bridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BridgeServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Stream",
		Handler:       bridgeStreamHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "hostfs/ipc/bridge",
}

func bridgeStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(BridgeServer).Stream(&bridgeStreamServer{stream})
}

type bridgeStreamServer struct {
	grpc.ServerStream
}

func (x *bridgeStreamServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

func (x *bridgeStreamServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
