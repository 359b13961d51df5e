package server

import (
	"context"

	"github.com/rfratto/hostfs/internal/ipc"
)

// UnimplementedHandler implements Handler and returns ErrorUnimplemented for all requests.
type UnimplementedHandler struct{}

// Static type check test
var _ Handler = UnimplementedHandler{}

func (UnimplementedHandler) Init(context.Context) error {
	return nil
}

func (UnimplementedHandler) Close() error {
	return nil
}

func (UnimplementedHandler) Open(context.Context, *ipc.RequestHeader, *ipc.OpenParams) (*ipc.OpenResult, error) {
	return nil, ipc.ErrorUnimplemented
}

func (UnimplementedHandler) Release(context.Context, *ipc.RequestHeader, *ipc.CloseParams) error {
	return ipc.ErrorUnimplemented
}

func (UnimplementedHandler) Read(context.Context, *ipc.RequestHeader, *ipc.ReadParams) (*ipc.ReadResult, error) {
	return nil, ipc.ErrorUnimplemented
}

func (UnimplementedHandler) Write(context.Context, *ipc.RequestHeader, *ipc.WriteParams) (*ipc.WriteResult, error) {
	return nil, ipc.ErrorUnimplemented
}

func (UnimplementedHandler) Fstat(context.Context, *ipc.RequestHeader, *ipc.FstatParams) (*ipc.StatResult, error) {
	return nil, ipc.ErrorUnimplemented
}

func (UnimplementedHandler) Access(context.Context, *ipc.RequestHeader, *ipc.AccessParams) (*ipc.AccessResult, error) {
	return nil, ipc.ErrorUnimplemented
}

func (UnimplementedHandler) Opendir(context.Context, *ipc.RequestHeader, *ipc.OpendirParams) (*ipc.OpenResult, error) {
	return nil, ipc.ErrorUnimplemented
}

func (UnimplementedHandler) Readdir(context.Context, *ipc.RequestHeader, *ipc.ReaddirParams) (*ipc.ReaddirResult, error) {
	return nil, ipc.ErrorUnimplemented
}

func (UnimplementedHandler) Releasedir(context.Context, *ipc.RequestHeader, *ipc.ClosedirParams) error {
	return ipc.ErrorUnimplemented
}

func (UnimplementedHandler) Ftruncate(context.Context, *ipc.RequestHeader, *ipc.FtruncateParams) error {
	return ipc.ErrorUnimplemented
}

func (UnimplementedHandler) Fsync(context.Context, *ipc.RequestHeader, *ipc.FsyncParams) error {
	return ipc.ErrorUnimplemented
}

func (UnimplementedHandler) Fchmod(context.Context, *ipc.RequestHeader, *ipc.FchmodParams) error {
	return ipc.ErrorUnimplemented
}

func (UnimplementedHandler) Fchown(context.Context, *ipc.RequestHeader, *ipc.FchownParams) error {
	return ipc.ErrorUnimplemented
}

func (UnimplementedHandler) Futimes(context.Context, *ipc.RequestHeader, *ipc.FutimesParams) error {
	return ipc.ErrorUnimplemented
}
