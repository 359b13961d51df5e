package server

import (
	"context"
	"fmt"

	"github.com/rfratto/hostfs/internal/ipc"
)

// Middleware hooks into requests.
type Middleware interface {
	// HandleRequest handles an individual request.
	HandleRequest(ctx context.Context, hdr *ipc.RequestHeader, p ipc.Params, invoker Invoker) (ipc.Result, error)
}

// Invoker is called by Middleware to complete requests.
type Invoker func(ctx context.Context, hdr *ipc.RequestHeader, p ipc.Params) (ipc.Result, error)

// FuncMiddleware is a function that implements Middleware.
type FuncMiddleware func(ctx context.Context, hdr *ipc.RequestHeader, p ipc.Params, i Invoker) (ipc.Result, error)

func (f FuncMiddleware) HandleRequest(ctx context.Context, h *ipc.RequestHeader, p ipc.Params, i Invoker) (ipc.Result, error) {
	return f(ctx, h, p, i)
}

// handlerInvoker converts h into an Invoker.
func handlerInvoker(h Handler) Invoker {
	return func(ctx context.Context, header *ipc.RequestHeader, params ipc.Params) (res ipc.Result, err error) {
		switch header.Command {
		case ipc.CommandOpen:
			p, _ := params.(*ipc.OpenParams)
			if p == nil {
				err = fmt.Errorf("missing params for %s: %w", header.Command, ipc.ErrorInvalid)
				break
			}
			var r *ipc.OpenResult
			if r, err = h.Open(ctx, header, p); r != nil {
				res = r
			}

		case ipc.CommandClose:
			p, _ := params.(*ipc.CloseParams)
			if p == nil {
				err = fmt.Errorf("missing params for %s: %w", header.Command, ipc.ErrorInvalid)
				break
			}
			err = h.Release(ctx, header, p)

		case ipc.CommandRead:
			p, _ := params.(*ipc.ReadParams)
			if p == nil {
				err = fmt.Errorf("missing params for %s: %w", header.Command, ipc.ErrorInvalid)
				break
			}
			var r *ipc.ReadResult
			if r, err = h.Read(ctx, header, p); r != nil {
				res = r
			}

		case ipc.CommandWrite:
			p, _ := params.(*ipc.WriteParams)
			if p == nil {
				err = fmt.Errorf("missing params for %s: %w", header.Command, ipc.ErrorInvalid)
				break
			}
			var r *ipc.WriteResult
			if r, err = h.Write(ctx, header, p); r != nil {
				res = r
			}

		case ipc.CommandFstat:
			p, _ := params.(*ipc.FstatParams)
			if p == nil {
				err = fmt.Errorf("missing params for %s: %w", header.Command, ipc.ErrorInvalid)
				break
			}
			var r *ipc.StatResult
			if r, err = h.Fstat(ctx, header, p); r != nil {
				res = r
			}

		case ipc.CommandAccess:
			p, _ := params.(*ipc.AccessParams)
			if p == nil {
				err = fmt.Errorf("missing params for %s: %w", header.Command, ipc.ErrorInvalid)
				break
			}
			var r *ipc.AccessResult
			if r, err = h.Access(ctx, header, p); r != nil {
				res = r
			}

		case ipc.CommandOpendir:
			p, _ := params.(*ipc.OpendirParams)
			if p == nil {
				err = fmt.Errorf("missing params for %s: %w", header.Command, ipc.ErrorInvalid)
				break
			}
			var r *ipc.OpenResult
			if r, err = h.Opendir(ctx, header, p); r != nil {
				res = r
			}

		case ipc.CommandReaddir:
			p, _ := params.(*ipc.ReaddirParams)
			if p == nil {
				err = fmt.Errorf("missing params for %s: %w", header.Command, ipc.ErrorInvalid)
				break
			}
			var r *ipc.ReaddirResult
			if r, err = h.Readdir(ctx, header, p); r != nil {
				res = r
			}

		case ipc.CommandClosedir:
			p, _ := params.(*ipc.ClosedirParams)
			if p == nil {
				err = fmt.Errorf("missing params for %s: %w", header.Command, ipc.ErrorInvalid)
				break
			}
			err = h.Releasedir(ctx, header, p)

		case ipc.CommandFtruncate:
			p, _ := params.(*ipc.FtruncateParams)
			if p == nil {
				err = fmt.Errorf("missing params for %s: %w", header.Command, ipc.ErrorInvalid)
				break
			}
			err = h.Ftruncate(ctx, header, p)

		case ipc.CommandFsync:
			p, _ := params.(*ipc.FsyncParams)
			if p == nil {
				err = fmt.Errorf("missing params for %s: %w", header.Command, ipc.ErrorInvalid)
				break
			}
			err = h.Fsync(ctx, header, p)

		case ipc.CommandFchmod:
			p, _ := params.(*ipc.FchmodParams)
			if p == nil {
				err = fmt.Errorf("missing params for %s: %w", header.Command, ipc.ErrorInvalid)
				break
			}
			err = h.Fchmod(ctx, header, p)

		case ipc.CommandFchown:
			p, _ := params.(*ipc.FchownParams)
			if p == nil {
				err = fmt.Errorf("missing params for %s: %w", header.Command, ipc.ErrorInvalid)
				break
			}
			err = h.Fchown(ctx, header, p)

		case ipc.CommandFutimes:
			p, _ := params.(*ipc.FutimesParams)
			if p == nil {
				err = fmt.Errorf("missing params for %s: %w", header.Command, ipc.ErrorInvalid)
				break
			}
			err = h.Futimes(ctx, header, p)

		default:
			err = fmt.Errorf("unexpected command %q: %w", header.Command, ipc.ErrorUnimplemented)
		}

		return res, err
	}
}

type chainMiddleware []Middleware

func (c chainMiddleware) HandleRequest(ctx context.Context, h *ipc.RequestHeader, p ipc.Params, invoker Invoker) (ipc.Result, error) {
	if len(c) == 0 {
		return invoker(ctx, h, p)
	}

	var (
		index        int
		chainInvoker Invoker
	)

	chainInvoker = func(ctx context.Context, h *ipc.RequestHeader, p ipc.Params) (ipc.Result, error) {
		mw := c[index]
		index++

		var next Invoker
		if index == len(c) {
			next = invoker
		} else {
			next = chainInvoker
		}

		return mw.HandleRequest(ctx, h, p, next)
	}
	return chainInvoker(ctx, h, p)
}
