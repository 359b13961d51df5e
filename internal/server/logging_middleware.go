package server

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/hostfs/internal/ipc"
)

// NewLoggingMiddleware returns a new logging middleware.
func NewLoggingMiddleware(l log.Logger) Middleware {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &loggingMiddleware{l: l}
}

type loggingMiddleware struct {
	l log.Logger
}

func (lm *loggingMiddleware) HandleRequest(ctx context.Context, hdr *ipc.RequestHeader, p ipc.Params, invoker Invoker) (ipc.Result, error) {
	level.Debug(lm.l).Log("msg", "starting request", "command", hdr.Command, "seq", hdr.Seq)
	res, err := invoker(ctx, hdr, p)
	level.Debug(lm.l).Log("msg", "finished request", "command", hdr.Command, "seq", hdr.Seq, "err", err)
	return res, err
}
