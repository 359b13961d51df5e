package server

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rfratto/hostfs/internal/ipc"
	"github.com/stretchr/testify/require"
)

func TestChainMiddleware(t *testing.T) {
	var a, b, c, d int
	var called bool

	var mw = []Middleware{
		FuncMiddleware(func(ctx context.Context, h *ipc.RequestHeader, p ipc.Params, i Invoker) (ipc.Result, error) {
			a = 10
			return i(ctx, h, p)
		}),
		FuncMiddleware(func(ctx context.Context, h *ipc.RequestHeader, p ipc.Params, i Invoker) (ipc.Result, error) {
			b = 20
			return i(ctx, h, p)
		}),
		FuncMiddleware(func(ctx context.Context, h *ipc.RequestHeader, p ipc.Params, i Invoker) (ipc.Result, error) {
			c = 30
			return i(ctx, h, p)
		}),
		FuncMiddleware(func(ctx context.Context, h *ipc.RequestHeader, p ipc.Params, i Invoker) (ipc.Result, error) {
			d = 40
			return i(ctx, h, p)
		}),
	}

	invoker := func(context.Context, *ipc.RequestHeader, ipc.Params) (ipc.Result, error) {
		called = true
		return nil, nil
	}
	chainMiddleware(mw).HandleRequest(context.Background(), nil, nil, invoker)

	require.Equal(t, 10, a)
	require.Equal(t, 20, b)
	require.Equal(t, 30, c)
	require.Equal(t, 40, d)
	require.True(t, called)
}

func TestChainMiddleware_Empty(t *testing.T) {
	var called bool

	invoker := func(context.Context, *ipc.RequestHeader, ipc.Params) (ipc.Result, error) {
		called = true
		return nil, nil
	}

	chainMiddleware(nil).HandleRequest(context.Background(), nil, nil, invoker)
	require.True(t, called)
}

func TestHandlerInvoker_MissingParams(t *testing.T) {
	invoke := handlerInvoker(UnimplementedHandler{})

	_, err := invoke(context.Background(), &ipc.RequestHeader{Command: ipc.CommandRead}, nil)
	require.ErrorIs(t, err, ipc.ErrorInvalid)

	_, err = invoke(context.Background(), &ipc.RequestHeader{Command: "fs.unknown"}, nil)
	require.ErrorIs(t, err, ipc.ErrorUnimplemented)
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw, err := NewMetricsMiddleware(reg)
	require.NoError(t, err)

	var (
		ok = func(context.Context, *ipc.RequestHeader, ipc.Params) (ipc.Result, error) { return nil, nil }
		ko = func(context.Context, *ipc.RequestHeader, ipc.Params) (ipc.Result, error) {
			return nil, ipc.ErrorNotExist
		}
	)
	hdr := &ipc.RequestHeader{Command: ipc.CommandFsync}
	_, _ = mw.HandleRequest(context.Background(), hdr, nil, ok)
	_, _ = mw.HandleRequest(context.Background(), hdr, nil, ok)
	_, _ = mw.HandleRequest(context.Background(), hdr, nil, ko)

	m := mw.(*metricsMiddleware)
	require.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("fs.fsync", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("fs.fsync", ipc.ErrorNotExist.Error())))

	// Registering twice fails.
	_, err = NewMetricsMiddleware(reg)
	require.Error(t, err)
}
