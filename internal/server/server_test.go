package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/rfratto/hostfs/internal/ipc"
	"github.com/rfratto/hostfs/internal/ipc/client"
	"github.com/rfratto/hostfs/internal/ipc/wire"
	"github.com/stretchr/testify/require"
)

// newTestServer serves h over an in-memory pipe and returns a client
// connected to it.
func newTestServer(t *testing.T, o Options) *client.Client {
	t.Helper()

	cconn, sconn := net.Pipe()
	o.Transport = wire.NewServerTransport(sconn, nil)
	srv, err := New(nil, o)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan error, 1)
	go func() { exited <- srv.Serve(ctx) }()

	cli, err := client.New(nil, client.Options{Transport: wire.NewClientTransport(cconn, nil)})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = cli.Close()
		cancel()
		require.NoError(t, <-exited)
	})
	return cli
}

type testHandler struct {
	UnimplementedHandler

	open func(context.Context, *ipc.OpenParams) (*ipc.OpenResult, error)
	read func(context.Context, *ipc.ReadParams) (*ipc.ReadResult, error)
}

func (h *testHandler) Open(ctx context.Context, _ *ipc.RequestHeader, p *ipc.OpenParams) (*ipc.OpenResult, error) {
	if h.open == nil {
		return h.UnimplementedHandler.Open(ctx, nil, p)
	}
	return h.open(ctx, p)
}

func (h *testHandler) Read(ctx context.Context, _ *ipc.RequestHeader, p *ipc.ReadParams) (*ipc.ReadResult, error) {
	if h.read == nil {
		return h.UnimplementedHandler.Read(ctx, nil, p)
	}
	return h.read(ctx, p)
}

func TestServer(t *testing.T) {
	cli := newTestServer(t, Options{
		Handler: &testHandler{
			open: func(_ context.Context, p *ipc.OpenParams) (*ipc.OpenResult, error) {
				if p.Path == "missing" {
					return nil, os.ErrNotExist
				}
				return &ipc.OpenResult{FD: 7}, nil
			},
		},
	})

	res, err := cli.Send(context.Background(), ipc.CommandOpen, &ipc.OpenParams{ID: "a", Path: "file"})
	require.NoError(t, err)
	require.Equal(t, &ipc.OpenResult{FD: 7}, res)

	_, err = cli.Send(context.Background(), ipc.CommandOpen, &ipc.OpenParams{ID: "b", Path: "missing"})
	require.ErrorIs(t, err, ipc.ErrorNotExist)

	var be *ipc.BackendError
	require.ErrorAs(t, err, &be)
	require.Equal(t, ipc.CommandOpen, be.Command)
}

func TestServer_Unimplemented(t *testing.T) {
	cli := newTestServer(t, Options{Handler: UnimplementedHandler{}})

	_, err := cli.Send(context.Background(), ipc.CommandFstat, &ipc.FstatParams{ID: "a"})
	require.ErrorIs(t, err, ipc.ErrorUnimplemented)
}

func TestServer_OutOfOrderReplies(t *testing.T) {
	release := make(chan struct{})
	cli := newTestServer(t, Options{
		ConcurrencyLimit: 2,
		Handler: &testHandler{
			read: func(ctx context.Context, p *ipc.ReadParams) (*ipc.ReadResult, error) {
				if p.ID == "slow" {
					<-release
				}
				return &ipc.ReadResult{Data: []byte(p.ID)}, nil
			},
		},
	})

	slow := make(chan ipc.Result, 1)
	go func() {
		res, _ := cli.Send(context.Background(), ipc.CommandRead, &ipc.ReadParams{ID: "slow", Size: 4})
		slow <- res
	}()

	// The fast request completes while the slow one is still running.
	res, err := cli.Send(context.Background(), ipc.CommandRead, &ipc.ReadParams{ID: "fast", Size: 4})
	require.NoError(t, err)
	require.Equal(t, "fast", string(res.(*ipc.ReadResult).Data))

	close(release)
	require.Equal(t, "slow", string((<-slow).(*ipc.ReadResult).Data))
}

func TestServer_Interrupt(t *testing.T) {
	var (
		started     = make(chan struct{})
		interrupted = make(chan error, 1)
	)
	cli := newTestServer(t, Options{
		Handler: &testHandler{
			read: func(ctx context.Context, p *ipc.ReadParams) (*ipc.ReadResult, error) {
				close(started)
				<-ctx.Done()
				interrupted <- ctx.Err()
				return nil, ctx.Err()
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := cli.Send(ctx, ipc.CommandRead, &ipc.ReadParams{ID: "a", Size: 1})
	require.ErrorIs(t, err, ipc.ErrCancelled)

	select {
	case err := <-interrupted:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "handler was never interrupted")
	}
}

func TestServer_RequestTimeout(t *testing.T) {
	cli := newTestServer(t, Options{
		RequestTimeout: 10 * time.Millisecond,
		Handler: &testHandler{
			read: func(ctx context.Context, p *ipc.ReadParams) (*ipc.ReadResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	})

	_, err := cli.Send(context.Background(), ipc.CommandRead, &ipc.ReadParams{ID: "a", Size: 1})
	require.ErrorIs(t, err, ipc.ErrorTimedOut)
}

func TestServer_Middleware(t *testing.T) {
	var seen []ipc.Command
	cli := newTestServer(t, Options{
		Handler: UnimplementedHandler{},
		Middleware: []Middleware{
			NewLoggingMiddleware(nil),
			FuncMiddleware(func(ctx context.Context, h *ipc.RequestHeader, p ipc.Params, i Invoker) (ipc.Result, error) {
				seen = append(seen, h.Command)
				return &ipc.AccessResult{Mode: 4}, nil
			}),
		},
	})

	res, err := cli.Send(context.Background(), ipc.CommandAccess, &ipc.AccessParams{Path: "a", Mode: 4})
	require.NoError(t, err)
	require.Equal(t, &ipc.AccessResult{Mode: 4}, res)
	require.Equal(t, []ipc.Command{ipc.CommandAccess}, seen)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)

	cconn, sconn := net.Pipe()
	defer cconn.Close()
	_, err = New(nil, Options{Handler: UnimplementedHandler{}, Transport: wire.NewServerTransport(sconn, nil)})
	require.NoError(t, err)
}

func TestErrorForReply(t *testing.T) {
	tt := []struct {
		err    error
		expect ipc.Errno
	}{
		{nil, 0},
		{context.DeadlineExceeded, ipc.ErrorTimedOut},
		{context.Canceled, ipc.ErrorInterrupted},
		{&os.PathError{Op: "open", Path: "a", Err: syscall.ENOENT}, ipc.ErrorNotExist},
		{&os.PathError{Op: "open", Path: "a", Err: syscall.EACCES}, ipc.ErrorUnauthorized},
		{&os.PathError{Op: "open", Path: "a", Err: syscall.EISDIR}, ipc.ErrorIsDirectory},
		{os.ErrClosed, ipc.ErrorBadDescriptor},
		{fmt.Errorf("wrapped: %w", ipc.ErrorTooManyFiles), ipc.ErrorTooManyFiles},
		{errors.New("something else"), ipc.ErrorIO},
	}

	for _, tc := range tt {
		require.Equal(t, tc.expect, errorForReply(tc.err), "%v", tc.err)
	}
}
