// Package hostfsd implements the hostfs daemon. hostfsd exposes the host
// filesystem to remote clients over gRPC.
package hostfsd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/hostfs/internal/cmdutil"
	"github.com/rfratto/hostfs/internal/ipc/grpcipc"
	"github.com/rfratto/hostfs/internal/server"
	"google.golang.org/grpc"
)

// DefaultOptions is the set of defaults for hostfsd.
var DefaultOptions = Options{
	ListenAddr:       "tcp://127.0.0.1:12195",
	Root:             "/",
	ConcurrencyLimit: server.DefaultOptions.ConcurrencyLimit,
	RequestTimeout:   15 * time.Second,
	MaxOpen:          server.DefaultMaxOpen,
}

type Options struct {
	ListenAddr       string        // Address to listen for client connections.
	Root             string        // Directory served to clients.
	ConcurrencyLimit int           // Maximum concurrent requests per client.
	RequestTimeout   time.Duration // Maximum time a single request may take.
	MaxOpen          int           // Maximum open descriptors per client.

	// Registerer to register metrics with. Metrics are not registered when
	// nil.
	Registerer prometheus.Registerer
}

// Daemon is the hostfs daemon. Daemon exposes a gRPC API.
type Daemon struct {
	log    log.Logger
	lis    net.Listener
	srv    *grpc.Server
	bridge *grpcipc.Bridge
	opts   Options
}

// New creates a new Daemon.
func New(l log.Logger, o Options) (*Daemon, error) {
	network, address, err := cmdutil.ParseAddr(o.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen addr: %w", err)
	}
	lis, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s listener %s: %w", network, address, err)
	}
	return newDaemon(l, o, lis)
}

func newDaemon(l log.Logger, o Options, lis net.Listener) (d *Daemon, err error) {
	defer func() {
		if err != nil {
			_ = lis.Close()
		}
	}()

	if l == nil {
		l = log.NewNopLogger()
	}

	mw := []server.Middleware{server.NewLoggingMiddleware(log.With(l, "component", "server"))}
	if o.Registerer != nil {
		metrics, err := server.NewMetricsMiddleware(o.Registerer)
		if err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
		mw = append(mw, metrics)
	}

	bridge, err := grpcipc.NewBridge(l, grpcipc.BridgeOptions{
		NewHandler: func() server.Handler {
			return server.Passthrough(l, server.PassthroughOptions{
				Root:    o.Root,
				MaxOpen: o.MaxOpen,
			})
		},
		Server: server.Options{
			ConcurrencyLimit: o.ConcurrencyLimit,
			RequestTimeout:   o.RequestTimeout,
			Middleware:       mw,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(l)),
		grpc.ChainStreamInterceptor(loggingStreamingInterceptor(l)),
	)
	grpcipc.RegisterBridgeServer(srv, bridge)

	return &Daemon{
		log:    l,
		lis:    lis,
		srv:    srv,
		bridge: bridge,
		opts:   o,
	}, nil
}

// Addr returns the address the Daemon is listening on.
func (d *Daemon) Addr() net.Addr { return d.lis.Addr() }

// ActiveStreams returns the number of clients currently connected.
func (d *Daemon) ActiveStreams() int64 { return d.bridge.Active() }

// Start starts d and doesn't return until it stops or there's an error.
func (d *Daemon) Start() error {
	level.Info(d.log).Log("msg", "starting hostfsd", "listen_addr", d.lis.Addr().String(), "root", d.opts.Root)
	return d.srv.Serve(d.lis)
}

// Stop stops d. Open streams are terminated and their descriptors closed.
func (d *Daemon) Stop() error {
	d.srv.Stop()
	return nil
}

func loggingUnaryInterceptor(l log.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		level.Debug(l).Log("msg", "received gRPC request", "method", info.FullMethod)
		return handler(ctx, req)
	}
}

func loggingStreamingInterceptor(l log.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		level.Debug(l).Log("msg", "received gRPC stream", "method", info.FullMethod)
		err := handler(srv, ss)
		level.Debug(l).Log("msg", "gRPC stream ended", "method", info.FullMethod, "err", err)
		return err
	}
}
