// Command hostfsd implements the hostfs daemon. hostfsd serves a directory of
// the host filesystem to hostfs clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof" // anonymous import to get the pprof handler registered

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rfratto/hostfs/hostfsd"
	"github.com/rfratto/hostfs/internal/cmdutil"
)

func main() {
	var (
		o  = hostfsd.DefaultOptions
		lf cmdutil.LogFlags

		httpAddr = "127.0.0.1:8080"
	)

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	lf.RegisterFlags(fs)

	fs.StringVar(&o.ListenAddr, "listen-addr", o.ListenAddr, "listen address for the hostfsd gRPC server")
	fs.StringVar(&httpAddr, "http-listen-addr", httpAddr, "listen address for the metrics and debug HTTP server")
	fs.StringVar(&o.Root, "root", o.Root, "directory to serve to clients")
	fs.IntVar(&o.ConcurrencyLimit, "concurrency-limit", o.ConcurrencyLimit, "maximum concurrent requests per client")
	fs.DurationVar(&o.RequestTimeout, "request-timeout", o.RequestTimeout, "maximum time a single request may take")
	fs.IntVar(&o.MaxOpen, "max-open", o.MaxOpen, "maximum open descriptors per client")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s", err.Error())
		os.Exit(1)
	}

	l := lf.Logger(os.Stdout)
	o.Registerer = prometheus.DefaultRegisterer

	var group run.Group

	// Information server worker
	{
		lis, err := net.Listen("tcp", httpAddr)
		if err != nil {
			level.Error(l).Log("msg", "failed to create listener for HTTP server", "err", err)
			os.Exit(1)
		}

		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		r.PathPrefix("/debug/pprof").Handler(http.DefaultServeMux)
		srv := http.Server{Handler: r}

		group.Add(func() error {
			err := srv.Serve(lis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(_ error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
			}
		})
	}

	// hostfsd worker
	{
		d, err := hostfsd.New(l, o)
		if err != nil {
			level.Error(l).Log("msg", "failed to create hostfsd", "err", err)
			os.Exit(1)
		}

		group.Add(func() error {
			return d.Start()
		}, func(_ error) {
			_ = d.Stop()
		})
	}

	// signal worker
	{
		ctx, cancel := context.WithCancel(context.Background())

		group.Add(func() error {
			ch := make(chan os.Signal, 2)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(ch)

			select {
			case <-ch:
				level.Info(l).Log("msg", "received shutdown signal")
			case <-ctx.Done():
			}
			return nil
		}, func(_ error) {
			cancel()
		})
	}

	if err := group.Run(); err != nil {
		level.Error(l).Log("msg", "error running hostfsd", "err", err)
		os.Exit(1)
	}
}
