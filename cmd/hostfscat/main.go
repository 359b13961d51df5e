// Command hostfscat reads and writes files served by hostfsd.
//
//	hostfscat [flags] <cat|write|append|ls|stat> <path>
//
// write and append copy standard input into the remote file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rfratto/hostfs/internal/cmdutil"
	"github.com/rfratto/hostfs/internal/runcmd"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	var (
		lf cmdutil.LogFlags

		serverAddr = "tcp://127.0.0.1:12195"
		timeout    = 30 * time.Second
	)
	if envAddr := os.Getenv("HOSTFSD_ADDR"); envAddr != "" {
		serverAddr = envAddr
	}

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	lf.RegisterFlags(fs)
	fs.StringVar(&serverAddr, "addr", serverAddr, "address of hostfsd")
	fs.DurationVar(&timeout, "timeout", timeout, "timeout for each call to hostfsd")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags] <cat|write|append|ls|stat> <path>\n", os.Args[0])
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		os.Exit(2)
	}

	mode, err := runcmd.ParseMode(fs.Arg(0))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	return runcmd.Run(ctx, lf.Logger(os.Stderr), runcmd.Options{
		ServerAddr: serverAddr,
		Mode:       mode,
		Path:       fs.Arg(1),
		Timeout:    timeout,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
	})
}
