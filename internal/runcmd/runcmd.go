// Package runcmd runs hostfscat commands against a hostfsd daemon.
package runcmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/hostfs/fs"
	"github.com/rfratto/hostfs/internal/cmdutil"
	"github.com/rfratto/hostfs/internal/gc"
	"github.com/rfratto/hostfs/internal/ipc/client"
	"github.com/rfratto/hostfs/internal/ipc/grpcipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Mode is the operation performed by Run.
type Mode string

const (
	ModeCat    Mode = "cat"    // Copy a remote file to Stdout.
	ModeWrite  Mode = "write"  // Replace a remote file with Stdin.
	ModeAppend Mode = "append" // Append Stdin to a remote file.
	ModeList   Mode = "ls"     // List a remote directory.
	ModeStat   Mode = "stat"   // Print information about a remote file.
)

// ParseMode parses a Mode from its name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case ModeCat, ModeWrite, ModeAppend, ModeList, ModeStat:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q, valid options cat, write, append, ls, stat", s)
}

type Options struct {
	ServerAddr string
	Mode       Mode
	Path       string

	// Timeout bounds each individual call to the daemon. 0 disables the
	// timeout.
	Timeout time.Duration

	Stdin  io.Reader
	Stdout io.Writer

	// DialOptions are appended to the options used to connect to ServerAddr.
	DialOptions []grpc.DialOption
}

// Run connects to the daemon at o.ServerAddr and runs a single command.
func Run(ctx context.Context, l log.Logger, o Options) (err error) {
	if l == nil {
		l = log.NewNopLogger()
	}

	conn, err := dial(ctx, o)
	if err != nil {
		return fmt.Errorf("failed to connect to hostfsd: %w", err)
	}
	defer conn.Close()

	tr, err := grpcipc.NewClientTransport(ctx, conn, nil)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	cli, err := client.New(log.With(l, "component", "client"), client.Options{
		Transport:   tr,
		Timeout:     o.Timeout,
		SyncTimeout: client.DefaultOptions.SyncTimeout,
	})
	if err != nil {
		_ = tr.Close()
		return err
	}
	defer cli.Close()

	sup, err := gc.New(log.With(l, "component", "gc"), gc.DefaultOptions)
	if err != nil {
		return err
	}
	defer sup.Close()

	fsys, err := fs.New(l, fs.Options{Client: cli, Supervisor: sup})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := fsys.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()

	level.Debug(l).Log("msg", "running command", "mode", o.Mode, "path", o.Path)

	switch o.Mode {
	case ModeCat:
		return fsys.WithFile(ctx, o.Path, "r", 0, func(fh *fs.FileHandle) error {
			return copyOut(ctx, fh, o.Stdout)
		})
	case ModeWrite:
		return fsys.WithFile(ctx, o.Path, "w", 0, func(fh *fs.FileHandle) error {
			return copyIn(ctx, fh, o.Stdin)
		})
	case ModeAppend:
		return fsys.WithFile(ctx, o.Path, "a", 0, func(fh *fs.FileHandle) error {
			return copyIn(ctx, fh, o.Stdin)
		})
	case ModeList:
		return fsys.WithDir(ctx, o.Path, func(dh *fs.DirectoryHandle) error {
			ents, err := dh.ReadAll(ctx)
			if err != nil {
				return err
			}
			for _, ent := range ents {
				name := ent.Name
				if ent.IsDir() {
					name += "/"
				}
				fmt.Fprintln(o.Stdout, name)
			}
			return nil
		})
	case ModeStat:
		return fsys.WithFile(ctx, o.Path, "r", 0, func(fh *fs.FileHandle) error {
			st, err := fh.Stat(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(o.Stdout, "%s\t%d\t%s\t%s\n", st.Mode(), st.Size(), st.ModTime().UTC().Format(time.RFC3339), o.Path)
			return nil
		})
	}
	return fmt.Errorf("unknown mode %q", o.Mode)
}

func dial(ctx context.Context, o Options) (*grpc.ClientConn, error) {
	network, address, err := cmdutil.ParseAddr(o.ServerAddr)
	if err != nil {
		return nil, err
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}),
	}, o.DialOptions...)
	return grpc.DialContext(ctx, address, opts...)
}

func copyOut(ctx context.Context, fh *fs.FileHandle, w io.Writer) error {
	rs, err := fh.CreateReadStream(ctx, fs.ReadStreamOptions{})
	if err != nil {
		return err
	}
	defer rs.Close()

	_, err = io.Copy(w, rs)
	return err
}

func copyIn(ctx context.Context, fh *fs.FileHandle, r io.Reader) error {
	if r == nil {
		r = os.Stdin
	}
	ws, err := fh.CreateWriteStream(ctx, fs.WriteStreamOptions{Start: fs.CurrentPosition})
	if err != nil {
		return err
	}
	if _, err := io.Copy(ws, r); err != nil {
		_ = ws.Close()
		return err
	}
	return ws.Close()
}
