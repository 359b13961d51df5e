package grpcipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rfratto/hostfs/fs"
	"github.com/rfratto/hostfs/internal/ipc"
	"github.com/rfratto/hostfs/internal/ipc/client"
	"github.com/rfratto/hostfs/internal/ipc/codec"
	"github.com/rfratto/hostfs/internal/server"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
)

// newTestBridge serves a Bridge backed by Passthrough handlers rooted at root
// and returns a connection to it.
func newTestBridge(t *testing.T, root string) (*Bridge, *grpc.ClientConn) {
	t.Helper()

	bridge, err := NewBridge(nil, BridgeOptions{
		NewHandler: func() server.Handler {
			return server.Passthrough(nil, server.PassthroughOptions{Root: root})
		},
	})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterBridgeServer(srv, bridge)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cc, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return bridge, cc
}

func TestBridge(t *testing.T) {
	var (
		ctx  = context.Background()
		root = t.TempDir()
	)
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello from grpc"), 0644))

	bridge, cc := newTestBridge(t, root)

	tr, err := NewClientTransport(ctx, cc, nil)
	require.NoError(t, err)
	cli, err := client.New(nil, client.Options{Transport: tr})
	require.NoError(t, err)

	f, err := fs.New(nil, fs.Options{Client: cli})
	require.NoError(t, err)

	err = f.WithFile(ctx, "hello.txt", "r", 0, func(fh *fs.FileHandle) error {
		data, err := fh.ReadFile(ctx)
		require.Equal(t, "hello from grpc", string(data))
		return err
	})
	require.NoError(t, err)

	err = f.WithFile(ctx, "out.txt", "w", 0644, func(fh *fs.FileHandle) error {
		return fh.WriteFile(ctx, []byte("written over grpc"))
	})
	require.NoError(t, err)

	bb, err := os.ReadFile(filepath.Join(root, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "written over grpc", string(bb))

	_, err = f.Open(ctx, "missing.txt", "r", 0)
	require.ErrorIs(t, err, ipc.ErrorNotExist)

	require.Equal(t, int64(1), bridge.Active())
	require.NoError(t, cli.Close())
	require.Eventually(t, func() bool { return bridge.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestBridge_StreamsAreIndependent(t *testing.T) {
	var (
		ctx  = context.Background()
		root = t.TempDir()
	)
	require.NoError(t, os.WriteFile(filepath.Join(root, "file"), nil, 0644))

	_, cc := newTestBridge(t, root)

	open := func(tr ipc.ClientTransport) uint64 {
		cli, err := client.New(nil, client.Options{Transport: tr})
		require.NoError(t, err)
		t.Cleanup(func() { _ = cli.Close() })

		res, err := cli.Send(ctx, ipc.CommandOpen, &ipc.OpenParams{ID: "same-id", Path: "file"})
		require.NoError(t, err)
		return res.(*ipc.OpenResult).FD
	}

	a, err := NewClientTransport(ctx, cc, codec.Msgpack())
	require.NoError(t, err)
	b, err := NewClientTransport(ctx, cc, codec.Msgpack())
	require.NoError(t, err)

	// Each stream gets its own descriptor table.
	require.Equal(t, open(a), open(b))
}

func TestGetCodec(t *testing.T) {
	c, err := GetCodec(context.Background())
	require.NoError(t, err)
	require.Equal(t, "msgpack", c.Name())

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(codecHeader, "msgpack"))
	c, err = GetCodec(ctx)
	require.NoError(t, err)
	require.Equal(t, "msgpack", c.Name())

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs(codecHeader, "json"))
	_, err = GetCodec(ctx)
	require.Error(t, err)
}

func TestWithCodec(t *testing.T) {
	ctx := WithCodec(context.Background(), codec.Msgpack())
	md, ok := metadata.FromOutgoingContext(ctx)
	require.True(t, ok)
	require.Equal(t, []string{"msgpack"}, md.Get(codecHeader))
}

func TestPack(t *testing.T) {
	in := &codec.Frame{Header: []byte("header"), Data: []byte("data")}
	m, err := pack(in)
	require.NoError(t, err)

	out, err := unpack(m)
	require.NoError(t, err)
	require.Equal(t, in, out)
}
