package transfer

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sidkik/dirsync/pkg/errors"
)

func startServer(t *testing.T, m *Manager) *Client {
	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	Register(server, m)
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	client, err := Dial(context.Background(), "bufnet", m.ChunkSize(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestGrpcTransfer(t *testing.T) {
	m, fs := newTestManager(t)
	client := startServer(t, m)

	contents := randomBytes(5*DefaultChunkSize + 3)
	w := NewWriter(context.Background(), client, "/dir/remote.bin")
	_, err := io.Copy(w, bytes.NewReader(contents))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	actual, err := afero.ReadFile(fs, testRoot+"/dir/remote.bin")
	require.NoError(t, err)
	assert.Equal(t, contents, actual)

	r := NewReader(context.Background(), client, "/dir/remote.bin")
	read, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, contents, read)
	assert.Equal(t, 0, m.Open())
}

func TestGrpcCallEchoesID(t *testing.T) {
	m, fs := newTestManager(t)
	require.NoError(t, afero.WriteFile(fs, testRoot+"/a.txt", []byte("a"), 0644))
	client := startServer(t, m)

	resp, err := client.Call(context.Background(), Request{ID: "request-id", Op: OpRead, Path: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "request-id", resp.ID)
	assert.Equal(t, "a", string(resp.Data))
	assert.True(t, resp.Last)

	// Requests without an ID get one assigned.
	resp, err = client.Call(context.Background(), Request{Op: OpRead, Path: "a.txt"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ID)
}

func TestGrpcErrors(t *testing.T) {
	m, _ := newTestManager(t)
	client := startServer(t, m)

	_, err := io.ReadAll(NewReader(context.Background(), client, "missing.txt"))
	var transferErr errors.TransferError
	require.True(t, errors.As(err, &transferErr))
	assert.Contains(t, transferErr.Error(), "does not exist")
}

func TestDialChunkSize(t *testing.T) {
	// Dialing doesn't block, so nothing has to be listening.
	client, err := Dial(context.Background(), "127.0.0.1:1", 0)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, DefaultChunkSize, client.ChunkSize())

	client, err = Dial(context.Background(), "127.0.0.1:1", 16)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, 16, client.ChunkSize())
}
