package transfer

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/dirsync/pkg/config"
	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/transfer"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func setup() (*bytes.Buffer, *transfer.Manager, *string) {
	fs = afero.NewMemMapFs()
	var out bytes.Buffer
	stdout = &out
	loadCfg = func() (config.User, error) {
		return config.User{Listen: "configured:9001"}, nil
	}

	manager := transfer.NewManager("/served", transfer.WithFs(fs), transfer.WithChunkSize(3))
	var dialed string
	dial = func(_ context.Context, addr string, _ int) (transfer.Endpoint, io.Closer, error) {
		dialed = addr
		return manager, nopCloser{}, nil
	}
	return &out, manager, &dialed
}

func TestPutAndGet(t *testing.T) {
	out, manager, dialed := setup()
	ctx := context.Background()
	require.NoError(t, afero.WriteFile(fs, "/local/a.txt", []byte("hello world"), 0644))

	require.NoError(t, put(ctx, "", "/local/a.txt", "dir/a.txt"))
	assert.Equal(t, "configured:9001", *dialed)
	assert.Equal(t, "Uploaded dir/a.txt (11 bytes)\n", out.String())

	served, err := afero.ReadFile(fs, "/served/dir/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(served))

	out.Reset()
	require.NoError(t, get(ctx, "explicit:1", "dir/a.txt", "/local/copy.txt"))
	assert.Equal(t, "explicit:1", *dialed)
	assert.Equal(t, "Downloaded dir/a.txt (11 bytes)\n", out.String())

	copied, err := afero.ReadFile(fs, "/local/copy.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(copied))

	out.Reset()
	require.NoError(t, get(ctx, "", "dir/a.txt", "-"))
	assert.Equal(t, "hello world", out.String())
	assert.Zero(t, manager.Open())
}

func TestGetMissing(t *testing.T) {
	setup()
	err := get(context.Background(), "", "missing.txt", "/local/missing.txt")

	var transferErr errors.TransferError
	require.True(t, errors.As(err, &transferErr))
	assert.Equal(t, "read", transferErr.Op)

	exists, err := afero.Exists(fs, "/local/missing.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPutMissingLocal(t *testing.T) {
	_, _, dialed := setup()
	assert.Error(t, put(context.Background(), "", "/local/missing.txt", "a.txt"))
	assert.Empty(t, *dialed)
}
