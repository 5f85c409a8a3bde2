package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/dirsync/pkg/config"
	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/snapshot"
)

func mockExit() *int {
	code := -1
	exit = func(c int) { code = c }
	return &code
}

func TestHandleFatalError(t *testing.T) {
	code := mockExit()
	var out bytes.Buffer
	stderr = &out

	HandleFatalError(errors.WithContext(errors.NewFriendlyError("Something broke."), "context"))
	assert.Equal(t, 1, *code)
	assert.Equal(t, "Something broke.\n", out.String())

	out.Reset()
	*code = -1
	HandleFatalError(errors.WithContext(errors.New("unfriendly"), "context"))
	assert.Equal(t, 1, *code)
	assert.Equal(t, "context: unfriendly\n", out.String())
}

func TestHandlePanic(t *testing.T) {
	code := mockExit()
	func() {
		defer HandlePanic()
		panic("boom")
	}()
	assert.Equal(t, 1, *code)

	*code = -1
	func() {
		defer HandlePanic()
	}()
	assert.Equal(t, -1, *code)
}

func TestResolveDirectory(t *testing.T) {
	cfg := config.User{Bindings: []config.Binding{
		{Account: "alice", Directory: "/sync/alice"},
	}}

	dir, err := ResolveDirectory(cfg, []string{"/explicit"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "/explicit", dir)

	dir, err = ResolveDirectory(cfg, nil, "alice")
	require.NoError(t, err)
	assert.Equal(t, "/sync/alice", dir)

	_, err = ResolveDirectory(cfg, nil, "bob")
	assert.Error(t, err)

	_, err = ResolveDirectory(cfg, nil, "")
	assert.Error(t, err)
}

func TestProgressPrinter(t *testing.T) {
	var out bytes.Buffer
	pp := NewProgressPrinter(&out)

	pp.Report(snapshot.Progress{Stage: snapshot.StageDiscovering, Found: 1})
	pp.Report(snapshot.Progress{Stage: snapshot.StageDiscovering, Found: 1})
	pp.Report(snapshot.Progress{Stage: snapshot.StageComplete})

	assert.Equal(t, "Reading directory, 1 files found...\n"+
		"Files' checksums collected.\n", out.String())
}
