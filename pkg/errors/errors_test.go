package errors

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContext(t *testing.T) {
	assert.NoError(t, WithContext(nil, "ignored"))

	root := FileNotFound{Path: "/tmp/missing"}
	err := WithContext(WithContext(root, "open"), "scan")
	assert.Equal(t, `scan: open: "/tmp/missing" does not exist`, err.Error())
	assert.Equal(t, root, RootCause(err))

	var notFound FileNotFound
	assert.True(t, As(err, &notFound))
	assert.Equal(t, "/tmp/missing", notFound.Path)
}

func TestScanAbortedUnwrap(t *testing.T) {
	err := WithContext(ScanAborted{Path: "a/b", Err: os.ErrPermission}, "scan")
	assert.True(t, Is(err, os.ErrPermission))
	assert.False(t, Is(err, ErrScanCancelled))

	var aborted ScanAborted
	assert.True(t, As(err, &aborted))
	assert.Equal(t, "a/b", aborted.Path)
}

func TestGetPrintableMessage(t *testing.T) {
	friendly := NewFriendlyError("Directory %q is not bound.", "alice")
	assert.Equal(t, `Directory "alice" is not bound.`,
		GetPrintableMessage(WithContext(friendly, "lookup")))

	plain := WithContext(New("boom"), "lookup")
	assert.Equal(t, "lookup: boom", GetPrintableMessage(plain))
}
