package errors

import (
	"fmt"
)

// ErrScanCancelled is returned when a scan was stopped before it completed,
// either because a newer scan superseded it or because the caller cancelled
// it. It is a normal outcome rather than a failure.
var ErrScanCancelled = New("scan cancelled")

// ErrUnknownHandle is returned for transfer requests that reference a handle
// that was never opened or has already been closed.
var ErrUnknownHandle = New("unknown transfer handle")

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// ScanAborted is returned when an I/O error stopped a scan. No partial
// snapshot is ever published after a ScanAborted.
type ScanAborted struct {
	Path string
	Err  error
}

func (err ScanAborted) Error() string {
	return fmt.Sprintf("scan aborted at %q: %s", err.Path, err.Err)
}

func (err ScanAborted) Unwrap() error {
	return err.Err
}

// TransferError is a failed step of a chunked transfer. The handle involved
// has already been closed by the time the error is returned.
type TransferError struct {
	ID   string
	Op   string
	Path string
	Err  error
}

func (err TransferError) Error() string {
	if err.Path == "" {
		return fmt.Sprintf("%s: %s", err.Op, err.Err)
	}
	return fmt.Sprintf("%s %q: %s", err.Op, err.Path, err.Err)
}

func (err TransferError) Unwrap() error {
	return err.Err
}

// DiffIntegrityWarning records an uploaded node whose parent couldn't be
// found in the merged tree. The node is left out of the merged tree.
type DiffIntegrityWarning struct {
	Path   string
	Parent string
}

func (err DiffIntegrityWarning) Error() string {
	return fmt.Sprintf("merge %q: parent %q not found", err.Path, err.Parent)
}

// PathRejected reports that unsafe segments were stripped from a path. The
// operation continues against Sanitized.
type PathRejected struct {
	Path      string
	Sanitized string
}

func (err PathRejected) Error() string {
	return fmt.Sprintf("unsafe path %q rewritten to %q", err.Path, err.Sanitized)
}
