package transfer

import (
	"context"

	"github.com/sidkik/dirsync/pkg/errors"
)

// The operations understood by Serve.
const (
	// OpRead opens a file for reading and returns its first chunk.
	OpRead = "read"

	// OpReadNext returns the next chunk of a file opened with OpRead.
	OpReadNext = "readNext"

	// OpWrite opens a file for writing and writes the first chunk.
	OpWrite = "write"

	// OpWriteNext writes the next chunk of a file opened with OpWrite.
	OpWriteNext = "writeNext"

	// OpCancel abandons a transfer.
	OpCancel = "cancel"
)

// Request is a single step of a transfer.
type Request struct {
	// ID is echoed back in the Response so that callers can match responses
	// to requests.
	ID     string `json:"id"`
	Op     string `json:"op"`
	Path   string `json:"path,omitempty"`
	Handle Handle `json:"handle,omitempty"`
	Data   []byte `json:"data,omitempty"`
	Last   bool   `json:"last,omitempty"`
}

// Response is the result of a Request. An empty Handle means the request
// failed, and Error describes why.
type Response struct {
	ID      string `json:"id"`
	Handle  Handle `json:"handle,omitempty"`
	Data    []byte `json:"data,omitempty"`
	Last    bool   `json:"last,omitempty"`
	Written int    `json:"written,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Err returns the error described by the response, if any.
func (resp Response) Err(req Request) error {
	if resp.Handle != "" {
		return nil
	}

	msg := resp.Error
	if msg == "" {
		msg = "no handle returned"
	}
	return errors.TransferError{ID: resp.ID, Op: req.Op, Path: req.Path, Err: errors.New(msg)}
}

// Endpoint executes transfer requests. *Manager serves them in-process, and
// *Client forwards them over grpc.
type Endpoint interface {
	Call(ctx context.Context, req Request) (Response, error)
}

// Call implements Endpoint.
func (m *Manager) Call(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		if req.Handle != "" {
			// The caller won't see the response, so don't leave the handle
			// open.
			_ = m.Cancel(req.Handle)
		}
		return Response{}, err
	}
	return m.Serve(req), nil
}

// Serve executes a single request. Failures are reported in the response
// rather than as a Go error, since the response may have to cross a process
// boundary.
func (m *Manager) Serve(req Request) Response {
	resp, err := m.serve(req)
	resp.ID = req.ID
	if err != nil {
		m.log.WithError(err).WithField("op", req.Op).Debug("Transfer request failed")
		return Response{ID: req.ID, Error: err.Error()}
	}
	return resp
}

func (m *Manager) serve(req Request) (Response, error) {
	switch req.Op {
	case OpRead:
		h, err := m.OpenRead(req.Path)
		if err != nil {
			return Response{}, err
		}
		return m.serveRead(h)

	case OpReadNext:
		return m.serveRead(req.Handle)

	case OpWrite:
		h, err := m.OpenWrite(req.Path)
		if err != nil {
			return Response{}, err
		}
		return m.serveWrite(h, req)

	case OpWriteNext:
		return m.serveWrite(req.Handle, req)

	case OpCancel:
		if err := m.Cancel(req.Handle); err != nil {
			return Response{}, err
		}
		return Response{Handle: req.Handle}, nil
	}
	return Response{}, errors.New("unknown operation %q", req.Op)
}

func (m *Manager) serveRead(h Handle) (Response, error) {
	data, last, err := m.ReadNext(h)
	if err != nil {
		return Response{}, err
	}
	return Response{Handle: h, Data: data, Last: last}, nil
}

func (m *Manager) serveWrite(h Handle, req Request) (Response, error) {
	n, err := m.WriteNext(h, req.Data, req.Last)
	if err != nil {
		return Response{}, err
	}
	return Response{Handle: h, Written: n, Last: req.Last}, nil
}
