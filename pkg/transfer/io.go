package transfer

import (
	"context"
	"io"
)

// Reader streams a file from an Endpoint.
type Reader struct {
	ctx      context.Context
	endpoint Endpoint
	path     string

	handle Handle
	buf    []byte
	last   bool
	err    error
}

// NewReader returns a Reader for `path`. Nothing is requested until the first
// call to Read.
func NewReader(ctx context.Context, endpoint Endpoint, path string) *Reader {
	return &Reader{ctx: ctx, endpoint: endpoint, path: path}
}

func (r *Reader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.last {
			return 0, io.EOF
		}
		r.err = r.fetch()
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *Reader) fetch() error {
	req := Request{Op: OpReadNext, Handle: r.handle}
	if r.handle == "" {
		req = Request{Op: OpRead, Path: r.path}
	}

	resp, err := r.endpoint.Call(r.ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Err(req); err != nil {
		return err
	}

	r.handle = resp.Handle
	r.buf = resp.Data
	r.last = resp.Last
	return nil
}

// Close abandons the transfer if it hasn't finished.
func (r *Reader) Close() error {
	if r.handle == "" || r.last || r.err != nil {
		return nil
	}

	r.last = true
	req := Request{Op: OpCancel, Handle: r.handle}
	resp, err := r.endpoint.Call(r.ctx, req)
	if err != nil {
		return err
	}
	return resp.Err(req)
}

// Writer streams a file to an Endpoint. The file only appears at its
// destination once the Writer is closed.
type Writer struct {
	ctx       context.Context
	endpoint  Endpoint
	path      string
	chunkSize int

	handle Handle
	buf    []byte
	done   bool
	err    error
}

// ChunkSizer is implemented by endpoints that know the chunk size of the
// Manager serving them.
type ChunkSizer interface {
	ChunkSize() int
}

// NewWriter returns a Writer for `path`. Chunks are sized to match the
// endpoint if it implements ChunkSizer, and are DefaultChunkSize bytes
// otherwise.
func NewWriter(ctx context.Context, endpoint Endpoint, path string) *Writer {
	chunkSize := DefaultChunkSize
	if sizer, ok := endpoint.(ChunkSizer); ok && sizer.ChunkSize() > 0 {
		chunkSize = sizer.ChunkSize()
	}

	return &Writer{
		ctx:       ctx,
		endpoint:  endpoint,
		path:      path,
		chunkSize: chunkSize,
	}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.done {
		return 0, io.ErrClosedPipe
	}

	w.buf = append(w.buf, p...)

	// Always hold some data back so that Close has something to send with
	// the last chunk.
	for len(w.buf) > w.chunkSize {
		if err := w.send(w.buf[:w.chunkSize], false); err != nil {
			return 0, err
		}
		w.buf = w.buf[w.chunkSize:]
	}
	return len(p), nil
}

// Close sends the remaining data and moves the file into place.
func (w *Writer) Close() error {
	if w.err != nil || w.done {
		return w.err
	}

	w.done = true
	return w.send(w.buf, true)
}

// Cancel abandons the transfer. The destination is left unchanged.
func (w *Writer) Cancel() error {
	if w.done || w.err != nil {
		return nil
	}

	w.done = true
	if w.handle == "" {
		return nil
	}

	req := Request{Op: OpCancel, Handle: w.handle}
	resp, err := w.endpoint.Call(w.ctx, req)
	if err != nil {
		return err
	}
	return resp.Err(req)
}

func (w *Writer) send(data []byte, last bool) error {
	req := Request{Op: OpWriteNext, Handle: w.handle, Data: data, Last: last}
	if w.handle == "" {
		req = Request{Op: OpWrite, Path: w.path, Data: data, Last: last}
	}

	resp, err := w.endpoint.Call(w.ctx, req)
	if err == nil {
		err = resp.Err(req)
	}
	if err != nil {
		w.err = err
		return err
	}

	w.handle = resp.Handle
	return nil
}
