// Package transfer moves file contents in fixed-size chunks. Every transfer is
// identified by an opaque handle, so that a single Manager can serve many
// concurrent reads and writes, either in-process or over grpc.
package transfer

import (
	"io"
	"os"
	"path/filepath"
	goSync "sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/errors"
)

// DefaultChunkSize is the number of bytes sent in each chunk.
const DefaultChunkSize = 4096

// Handle identifies an open transfer.
type Handle string

// Suppressor is notified before the Manager replaces a file, so that the
// resulting filesystem event can be ignored.
type Suppressor interface {
	Suppress(path string)
}

// Manager serves chunked reads and writes of the files under a root
// directory.
type Manager struct {
	root       string
	fs         afero.Fs
	chunkSize  int
	suppressor Suppressor
	log        *log.Entry

	lock    goSync.Mutex
	handles map[Handle]*openFile
}

type openFile struct {
	lock goSync.Mutex

	write bool

	// path is the path relative to the root that the client asked for.
	path string

	// target is the absolute path of the file being read or written.
	target string

	// staging is the absolute path of the file that writes go to until the
	// last chunk arrives.
	staging string

	file   afero.File
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithFs sets the filesystem that files are read from and written to.
func WithFs(fs afero.Fs) Option {
	return func(m *Manager) { m.fs = fs }
}

// WithChunkSize sets the size of the chunks returned by ReadNext, which is
// also the largest chunk that WriteNext accepts.
func WithChunkSize(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.chunkSize = size
		}
	}
}

// WithSuppressor sets the Suppressor that's notified before completed writes
// are moved into place.
func WithSuppressor(suppressor Suppressor) Option {
	return func(m *Manager) { m.suppressor = suppressor }
}

// WithLogger sets the logger.
func WithLogger(logger *log.Entry) Option {
	return func(m *Manager) { m.log = logger }
}

// NewManager returns a Manager for the files under `root`.
func NewManager(root string, opts ...Option) *Manager {
	m := &Manager{
		root:      root,
		fs:        afero.NewOsFs(),
		chunkSize: DefaultChunkSize,
		log:       log.NewEntry(log.StandardLogger()),
		handles:   map[Handle]*openFile{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ChunkSize returns the chunk size used for both reads and writes.
func (m *Manager) ChunkSize() int {
	return m.chunkSize
}

// OpenRead opens `path` for reading.
func (m *Manager) OpenRead(path string) (Handle, error) {
	rel, target := m.resolve(path)

	info, err := m.fs.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			err = errors.FileNotFound{Path: rel}
		}
		return "", errors.TransferError{Op: OpRead, Path: rel, Err: err}
	}
	if info.IsDir() {
		return "", errors.TransferError{Op: OpRead, Path: rel, Err: errors.New("is a directory")}
	}

	f, err := m.fs.Open(target)
	if err != nil {
		return "", errors.TransferError{Op: OpRead, Path: rel, Err: err}
	}

	return m.register(&openFile{path: rel, target: target, file: f}), nil
}

// ReadNext returns the next chunk of the file. `last` is true for the final
// chunk, which may be empty if the file size is a multiple of the chunk size.
// The handle is closed after the last chunk or an error.
func (m *Manager) ReadNext(h Handle) (data []byte, last bool, err error) {
	of, err := m.acquire(h, OpReadNext, false)
	if err != nil {
		return nil, false, err
	}
	defer of.lock.Unlock()

	buf := make([]byte, m.chunkSize)
	n, err := io.ReadFull(of.file, buf)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		last = true
	case err != nil:
		m.closeLocked(h, of, outcomeFailed)
		return nil, false, errors.TransferError{ID: string(h), Op: OpReadNext, Path: of.path, Err: err}
	}

	bytesTransferred.WithLabelValues(directionRead).Add(float64(n))
	if last {
		m.closeLocked(h, of, outcomeComplete)
	}
	return buf[:n], last, nil
}

// OpenWrite starts a write of `path`. The data is written to a staging file
// next to the target, and only replaces the target once the last chunk has
// been written. The parent directory must already exist.
func (m *Manager) OpenWrite(path string) (Handle, error) {
	rel, target := m.resolve(path)
	if rel == "" {
		return "", errors.TransferError{Op: OpWrite, Path: path, Err: errors.New("cannot write the root directory")}
	}

	staging := filepath.Join(filepath.Dir(target), stagingName(filepath.Base(target)))
	f, err := m.fs.OpenFile(staging, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return "", errors.TransferError{Op: OpWrite, Path: rel, Err: errors.WithContext(err, "create staging file")}
	}

	return m.register(&openFile{
		write:   true,
		path:    rel,
		target:  target,
		staging: staging,
		file:    f,
	}), nil
}

// WriteNext appends `data` to the file. If `last` is set, the file is moved
// into place and the handle is closed. The handle is also closed, and the
// staging file removed, if the write fails or `data` is larger than the chunk
// size.
func (m *Manager) WriteNext(h Handle, data []byte, last bool) (int, error) {
	of, err := m.acquire(h, OpWriteNext, true)
	if err != nil {
		return 0, err
	}
	defer of.lock.Unlock()

	fail := func(err error) (int, error) {
		m.abortLocked(h, of, outcomeFailed)
		return 0, errors.TransferError{ID: string(h), Op: OpWriteNext, Path: of.path, Err: err}
	}

	if len(data) > m.chunkSize {
		return fail(errors.New("chunk of %d bytes exceeds the chunk size of %d bytes",
			len(data), m.chunkSize))
	}

	n, err := of.file.Write(data)
	if err != nil {
		return fail(errors.WithContext(err, "write"))
	}
	bytesTransferred.WithLabelValues(directionWrite).Add(float64(n))

	if !last {
		return n, nil
	}

	if err := of.file.Close(); err != nil {
		return fail(errors.WithContext(err, "close"))
	}

	if m.suppressor != nil {
		m.suppressor.Suppress(of.target)
	}
	if err := m.fs.Rename(of.staging, of.target); err != nil {
		return fail(errors.WithContext(err, "rename"))
	}

	m.forget(h, of, outcomeComplete)
	m.log.WithField("path", of.path).Debug("Finished write")
	return n, nil
}

// Cancel stops a transfer. Partially written files are removed.
func (m *Manager) Cancel(h Handle) error {
	m.lock.Lock()
	of, ok := m.handles[h]
	m.lock.Unlock()
	if !ok {
		return errors.TransferError{ID: string(h), Op: OpCancel, Err: errors.ErrUnknownHandle}
	}

	of.lock.Lock()
	defer of.lock.Unlock()
	if of.closed {
		return errors.TransferError{ID: string(h), Op: OpCancel, Err: errors.ErrUnknownHandle}
	}

	if of.write {
		m.abortLocked(h, of, outcomeCancelled)
	} else {
		m.closeLocked(h, of, outcomeCancelled)
	}
	return nil
}

// Close cancels all open transfers.
func (m *Manager) Close() {
	m.lock.Lock()
	var handles []Handle
	for h := range m.handles {
		handles = append(handles, h)
	}
	m.lock.Unlock()

	for _, h := range handles {
		// The handle may have finished since we listed it.
		_ = m.Cancel(h)
	}
}

// Open returns the number of open handles.
func (m *Manager) Open() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.handles)
}

func (m *Manager) resolve(path string) (rel, target string) {
	rel, rejected := Sanitize(path)
	if rejected {
		m.log.WithError(errors.PathRejected{Path: path, Sanitized: rel}).Warn("Rejected unsafe path segments")
	}
	return rel, filepath.Join(m.root, filepath.FromSlash(rel))
}

func (m *Manager) register(of *openFile) Handle {
	h := Handle(uuid.New().String())

	m.lock.Lock()
	m.handles[h] = of
	m.lock.Unlock()
	openTransfers.Inc()
	return h
}

// acquire looks up the handle and locks it. The caller must unlock it.
func (m *Manager) acquire(h Handle, op string, write bool) (*openFile, error) {
	m.lock.Lock()
	of, ok := m.handles[h]
	m.lock.Unlock()

	if ok {
		of.lock.Lock()
		if !of.closed && of.write == write {
			return of, nil
		}
		of.lock.Unlock()
	}
	return nil, errors.TransferError{ID: string(h), Op: op, Err: errors.ErrUnknownHandle}
}

func (m *Manager) forget(h Handle, of *openFile, outcome string) {
	of.closed = true

	m.lock.Lock()
	delete(m.handles, h)
	m.lock.Unlock()

	openTransfers.Dec()
	transfersFinished.WithLabelValues(direction(of.write), outcome).Inc()
}

func (m *Manager) closeLocked(h Handle, of *openFile, outcome string) {
	if err := of.file.Close(); err != nil {
		m.log.WithError(err).WithField("path", of.path).Debug("Failed to close file")
	}
	m.forget(h, of, outcome)
}

func (m *Manager) abortLocked(h Handle, of *openFile, outcome string) {
	// The file may already be closed if the rename failed.
	_ = of.file.Close()
	if err := m.fs.Remove(of.staging); err != nil && !os.IsNotExist(err) {
		m.log.WithError(err).WithField("path", of.staging).Warn("Failed to remove staging file")
	}
	m.forget(h, of, outcome)
}
