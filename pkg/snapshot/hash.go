package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"

	"github.com/sidkik/dirsync/pkg/errors"
)

const (
	// HashSHA256 selects SHA-256 content digests. It's the default.
	HashSHA256 = "sha256"

	// HashBlake2b selects BLAKE2b-256 content digests.
	HashBlake2b = "blake2b"
)

// hashChunkSize is the number of bytes read between cancellation checks.
const hashChunkSize = 64 * 1024

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "", HashSHA256:
		return sha256.New(), nil
	case HashBlake2b:
		return blake2b.New256(nil)
	default:
		return nil, errors.New("unsupported hash algorithm %q", algorithm)
	}
}

// HashFile returns the hex digest of the file at `path`. The context is
// checked before every chunk is read, so a cancelled hash stops after at most
// one more read.
func HashFile(ctx context.Context, fs afero.Fs, path, algorithm string) (string, error) {
	hasher, err := newHash(algorithm)
	if err != nil {
		return "", err
	}

	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	buf := make([]byte, hashChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := f.Read(buf)
		hasher.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.WithContext(err, "read")
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
