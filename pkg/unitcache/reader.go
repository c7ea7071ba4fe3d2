package unitcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
)

// Reader streams a cached payload. Size and, when enabled, the sha256
// checksum are verified when the payload reaches EOF; a mismatch is returned
// from Read as an error wrapping ErrInvalid instead of io.EOF.
type Reader struct {
	entry  *Entry
	r      io.ReadCloser
	hash   hash.Hash
	size   int64
	closed bool
}

// Open opens the entry for ref for a validated streaming read. The caller
// must Close the returned Reader.
func (s *Store) Open(ctx context.Context, ref Ref) (*Reader, error) {
	entry, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	r, err := s.bucket.NewReader(ctx, entry.Key, nil)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s vanished", ErrInvalid, entry.Key)
		}
		return nil, fmt.Errorf("unitcache: open %s: %w", entry.Key, err)
	}

	rd := &Reader{entry: entry, r: r}
	if s.opts.VerifyChecksum && entry.SHA256 != "" {
		rd.hash = sha256.New()
	}
	return rd, nil
}

// Entry returns the sidecar of the entry being read.
func (r *Reader) Entry() *Entry {
	return r.entry
}

// Read reads payload bytes.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}

	n, err := r.r.Read(p)
	if n > 0 {
		r.size += int64(n)
		if r.hash != nil {
			r.hash.Write(p[:n])
		}
	}
	if errors.Is(err, io.EOF) {
		if verr := r.verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (r *Reader) verify() error {
	if r.size != r.entry.Size {
		return fmt.Errorf("%w: %s size mismatch: expected %d, got %d", ErrInvalid, r.entry.Key, r.entry.Size, r.size)
	}
	if r.hash != nil {
		if actual := hex.EncodeToString(r.hash.Sum(nil)); actual != r.entry.SHA256 {
			return fmt.Errorf("%w: %s checksum mismatch: expected %s, got %s", ErrInvalid, r.entry.Key, r.entry.SHA256, actual)
		}
	}
	return nil
}

// Close releases the underlying reader.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.r.Close()
}
