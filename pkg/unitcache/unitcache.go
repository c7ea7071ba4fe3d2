package unitcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// ErrMiss is returned when no entry exists for a unit.
var ErrMiss = errors.New("unitcache: miss")

// ErrInvalid is returned when an entry exists but cannot be trusted: its
// sidecar is missing or malformed, or its size or checksum do not match.
var ErrInvalid = errors.New("unitcache: invalid entry")

// Ref identifies a cached unit.
type Ref struct {
	ID       string
	Endpoint string
	URL      string
}

// Entry describes a published cache entry. It is stored as the sidecar
// object next to the data.
type Entry struct {
	UnitID    string    `json:"unit_id"`
	Endpoint  string    `json:"endpoint"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	FetchedAt time.Time `json:"fetched_at"`
	ETag      string    `json:"etag,omitempty"`
	Validated bool      `json:"validated"`
}

// Options configures a Store.
type Options struct {
	Prefix         string
	VerifyChecksum bool
}

// Option is a functional option for configuring a Store.
type Option func(*Options)

// WithPrefix places all entries under prefix.
func WithPrefix(prefix string) Option {
	return func(o *Options) {
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		o.Prefix = prefix
	}
}

// WithVerifyChecksum enables sha256 verification on Open. Size is always
// verified. Default is true.
func WithVerifyChecksum(verify bool) Option {
	return func(o *Options) {
		o.VerifyChecksum = verify
	}
}

// Store is a cache of unit payloads on a blob bucket. Keys of different
// units are disjoint, so concurrent use for different units needs no locking.
type Store struct {
	bucket *blob.Bucket
	opts   Options
	owned  bool
}

// New wraps an existing bucket. The caller keeps ownership of the bucket.
func New(bucket *blob.Bucket, options ...Option) *Store {
	opts := Options{VerifyChecksum: true}
	for _, opt := range options {
		opt(&opts)
	}
	return &Store{bucket: bucket, opts: opts}
}

// Open opens the bucket at location and returns a Store owning it.
// location is a bucket URL (file://, mem://, s3://, gs://) or a local
// directory path, which is created if needed.
func Open(ctx context.Context, location string, options ...Option) (*Store, error) {
	url, err := BucketURL(location)
	if err != nil {
		return nil, err
	}
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unitcache: open bucket: %w", err)
	}
	s := New(bucket, options...)
	s.owned = true
	return s, nil
}

// BucketURL turns a local directory path into a file:// bucket URL. URLs are
// returned unchanged.
func BucketURL(location string) (string, error) {
	if strings.Contains(location, "://") {
		return location, nil
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		return "", fmt.Errorf("unitcache: resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("unitcache: create cache dir: %w", err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// Close releases the bucket if the Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.bucket.Close()
}

// Key returns the data object key for ref. The URL is folded into the key so
// that a changed source location never reuses a stale entry.
func (s *Store) Key(ref Ref) string {
	sum := sha256.Sum256([]byte(ref.URL))
	endpoint := ref.Endpoint
	if endpoint == "" {
		endpoint = "default"
	}
	return fmt.Sprintf("%s%s/%s-%s.gz", s.opts.Prefix, endpoint, ref.ID, hex.EncodeToString(sum[:4]))
}

func metaKey(key string) string {
	return key + ".meta.json"
}

// Probe checks that the bucket is writable.
func (s *Store) Probe(ctx context.Context) error {
	key := s.opts.Prefix + ".probe"
	if err := s.bucket.WriteAll(ctx, key, []byte("ok"), nil); err != nil {
		return fmt.Errorf("unitcache: bucket not writable: %w", err)
	}
	if err := s.bucket.Delete(ctx, key); err != nil && !isNotExist(err) {
		return fmt.Errorf("unitcache: bucket not writable: %w", err)
	}
	return nil
}

// Get returns the entry for ref without reading its payload. It returns
// ErrMiss when neither data nor sidecar exist and ErrInvalid when the entry
// is incomplete or its stored size disagrees with the sidecar.
func (s *Store) Get(ctx context.Context, ref Ref) (*Entry, error) {
	key := s.Key(ref)

	entry, err := s.readMeta(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			if ok, _ := s.bucket.Exists(ctx, key); ok {
				return nil, fmt.Errorf("%w: %s has no sidecar", ErrInvalid, key)
			}
		}
		return nil, err
	}

	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s sidecar without data", ErrInvalid, key)
		}
		return nil, fmt.Errorf("unitcache: stat %s: %w", key, err)
	}
	if attrs.Size != entry.Size {
		return nil, fmt.Errorf("%w: %s size mismatch: expected %d, got %d", ErrInvalid, key, entry.Size, attrs.Size)
	}
	return entry, nil
}

func (s *Store) readMeta(ctx context.Context, key string) (*Entry, error) {
	data, err := s.bucket.ReadAll(ctx, metaKey(key))
	if err != nil {
		if isNotExist(err) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("unitcache: read sidecar %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %s sidecar: %v", ErrInvalid, key, err)
	}
	if e.Key != key {
		return nil, fmt.Errorf("%w: %s sidecar names %q", ErrInvalid, key, e.Key)
	}
	return &e, nil
}

// Invalidate deletes the entry for ref. Missing objects are not an error.
func (s *Store) Invalidate(ctx context.Context, ref Ref) error {
	key := s.Key(ref)
	// Sidecar first: data without a sidecar is never trusted.
	if err := s.bucket.Delete(ctx, metaKey(key)); err != nil && !isNotExist(err) {
		return fmt.Errorf("unitcache: delete sidecar %s: %w", key, err)
	}
	if err := s.bucket.Delete(ctx, key); err != nil && !isNotExist(err) {
		return fmt.Errorf("unitcache: delete %s: %w", key, err)
	}
	return nil
}

// PutOptions describe an entry being written.
type PutOptions struct {
	// ETag of the remote payload, recorded in the sidecar.
	ETag string

	// ExpectedSize, when positive, must match the bytes written.
	ExpectedSize int64

	// Validated records that the payload was checked by the codec.
	Validated bool
}

// Put streams r into the cache and publishes the entry.
func (s *Store) Put(ctx context.Context, ref Ref, r io.Reader, opts PutOptions) (*Entry, error) {
	w, err := s.Create(ctx, ref, opts)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(w, r); err != nil {
		return nil, errors.Join(fmt.Errorf("unitcache: write %s: %w", w.key, err), w.Abort())
	}
	return w.Commit(ctx)
}

// Create starts writing the entry for ref. Nothing is visible to readers
// until Commit succeeds. Abort discards the write.
func (s *Store) Create(ctx context.Context, ref Ref, opts PutOptions) (*Writer, error) {
	key := s.Key(ref)

	// The upload has its own context so that Abort can cancel it without
	// touching the caller's.
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	bw, err := s.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: "application/gzip"})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("unitcache: create writer %s: %w", key, err)
	}
	return &Writer{
		store:  s,
		ref:    ref,
		key:    key,
		opts:   opts,
		writer: bw,
		cancel: cancel,
		hash:   sha256.New(),
	}, nil
}

// Writer is an entry being written.
type Writer struct {
	store *Store
	ref   Ref
	key   string
	opts  PutOptions

	mu     sync.Mutex
	writer *blob.Writer
	cancel context.CancelFunc
	hash   hash.Hash
	size   int64
	closed bool
}

// Write writes payload bytes.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, errors.New("unitcache: writer is closed")
	}
	n, err := w.writer.Write(p)
	w.hash.Write(p[:n])
	w.size += int64(n)
	return n, err
}

// Size returns the bytes written so far.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Abort cancels the write and removes any partial data. The error reports a
// failed cleanup; nothing is published either way.
// Safe to call multiple times or after Commit.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	return w.discard()
}

// discard must be called with w.mu held.
func (w *Writer) discard() error {
	w.closed = true
	w.cancel()

	var errs []error
	// Close after cancel reports the cancellation itself.
	if err := w.writer.Close(); err != nil && !isCanceled(err) {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	// Some providers commit buffered parts before cancellation is seen.
	if err := w.store.bucket.Delete(context.Background(), w.key); err != nil && !isNotExist(err) {
		errs = append(errs, fmt.Errorf("delete: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("unitcache: discard %s: %w", w.key, errors.Join(errs...))
	}
	return nil
}

// Commit publishes the data object and then its sidecar.
func (w *Writer) Commit(ctx context.Context) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, errors.New("unitcache: writer is closed")
	}

	if w.opts.ExpectedSize > 0 && w.size != w.opts.ExpectedSize {
		mismatch := fmt.Errorf("%w: %s size mismatch: expected %d, wrote %d", ErrInvalid, w.key, w.opts.ExpectedSize, w.size)
		return nil, errors.Join(mismatch, w.discard())
	}

	w.closed = true
	defer w.cancel()
	if err := w.writer.Close(); err != nil {
		return nil, fmt.Errorf("unitcache: publish %s: %w", w.key, err)
	}

	entry := &Entry{
		UnitID:    w.ref.ID,
		Endpoint:  w.ref.Endpoint,
		Key:       w.key,
		Size:      w.size,
		SHA256:    hex.EncodeToString(w.hash.Sum(nil)),
		FetchedAt: time.Now().UTC(),
		ETag:      w.opts.ETag,
		Validated: w.opts.Validated,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("unitcache: marshal sidecar: %w", err)
	}
	if err := w.store.bucket.WriteAll(ctx, metaKey(w.key), data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		w.store.bucket.Delete(context.Background(), w.key)
		return nil, fmt.Errorf("unitcache: write sidecar %s: %w", w.key, err)
	}
	return entry, nil
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || gcerrors.Code(err) == gcerrors.Canceled
}
