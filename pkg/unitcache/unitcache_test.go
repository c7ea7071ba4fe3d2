package unitcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	return New(bucket)
}

var human = Ref{ID: "9606", Endpoint: "protein.links.v12.0", URL: "https://example.org/9606.gz"}

func TestPutGetOpen(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	data := bytes.Repeat([]byte("interaction "), 1000)

	entry, err := s.Put(ctx, human, bytes.NewReader(data), PutOptions{ETag: "abc", Validated: true})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if entry.Size != int64(len(data)) {
		t.Errorf("expected size %d, got %d", len(data), entry.Size)
	}
	if entry.UnitID != "9606" || entry.Endpoint != "protein.links.v12.0" {
		t.Errorf("unexpected entry identity: %+v", entry)
	}

	got, err := s.Get(ctx, human)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SHA256 != entry.SHA256 || got.ETag != "abc" || !got.Validated {
		t.Errorf("Get returned %+v, want %+v", got, entry)
	}

	r, err := s.Open(ctx, human)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	read, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(read, data) {
		t.Error("data mismatch")
	}
}

func TestGetMiss(t *testing.T) {
	s := newStore(t)
	if _, err := s.Get(context.Background(), human); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss, got %v", err)
	}
	if _, err := s.Open(context.Background(), human); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss from Open, got %v", err)
	}
}

func TestKeysAreDisjoint(t *testing.T) {
	s := New(nil, WithPrefix("cache"))
	a := s.Key(human)
	b := s.Key(Ref{ID: "9606", Endpoint: "protein.links.v11.5", URL: human.URL})
	c := s.Key(Ref{ID: "9606", Endpoint: human.Endpoint, URL: "https://mirror.example.org/9606.gz"})
	d := s.Key(Ref{ID: "10090", Endpoint: human.Endpoint, URL: human.URL})
	if a == b || a == c || a == d {
		t.Errorf("keys collide: %s %s %s %s", a, b, c, d)
	}
	if !strings.HasPrefix(a, "cache/protein.links.v12.0/9606-") {
		t.Errorf("unexpected key layout %s", a)
	}
}

func TestAbortPublishesNothing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	w, err := s.Create(ctx, human, PutOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Errorf("second Abort: %v", err)
	}

	if _, err := s.Get(ctx, human); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after abort, got %v", err)
	}
	if ok, _ := s.bucket.Exists(ctx, s.Key(human)); ok {
		t.Error("aborted data object is visible")
	}
	if _, err := w.Commit(ctx); err == nil {
		t.Error("expected Commit after Abort to fail")
	}
}

func TestAbortReportsFailedCleanup(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	s := New(bucket)

	w, err := s.Create(ctx, human, PutOptions{ExpectedSize: 100})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// A closed bucket refuses the delete of the partial object.
	if err := bucket.Close(); err != nil {
		t.Fatalf("close bucket: %v", err)
	}
	err = w.Abort()
	if err == nil || !strings.Contains(err.Error(), "delete") {
		t.Fatalf("expected a delete failure from Abort, got %v", err)
	}

	s2 := newStore(t)
	w2, err := s2.Create(ctx, human, PutOptions{ExpectedSize: 100})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w2.Write([]byte("short")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s2.bucket.Close()
	_, err = w2.Commit(ctx)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "delete") {
		t.Errorf("size mismatch hides the failed cleanup: %v", err)
	}
}

func TestExpectedSizeMismatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Put(ctx, human, strings.NewReader("short"), PutOptions{ExpectedSize: 100})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := s.Get(ctx, human); !errors.Is(err, ErrMiss) {
		t.Errorf("expected nothing published, got %v", err)
	}
}

func TestDataWithoutSidecarIsInvalid(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if err := s.bucket.WriteAll(ctx, s.Key(human), []byte("orphan"), nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if _, err := s.Get(ctx, human); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestCorruptedData(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	data := []byte("0123456789abcdef")

	if _, err := s.Put(ctx, human, bytes.NewReader(data), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Same size, different bytes: only the checksum catches it.
	if err := s.bucket.WriteAll(ctx, s.Key(human), []byte("0123456789abcdeX"), nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	r, err := s.Open(ctx, human)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = io.ReadAll(r)
	r.Close()
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected checksum ErrInvalid, got %v", err)
	}

	// Truncated: Get already rejects it.
	if err := s.bucket.WriteAll(ctx, s.Key(human), data[:5], nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if _, err := s.Get(ctx, human); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected size ErrInvalid, got %v", err)
	}

	if err := s.Invalidate(ctx, human); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := s.Get(ctx, human); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after Invalidate, got %v", err)
	}
	if err := s.Invalidate(ctx, human); err != nil {
		t.Errorf("second Invalidate: %v", err)
	}
}

func TestAuditAndPurge(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	good := Ref{ID: "1", Endpoint: "e", URL: "u1"}
	short := Ref{ID: "2", Endpoint: "e", URL: "u2"}
	orphan := Ref{ID: "3", Endpoint: "e", URL: "u3"}
	missing := Ref{ID: "4", Endpoint: "e", URL: "u4"}

	for _, ref := range []Ref{good, short} {
		if _, err := s.Put(ctx, ref, strings.NewReader("payload"), PutOptions{}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	s.bucket.WriteAll(ctx, s.Key(short), []byte("pay"), nil)
	s.bucket.WriteAll(ctx, s.Key(orphan), []byte("payload"), nil)

	result, err := s.Audit(ctx, []Ref{good, short, orphan, missing})
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if result.Valid {
		t.Error("expected invalid audit")
	}
	if result.Checked != 4 || result.Missing != 1 || result.SizeMismatches != 1 || result.Incomplete != 1 {
		t.Errorf("unexpected audit counts: %+v", result)
	}
	if strings.Join(result.Invalid, ",") != "2,3,4" {
		t.Errorf("expected invalid units 2,3,4, got %v", result.Invalid)
	}

	n, err := s.Purge(ctx, []Ref{good, short, orphan, missing})
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 purged, got %d", n)
	}
	result, err = s.Audit(ctx, []Ref{good})
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if result.Missing != 1 {
		t.Errorf("expected purged entry to be missing, got %+v", result)
	}
}

func TestOpenLocalDirectory(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "cache", "nested")

	s, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Probe(ctx); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if _, err := s.Put(ctx, human, strings.NewReader("on disk"), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Get(ctx, human); err != nil {
		t.Errorf("Get: %v", err)
	}
}

func TestBucketURL(t *testing.T) {
	for _, u := range []string{"mem://", "s3://bucket?region=us-east-1", "gs://bucket"} {
		got, err := BucketURL(u)
		if err != nil || got != u {
			t.Errorf("BucketURL(%q) = %q, %v", u, got, err)
		}
	}
	dir := t.TempDir()
	got, err := BucketURL(dir)
	if err != nil {
		t.Fatalf("BucketURL: %v", err)
	}
	if !strings.HasPrefix(got, "file://") {
		t.Errorf("expected file:// URL, got %s", got)
	}
}
