package fetch_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/ligustah/gather/internal/fetch"
	mock_fetch "github.com/ligustah/gather/internal/fetch/mocks"
	gatherhttp "github.com/ligustah/gather/internal/http"
	"github.com/ligustah/gather/internal/source"
	"github.com/ligustah/gather/internal/testutils"
	"github.com/ligustah/gather/pkg/unitcache"
)

var unit = source.Unit{ID: "9606", Endpoint: "protein.links.detailed.v12.0", URL: "https://example.org/9606.gz"}

type fixture struct {
	bucket *blob.Bucket
	cache  *unitcache.Store
	remote *mock_fetch.MockRemote
	worker *fetch.Worker
}

func setup(t *testing.T) *fixture {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { bucket.Close() })

	ctrl := gomock.NewController(t)
	f := &fixture{
		bucket: bucket,
		cache:  unitcache.New(bucket),
		remote: mock_fetch.NewMockRemote(ctrl),
	}
	pattern := source.DefaultIDPattern
	s, err := source.New(source.Options{IDs: []string{"1"}, URLTemplate: "{id}", IDPattern: pattern})
	require.NoError(t, err)

	f.worker, err = fetch.New(fetch.Options{
		Cache:    f.cache,
		Remote:   f.remote,
		Validate: s.Validate,
	})
	require.NoError(t, err)
	return f
}

func payload(data []byte) *fetch.Payload {
	return &fetch.Payload{Body: io.NopCloser(bytes.NewReader(data)), Size: int64(len(data)), ETag: "v1"}
}

func TestFetchMissThenHit(t *testing.T) {
	f := setup(t)
	data := testutils.LinksPayload("9606", 9)
	f.remote.EXPECT().Open(gomock.Any(), unit).Return(payload(data), nil).Times(1)

	out := f.worker.Fetch(context.Background(), unit, 1)
	require.Equal(t, fetch.Success, out.Status, "err: %v", out.Err)
	assert.Equal(t, "9606", out.UnitID)
	assert.Equal(t, 1, out.Attempt)
	assert.Equal(t, 9, out.Summary.Scanned)
	assert.Equal(t, 5, out.Summary.Records)
	assert.Equal(t, int64(len(data)), out.Summary.Bytes)
	assert.False(t, out.Summary.FromCache)

	entry, err := f.cache.Get(context.Background(), fetch.Ref(unit))
	require.NoError(t, err)
	assert.Equal(t, "v1", entry.ETag)
	assert.True(t, entry.Validated)

	// The remote expectation is Times(1): a second attempt must be served from cache.
	out = f.worker.Fetch(context.Background(), unit, 2)
	require.Equal(t, fetch.Success, out.Status)
	assert.True(t, out.Summary.FromCache)
	assert.Equal(t, 5, out.Summary.Records)
}

func TestFetchInvalidUnit(t *testing.T) {
	f := setup(t)
	bad := source.Unit{ID: "not-a-taxon", URL: "x"}

	out := f.worker.Fetch(context.Background(), bad, 1)
	assert.Equal(t, fetch.PermanentFailure, out.Status)
	require.NotNil(t, out.Err)
	assert.Equal(t, fetch.KindInvalidUnit, out.Err.Kind)
	assert.ErrorIs(t, out.Err, source.ErrInvalidID)
}

func TestFetchRemoteFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status fetch.Status
		kind   fetch.Kind
	}{
		{"not found", fmt.Errorf("get: %w", gatherhttp.ErrNotFound), fetch.PermanentFailure, fetch.KindNotFound},
		{"client error", gatherhttp.ErrClientError, fetch.PermanentFailure, fetch.KindClientError},
		{"rate limit", gatherhttp.ErrRateLimited, fetch.TransientFailure, fetch.KindRateLimit},
		{"server error", gatherhttp.ErrServerError, fetch.TransientFailure, fetch.KindServerError},
		{"timeout", fmt.Errorf("dial: %w", context.DeadlineExceeded), fetch.TransientFailure, fetch.KindTimeout},
		{"unknown", errors.New("something odd"), fetch.TransientFailure, fetch.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.remote.EXPECT().Open(gomock.Any(), unit).Return(nil, tt.err)

			out := f.worker.Fetch(context.Background(), unit, 3)
			assert.Equal(t, tt.status, out.Status)
			require.NotNil(t, out.Err)
			assert.Equal(t, tt.kind, out.Err.Kind)
			assert.Equal(t, 3, out.Attempt)
		})
	}
}

func TestFetchCorruptRemotePayloadIsNotCached(t *testing.T) {
	f := setup(t)
	data := testutils.LinksPayload("9606", 20)
	truncated := data[:len(data)/2]
	f.remote.EXPECT().Open(gomock.Any(), unit).Return(payload(truncated), nil)

	out := f.worker.Fetch(context.Background(), unit, 1)
	assert.Equal(t, fetch.TransientFailure, out.Status)
	require.NotNil(t, out.Err)
	assert.Equal(t, fetch.KindCorruptedCache, out.Err.Kind)

	_, err := f.cache.Get(context.Background(), fetch.Ref(unit))
	assert.ErrorIs(t, err, unitcache.ErrMiss)
}

type failingBody struct {
	data []byte
	err  error
}

func (b *failingBody) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, b.err
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func (b *failingBody) Close() error { return nil }

func TestFetchBodyReadErrorIsNetwork(t *testing.T) {
	data := testutils.LinksPayload("9606", 50)
	cuts := []struct {
		name string
		at   int
	}{
		{"inside gzip header", 5},
		{"first third", len(data) / 3},
		{"second third", 2 * len(data) / 3},
		{"inside gzip trailer", len(data) - 4},
	}
	for _, c := range cuts {
		t.Run(c.name, func(t *testing.T) {
			f := setup(t)
			body := &failingBody{data: data[:c.at], err: errors.New("connection reset by peer")}
			f.remote.EXPECT().Open(gomock.Any(), unit).Return(&fetch.Payload{Body: body, Size: int64(len(data))}, nil)

			out := f.worker.Fetch(context.Background(), unit, 1)
			assert.Equal(t, fetch.TransientFailure, out.Status)
			require.NotNil(t, out.Err)
			assert.Equal(t, fetch.KindNetwork, out.Err.Kind, out.Err.Message)
			assert.Equal(t, 1.0, out.Err.BackoffScale())

			_, err := f.cache.Get(context.Background(), fetch.Ref(unit))
			assert.ErrorIs(t, err, unitcache.ErrMiss)
		})
	}
}

func TestFetchCorruptedCacheEntry(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	data := testutils.LinksPayload("9606", 9)

	_, err := f.cache.Put(ctx, fetch.Ref(unit), bytes.NewReader(data), unitcache.PutOptions{})
	require.NoError(t, err)
	// Truncate the published object behind the cache's back.
	require.NoError(t, f.bucket.WriteAll(ctx, f.cache.Key(fetch.Ref(unit)), data[:10], nil))

	out := f.worker.Fetch(ctx, unit, 1)
	assert.Equal(t, fetch.TransientFailure, out.Status)
	require.NotNil(t, out.Err)
	assert.Equal(t, fetch.KindCorruptedCache, out.Err.Kind)

	_, err = f.cache.Get(ctx, fetch.Ref(unit))
	assert.ErrorIs(t, err, unitcache.ErrMiss, "invalid entry must be removed")

	f.remote.EXPECT().Open(gomock.Any(), unit).Return(payload(data), nil)
	out = f.worker.Fetch(ctx, unit, 2)
	assert.Equal(t, fetch.Success, out.Status)
	assert.False(t, out.Summary.FromCache)
}

func TestFetchCacheEntryFailingCodec(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	// Checksum and size are consistent, but the payload is not a links file.
	_, err := f.cache.Put(ctx, fetch.Ref(unit), bytes.NewReader([]byte("plain text")), unitcache.PutOptions{})
	require.NoError(t, err)

	out := f.worker.Fetch(ctx, unit, 1)
	assert.Equal(t, fetch.TransientFailure, out.Status)
	assert.Equal(t, fetch.KindCorruptedCache, out.Err.Kind)

	_, err = f.cache.Get(ctx, fetch.Ref(unit))
	assert.ErrorIs(t, err, unitcache.ErrMiss)
}

func TestFetchIgnoresCancellation(t *testing.T) {
	f := setup(t)
	data := testutils.LinksPayload("9606", 3)
	f.remote.EXPECT().Open(gomock.Any(), unit).DoAndReturn(func(ctx context.Context, _ source.Unit) (*fetch.Payload, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return payload(data), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := f.worker.Fetch(ctx, unit, 1)
	assert.Equal(t, fetch.Success, out.Status, "in-flight attempt must finish after cancellation")
}

func TestNewRequiresCacheAndRemote(t *testing.T) {
	_, err := fetch.New(fetch.Options{})
	assert.Error(t, err)

	ctrl := gomock.NewController(t)
	_, err = fetch.New(fetch.Options{Remote: mock_fetch.NewMockRemote(ctrl)})
	assert.Error(t, err)
}
