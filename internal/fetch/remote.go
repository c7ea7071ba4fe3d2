package fetch

import (
	"context"
	"io"

	gatherhttp "github.com/ligustah/gather/internal/http"
	"github.com/ligustah/gather/internal/source"
)

//go:generate mockgen -source=remote.go -destination=mocks/mock_remote.go

// Payload is an open remote stream for one unit.
type Payload struct {
	Body io.ReadCloser
	Size int64 // -1 when unknown
	ETag string
}

// Remote opens the payload of a unit on the remote source.
type Remote interface {
	Open(ctx context.Context, u source.Unit) (*Payload, error)
}

// HTTPRemote fetches units from their resolved URL.
type HTTPRemote struct {
	client *gatherhttp.Client
}

// NewHTTPRemote creates a Remote backed by client.
func NewHTTPRemote(client *gatherhttp.Client) *HTTPRemote {
	return &HTTPRemote{client: client}
}

// Open implements Remote.
func (r *HTTPRemote) Open(ctx context.Context, u source.Unit) (*Payload, error) {
	resp, err := r.client.Open(ctx, u.URL)
	if err != nil {
		return nil, err
	}
	return &Payload{Body: resp.Body, Size: resp.Size, ETag: resp.ETag}, nil
}
