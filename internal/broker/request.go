package broker

import (
	"context"
	"time"

	"github.com/hyperjump/tsuuchi/internal/models"
)

// Kind identifies the type of external call a request performs.
type Kind string

const (
	KindExtract       Kind = "extract"
	KindEmbedDocument Kind = "embed_document"
	KindEmbedQuery    Kind = "embed_query"
)

// Request is a single queued call. It lives only until its future resolves.
type Request struct {
	ID          string
	Kind        Kind
	Priority    int
	Payload     any
	Schema      *models.Schema
	SubmittedAt time.Time

	seq uint64
}

// Dispatcher performs the external call for a request.
// Implementations should honour ctx; the broker enforces the deadline either way.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request) (any, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req *Request) (any, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}
