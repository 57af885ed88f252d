package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader probes object storage.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies the trade history of resolved markets to cold storage.
type Archiver interface {
	ArchiveMarket(ctx context.Context, marketID string) (int64, error)
	ArchiveResolvedBefore(ctx context.Context, before time.Time) (int64, error)
}
