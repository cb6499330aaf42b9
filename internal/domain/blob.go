package domain

import (
	"context"
	"time"
)

// ObjectStore keeps archive files in object storage. Get returns ErrNotFound
// for a missing key.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Archiver moves audit rows in [since, before) to cold storage and returns
// how many were archived.
type Archiver interface {
	ArchiveAudit(ctx context.Context, since, before time.Time) (int64, error)
}
