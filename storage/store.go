package storage

import (
	"context"
	"time"
)

// ObjectInfo describes a stored object without its payload.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Store is a uniform API for reading and writing checkpoint payloads
// to an arbitrary object store, such as AWS S3, MinIO, or Redis.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
}
