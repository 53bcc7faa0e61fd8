package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by KV backends for a missing key.
var ErrNotFound = errors.New("key not found")

// KV is a durable key-value backend. Set replaces the whole value atomically.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Ping(ctx context.Context) error
	Close() error
}
