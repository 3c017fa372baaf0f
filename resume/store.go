// Package resume persists the checkpoint of a block-wise upload so an interrupted
// upload can continue without re-sending acknowledged chunks.
package resume

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Store when the key has no value.
var ErrNotFound = errors.New("resume entry not found")

// ErrStateTooLarge is returned by Journal.Save when the encoded state exceeds the store's size limit.
var ErrStateTooLarge = errors.New("resume state exceeds size limit")

// Store is a small string-keyed durable key-value store.
type Store interface {
	// Get returns ErrNotFound for missing keys.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Remove is a no-op for missing keys.
	Remove(ctx context.Context, key string) error
	// Keys lists the keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
