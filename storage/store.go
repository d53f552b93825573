// Package storage holds the secure key/value adapters the session is persisted through.
package storage

import "context"

// SecureStore persists string values under string keys. RemoveItem on a missing key is
// not an error.
type SecureStore interface {
	GetItem(ctx context.Context, key string) (value string, found bool, err error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}
