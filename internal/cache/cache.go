// Package cache defines the contract of the hierarchical places cache.
package cache

import (
	"context"
	"time"

	"github.com/whereitwent/places-backend/internal/core/model"
)

// Interface is the key/value contract the search engine and the
// invalidation consumer depend on. Keys are S2 cell tokens; the lease
// keys derived from them stay an implementation detail of the store.
type Interface interface {
	// Get returns the cached places for a cell token. ErrMiss when the
	// key is absent, ErrCorrupt when the stored bytes do not decode.
	Get(ctx context.Context, token string) ([]model.Place, error)

	// Set stores the places for a cell token with the given TTL.
	Set(ctx context.Context, token string, places []model.Place, ttl time.Duration) error

	// AcquireLock takes the fill lease for a token. Returns the lease
	// value on success and ErrNotLocked when another filler holds it.
	AcquireLock(ctx context.Context, token string, ttl time.Duration) (string, error)

	// ReleaseLock deletes the lease only if it still carries the given
	// lease value.
	ReleaseLock(ctx context.Context, token, lease string) error

	// Del removes the entries for the given cell tokens.
	Del(ctx context.Context, tokens ...string) error
}
