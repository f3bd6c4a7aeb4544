// Package storage opens the state and token stores for the configured backend.
package storage

import (
	"context"
	"time"

	"connector-hub/internal/crypto"
	"connector-hub/internal/oauth2"
	"connector-hub/internal/redis"
	"connector-hub/internal/storage/postgres"
	"connector-hub/internal/storage/sqlite"
)

// Backend is an opened pair of stores and whatever must be closed with them.
type Backend struct {
	Type   string
	States oauth2.StateStore
	Tokens oauth2.TokenStore

	closers []func() error
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	var first error
	for _, closeFn := range b.closers {
		if err := closeFn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Options selects and configures a backend. Only the section matching Type is read.
type Options struct {
	Type string

	SQLite   *sqlite.Config
	Postgres *postgres.Config
	// Redis must be connected when Type is "redis".
	Redis *redis.Client

	Cipher   crypto.Cipher
	StateTTL time.Duration
	Clock    oauth2.Clock
}

func (o Options) stateTTL() time.Duration {
	if o.StateTTL <= 0 {
		return oauth2.DefaultStateTTL
	}
	return o.StateTTL
}

func (o Options) clock() oauth2.Clock {
	if o.Clock == nil {
		return oauth2.SystemClock
	}
	return o.Clock
}

func (o Options) cipher() crypto.Cipher {
	if o.Cipher == nil {
		return crypto.PlainCipher{}
	}
	return o.Cipher
}

// Factory opens one kind of backend.
type Factory interface {
	Create(ctx context.Context, opts Options) (*Backend, error)
	GetType() string
}
