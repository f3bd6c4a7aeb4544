package oauth2

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"connector-hub/internal/common/errors"
	"connector-hub/internal/common/logging"
)

// DefaultRefreshMargin is how close to expiry a token may get before it is refreshed.
const DefaultRefreshMargin = 60 * time.Second

// RefreshLocker serializes refreshes of one credential across processes.
type RefreshLocker interface {
	// Acquire blocks until name is held or ctx is done. release must be called once.
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// Accessor hands out valid access tokens, refreshing them on demand.
//
// Concurrent refreshes of one credential key share a single token endpoint
// call and all callers receive its result. Distinct keys never wait on each
// other.
type Accessor struct {
	connector *Connector
	tokens    TokenStore
	margin    time.Duration
	now       Clock
	locker    RefreshLocker
	group     singleflight.Group
	logger    logging.Logger
}

// AccessorOption configures an Accessor
type AccessorOption func(*Accessor)

// WithRefreshMargin overrides DefaultRefreshMargin
func WithRefreshMargin(margin time.Duration) AccessorOption {
	return func(a *Accessor) {
		a.margin = margin
	}
}

// WithRefreshLocker adds a cross-process lock around each refresh
func WithRefreshLocker(locker RefreshLocker) AccessorOption {
	return func(a *Accessor) {
		a.locker = locker
	}
}

// NewAccessor creates an accessor reading from the connector's token store.
func NewAccessor(connector *Connector, opts ...AccessorOption) *Accessor {
	a := &Accessor{
		connector: connector,
		tokens:    connector.tokens,
		margin:    DefaultRefreshMargin,
		now:       connector.now,
		logger:    connector.logger.WithFields(logging.Field{"component", "token_accessor"}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GetValidAccessToken returns the access token of key, refreshing it first
// when it expires within the refresh margin.
func (a *Accessor) GetValidAccessToken(ctx context.Context, key CredentialKey) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}

	cred, err := a.tokens.Get(ctx, key)
	if err != nil {
		return "", StoreError("get", err)
	}
	if cred.ValidAt(a.now(), a.margin) {
		return cred.AccessToken, nil
	}

	// The flight outlives any single caller so waiters that stay receive the result.
	flightCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan(key.String(), func() (interface{}, error) {
		return a.refresh(flightCtx, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *Accessor) refresh(ctx context.Context, key CredentialKey) (string, error) {
	if a.locker != nil {
		release, err := a.locker.Acquire(ctx, "refresh:"+key.String())
		if err != nil {
			return "", errors.InternalError("failed to acquire refresh lock", err)
		}
		defer release()
	}

	// Another flight or another replica may have refreshed meanwhile.
	cred, err := a.tokens.Get(ctx, key)
	if err != nil {
		return "", StoreError("get", err)
	}
	if cred.ValidAt(a.now(), a.margin) {
		a.logger.WithContext(ctx).Debug("Token already refreshed", logging.Field{"connector_id", key.ConnectorID})
		return cred.AccessToken, nil
	}

	refreshed, err := a.connector.Refresh(ctx, key)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}
