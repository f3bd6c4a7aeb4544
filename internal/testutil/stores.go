// Package testutil holds behaviour suites shared by every StateStore and
// TokenStore backend.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connector-hub/internal/common/errors"
	"connector-hub/internal/oauth2"
)

// Epoch is the start time of every Clock handed out by the suites.
var Epoch = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

// Clock is a settable clock for stores under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: Epoch}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Identity is the caller used by the suites.
var Identity = oauth2.Identity{OrganizationID: "org-1", UserID: "user-1", ProjectID: "proj-1"}

// RunStateStoreTests exercises a StateStore built with a one minute ttl on clock.
func RunStateStoreTests(t *testing.T, newStore func(t *testing.T, clock *Clock) oauth2.StateStore) {
	t.Run("consume once", func(t *testing.T) {
		store := newStore(t, NewClock())
		ctx := context.Background()

		st, err := store.Issue(ctx, "hubspot", Identity)
		require.NoError(t, err)
		assert.True(t, oauth2.ValidStateFormat(st.State))

		got, err := store.Consume(ctx, st.State)
		require.NoError(t, err)
		assert.Equal(t, st.AttemptID, got.AttemptID)
		assert.Equal(t, "hubspot", got.ConnectorID)
		assert.Equal(t, Identity, got.Identity)
		assert.True(t, st.ExpiresAt.Equal(got.ExpiresAt))

		_, err = store.Consume(ctx, st.State)
		assert.True(t, errors.IsType(err, errors.ErrTypeInvalidState))
	})

	t.Run("unknown state", func(t *testing.T) {
		store := newStore(t, NewClock())
		_, err := store.Consume(context.Background(), "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
		assert.True(t, errors.IsType(err, errors.ErrTypeInvalidState))
	})

	t.Run("concurrent consume has one winner", func(t *testing.T) {
		store := newStore(t, NewClock())
		ctx := context.Background()

		st, err := store.Issue(ctx, "hubspot", Identity)
		require.NoError(t, err)

		var wins, invalid atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Consume(ctx, st.State)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.IsType(err, errors.ErrTypeInvalidState):
					invalid.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(15), invalid.Load())
	})

	t.Run("expired state fails on first use", func(t *testing.T) {
		clock := NewClock()
		store := newStore(t, clock)
		ctx := context.Background()

		st, err := store.Issue(ctx, "hubspot", Identity)
		require.NoError(t, err)
		clock.Advance(time.Minute)

		_, err = store.Consume(ctx, st.State)
		assert.True(t, errors.IsType(err, errors.ErrTypeInvalidState))
	})

	t.Run("purge expired", func(t *testing.T) {
		clock := NewClock()
		store := newStore(t, clock)
		ctx := context.Background()

		stale, err := store.Issue(ctx, "hubspot", Identity)
		require.NoError(t, err)
		clock.Advance(45 * time.Second)
		live, err := store.Issue(ctx, "hubspot", Identity)
		require.NoError(t, err)
		clock.Advance(30 * time.Second)

		// Backends with native expiry report zero purged rows.
		_, err = store.PurgeExpired(ctx)
		require.NoError(t, err)

		_, err = store.Consume(ctx, stale.State)
		assert.True(t, errors.IsType(err, errors.ErrTypeInvalidState))
		_, err = store.Consume(ctx, live.State)
		assert.NoError(t, err)
	})
}

// RunTokenStoreTests exercises a TokenStore.
func RunTokenStoreTests(t *testing.T, newStore func(t *testing.T) oauth2.TokenStore) {
	key := oauth2.KeyFor("hubspot", Identity)
	credential := func() *oauth2.Credential {
		return &oauth2.Credential{
			Key:             key,
			AccessToken:     "a1",
			RefreshToken:    "r1",
			Scope:           "oauth crm.objects.contacts.read",
			ExpiresAt:       Epoch.Add(time.Hour),
			LastRefreshedAt: Epoch,
			CreatedAt:       Epoch,
		}
	}

	t.Run("get missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), key)
		assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
	})

	t.Run("upsert round trip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		want := credential()
		require.NoError(t, store.Upsert(ctx, want))

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assertCredential(t, want, got)
	})

	t.Run("upsert replaces the whole credential", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Upsert(ctx, credential()))

		next := credential()
		next.AccessToken = "a2"
		next.RefreshToken = "r2"
		next.ExpiresAt = Epoch.Add(2 * time.Hour)
		next.LastRefreshedAt = Epoch.Add(time.Hour)
		require.NoError(t, store.Upsert(ctx, next))

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assertCredential(t, next, got)
	})

	t.Run("upsert rejects incomplete key", func(t *testing.T) {
		store := newStore(t)
		cred := credential()
		cred.Key.ProjectID = ""
		err := store.Upsert(context.Background(), cred)
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	})

	t.Run("list and delete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Upsert(ctx, credential()))

		other := credential()
		other.Key.ConnectorID = "asana"
		require.NoError(t, store.Upsert(ctx, other))

		elsewhere := credential()
		elsewhere.Key.ProjectID = "proj-2"
		require.NoError(t, store.Upsert(ctx, elsewhere))

		list, err := store.List(ctx, Identity)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "asana", list[0].Key.ConnectorID)
		assert.Equal(t, "hubspot", list[1].Key.ConnectorID)
		assert.Equal(t, "a1", list[1].AccessToken)

		require.NoError(t, store.Delete(ctx, key))
		err = store.Delete(ctx, key)
		assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))

		_, err = store.Get(ctx, key)
		assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
	})
}

func assertCredential(t *testing.T, want, got *oauth2.Credential) {
	t.Helper()
	assert.Equal(t, want.Key, got.Key)
	assert.Equal(t, want.AccessToken, got.AccessToken)
	assert.Equal(t, want.RefreshToken, got.RefreshToken)
	assert.Equal(t, want.Scope, got.Scope)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt), "expires_at %v != %v", want.ExpiresAt, got.ExpiresAt)
	assert.True(t, want.LastRefreshedAt.Equal(got.LastRefreshedAt))
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
}
