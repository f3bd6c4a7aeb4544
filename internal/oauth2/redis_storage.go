package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"connector-hub/internal/crypto"
)

const (
	redisStatePrefix      = "connector-hub:oauth:state:"
	redisCredentialPrefix = "connector-hub:credential:"
	redisIndexPrefix      = "connector-hub:credentials:"
)

var errDuplicateState = errors.New("state value already exists")

// RedisStateStore keeps states as Redis keys expiring with their ttl.
// Consume uses GETDEL, so a value is handed out at most once across all replicas.
type RedisStateStore struct {
	client goredis.Cmdable
	ttl    time.Duration
	now    Clock
}

func NewRedisStateStore(client goredis.Cmdable, ttl time.Duration, now Clock) *RedisStateStore {
	if now == nil {
		now = SystemClock
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &RedisStateStore{client: client, ttl: ttl, now: now}
}

func (s *RedisStateStore) Issue(ctx context.Context, connectorID string, identity Identity) (*OAuthState, error) {
	st, err := NewOAuthState(connectorID, identity, s.now(), s.ttl)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(st)
	if err != nil {
		return nil, StoreError("state encode", err)
	}

	// NX guards against the practically impossible collision of two random values.
	ok, err := s.client.SetNX(ctx, redisStatePrefix+st.State, data, s.ttl).Result()
	if err != nil {
		return nil, StoreError("state issue", err)
	}
	if !ok {
		return nil, StoreError("state issue", errDuplicateState)
	}
	return st, nil
}

func (s *RedisStateStore) Consume(ctx context.Context, state string) (*OAuthState, error) {
	data, err := s.client.GetDel(ctx, redisStatePrefix+state).Bytes()
	if err == goredis.Nil {
		return nil, InvalidState()
	}
	if err != nil {
		return nil, StoreError("state consume", err)
	}

	var st OAuthState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, StoreError("state decode", err)
	}
	if st.Expired(s.now()) {
		return nil, InvalidState()
	}
	return &st, nil
}

// PurgeExpired is a no-op: Redis expires state keys on its own.
func (s *RedisStateStore) PurgeExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

func (s *RedisStateStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// redisCredential is the JSON document stored per credential.
type redisCredential struct {
	Key             CredentialKey `json:"key"`
	AccessToken     string        `json:"access_token"`
	RefreshToken    string        `json:"refresh_token,omitempty"`
	Scope           string        `json:"scope,omitempty"`
	ExpiresAt       time.Time     `json:"expires_at"`
	LastRefreshedAt time.Time     `json:"last_refreshed_at"`
	CreatedAt       time.Time     `json:"created_at"`
}

// RedisTokenStore stores each credential as one JSON value, so a write is
// atomic without transactions. A per-identity set indexes connector ids for List.
type RedisTokenStore struct {
	client goredis.Cmdable
	cipher crypto.Cipher
}

// NewRedisTokenStore creates the store; tokens are sealed with c (nil keeps plaintext).
func NewRedisTokenStore(client goredis.Cmdable, c crypto.Cipher) *RedisTokenStore {
	if c == nil {
		c = crypto.PlainCipher{}
	}
	return &RedisTokenStore{client: client, cipher: c}
}

func credentialKeyName(key CredentialKey) string {
	return redisCredentialPrefix + key.String()
}

func indexKeyName(identity Identity) string {
	return redisIndexPrefix + url.PathEscape(identity.OrganizationID) + "/" +
		url.PathEscape(identity.UserID) + "/" + url.PathEscape(identity.ProjectID)
}

func (s *RedisTokenStore) Get(ctx context.Context, key CredentialKey) (*Credential, error) {
	data, err := s.client.Get(ctx, credentialKeyName(key)).Bytes()
	if err == goredis.Nil {
		return nil, CredentialNotFound(key)
	}
	if err != nil {
		return nil, StoreError("get", err)
	}
	return s.decode(data)
}

func (s *RedisTokenStore) Upsert(ctx context.Context, cred *Credential) error {
	if err := cred.Key.Validate(); err != nil {
		return err
	}

	sealed, err := SealTokens(s.cipher, cred)
	if err != nil {
		return err
	}

	data, err := json.Marshal(redisCredential{
		Key:             cred.Key,
		AccessToken:     sealed.AccessToken,
		RefreshToken:    sealed.RefreshToken,
		Scope:           cred.Scope,
		ExpiresAt:       cred.ExpiresAt,
		LastRefreshedAt: cred.LastRefreshedAt,
		CreatedAt:       cred.CreatedAt,
	})
	if err != nil {
		return StoreError("encode", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, credentialKeyName(cred.Key), data, 0)
		pipe.SAdd(ctx, indexKeyName(cred.Key.Identity()), cred.Key.ConnectorID)
		return nil
	})
	if err != nil {
		return StoreError("upsert", err)
	}
	return nil
}

func (s *RedisTokenStore) Delete(ctx context.Context, key CredentialKey) error {
	var deleted *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		deleted = pipe.Del(ctx, credentialKeyName(key))
		pipe.SRem(ctx, indexKeyName(key.Identity()), key.ConnectorID)
		return nil
	})
	if err != nil {
		return StoreError("delete", err)
	}
	if deleted.Val() == 0 {
		return CredentialNotFound(key)
	}
	return nil
}

func (s *RedisTokenStore) List(ctx context.Context, identity Identity) ([]*Credential, error) {
	connectorIDs, err := s.client.SMembers(ctx, indexKeyName(identity)).Result()
	if err != nil {
		return nil, StoreError("list", err)
	}
	if len(connectorIDs) == 0 {
		return nil, nil
	}
	sort.Strings(connectorIDs)

	names := make([]string, len(connectorIDs))
	for i, id := range connectorIDs {
		names[i] = credentialKeyName(KeyFor(id, identity))
	}

	values, err := s.client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, StoreError("list", err)
	}

	out := make([]*Credential, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		cred, err := s.decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, nil
}

func (s *RedisTokenStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisTokenStore) decode(data []byte) (*Credential, error) {
	var rc redisCredential
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, StoreError("decode", err)
	}

	cred := &Credential{
		Key:             rc.Key,
		Scope:           rc.Scope,
		ExpiresAt:       rc.ExpiresAt,
		LastRefreshedAt: rc.LastRefreshedAt,
		CreatedAt:       rc.CreatedAt,
	}
	if err := OpenTokens(s.cipher, SealedTokens{AccessToken: rc.AccessToken, RefreshToken: rc.RefreshToken}, cred); err != nil {
		return nil, err
	}
	return cred, nil
}
