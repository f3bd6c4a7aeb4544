package oauth2

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStateStore keeps states in process memory. It suits tests and
// single-instance deployments.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*OAuthState
	ttl    time.Duration
	now    Clock
}

// NewMemoryStateStore creates a store issuing states valid for ttl.
func NewMemoryStateStore(ttl time.Duration, now Clock) *MemoryStateStore {
	if now == nil {
		now = SystemClock
	}
	return &MemoryStateStore{
		states: make(map[string]*OAuthState),
		ttl:    ttl,
		now:    now,
	}
}

func (s *MemoryStateStore) Issue(ctx context.Context, connectorID string, identity Identity) (*OAuthState, error) {
	st, err := NewOAuthState(connectorID, identity, s.now(), s.ttl)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.states[st.State] = st
	s.mu.Unlock()

	out := *st
	return &out, nil
}

func (s *MemoryStateStore) Consume(ctx context.Context, state string) (*OAuthState, error) {
	s.mu.Lock()
	st, ok := s.states[state]
	delete(s.states, state)
	s.mu.Unlock()

	if !ok || st.Expired(s.now()) {
		return nil, InvalidState()
	}
	out := *st
	return &out, nil
}

func (s *MemoryStateStore) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for value, st := range s.states {
		if st.Expired(now) {
			delete(s.states, value)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored states, expired ones included.
func (s *MemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// MemoryTokenStore keeps credentials in process memory.
type MemoryTokenStore struct {
	mu          sync.RWMutex
	credentials map[CredentialKey]*Credential
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{credentials: make(map[CredentialKey]*Credential)}
}

func (s *MemoryTokenStore) Get(ctx context.Context, key CredentialKey) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[key]
	if !ok {
		return nil, CredentialNotFound(key)
	}
	return cred.Clone(), nil
}

func (s *MemoryTokenStore) Upsert(ctx context.Context, cred *Credential) error {
	if err := cred.Key.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.credentials[cred.Key] = cred.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) Delete(ctx context.Context, key CredentialKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[key]; !ok {
		return CredentialNotFound(key)
	}
	delete(s.credentials, key)
	return nil
}

func (s *MemoryTokenStore) List(ctx context.Context, identity Identity) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Credential
	for key, cred := range s.credentials {
		if key.Identity() == identity {
			out = append(out, cred.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ConnectorID < out[j].Key.ConnectorID })
	return out, nil
}
