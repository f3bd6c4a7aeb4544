package oauth2

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"connector-hub/internal/connectors"
)

var testNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

// testClock is a settable clock shared by stores, connector and accessor.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testNow}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// tokenEndpoint is a stub provider token endpoint recording every request.
type tokenEndpoint struct {
	*httptest.Server
	calls   atomic.Int32
	mu      sync.Mutex
	forms   []url.Values
	handler func(w http.ResponseWriter, form url.Values)
}

func newTokenEndpoint(t *testing.T, handler func(w http.ResponseWriter, form url.Values)) *tokenEndpoint {
	t.Helper()
	te := &tokenEndpoint{handler: handler}
	te.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		te.calls.Add(1)
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		te.mu.Lock()
		te.forms = append(te.forms, r.PostForm)
		te.mu.Unlock()
		te.handler(w, r.PostForm)
	}))
	t.Cleanup(te.Close)
	return te
}

func (te *tokenEndpoint) Calls() int {
	return int(te.calls.Load())
}

func (te *tokenEndpoint) LastForm() url.Values {
	te.mu.Lock()
	defer te.mu.Unlock()
	if len(te.forms) == 0 {
		return nil
	}
	return te.forms[len(te.forms)-1]
}

func jsonResponse(status int, body string) func(w http.ResponseWriter, form url.Values) {
	return func(w http.ResponseWriter, _ url.Values) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func hubspotConfig(tokenURL string) connectors.ConnectorConfig {
	cfg := connectors.HubSpot("hub-client", "hub-secret", "https://app.example.com/connectors/hubspot/oauth/callback",
		[]string{"oauth", "crm.objects.contacts.read"})
	cfg.TokenURL = tokenURL
	return cfg
}

var testIdentity = Identity{OrganizationID: "org-1", UserID: "user-1", ProjectID: "proj-1"}

type fixture struct {
	clock     *testClock
	endpoint  *tokenEndpoint
	states    *MemoryStateStore
	tokens    *MemoryTokenStore
	connector *Connector
	accessor  *Accessor
}

func newFixture(t *testing.T, handler func(w http.ResponseWriter, form url.Values)) *fixture {
	t.Helper()

	f := &fixture{clock: newTestClock()}
	f.endpoint = newTokenEndpoint(t, handler)

	registry, err := connectors.NewRegistry(hubspotConfig(f.endpoint.URL))
	require.NoError(t, err)

	f.states = NewMemoryStateStore(DefaultStateTTL, f.clock.Now)
	f.tokens = NewMemoryTokenStore()
	f.connector = NewConnector(registry, f.states, f.tokens,
		WithClock(f.clock.Now),
		WithTokenClient(NewTokenClient(WithRetryDelay(time.Millisecond))),
	)
	f.accessor = NewAccessor(f.connector)
	return f
}

// seed stores a credential for testIdentity expiring at expiresAt.
func (f *fixture) seed(t *testing.T, expiresAt time.Time) *Credential {
	t.Helper()
	cred := &Credential{
		Key:             KeyFor("hubspot", testIdentity),
		AccessToken:     "a1",
		RefreshToken:    "r1",
		Scope:           "oauth crm.objects.contacts.read",
		ExpiresAt:       expiresAt,
		LastRefreshedAt: testNow.Add(-time.Hour),
		CreatedAt:       testNow.Add(-time.Hour),
	}
	require.NoError(t, f.tokens.Upsert(t.Context(), cred))
	return cred
}
