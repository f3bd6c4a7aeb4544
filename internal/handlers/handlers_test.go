package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connector-hub/internal/auth"
	"connector-hub/internal/connectors"
	"connector-hub/internal/oauth2"
)

type testEnv struct {
	router   *mux.Router
	tokens   *oauth2.MemoryTokenStore
	exchange atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}

	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.exchange.Add(1)
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("code") == "bad-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired for secret hub-secret"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"a1","refresh_token":"r1","expires_in":1800,"scope":"oauth","token_type":"bearer"}`))
	}))
	t.Cleanup(endpoint.Close)

	cfg := connectors.HubSpot("hub-client", "hub-secret", "https://app.example.com/connectors/hubspot/oauth/callback", []string{"oauth"})
	cfg.TokenURL = endpoint.URL
	registry, err := connectors.NewRegistry(cfg)
	require.NoError(t, err)

	env.tokens = oauth2.NewMemoryTokenStore()
	connector := oauth2.NewConnector(registry,
		oauth2.NewMemoryStateStore(oauth2.DefaultStateTTL, oauth2.SystemClock), env.tokens,
		oauth2.WithTokenClient(oauth2.NewTokenClient(oauth2.WithRetryDelay(time.Millisecond))),
	)
	h := New(oauth2.NewService(connector, oauth2.NewAccessor(connector)))

	identity := auth.New("", auth.WithTrustedHeaders())
	env.router = mux.NewRouter()
	env.router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	api := env.router.PathPrefix("/connectors").Subrouter()
	api.Use(identity.RequireIdentity)
	api.HandleFunc("", h.ListConnectors).Methods(http.MethodGet)
	api.HandleFunc("/me", h.ListUserConnectors).Methods(http.MethodGet)
	api.HandleFunc("/{connector_id}/oauth/initiate", h.InitiateOAuth).Methods(http.MethodPost)
	api.HandleFunc("/{connector_id}/oauth/callback", h.OAuthCallback).Methods(http.MethodGet)
	api.HandleFunc("/{connector_id}", h.DeleteUserConnector).Methods(http.MethodDelete)
	return env
}

func (env *testEnv) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

var user1 = map[string]string{auth.HeaderOrganizationID: "org-1", auth.HeaderUserID: "user-1"}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v))
}

// initiate returns the state carried by the authorization URL.
func (env *testEnv) initiate(t *testing.T, project string) string {
	t.Helper()
	rr := env.do(t, http.MethodPost, "/connectors/hubspot/oauth/initiate", `{"project_id":"`+project+`"}`, user1)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp InitiateResponse
	decode(t, rr, &resp)
	u, err := url.Parse(resp.AuthorizationURL)
	require.NoError(t, err)
	assert.Equal(t, "hub-client", u.Query().Get("client_id"))
	assert.Equal(t, "code", u.Query().Get("response_type"))
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestListConnectors(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/connectors", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodGet, "/connectors", "", user1)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "hub-secret")
	assert.NotContains(t, rr.Body.String(), "hub-client")

	var resp []ConnectorResponse
	decode(t, rr, &resp)
	require.Len(t, resp, 1)
	assert.Equal(t, "hubspot", resp[0].ConnectorID)
	assert.Equal(t, []string{"oauth"}, resp[0].Scopes)
}

func TestOAuthFlow(t *testing.T) {
	env := newTestEnv(t)
	state := env.initiate(t, "proj-1")

	rr := env.do(t, http.MethodGet, "/connectors/hubspot/oauth/callback?code=good&state="+state, "", user1)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var cb CallbackResponse
	decode(t, rr, &cb)
	assert.Equal(t, "connected", cb.Status)
	assert.Equal(t, "hubspot", cb.ConnectorID)
	assert.Equal(t, "proj-1", cb.ProjectID)
	assert.Equal(t, "oauth", cb.Scope)
	assert.NotContains(t, rr.Body.String(), "a1")

	t.Run("state is single use", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/connectors/hubspot/oauth/callback?code=good&state="+state, "", user1)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), `"error":"invalid_state"`)
		assert.Equal(t, int32(1), env.exchange.Load())
	})

	t.Run("list omits tokens", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/connectors/me?project_id=proj-1", "", user1)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.NotContains(t, rr.Body.String(), "a1")
		assert.NotContains(t, rr.Body.String(), "r1")

		var resp []UserConnectorResponse
		decode(t, rr, &resp)
		require.Len(t, resp, 1)
		assert.True(t, resp[0].Connected)
		assert.True(t, resp[0].Refreshable)

		rr = env.do(t, http.MethodGet, "/connectors/me?project_id=proj-2", "", user1)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `[]`, rr.Body.String())
	})

	t.Run("disconnect", func(t *testing.T) {
		rr := env.do(t, http.MethodDelete, "/connectors/hubspot?project_id=proj-1", "", user1)
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rr = env.do(t, http.MethodDelete, "/connectors/hubspot?project_id=proj-1", "", user1)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestInitiateOAuth_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		target  string
		body    string
		headers map[string]string
		status  int
		errType string
	}{
		{name: "unknown connector", target: "/connectors/salesforce/oauth/initiate?project_id=p", headers: user1, status: http.StatusNotFound, errType: "not_found"},
		{name: "missing project", target: "/connectors/hubspot/oauth/initiate", headers: user1, status: http.StatusBadRequest, errType: "validation"},
		{name: "malformed body", target: "/connectors/hubspot/oauth/initiate", body: `{`, headers: user1, status: http.StatusBadRequest, errType: "validation"},
		{
			name:   "project differs from identity",
			target: "/connectors/hubspot/oauth/initiate?project_id=proj-2",
			headers: map[string]string{
				auth.HeaderOrganizationID: "org-1", auth.HeaderUserID: "user-1", auth.HeaderProjectID: "proj-1",
			},
			status:  http.StatusBadRequest,
			errType: "validation",
		},
		{name: "unauthenticated", target: "/connectors/hubspot/oauth/initiate?project_id=p", status: http.StatusUnauthorized, errType: "authentication"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, tt.target, tt.body, tt.headers)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())

			var body ErrorResponse
			decode(t, rr, &body)
			assert.Equal(t, tt.errType, body.Error)
		})
	}

	rr := env.do(t, http.MethodPost, "/connectors/hubspot/oauth/initiate?project_id=proj-1", "", user1)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestOAuthCallback_Errors(t *testing.T) {
	env := newTestEnv(t)

	t.Run("provider denied", func(t *testing.T) {
		state := env.initiate(t, "proj-1")
		rr := env.do(t, http.MethodGet, "/connectors/hubspot/oauth/callback?error=access_denied&state="+state, "", user1)
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		var body ErrorResponse
		decode(t, rr, &body)
		assert.Equal(t, "authorization_denied", body.Error)
		assert.Equal(t, "access_denied", body.Code)
	})

	t.Run("other user cannot complete", func(t *testing.T) {
		state := env.initiate(t, "proj-1")
		rr := env.do(t, http.MethodGet, "/connectors/hubspot/oauth/callback?code=good&state="+state, "",
			map[string]string{auth.HeaderOrganizationID: "org-1", auth.HeaderUserID: "user-2"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), `"error":"invalid_state"`)
	})

	t.Run("project mismatch", func(t *testing.T) {
		state := env.initiate(t, "proj-1")
		rr := env.do(t, http.MethodGet, "/connectors/hubspot/oauth/callback?code=good&project_id=proj-2&state="+state, "", user1)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), `"error":"invalid_state"`)
	})

	t.Run("provider rejects code", func(t *testing.T) {
		state := env.initiate(t, "proj-1")
		rr := env.do(t, http.MethodGet, "/connectors/hubspot/oauth/callback?code=bad-code&state="+state, "", user1)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), `"error":"provider_rejected"`)
		assert.NotContains(t, rr.Body.String(), "hub-secret")
	})

	t.Run("unknown state", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/connectors/hubspot/oauth/callback?code=good&state=nope", "", user1)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	creds, err := env.tokens.List(t.Context(), oauth2.Identity{OrganizationID: "org-1", UserID: "user-1", ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy","store":"ok"}`, rr.Body.String())
}
