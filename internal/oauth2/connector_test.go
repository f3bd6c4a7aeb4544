package oauth2

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connector-hub/internal/common/errors"
)

func initiate(t *testing.T, f *fixture) string {
	t.Helper()
	authURL, err := f.connector.Initiate(t.Context(), "hubspot", testIdentity)
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	return parsed.Query().Get("state")
}

func TestConnector_Initiate(t *testing.T) {
	f := newFixture(t, jsonResponse(http.StatusOK, `{}`))

	authURL, err := f.connector.Initiate(t.Context(), "hubspot", testIdentity)
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "app.hubspot.com", parsed.Host)
	assert.Equal(t, "/oauth/authorize", parsed.Path)

	q := parsed.Query()
	assert.Equal(t, "hub-client", q.Get("client_id"))
	assert.Equal(t, "https://app.example.com/connectors/hubspot/oauth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "oauth crm.objects.contacts.read", q.Get("scope"))
	assert.True(t, ValidStateFormat(q.Get("state")))
	assert.Empty(t, q.Get("client_secret"))

	assert.Equal(t, 1, f.states.Len())
	assert.Equal(t, 0, f.endpoint.Calls())

	t.Run("unknown connector", func(t *testing.T) {
		_, err := f.connector.Initiate(t.Context(), "pipedrive", testIdentity)
		assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
	})

	t.Run("missing identity", func(t *testing.T) {
		_, err := f.connector.Initiate(t.Context(), "hubspot", Identity{UserID: "user-1", ProjectID: "p"})
		assert.True(t, errors.IsType(err, errors.ErrTypeAuth))
	})

	t.Run("missing project", func(t *testing.T) {
		_, err := f.connector.Initiate(t.Context(), "hubspot", Identity{OrganizationID: "org-1", UserID: "user-1"})
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	})
}

func TestConnector_HubSpotScenario(t *testing.T) {
	f := newFixture(t, jsonResponse(http.StatusOK, `{"access_token":"a1","refresh_token":"r1","expires_in":3600}`))

	state := initiate(t, f)
	require.NotEmpty(t, state)

	cred, err := f.connector.CompleteCallback(t.Context(), CallbackRequest{
		ConnectorID: "hubspot",
		Code:        "ABC",
		State:       state,
		Identity:    testIdentity,
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", cred.AccessToken)
	assert.Equal(t, testNow.Add(3600*time.Second), cred.ExpiresAt)
	assert.Equal(t, "ABC", f.endpoint.LastForm().Get("code"))

	stored, err := f.tokens.Get(t.Context(), KeyFor("hubspot", testIdentity))
	require.NoError(t, err)
	assert.Equal(t, "a1", stored.AccessToken)
	assert.Equal(t, "r1", stored.RefreshToken)
	assert.Equal(t, testNow.Add(time.Hour), stored.ExpiresAt)
	assert.Equal(t, "oauth crm.objects.contacts.read", stored.Scope)

	t.Run("state cannot be replayed", func(t *testing.T) {
		_, err := f.connector.CompleteCallback(t.Context(), CallbackRequest{
			ConnectorID: "hubspot", Code: "ABC", State: state, Identity: testIdentity,
		})
		assert.True(t, errors.IsType(err, errors.ErrTypeInvalidState))
		assert.Equal(t, 1, f.endpoint.Calls())
	})
}

func TestConnector_CallbackProviderError(t *testing.T) {
	f := newFixture(t, jsonResponse(http.StatusOK, `{"access_token":"a1","expires_in":3600}`))
	state := initiate(t, f)

	_, err := f.connector.CompleteCallback(t.Context(), CallbackRequest{
		ConnectorID:   "hubspot",
		Code:          "ABC",
		State:         state,
		ProviderError: "access_denied",
		Identity:      testIdentity,
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuthorizationDenied))

	appErr, _ := errors.As(err)
	assert.Equal(t, "access_denied", appErr.Code)
	assert.Equal(t, 0, f.endpoint.Calls())
	assert.Equal(t, 1, f.states.Len(), "state stays outstanding")
}

func TestConnector_CallbackStateChecks(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(req *CallbackRequest)
		wantErr errors.ErrorType
	}{
		{name: "malformed state", mutate: func(r *CallbackRequest) { r.State = "short" }, wantErr: errors.ErrTypeInvalidState},
		{name: "unknown state", mutate: func(r *CallbackRequest) { r.State = strings.Repeat("A", 43) }, wantErr: errors.ErrTypeInvalidState},
		{name: "different user", mutate: func(r *CallbackRequest) { r.Identity.UserID = "user-2" }, wantErr: errors.ErrTypeInvalidState},
		{name: "different organization", mutate: func(r *CallbackRequest) { r.Identity.OrganizationID = "org-2" }, wantErr: errors.ErrTypeInvalidState},
		{name: "different project", mutate: func(r *CallbackRequest) { r.Identity.ProjectID = "proj-2" }, wantErr: errors.ErrTypeInvalidState},
		{name: "missing code", mutate: func(r *CallbackRequest) { r.Code = "" }, wantErr: errors.ErrTypeValidation},
		{name: "no identity", mutate: func(r *CallbackRequest) { r.Identity = Identity{} }, wantErr: errors.ErrTypeAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, jsonResponse(http.StatusOK, `{"access_token":"a1","expires_in":3600}`))
			state := initiate(t, f)

			req := CallbackRequest{ConnectorID: "hubspot", Code: "ABC", State: state, Identity: testIdentity}
			tt.mutate(&req)

			_, err := f.connector.CompleteCallback(t.Context(), req)
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, errors.GetType(err))
			assert.Equal(t, 0, f.endpoint.Calls())

			_, err = f.tokens.Get(t.Context(), KeyFor("hubspot", testIdentity))
			assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
		})
	}

	t.Run("mismatched callback burns the state", func(t *testing.T) {
		f := newFixture(t, jsonResponse(http.StatusOK, `{"access_token":"a1","expires_in":3600}`))
		state := initiate(t, f)

		other := testIdentity
		other.UserID = "attacker"
		_, err := f.connector.CompleteCallback(t.Context(), CallbackRequest{ConnectorID: "hubspot", Code: "ABC", State: state, Identity: other})
		require.Error(t, err)

		_, err = f.connector.CompleteCallback(t.Context(), CallbackRequest{ConnectorID: "hubspot", Code: "ABC", State: state, Identity: testIdentity})
		assert.True(t, errors.IsType(err, errors.ErrTypeInvalidState))
	})

	t.Run("project is taken from the state", func(t *testing.T) {
		f := newFixture(t, jsonResponse(http.StatusOK, `{"access_token":"a1","expires_in":3600}`))
		state := initiate(t, f)

		noProject := testIdentity
		noProject.ProjectID = ""
		cred, err := f.connector.CompleteCallback(t.Context(), CallbackRequest{ConnectorID: "hubspot", Code: "ABC", State: state, Identity: noProject})
		require.NoError(t, err)
		assert.Equal(t, "proj-1", cred.Key.ProjectID)
	})

	t.Run("expired state", func(t *testing.T) {
		f := newFixture(t, jsonResponse(http.StatusOK, `{"access_token":"a1","expires_in":3600}`))
		state := initiate(t, f)
		f.clock.Advance(DefaultStateTTL + time.Second)

		_, err := f.connector.CompleteCallback(t.Context(), CallbackRequest{ConnectorID: "hubspot", Code: "ABC", State: state, Identity: testIdentity})
		assert.True(t, errors.IsType(err, errors.ErrTypeInvalidState))
		assert.Equal(t, 0, f.endpoint.Calls())
	})
}

func TestConnector_ExchangeFailures(t *testing.T) {
	t.Run("4xx is provider rejected and keeps the prior credential", func(t *testing.T) {
		f := newFixture(t, jsonResponse(http.StatusBadRequest, `{"error":"invalid_grant","error_description":"code expired"}`))
		prior := f.seed(t, testNow.Add(time.Hour))
		state := initiate(t, f)

		_, err := f.connector.CompleteCallback(t.Context(), CallbackRequest{ConnectorID: "hubspot", Code: "ABC", State: state, Identity: testIdentity})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeProviderRejected))
		assert.Equal(t, "the provider rejected the authorization, please start again", errors.PublicMessage(err))
		assert.NotContains(t, errors.PublicMessage(err), "code expired")
		assert.Equal(t, 1, f.endpoint.Calls())

		stored, err := f.tokens.Get(t.Context(), prior.Key)
		require.NoError(t, err)
		assert.Equal(t, prior, stored)
	})

	t.Run("5xx is transient after one retry", func(t *testing.T) {
		f := newFixture(t, jsonResponse(http.StatusServiceUnavailable, `{}`))
		state := initiate(t, f)

		_, err := f.connector.CompleteCallback(t.Context(), CallbackRequest{ConnectorID: "hubspot", Code: "ABC", State: state, Identity: testIdentity})
		assert.True(t, errors.IsType(err, errors.ErrTypeTransientNetwork))
		assert.Equal(t, 2, f.endpoint.Calls())
	})

	t.Run("2xx without expires_in", func(t *testing.T) {
		f := newFixture(t, jsonResponse(http.StatusOK, `{"access_token":"a1"}`))
		state := initiate(t, f)

		_, err := f.connector.CompleteCallback(t.Context(), CallbackRequest{ConnectorID: "hubspot", Code: "ABC", State: state, Identity: testIdentity})
		assert.True(t, errors.IsType(err, errors.ErrTypeProviderRejected))
	})
}

func TestConnector_Refresh(t *testing.T) {
	t.Run("omitted refresh token is retained", func(t *testing.T) {
		f := newFixture(t, jsonResponse(http.StatusOK, `{"access_token":"a2","expires_in":3600}`))
		f.seed(t, testNow.Add(-10*time.Second))

		cred, err := f.connector.Refresh(t.Context(), KeyFor("hubspot", testIdentity))
		require.NoError(t, err)
		assert.Equal(t, "a2", cred.AccessToken)
		assert.Equal(t, "r1", cred.RefreshToken)
		assert.Equal(t, testNow, cred.LastRefreshedAt)

		form := f.endpoint.LastForm()
		assert.Equal(t, "refresh_token", form.Get("grant_type"))
		assert.Equal(t, "r1", form.Get("refresh_token"))
	})

	t.Run("rotated refresh token overwrites", func(t *testing.T) {
		f := newFixture(t, jsonResponse(http.StatusOK, `{"access_token":"a2","refresh_token":"r2","expires_in":3600}`))
		f.seed(t, testNow.Add(-10*time.Second))

		_, err := f.connector.Refresh(t.Context(), KeyFor("hubspot", testIdentity))
		require.NoError(t, err)

		stored, err := f.tokens.Get(t.Context(), KeyFor("hubspot", testIdentity))
		require.NoError(t, err)
		assert.Equal(t, "r2", stored.RefreshToken)
		assert.Equal(t, testNow.Add(time.Hour), stored.ExpiresAt)
	})

	t.Run("400 requires reauthorization and leaves the credential untouched", func(t *testing.T) {
		f := newFixture(t, jsonResponse(http.StatusBadRequest, `{"error":"invalid_grant"}`))
		prior := f.seed(t, testNow.Add(-10*time.Second))

		_, err := f.connector.Refresh(t.Context(), prior.Key)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeReauthRequired))
		assert.Equal(t, 1, f.endpoint.Calls())

		stored, err := f.tokens.Get(t.Context(), prior.Key)
		require.NoError(t, err)
		assert.Equal(t, prior, stored)
	})

	t.Run("401 requires reauthorization", func(t *testing.T) {
		f := newFixture(t, jsonResponse(http.StatusUnauthorized, `{"error":"invalid_client"}`))
		f.seed(t, testNow)

		_, err := f.connector.Refresh(t.Context(), KeyFor("hubspot", testIdentity))
		assert.True(t, errors.IsType(err, errors.ErrTypeReauthRequired))
	})

	t.Run("other 4xx is transient and not retried", func(t *testing.T) {
		f := newFixture(t, jsonResponse(http.StatusTooManyRequests, `{}`))
		f.seed(t, testNow)

		_, err := f.connector.Refresh(t.Context(), KeyFor("hubspot", testIdentity))
		assert.True(t, errors.IsType(err, errors.ErrTypeTransientNetwork))
		assert.Equal(t, 1, f.endpoint.Calls())
	})

	t.Run("missing credential", func(t *testing.T) {
		f := newFixture(t, jsonResponse(http.StatusOK, `{}`))

		_, err := f.connector.Refresh(t.Context(), KeyFor("hubspot", testIdentity))
		assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
		assert.Equal(t, 0, f.endpoint.Calls())
	})

	t.Run("no refresh token", func(t *testing.T) {
		f := newFixture(t, jsonResponse(http.StatusOK, `{}`))
		require.NoError(t, f.tokens.Upsert(t.Context(), &Credential{Key: KeyFor("hubspot", testIdentity), AccessToken: "a1"}))

		_, err := f.connector.Refresh(t.Context(), KeyFor("hubspot", testIdentity))
		assert.True(t, errors.IsType(err, errors.ErrTypeNoRefreshToken))
		assert.Equal(t, 0, f.endpoint.Calls())
	})
}

func TestConnector_RefreshSurvivesCancellation(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(w http.ResponseWriter, form url.Values) {
		<-release
		jsonResponse(http.StatusOK, `{"access_token":"a2","refresh_token":"r2","expires_in":3600}`)(w, form)
	})
	f.seed(t, testNow.Add(-time.Minute))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := f.connector.Refresh(ctx, KeyFor("hubspot", testIdentity))
		done <- err
	}()

	require.Eventually(t, func() bool { return f.endpoint.Calls() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		stored, err := f.tokens.Get(t.Context(), KeyFor("hubspot", testIdentity))
		return err == nil && stored.AccessToken == "a2" && stored.RefreshToken == "r2"
	}, time.Second, 5*time.Millisecond)
}
