package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connector-hub/internal/auth"
	"connector-hub/internal/common/errors"
	"connector-hub/internal/oauth2"
)

const testSecret = "test-secret-key-that-is-long-enough"

var identity = oauth2.Identity{OrganizationID: "org-1", UserID: "user-1", ProjectID: "proj-1"}

func TestGenerateJWT(t *testing.T) {
	authService := auth.New(testSecret)

	token, err := authService.GenerateJWT(identity, time.Hour)
	require.NoError(t, err)

	parsedToken, err := jwt.ParseWithClaims(token, &auth.Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)
	assert.True(t, parsedToken.Valid)

	claims, ok := parsedToken.Claims.(*auth.Claims)
	require.True(t, ok)
	assert.Equal(t, "org-1", claims.OrganizationID)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "proj-1", claims.ProjectID)
	assert.Equal(t, auth.Issuer, claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)

	_, err = auth.New("").GenerateJWT(identity, time.Hour)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestValidateJWT(t *testing.T) {
	authService := auth.New(testSecret)

	validToken, _ := authService.GenerateJWT(identity, time.Hour)
	wrongSecretToken, _ := auth.New("different-secret-key-that-is-wrong").GenerateJWT(identity, time.Hour)

	sign := func(claims *auth.Claims, method jwt.SigningMethod) string {
		token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return token
	}

	expiredToken := sign(&auth.Claims{
		OrganizationID: "org-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			Issuer:    auth.Issuer,
		},
	}, jwt.SigningMethodHS256)

	otherIssuerToken := sign(&auth.Claims{
		OrganizationID: "org-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    "someone-else",
		},
	}, jwt.SigningMethodHS256)

	noExpiryToken := sign(&auth.Claims{
		OrganizationID:   "org-1",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: auth.Issuer},
	}, jwt.SigningMethodHS256)

	noOrgToken := sign(&auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    auth.Issuer,
		},
	}, jwt.SigningMethodHS256)

	hs512Token := sign(&auth.Claims{
		OrganizationID: "org-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    auth.Issuer,
		},
	}, jwt.SigningMethodHS512)

	tests := []struct {
		name          string
		token         string
		expectedError bool
	}{
		{name: "valid token", token: validToken},
		{name: "invalid token", token: "invalid.token.here", expectedError: true},
		{name: "wrong secret", token: wrongSecretToken, expectedError: true},
		{name: "expired token", token: expiredToken, expectedError: true},
		{name: "other issuer", token: otherIssuerToken, expectedError: true},
		{name: "missing expiry", token: noExpiryToken, expectedError: true},
		{name: "missing organization", token: noOrgToken, expectedError: true},
		{name: "unexpected algorithm", token: hs512Token, expectedError: true},
		{name: "empty token", token: "", expectedError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := authService.ValidateJWT(tt.token)
			if tt.expectedError {
				assert.True(t, errors.IsType(err, errors.ErrTypeAuth), "got %v", err)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "user-1", claims.Subject)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	token, err := auth.New(testSecret).GenerateJWT(identity, time.Hour)
	require.NoError(t, err)

	t.Run("bearer token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		got, err := auth.New(testSecret).Authenticate(req)
		require.NoError(t, err)
		assert.Equal(t, identity, got)
	})

	t.Run("headers ignored unless trusted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(auth.HeaderOrganizationID, "org-1")
		req.Header.Set(auth.HeaderUserID, "user-1")

		_, err := auth.New(testSecret).Authenticate(req)
		assert.True(t, errors.IsType(err, errors.ErrTypeAuth))

		got, err := auth.New("", auth.WithTrustedHeaders()).Authenticate(req)
		require.NoError(t, err)
		assert.Equal(t, oauth2.Identity{OrganizationID: "org-1", UserID: "user-1"}, got)
	})

	t.Run("trusted headers need organization and user", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(auth.HeaderUserID, "user-1")

		_, err := auth.New("", auth.WithTrustedHeaders()).Authenticate(req)
		assert.True(t, errors.IsType(err, errors.ErrTypeAuth))
	})

	t.Run("invalid bearer does not fall back to headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer nope")
		req.Header.Set(auth.HeaderOrganizationID, "org-1")
		req.Header.Set(auth.HeaderUserID, "user-1")

		_, err := auth.New(testSecret, auth.WithTrustedHeaders()).Authenticate(req)
		assert.True(t, errors.IsType(err, errors.ErrTypeAuth))
	})
}

func TestRequireIdentity(t *testing.T) {
	authService := auth.New(testSecret)
	token, err := authService.GenerateJWT(identity, time.Hour)
	require.NoError(t, err)

	var seen oauth2.Identity
	handler := authService.RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/connectors", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), `"error":"authentication"`)

	req := httptest.NewRequest(http.MethodGet, "/connectors", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, identity, seen)
}
