package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "basic error",
			appError: &AppError{Type: ErrTypeConfig, Message: "configuration is invalid"},
			want:     "config: configuration is invalid",
		},
		{
			name:     "error with code",
			appError: &AppError{Type: ErrTypeAuthorizationDenied, Message: "denied", Code: "access_denied"},
			want:     "authorization_denied: denied: code=access_denied",
		},
		{
			name:     "error with cause",
			appError: &AppError{Type: ErrTypeTransientNetwork, Message: "token endpoint unreachable", Cause: errors.New("dial tcp: timeout")},
			want:     "transient_network: token endpoint unreachable: cause=dial tcp: timeout",
		},
		{
			name: "error with sorted context",
			appError: &AppError{
				Type:    ErrTypeNotFound,
				Message: "credential not found",
				Context: map[string]interface{}{"user_id": "u1", "connector_id": "hubspot"},
			},
			want: "not_found: credential not found: context={connector_id=hubspot, user_id=u1}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

func TestIsType_Wrapped(t *testing.T) {
	inner := ReauthRequiredError("refresh token rejected", nil)
	wrapped := fmt.Errorf("refresh hubspot: %w", inner)

	assert.True(t, IsType(wrapped, ErrTypeReauthRequired))
	assert.False(t, IsType(wrapped, ErrTypeNotFound))
	assert.Equal(t, ErrTypeReauthRequired, GetType(wrapped))
	assert.Equal(t, ErrTypeInternal, GetType(errors.New("plain")))
	assert.Equal(t, ErrorType(""), GetType(nil))
	assert.False(t, IsType(nil, ErrTypeInternal))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := TransientNetworkError("token endpoint unreachable", cause)
	assert.True(t, errors.Is(err, cause))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ValidationError("bad"), http.StatusBadRequest},
		{InvalidStateError("expired"), http.StatusBadRequest},
		{AuthorizationDeniedError("access_denied"), http.StatusBadRequest},
		{ProviderRejectedError("invalid_grant", nil), http.StatusBadRequest},
		{AuthError("missing identity"), http.StatusUnauthorized},
		{NotFoundError("connector"), http.StatusNotFound},
		{NoRefreshTokenError(), http.StatusConflict},
		{ReauthRequiredError("rejected", nil), http.StatusConflict},
		{RateLimitedError(), http.StatusTooManyRequests},
		{TransientNetworkError("down", nil), http.StatusBadGateway},
		{InternalError("db", nil), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(GetType(tt.err)), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(InvalidStateError("x")))
	assert.True(t, IsTerminal(ReauthRequiredError("x", nil)))
	assert.True(t, IsTerminal(NoRefreshTokenError()))
	assert.False(t, IsTerminal(TransientNetworkError("x", nil)))
	assert.False(t, IsTerminal(NotFoundError("credential")))
}

func TestPublicMessage_HidesCause(t *testing.T) {
	err := ProviderRejectedError("token endpoint returned 400", errors.New(`{"error":"invalid_grant","secret":"leak"}`))
	msg := PublicMessage(err)

	assert.NotContains(t, msg, "leak")
	assert.NotContains(t, msg, "invalid_grant")
	assert.Equal(t, "connector not found", PublicMessage(NotFoundError("connector")))
}
