package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// ErrTypeValidation represents malformed input
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeAuth represents a missing or invalid application identity
	ErrTypeAuth ErrorType = "authentication"
	// ErrTypeNotFound represents an unknown connector or a missing credential
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeInternal represents storage and other system failures
	ErrTypeInternal ErrorType = "internal"

	// ErrTypeInvalidState is returned when a CSRF state is unknown, expired,
	// already consumed or issued for a different connector or identity.
	ErrTypeInvalidState ErrorType = "invalid_state"
	// ErrTypeAuthorizationDenied is returned when the provider redirected back with an error.
	ErrTypeAuthorizationDenied ErrorType = "authorization_denied"
	// ErrTypeProviderRejected is returned when the token endpoint refused a code exchange.
	ErrTypeProviderRejected ErrorType = "provider_rejected"
	// ErrTypeTransientNetwork covers network failures and 5xx answers after the retry budget.
	ErrTypeTransientNetwork ErrorType = "transient_network"
	// ErrTypeNoRefreshToken is returned when a credential cannot be refreshed at all.
	ErrTypeNoRefreshToken ErrorType = "no_refresh_token"
	// ErrTypeReauthRequired is returned when the provider rejected the refresh token.
	ErrTypeReauthRequired ErrorType = "reauth_required"
	// ErrTypeRateLimited is returned when a caller exceeded its request budget.
	ErrTypeRateLimited ErrorType = "rate_limited"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode attaches a machine readable code, typically the provider's OAuth error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

func newError(t ErrorType, msg string, cause error) *AppError {
	return &AppError{Type: t, Message: msg, Cause: cause}
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return newError(ErrTypeValidation, msg, nil)
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return newError(ErrTypeConfig, msg, nil)
}

// AuthError creates a new authentication error
func AuthError(msg string) *AppError {
	return newError(ErrTypeAuth, msg, nil)
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return newError(ErrTypeNotFound, fmt.Sprintf("%s not found", resource), nil)
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return newError(ErrTypeInternal, msg, cause)
}

// InvalidStateError creates a new invalid state error
func InvalidStateError(msg string) *AppError {
	return newError(ErrTypeInvalidState, msg, nil)
}

// AuthorizationDeniedError records the provider supplied error code.
func AuthorizationDeniedError(providerError string) *AppError {
	return newError(ErrTypeAuthorizationDenied, "authorization was denied by the provider", nil).WithCode(providerError)
}

// ProviderRejectedError creates a new provider rejected error
func ProviderRejectedError(msg string, cause error) *AppError {
	return newError(ErrTypeProviderRejected, msg, cause)
}

// TransientNetworkError creates a new transient network error
func TransientNetworkError(msg string, cause error) *AppError {
	return newError(ErrTypeTransientNetwork, msg, cause)
}

// NoRefreshTokenError creates a new no refresh token error
func NoRefreshTokenError() *AppError {
	return newError(ErrTypeNoRefreshToken, "credential has no refresh token", nil)
}

// ReauthRequiredError creates a new reauthorization required error
func ReauthRequiredError(msg string, cause error) *AppError {
	return newError(ErrTypeReauthRequired, msg, cause)
}

// RateLimitedError creates a rate limited error
func RateLimitedError() *AppError {
	return newError(ErrTypeRateLimited, "rate limit exceeded", nil)
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	appErr, ok := As(err)
	if !ok {
		return ErrTypeInternal
	}

	return appErr.Type
}

// IsTerminal reports whether the error requires the user to restart the authorization flow.
func IsTerminal(err error) bool {
	switch GetType(err) {
	case ErrTypeInvalidState, ErrTypeAuthorizationDenied, ErrTypeProviderRejected,
		ErrTypeNoRefreshToken, ErrTypeReauthRequired:
		return true
	}
	return false
}

// HTTPStatus maps an error to the status code returned to API clients
func HTTPStatus(err error) int {
	switch GetType(err) {
	case ErrTypeValidation, ErrTypeInvalidState, ErrTypeAuthorizationDenied, ErrTypeProviderRejected:
		return http.StatusBadRequest
	case ErrTypeAuth:
		return http.StatusUnauthorized
	case ErrTypeNotFound:
		return http.StatusNotFound
	case ErrTypeNoRefreshToken, ErrTypeReauthRequired:
		return http.StatusConflict
	case ErrTypeTransientNetwork:
		return http.StatusBadGateway
	case ErrTypeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns a generic description that is safe to show to end users.
// Provider response bodies never reach this text.
func PublicMessage(err error) string {
	switch GetType(err) {
	case ErrTypeValidation:
		if appErr, ok := As(err); ok {
			return appErr.Message
		}
		return "invalid request"
	case ErrTypeAuth:
		return "authentication required"
	case ErrTypeNotFound:
		if appErr, ok := As(err); ok {
			return appErr.Message
		}
		return "not found"
	case ErrTypeInvalidState:
		return "the authorization request is invalid or has expired, please start again"
	case ErrTypeAuthorizationDenied:
		return "authorization was denied by the provider"
	case ErrTypeProviderRejected:
		return "the provider rejected the authorization, please start again"
	case ErrTypeTransientNetwork:
		return "the provider could not be reached, please try again later"
	case ErrTypeNoRefreshToken, ErrTypeReauthRequired:
		return "the connection has expired, please reconnect"
	case ErrTypeRateLimited:
		return "too many requests, please slow down"
	default:
		return "internal error"
	}
}
