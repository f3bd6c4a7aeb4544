// Package auth resolves the application identity (organization, user and
// optional project) of API callers.
//
// Callers present an HS256 bearer token signed with JWT_SECRET. Deployments
// behind a gateway that already authenticated the user can instead trust the
// X-Organization-ID, X-User-ID and X-Project-ID headers.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"connector-hub/internal/common/errors"
	commonhttp "connector-hub/internal/common/http"
	"connector-hub/internal/common/logging"
	"connector-hub/internal/oauth2"
)

const (
	Issuer = "connector-hub"

	HeaderOrganizationID = "X-Organization-ID"
	HeaderUserID         = "X-User-ID"
	HeaderProjectID      = "X-Project-ID"
)

// Claims are the application claims of a bearer token. The subject is the user id.
type Claims struct {
	OrganizationID string `json:"org"`
	ProjectID      string `json:"project,omitempty"`
	jwt.RegisteredClaims
}

type Auth struct {
	secret       []byte
	trustHeaders bool
	now          func() time.Time
	logger       logging.Logger
}

type Option func(*Auth)

// WithTrustedHeaders accepts identity headers when no bearer token is present.
func WithTrustedHeaders() Option {
	return func(a *Auth) {
		a.trustHeaders = true
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Auth) {
		a.now = now
	}
}

func New(secret string, opts ...Option) *Auth {
	a := &Auth{
		secret: []byte(secret),
		now:    time.Now,
		logger: logging.GetGlobalLogger().WithFields(logging.Field{"component", "auth"}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GenerateJWT signs a token for identity valid for ttl.
func (a *Auth) GenerateJWT(identity oauth2.Identity, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.ConfigError("JWT secret is not configured")
	}

	now := a.now()
	claims := &Claims{
		OrganizationID: identity.OrganizationID,
		ProjectID:      identity.ProjectID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", errors.InternalError("failed to sign token", err)
	}
	return signed, nil
}

// ValidateJWT verifies signature, algorithm, issuer and expiry of token.
func (a *Auth) ValidateJWT(token string) (*Claims, error) {
	if token == "" {
		return nil, errors.AuthError("missing bearer token")
	}
	if len(a.secret) == 0 {
		return nil, errors.AuthError("bearer tokens are not accepted")
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, errors.AuthError("invalid bearer token").WithContext("reason", err.Error())
	}

	if claims.OrganizationID == "" || claims.Subject == "" {
		return nil, errors.AuthError("token is missing organization or user")
	}
	return claims, nil
}

// Authenticate resolves the identity of r. A bearer token wins over headers.
func (a *Auth) Authenticate(r *http.Request) (oauth2.Identity, error) {
	if token := extractToken(r); token != "" {
		claims, err := a.ValidateJWT(token)
		if err != nil {
			return oauth2.Identity{}, err
		}
		return oauth2.Identity{
			OrganizationID: claims.OrganizationID,
			UserID:         claims.Subject,
			ProjectID:      claims.ProjectID,
		}, nil
	}

	if a.trustHeaders {
		identity := oauth2.Identity{
			OrganizationID: strings.TrimSpace(r.Header.Get(HeaderOrganizationID)),
			UserID:         strings.TrimSpace(r.Header.Get(HeaderUserID)),
			ProjectID:      strings.TrimSpace(r.Header.Get(HeaderProjectID)),
		}
		if identity.OrganizationID != "" && identity.UserID != "" {
			return identity, nil
		}
	}

	return oauth2.Identity{}, errors.AuthError("authentication required")
}

// RequireIdentity rejects unauthenticated requests with 401 and stores the
// identity in the request context otherwise.
func (a *Auth) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.Authenticate(r)
		if err != nil {
			a.logger.WithContext(r.Context()).Debug("Rejected unauthenticated request",
				logging.Field{"path", r.URL.Path}, logging.Err(err))
			commonhttp.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity oauth2.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by RequireIdentity.
func IdentityFromContext(ctx context.Context) (oauth2.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(oauth2.Identity)
	return identity, ok
}
