package oauth2

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"connector-hub/internal/common/errors"
)

// Identity is the (organization, user, project) tuple supplied by the
// application's own authentication layer.
type Identity struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	ProjectID      string `json:"project_id"`
}

// Validate checks that organization and user are present. ProjectID must
// be set wherever a credential is addressed.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.OrganizationID) == "" {
		return errors.AuthError("organization id is required")
	}
	if strings.TrimSpace(i.UserID) == "" {
		return errors.AuthError("user id is required")
	}
	return nil
}

// CredentialKey identifies one connector instance of one user in one project.
type CredentialKey struct {
	ConnectorID    string `json:"connector_id"`
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	ProjectID      string `json:"project_id"`
}

// KeyFor builds the credential key of identity for connectorID.
func KeyFor(connectorID string, identity Identity) CredentialKey {
	return CredentialKey{
		ConnectorID:    connectorID,
		OrganizationID: identity.OrganizationID,
		UserID:         identity.UserID,
		ProjectID:      identity.ProjectID,
	}
}

// Validate requires every component to be present.
func (k CredentialKey) Validate() error {
	switch {
	case k.ConnectorID == "":
		return errors.ValidationError("connector id is required")
	case k.OrganizationID == "":
		return errors.ValidationError("organization id is required")
	case k.UserID == "":
		return errors.ValidationError("user id is required")
	case k.ProjectID == "":
		return errors.ValidationError("project id is required")
	}
	return nil
}

// String returns a stable, unambiguous representation used for
// single-flight grouping, lock names and encryption associated data.
func (k CredentialKey) String() string {
	return strings.Join([]string{
		url.PathEscape(k.ConnectorID),
		url.PathEscape(k.OrganizationID),
		url.PathEscape(k.UserID),
		url.PathEscape(k.ProjectID),
	}, "/")
}

// Identity returns the identity part of the key.
func (k CredentialKey) Identity() Identity {
	return Identity{OrganizationID: k.OrganizationID, UserID: k.UserID, ProjectID: k.ProjectID}
}

// Credential is the stored token pair and expiry metadata of one CredentialKey.
// Stores write it as a whole; readers never observe a partial value.
type Credential struct {
	Key             CredentialKey `json:"key"`
	AccessToken     string        `json:"access_token"`
	RefreshToken    string        `json:"refresh_token,omitempty"`
	Scope           string        `json:"scope,omitempty"`
	ExpiresAt       time.Time     `json:"expires_at"`
	LastRefreshedAt time.Time     `json:"last_refreshed_at"`
	CreatedAt       time.Time     `json:"created_at"`
}

// ValidAt reports whether the access token is still usable at now with at
// least margin to spare.
func (c *Credential) ValidAt(now time.Time, margin time.Duration) bool {
	return c.AccessToken != "" && c.ExpiresAt.After(now.Add(margin))
}

// Clone returns a copy that shares nothing with c.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// OAuthState is one outstanding authorization request.
type OAuthState struct {
	State       string    `json:"state"`
	AttemptID   string    `json:"attempt_id"`
	ConnectorID string    `json:"connector_id"`
	Identity    Identity  `json:"identity"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the state may no longer be consumed at now.
func (s *OAuthState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// StateStore persists short-lived CSRF states.
//
// Consume must be atomic: for concurrent calls presenting the same value,
// exactly one caller receives the state and every other caller gets an
// invalid state error.
type StateStore interface {
	// Issue generates and persists a new state bound to connectorID and identity.
	Issue(ctx context.Context, connectorID string, identity Identity) (*OAuthState, error)
	// Consume fetches and deletes state. Unknown and expired values fail with
	// an invalid state error.
	Consume(ctx context.Context, state string) (*OAuthState, error)
	// PurgeExpired deletes states past their ttl and returns how many were removed.
	PurgeExpired(ctx context.Context) (int64, error)
}

// TokenStore persists credentials keyed by CredentialKey.
type TokenStore interface {
	// Get returns the credential or a not found error.
	Get(ctx context.Context, key CredentialKey) (*Credential, error)
	// Upsert atomically creates or replaces the credential stored under cred.Key.
	Upsert(ctx context.Context, cred *Credential) error
	// Delete removes the credential or returns a not found error.
	Delete(ctx context.Context, key CredentialKey) error
	// List returns the credentials of identity ordered by connector id.
	List(ctx context.Context, identity Identity) ([]*Credential, error)
}

// HealthChecker is implemented by stores backed by an external service.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

// SystemClock is the default Clock, in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// CredentialNotFound is the error every TokenStore returns for a missing key.
func CredentialNotFound(key CredentialKey) error {
	return errors.NotFoundError("credential").
		WithContext("connector_id", key.ConnectorID).
		WithContext("project_id", key.ProjectID)
}

// StoreError wraps a backend failure into the service taxonomy.
func StoreError(op string, err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.InternalError(fmt.Sprintf("token store %s failed", op), err)
}
