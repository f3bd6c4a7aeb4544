package oauth2

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/lucsky/cuid"

	"connector-hub/internal/common/errors"
)

const (
	// DefaultStateTTL bounds how long a user may take on the provider's consent screen.
	DefaultStateTTL = 15 * time.Minute

	// stateBytes gives 256 bits of entropy.
	stateBytes = 32
)

// NewStateValue returns a URL-safe random value with 256 bits of entropy.
func NewStateValue() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.InternalError("failed to generate state", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewOAuthState builds the record a StateStore persists on Issue.
func NewOAuthState(connectorID string, identity Identity, now time.Time, ttl time.Duration) (*OAuthState, error) {
	if connectorID == "" {
		return nil, errors.ValidationError("connector id is required")
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}

	value, err := NewStateValue()
	if err != nil {
		return nil, err
	}

	return &OAuthState{
		State:       value,
		AttemptID:   cuid.New(),
		ConnectorID: connectorID,
		Identity:    identity,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// InvalidState is returned by Consume for unknown, consumed and expired values.
// The message never says which of the three applied.
func InvalidState() error {
	return errors.InvalidStateError("state is invalid or expired")
}

// ValidStateFormat rejects values that NewStateValue could not have produced,
// sparing a store round trip.
func ValidStateFormat(state string) bool {
	if len(state) != base64.RawURLEncoding.EncodedLen(stateBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(state)
	return err == nil
}
