package oauth2

import (
	"context"

	"connector-hub/internal/connectors"
)

// Service is the surface the HTTP handlers and downstream data pulls use.
type Service struct {
	registry  ConnectorLookup
	tokens    TokenStore
	connector *Connector
	accessor  *Accessor
}

func NewService(connector *Connector, accessor *Accessor) *Service {
	return &Service{
		registry:  connector.registry,
		tokens:    connector.tokens,
		connector: connector,
		accessor:  accessor,
	}
}

// Connectors returns the configured connectors sorted by id.
func (s *Service) Connectors() []connectors.ConnectorConfig {
	return s.registry.List()
}

func (s *Service) Initiate(ctx context.Context, connectorID string, identity Identity) (string, error) {
	return s.connector.Initiate(ctx, connectorID, identity)
}

func (s *Service) CompleteCallback(ctx context.Context, req CallbackRequest) (*Credential, error) {
	return s.connector.CompleteCallback(ctx, req)
}

// GetValidAccessToken returns a usable access token for the connector
// instance of user in project.
func (s *Service) GetValidAccessToken(ctx context.Context, connectorID, organizationID, userID, projectID string) (string, error) {
	return s.accessor.GetValidAccessToken(ctx, CredentialKey{
		ConnectorID:    connectorID,
		OrganizationID: organizationID,
		UserID:         userID,
		ProjectID:      projectID,
	})
}

// Credentials lists the stored credentials of identity.
func (s *Service) Credentials(ctx context.Context, identity Identity) ([]*Credential, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	creds, err := s.tokens.List(ctx, identity)
	if err != nil {
		return nil, StoreError("list", err)
	}
	return creds, nil
}

// Disconnect deletes the credential of key.
func (s *Service) Disconnect(ctx context.Context, key CredentialKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := s.tokens.Delete(ctx, key); err != nil {
		return StoreError("delete", err)
	}
	return nil
}

// Health pings every store backed by an external service.
func (s *Service) Health(ctx context.Context) error {
	for _, store := range []interface{}{s.connector.states, s.tokens} {
		if hc, ok := store.(HealthChecker); ok {
			if err := hc.Health(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
