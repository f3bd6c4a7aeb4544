package oauth2

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	xoauth2 "golang.org/x/oauth2"

	"connector-hub/internal/common/errors"
	"connector-hub/internal/common/logging"
	"connector-hub/internal/connectors"
)

// ConnectorLookup resolves connector configuration. *connectors.Registry implements it.
type ConnectorLookup interface {
	Get(connectorID string) (connectors.ConnectorConfig, error)
	List() []connectors.ConnectorConfig
}

// AttemptState is the position of one authorization attempt.
type AttemptState string

const (
	AttemptInitiated        AttemptState = "INITIATED"
	AttemptCallbackReceived AttemptState = "CALLBACK_RECEIVED"
	AttemptExchanged        AttemptState = "EXCHANGED"
	AttemptFailed           AttemptState = "FAILED"
)

// CallbackRequest carries the query of a provider redirect together with the
// identity of the caller completing it.
type CallbackRequest struct {
	ConnectorID   string
	Code          string
	State         string
	ProviderError string
	Identity      Identity
}

// Connector drives the authorization-code grant for every configured
// provider. Provider differences live in ConnectorConfig only.
type Connector struct {
	registry ConnectorLookup
	states   StateStore
	tokens   TokenStore
	client   *TokenClient
	now      Clock
	logger   logging.Logger
}

// ConnectorOption configures a Connector
type ConnectorOption func(*Connector)

// WithTokenClient replaces the default token endpoint client
func WithTokenClient(client *TokenClient) ConnectorOption {
	return func(c *Connector) {
		c.client = client
	}
}

// WithClock replaces the system clock
func WithClock(now Clock) ConnectorOption {
	return func(c *Connector) {
		c.now = now
	}
}

// WithLogger sets the logger used for attempt transitions
func WithLogger(logger logging.Logger) ConnectorOption {
	return func(c *Connector) {
		c.logger = logger
	}
}

// NewConnector creates a connector over the given registry and stores.
func NewConnector(registry ConnectorLookup, states StateStore, tokens TokenStore, opts ...ConnectorOption) *Connector {
	c := &Connector{
		registry: registry,
		states:   states,
		tokens:   tokens,
		now:      SystemClock,
		logger:   logging.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = NewTokenClient()
	}
	c.logger = c.logger.WithFields(logging.Field{"component", "oauth_connector"})
	return c
}

// Initiate issues a state for identity and returns the provider
// authorization URL. It makes no network call.
func (c *Connector) Initiate(ctx context.Context, connectorID string, identity Identity) (string, error) {
	if err := identity.Validate(); err != nil {
		return "", err
	}
	if identity.ProjectID == "" {
		return "", errors.ValidationError("project id is required")
	}

	cfg, err := c.registry.Get(connectorID)
	if err != nil {
		return "", err
	}

	st, err := c.states.Issue(ctx, connectorID, identity)
	if err != nil {
		return "", StoreError("state issue", err)
	}

	c.attempt(ctx, st).advance(AttemptInitiated, logging.Field{"expires_at", st.ExpiresAt})
	return AuthorizationURL(cfg, st.State), nil
}

// AuthorizationURL builds the consent URL carrying client_id, redirect_uri,
// response_type=code, the space separated scopes and state.
func AuthorizationURL(cfg connectors.ConnectorConfig, state string) string {
	oc := xoauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURI,
		Scopes:      cfg.Scopes,
		Endpoint: xoauth2.Endpoint{
			AuthURL:  cfg.AuthorizeURL,
			TokenURL: cfg.TokenURL,
		},
	}
	return oc.AuthCodeURL(state)
}

// CompleteCallback validates the redirect, exchanges the code and stores the
// resulting credential.
//
// A provider error fails without touching the state or the token endpoint.
// The state is consumed before any other check, so a value is burned even
// when the rest of the callback is rejected. The state must have been issued
// for the same connector, organization and user; the project comes from the
// state and, when the callback names one, must agree with it.
func (c *Connector) CompleteCallback(ctx context.Context, req CallbackRequest) (*Credential, error) {
	if err := req.Identity.Validate(); err != nil {
		return nil, err
	}

	cfg, err := c.registry.Get(req.ConnectorID)
	if err != nil {
		return nil, err
	}

	if req.ProviderError != "" {
		c.logger.WithContext(ctx).Warn("Authorization denied by provider",
			logging.Field{"connector_id", req.ConnectorID},
			logging.Field{"attempt_state", AttemptFailed},
			logging.Field{"provider_error", req.ProviderError},
		)
		return nil, errors.AuthorizationDeniedError(req.ProviderError)
	}

	if !ValidStateFormat(req.State) {
		return nil, InvalidState()
	}

	st, err := c.states.Consume(ctx, req.State)
	if err != nil {
		if !errors.IsType(err, errors.ErrTypeInvalidState) {
			err = StoreError("state consume", err)
		}
		c.logger.WithContext(ctx).Warn("Callback state rejected",
			logging.Field{"connector_id", req.ConnectorID},
			logging.Err(err),
		)
		return nil, err
	}

	a := c.attempt(ctx, st)
	a.advance(AttemptCallbackReceived)

	if !stateMatches(st, req) {
		return nil, a.fail(InvalidState())
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, a.fail(errors.ValidationError("authorization code is required"))
	}

	key := KeyFor(req.ConnectorID, st.Identity)

	return detach(ctx, func(ctx context.Context) (*Credential, error) {
		cred, err := c.exchange(ctx, cfg, key, req.Code)
		if err != nil {
			return nil, a.fail(err)
		}
		a.advance(AttemptExchanged, logging.Field{"expires_at", cred.ExpiresAt})
		return cred, nil
	})
}

func stateMatches(st *OAuthState, req CallbackRequest) bool {
	if st.ConnectorID != req.ConnectorID {
		return false
	}
	if st.Identity.OrganizationID != req.Identity.OrganizationID || st.Identity.UserID != req.Identity.UserID {
		return false
	}
	return req.Identity.ProjectID == "" || req.Identity.ProjectID == st.Identity.ProjectID
}

func (c *Connector) exchange(ctx context.Context, cfg connectors.ConnectorConfig, key CredentialKey, code string) (*Credential, error) {
	resp, err := c.client.AuthorizationCode(ctx, cfg, code)
	if err != nil {
		return nil, classifyExchange(err)
	}

	now := c.now()
	cred := &Credential{
		Key:             key,
		AccessToken:     resp.AccessToken,
		RefreshToken:    resp.RefreshToken,
		Scope:           resp.Scope,
		ExpiresAt:       now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		LastRefreshedAt: now,
		CreatedAt:       now,
	}
	if cred.Scope == "" {
		cred.Scope = strings.Join(cfg.Scopes, " ")
	}

	if err := c.tokens.Upsert(ctx, cred); err != nil {
		return nil, StoreError("upsert", err)
	}
	return cred, nil
}

// Refresh redeems the stored refresh token of key and upserts the result.
// The stored refresh token is replaced only when the provider sends a new one.
// Any failure leaves the stored credential as it was.
func (c *Connector) Refresh(ctx context.Context, key CredentialKey) (*Credential, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	cfg, err := c.registry.Get(key.ConnectorID)
	if err != nil {
		return nil, err
	}

	return detach(ctx, func(ctx context.Context) (*Credential, error) {
		return c.refresh(ctx, cfg, key)
	})
}

func (c *Connector) refresh(ctx context.Context, cfg connectors.ConnectorConfig, key CredentialKey) (*Credential, error) {
	logger := c.logger.WithContext(ctx).WithFields(
		logging.Field{"connector_id", key.ConnectorID},
		logging.Field{"organization_id", key.OrganizationID},
		logging.Field{"project_id", key.ProjectID},
	)

	current, err := c.tokens.Get(ctx, key)
	if err != nil {
		return nil, StoreError("get", err)
	}
	if current.RefreshToken == "" {
		return nil, errors.NoRefreshTokenError()
	}

	resp, err := c.client.RefreshToken(ctx, cfg, current.RefreshToken)
	if err != nil {
		err = classifyRefresh(err)
		logger.Warn("Token refresh failed", logging.Field{"reason", errors.GetType(err)}, logging.Err(err))
		return nil, err
	}

	now := c.now()
	next := current.Clone()
	next.AccessToken = resp.AccessToken
	next.ExpiresAt = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	next.LastRefreshedAt = now
	if resp.RefreshToken != "" {
		next.RefreshToken = resp.RefreshToken
	}
	if resp.Scope != "" {
		next.Scope = resp.Scope
	}

	if err := c.tokens.Upsert(ctx, next); err != nil {
		return nil, StoreError("upsert", err)
	}

	logger.Info("Token refreshed",
		logging.Field{"expires_at", next.ExpiresAt},
		logging.Field{"refresh_token_rotated", resp.RefreshToken != ""},
	)
	return next, nil
}

// classifyExchange maps token client failures of a code exchange: every 4xx
// is a provider rejection.
func classifyExchange(err error) error {
	var endpointErr *EndpointError
	if stderrors.As(err, &endpointErr) {
		return errors.ProviderRejectedError("provider rejected the authorization code", endpointErr).
			WithCode(endpointErr.ErrorCode).
			WithContext("status", endpointErr.StatusCode)
	}
	return passThrough(err)
}

// classifyRefresh maps token client failures of a refresh. 400 and 401 mean
// the refresh token itself is no longer accepted; other 4xx answers are
// treated as transient.
func classifyRefresh(err error) error {
	var endpointErr *EndpointError
	if stderrors.As(err, &endpointErr) {
		if endpointErr.StatusCode == http.StatusBadRequest || endpointErr.StatusCode == http.StatusUnauthorized {
			return errors.ReauthRequiredError("provider rejected the refresh token", endpointErr).
				WithCode(endpointErr.ErrorCode).
				WithContext("status", endpointErr.StatusCode)
		}
		return errors.TransientNetworkError("token endpoint refused the refresh", endpointErr).
			WithContext("status", endpointErr.StatusCode)
	}
	return passThrough(err)
}

func passThrough(err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.TransientNetworkError("token request did not complete", err)
	}
	return errors.InternalError("token request failed", err)
}

// detach runs fn on a context that ignores cancellation of ctx, so a token
// request that has been dispatched always finishes and its result is stored.
// A cancelled caller stops waiting and gets ctx.Err().
func detach[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn(context.WithoutCancel(ctx))
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type attempt struct {
	logger logging.Logger
}

func (c *Connector) attempt(ctx context.Context, st *OAuthState) *attempt {
	return &attempt{
		logger: c.logger.WithContext(ctx).WithFields(
			logging.Field{"attempt_id", st.AttemptID},
			logging.Field{"connector_id", st.ConnectorID},
			logging.Field{"organization_id", st.Identity.OrganizationID},
			logging.Field{"project_id", st.Identity.ProjectID},
		),
	}
}

func (a *attempt) advance(to AttemptState, fields ...logging.Field) {
	a.logger.Info("OAuth attempt "+string(to), append(fields, logging.Field{"attempt_state", to})...)
}

func (a *attempt) fail(err error) error {
	a.logger.Warn("OAuth attempt FAILED",
		logging.Field{"attempt_state", AttemptFailed},
		logging.Field{"reason", errors.GetType(err)},
		logging.Err(err),
	)
	return err
}
