package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"connector-hub/internal/circuitbreaker"
	"connector-hub/internal/common/errors"
	commonhttp "connector-hub/internal/common/http"
	"connector-hub/internal/common/logging"
	"connector-hub/internal/common/utils"
	"connector-hub/internal/connectors"
)

// maxTokenResponseBytes caps how much of a token endpoint answer is read.
const maxTokenResponseBytes = 1 << 20

// TokenResponse is a successful token endpoint answer (RFC 6749 section 5.1).
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	Scope        string
	ExpiresIn    int64
}

// EndpointError is a non-2xx answer the retry budget does not cover.
// Body is kept for logs only and never reaches API responses.
type EndpointError struct {
	StatusCode       int
	ErrorCode        string
	ErrorDescription string
	Body             string
}

func (e *EndpointError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.ErrorCode)
	}
	return fmt.Sprintf("token endpoint returned %d", e.StatusCode)
}

// TokenClient posts form-encoded grants to provider token endpoints.
//
// Network failures and 5xx answers are retried once after a short backoff
// and then surface as transient network errors. 4xx answers are never
// retried and surface as *EndpointError for the caller to classify.
type TokenClient struct {
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	retry      utils.RetryConfig
	logger     logging.Logger
}

// TokenClientOption configures a TokenClient
type TokenClientOption func(*TokenClient)

// WithHTTPClient replaces the default 10 second timeout client
func WithHTTPClient(client *http.Client) TokenClientOption {
	return func(c *TokenClient) {
		c.httpClient = client
	}
}

// WithCircuitBreakers guards each connector's token endpoint with its own breaker
func WithCircuitBreakers(m *circuitbreaker.Manager) TokenClientOption {
	return func(c *TokenClient) {
		c.breakers = m
	}
}

// WithRetryDelay overrides the pause before the single retry
func WithRetryDelay(d time.Duration) TokenClientOption {
	return func(c *TokenClient) {
		c.retry.InitialDelay = d
		c.retry.JitterFactor = 0
	}
}

func NewTokenClient(opts ...TokenClientOption) *TokenClient {
	c := &TokenClient{
		httpClient: commonhttp.NewHTTPClient(),
		retry:      utils.TokenEndpointRetryConfig(isRetryable),
		logger:     logging.GetGlobalLogger().WithFields(logging.Field{"component", "token_client"}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func isRetryable(err error) bool {
	appErr, ok := errors.As(err)
	if !ok || appErr.Type != errors.ErrTypeTransientNetwork {
		return false
	}
	return appErr.Code != circuitbreaker.ErrCodeOpen
}

// AuthorizationCode exchanges code for tokens.
func (c *TokenClient) AuthorizationCode(ctx context.Context, cfg connectors.ConnectorConfig, code string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", cfg.RedirectURI)
	return c.Request(ctx, cfg, form)
}

// RefreshToken redeems refreshToken for a new access token.
func (c *TokenClient) RefreshToken(ctx context.Context, cfg connectors.ConnectorConfig, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.Request(ctx, cfg, form)
}

// Request posts form to the token endpoint of cfg with client credentials
// added to the body.
func (c *TokenClient) Request(ctx context.Context, cfg connectors.ConnectorConfig, form url.Values) (*TokenResponse, error) {
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	body := form.Encode()

	logger := c.logger.WithContext(ctx).WithFields(
		logging.Field{"connector_id", cfg.ConnectorID},
		logging.Field{"grant_type", form.Get("grant_type")},
	)

	var resp *TokenResponse
	attempt := 0
	err := utils.RetryWithBackoff(ctx, c.retry, func() error {
		attempt++
		var err error
		resp, err = c.guarded(ctx, cfg, body)
		if err != nil && isRetryable(err) {
			logger.Warn("Token endpoint call failed", logging.Field{"attempt", attempt}, logging.Err(err))
		}
		return err
	})
	if err != nil {
		if appErr, ok := errors.As(err); ok {
			return nil, appErr
		}
		return nil, err
	}

	logger.Debug("Token endpoint call succeeded", logging.Field{"attempt", attempt})
	return resp, nil
}

func (c *TokenClient) guarded(ctx context.Context, cfg connectors.ConnectorConfig, body string) (*TokenResponse, error) {
	if c.breakers == nil {
		return c.do(ctx, cfg, body)
	}

	var resp *TokenResponse
	err := c.breakers.Get("token:"+cfg.ConnectorID).Execute(ctx, func() error {
		var err error
		resp, err = c.do(ctx, cfg, body)
		return err
	})
	return resp, err
}

func (c *TokenClient) do(ctx context.Context, cfg connectors.ConnectorConfig, body string) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(body))
	if err != nil {
		return nil, errors.InternalError("failed to create token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.TransientNetworkError("token endpoint unreachable", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, errors.TransientNetworkError("failed to read token response", err)
	}

	if httpResp.StatusCode >= 500 {
		return nil, errors.TransientNetworkError(
			fmt.Sprintf("token endpoint returned %d", httpResp.StatusCode),
			parseEndpointError(httpResp, raw),
		).WithContext("status", httpResp.StatusCode)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, parseEndpointError(httpResp, raw)
	}

	payload, err := parsePayload(httpResp.Header.Get("Content-Type"), raw)
	if err != nil {
		return nil, errors.ProviderRejectedError("token response could not be decoded", err)
	}
	return payload.tokenResponse()
}

// tokenPayload accepts both JSON and form-encoded bodies. Some providers
// send expires_in as a string.
type tokenPayload struct {
	AccessToken      string      `json:"access_token"`
	TokenType        string      `json:"token_type"`
	RefreshToken     string      `json:"refresh_token"`
	Scope            string      `json:"scope"`
	ExpiresIn        json.Number `json:"expires_in"`
	ErrorCode        string      `json:"error"`
	ErrorDescription string      `json:"error_description"`
}

func parsePayload(contentType string, raw []byte) (*tokenPayload, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)

	if mediaType == "application/x-www-form-urlencoded" || mediaType == "text/plain" {
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, err
		}
		return &tokenPayload{
			AccessToken:      values.Get("access_token"),
			TokenType:        values.Get("token_type"),
			RefreshToken:     values.Get("refresh_token"),
			Scope:            values.Get("scope"),
			ExpiresIn:        json.Number(values.Get("expires_in")),
			ErrorCode:        values.Get("error"),
			ErrorDescription: values.Get("error_description"),
		}, nil
	}

	var p tokenPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *tokenPayload) tokenResponse() (*TokenResponse, error) {
	if p.ErrorCode != "" {
		return nil, errors.ProviderRejectedError("token endpoint returned an error payload", &EndpointError{
			StatusCode:       http.StatusOK,
			ErrorCode:        p.ErrorCode,
			ErrorDescription: p.ErrorDescription,
		}).WithCode(p.ErrorCode)
	}
	if p.AccessToken == "" {
		return nil, errors.ProviderRejectedError("token response is missing access_token", nil)
	}
	if p.ExpiresIn == "" {
		return nil, errors.ProviderRejectedError("token response is missing expires_in", nil)
	}

	expiresIn, err := strconv.ParseInt(strings.TrimSpace(string(p.ExpiresIn)), 10, 64)
	if err != nil || expiresIn <= 0 {
		return nil, errors.ProviderRejectedError("token response has an invalid expires_in", err)
	}

	return &TokenResponse{
		AccessToken:  p.AccessToken,
		TokenType:    p.TokenType,
		RefreshToken: p.RefreshToken,
		Scope:        p.Scope,
		ExpiresIn:    expiresIn,
	}, nil
}

func parseEndpointError(resp *http.Response, raw []byte) *EndpointError {
	e := &EndpointError{StatusCode: resp.StatusCode, Body: string(raw)}
	if p, err := parsePayload(resp.Header.Get("Content-Type"), raw); err == nil {
		e.ErrorCode = p.ErrorCode
		e.ErrorDescription = p.ErrorDescription
	}
	return e
}
