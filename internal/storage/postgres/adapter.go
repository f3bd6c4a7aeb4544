package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"connector-hub/internal/crypto"
	"connector-hub/internal/oauth2"
)

// Adapter implements oauth2.StateStore and oauth2.TokenStore on PostgreSQL
// through a pgx connection pool.
type Adapter struct {
	pool   *pgxpool.Pool
	config *Config
	cipher crypto.Cipher
	ttl    time.Duration
	now    oauth2.Clock
}

// Option configures an Adapter
type Option func(*Adapter)

// WithCipher seals access and refresh tokens at rest
func WithCipher(c crypto.Cipher) Option {
	return func(a *Adapter) {
		a.cipher = c
	}
}

// WithStateTTL sets the lifetime of issued states
func WithStateTTL(ttl time.Duration) Option {
	return func(a *Adapter) {
		a.ttl = ttl
	}
}

// WithClock replaces the system clock
func WithClock(now oauth2.Clock) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

func NewAdapter(ctx context.Context, config *Config, opts ...Option) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(config.GetConnectionString())
	if err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{
		pool:   pool,
		config: config,
		cipher: crypto.PlainCipher{},
		ttl:    oauth2.DefaultStateTTL,
		now:    oauth2.SystemClock,
	}
	for _, opt := range opts {
		opt(adapter)
	}

	if err := adapter.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return adapter, nil
}

func (a *Adapter) Close() error {
	if a.pool != nil {
		a.pool.Close()
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

func (a *Adapter) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS oauth_states (
			state TEXT PRIMARY KEY,
			attempt_id TEXT NOT NULL,
			connector_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_states_expires_at ON oauth_states(expires_at)`,
		`CREATE TABLE IF NOT EXISTS connector_credentials (
			connector_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			last_refreshed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (connector_id, organization_id, user_id, project_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connector_credentials_identity
			ON connector_credentials(organization_id, user_id, project_id)`,
	}

	for _, query := range queries {
		if _, err := a.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

func (a *Adapter) Issue(ctx context.Context, connectorID string, identity oauth2.Identity) (*oauth2.OAuthState, error) {
	st, err := oauth2.NewOAuthState(connectorID, identity, a.now(), a.ttl)
	if err != nil {
		return nil, err
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO oauth_states (state, attempt_id, connector_id, organization_id, user_id, project_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		st.State, st.AttemptID, st.ConnectorID,
		identity.OrganizationID, identity.UserID, identity.ProjectID,
		st.CreatedAt, st.ExpiresAt,
	)
	if err != nil {
		return nil, oauth2.StoreError("state issue", err)
	}
	return st, nil
}

// Consume deletes the row and returns it in one statement, so concurrent
// callbacks with the same state see exactly one winner.
func (a *Adapter) Consume(ctx context.Context, state string) (*oauth2.OAuthState, error) {
	var st oauth2.OAuthState
	err := a.pool.QueryRow(ctx, `
		DELETE FROM oauth_states WHERE state = $1
		RETURNING state, attempt_id, connector_id, organization_id, user_id, project_id, created_at, expires_at`,
		state,
	).Scan(&st.State, &st.AttemptID, &st.ConnectorID,
		&st.Identity.OrganizationID, &st.Identity.UserID, &st.Identity.ProjectID,
		&st.CreatedAt, &st.ExpiresAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, oauth2.InvalidState()
	}
	if err != nil {
		return nil, oauth2.StoreError("state consume", err)
	}

	st.CreatedAt = st.CreatedAt.UTC()
	st.ExpiresAt = st.ExpiresAt.UTC()
	if st.Expired(a.now()) {
		return nil, oauth2.InvalidState()
	}
	return &st, nil
}

func (a *Adapter) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := a.pool.Exec(ctx, `DELETE FROM oauth_states WHERE expires_at <= $1`, a.now())
	if err != nil {
		return 0, oauth2.StoreError("state purge", err)
	}
	return tag.RowsAffected(), nil
}

func (a *Adapter) Get(ctx context.Context, key oauth2.CredentialKey) (*oauth2.Credential, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT connector_id, organization_id, user_id, project_id, access_token, refresh_token, scope,
			expires_at, last_refreshed_at, created_at
		FROM connector_credentials
		WHERE connector_id = $1 AND organization_id = $2 AND user_id = $3 AND project_id = $4`,
		key.ConnectorID, key.OrganizationID, key.UserID, key.ProjectID,
	)

	cred, err := a.scanCredential(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, oauth2.CredentialNotFound(key)
	}
	if err != nil {
		return nil, oauth2.StoreError("get", err)
	}
	return cred, nil
}

func (a *Adapter) Upsert(ctx context.Context, cred *oauth2.Credential) error {
	if err := cred.Key.Validate(); err != nil {
		return err
	}

	sealed, err := oauth2.SealTokens(a.cipher, cred)
	if err != nil {
		return err
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO connector_credentials (connector_id, organization_id, user_id, project_id,
			access_token, refresh_token, scope, expires_at, last_refreshed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (connector_id, organization_id, user_id, project_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			scope = EXCLUDED.scope,
			expires_at = EXCLUDED.expires_at,
			last_refreshed_at = EXCLUDED.last_refreshed_at,
			created_at = EXCLUDED.created_at`,
		cred.Key.ConnectorID, cred.Key.OrganizationID, cred.Key.UserID, cred.Key.ProjectID,
		sealed.AccessToken, sealed.RefreshToken, cred.Scope,
		cred.ExpiresAt, cred.LastRefreshedAt, cred.CreatedAt,
	)
	if err != nil {
		return oauth2.StoreError("upsert", err)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, key oauth2.CredentialKey) error {
	tag, err := a.pool.Exec(ctx, `
		DELETE FROM connector_credentials
		WHERE connector_id = $1 AND organization_id = $2 AND user_id = $3 AND project_id = $4`,
		key.ConnectorID, key.OrganizationID, key.UserID, key.ProjectID,
	)
	if err != nil {
		return oauth2.StoreError("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return oauth2.CredentialNotFound(key)
	}
	return nil
}

func (a *Adapter) List(ctx context.Context, identity oauth2.Identity) ([]*oauth2.Credential, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT connector_id, organization_id, user_id, project_id, access_token, refresh_token, scope,
			expires_at, last_refreshed_at, created_at
		FROM connector_credentials
		WHERE organization_id = $1 AND user_id = $2 AND project_id = $3
		ORDER BY connector_id`,
		identity.OrganizationID, identity.UserID, identity.ProjectID,
	)
	if err != nil {
		return nil, oauth2.StoreError("list", err)
	}
	defer rows.Close()

	var out []*oauth2.Credential
	for rows.Next() {
		cred, err := a.scanCredential(rows)
		if err != nil {
			return nil, oauth2.StoreError("list", err)
		}
		out = append(out, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, oauth2.StoreError("list", err)
	}
	return out, nil
}

func (a *Adapter) scanCredential(row pgx.Row) (*oauth2.Credential, error) {
	var (
		cred   oauth2.Credential
		sealed oauth2.SealedTokens
	)
	err := row.Scan(
		&cred.Key.ConnectorID, &cred.Key.OrganizationID, &cred.Key.UserID, &cred.Key.ProjectID,
		&sealed.AccessToken, &sealed.RefreshToken, &cred.Scope,
		&cred.ExpiresAt, &cred.LastRefreshedAt, &cred.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	cred.ExpiresAt = cred.ExpiresAt.UTC()
	cred.LastRefreshedAt = cred.LastRefreshedAt.UTC()
	cred.CreatedAt = cred.CreatedAt.UTC()

	if err := oauth2.OpenTokens(a.cipher, sealed, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}
