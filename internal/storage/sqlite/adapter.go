package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"connector-hub/internal/crypto"
	"connector-hub/internal/oauth2"
)

// Adapter implements oauth2.StateStore and oauth2.TokenStore on SQLite.
// Timestamps are stored as unix milliseconds.
type Adapter struct {
	db     *sql.DB
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

func NewAdapter(config *Config, opts ...Option) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SQLite config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.GetConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; the busy timeout covers other processes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{
		db:     db,
		config: config,
		cipher: crypto.PlainCipher{},
		ttl:    oauth2.DefaultStateTTL,
		now:    oauth2.SystemClock,
	}
	for _, opt := range opts {
		opt(adapter)
	}

	if err := adapter.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return adapter, nil
}

func (a *Adapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *Adapter) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS oauth_states (
			state TEXT PRIMARY KEY,
			attempt_id TEXT NOT NULL,
			connector_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
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
			expires_at INTEGER NOT NULL,
			last_refreshed_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (connector_id, organization_id, user_id, project_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connector_credentials_identity
			ON connector_credentials(organization_id, user_id, project_id)`,
	}

	for _, query := range queries {
		if _, err := a.db.Exec(query); err != nil {
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

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state, attempt_id, connector_id, organization_id, user_id, project_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.State, st.AttemptID, st.ConnectorID,
		identity.OrganizationID, identity.UserID, identity.ProjectID,
		st.CreatedAt.UnixMilli(), st.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return nil, oauth2.StoreError("state issue", err)
	}
	return st, nil
}

func (a *Adapter) Consume(ctx context.Context, state string) (*oauth2.OAuthState, error) {
	var (
		st                   oauth2.OAuthState
		createdAt, expiresAt int64
	)
	err := a.db.QueryRowContext(ctx, `
		DELETE FROM oauth_states WHERE state = ?
		RETURNING state, attempt_id, connector_id, organization_id, user_id, project_id, created_at, expires_at`,
		state,
	).Scan(&st.State, &st.AttemptID, &st.ConnectorID,
		&st.Identity.OrganizationID, &st.Identity.UserID, &st.Identity.ProjectID,
		&createdAt, &expiresAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, oauth2.InvalidState()
	}
	if err != nil {
		return nil, oauth2.StoreError("state consume", err)
	}

	st.CreatedAt = fromMillis(createdAt)
	st.ExpiresAt = fromMillis(expiresAt)
	if st.Expired(a.now()) {
		return nil, oauth2.InvalidState()
	}
	return &st, nil
}

func (a *Adapter) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := a.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at <= ?`, a.now().UnixMilli())
	if err != nil {
		return 0, oauth2.StoreError("state purge", err)
	}
	return result.RowsAffected()
}

func (a *Adapter) Get(ctx context.Context, key oauth2.CredentialKey) (*oauth2.Credential, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT connector_id, organization_id, user_id, project_id, access_token, refresh_token, scope,
			expires_at, last_refreshed_at, created_at
		FROM connector_credentials
		WHERE connector_id = ? AND organization_id = ? AND user_id = ? AND project_id = ?`,
		key.ConnectorID, key.OrganizationID, key.UserID, key.ProjectID,
	)

	cred, err := a.scanCredential(row)
	if stderrors.Is(err, sql.ErrNoRows) {
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

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO connector_credentials (connector_id, organization_id, user_id, project_id,
			access_token, refresh_token, scope, expires_at, last_refreshed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connector_id, organization_id, user_id, project_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			scope = excluded.scope,
			expires_at = excluded.expires_at,
			last_refreshed_at = excluded.last_refreshed_at,
			created_at = excluded.created_at`,
		cred.Key.ConnectorID, cred.Key.OrganizationID, cred.Key.UserID, cred.Key.ProjectID,
		sealed.AccessToken, sealed.RefreshToken, cred.Scope,
		cred.ExpiresAt.UnixMilli(), cred.LastRefreshedAt.UnixMilli(), cred.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return oauth2.StoreError("upsert", err)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, key oauth2.CredentialKey) error {
	result, err := a.db.ExecContext(ctx, `
		DELETE FROM connector_credentials
		WHERE connector_id = ? AND organization_id = ? AND user_id = ? AND project_id = ?`,
		key.ConnectorID, key.OrganizationID, key.UserID, key.ProjectID,
	)
	if err != nil {
		return oauth2.StoreError("delete", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return oauth2.StoreError("delete", err)
	}
	if n == 0 {
		return oauth2.CredentialNotFound(key)
	}
	return nil
}

func (a *Adapter) List(ctx context.Context, identity oauth2.Identity) ([]*oauth2.Credential, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT connector_id, organization_id, user_id, project_id, access_token, refresh_token, scope,
			expires_at, last_refreshed_at, created_at
		FROM connector_credentials
		WHERE organization_id = ? AND user_id = ? AND project_id = ?
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

type scanner interface {
	Scan(dest ...interface{}) error
}

func (a *Adapter) scanCredential(row scanner) (*oauth2.Credential, error) {
	var (
		cred                                  oauth2.Credential
		sealed                                oauth2.SealedTokens
		expiresAt, lastRefreshedAt, createdAt int64
	)
	err := row.Scan(
		&cred.Key.ConnectorID, &cred.Key.OrganizationID, &cred.Key.UserID, &cred.Key.ProjectID,
		&sealed.AccessToken, &sealed.RefreshToken, &cred.Scope,
		&expiresAt, &lastRefreshedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	cred.ExpiresAt = fromMillis(expiresAt)
	cred.LastRefreshedAt = fromMillis(lastRefreshedAt)
	cred.CreatedAt = fromMillis(createdAt)

	if err := oauth2.OpenTokens(a.cipher, sealed, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
