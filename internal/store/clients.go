// clients.go -- OAuth client registrations.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const clientColumns = `client_id, client_secret_hash, client_type, name, redirect_uris,
	grant_types, scopes, is_active, created_at, updated_at`

func scanClient(row pgx.Row) (*Client, error) {
	var c Client
	err := row.Scan(&c.ID, &c.SecretHash, &c.Type, &c.Name, &c.RedirectURIs,
		&c.GrantTypes, &c.Scopes, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateClient inserts a new client and fills CreatedAt/UpdatedAt.
// Caller generates client_id and hashes the secret BEFORE calling this.
// Returns raw pgx error so callers can inspect unique violations.
func (s *PostgresStore) CreateClient(ctx context.Context, c *Client) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO clients (client_id, client_secret_hash, client_type, name, redirect_uris, grant_types, scopes, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		c.ID, c.SecretHash, c.Type, c.Name, c.RedirectURIs, c.GrantTypes, c.Scopes, c.IsActive,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

// GetClient fetches a client by client_id, active or not.
// Returns ErrClientNotFound if no row matches.
func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	c, err := scanClient(s.pool.QueryRow(ctx,
		"SELECT "+clientColumns+" FROM clients WHERE client_id = $1", clientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("fetching client: %w", err)
	}
	return c, nil
}

// DeactivateClient sets is_active = false and revokes every live refresh token the client holds.
// Returns ErrClientNotFound if no row matches.
func (s *PostgresStore) DeactivateClient(ctx context.Context, clientID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning client deactivation: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"UPDATE clients SET is_active = false, updated_at = now() WHERE client_id = $1", clientID)
	if err != nil {
		return fmt.Errorf("deactivating client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClientNotFound
	}

	if _, err := tx.Exec(ctx,
		"UPDATE refresh_tokens SET revoked_at = now() WHERE client_id = $1 AND revoked_at IS NULL",
		clientID); err != nil {
		return fmt.Errorf("revoking client tokens: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing client deactivation: %w", err)
	}
	return nil
}
