// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool setup plus the user, session and audit queries.
// Client and refresh-token queries live in clients.go and refresh.go.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable store: clients, refresh token ledger, users, sessions, audit log.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against databaseURL and verifies it answers.
// Pool sizing comes from the URL (pool_max_conns and friends).
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres. Used by GET /health.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetUserByID fetches the claim-bearing columns of a user.
// Returns ErrNotFound if no such user exists.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, email_confirmed_at, phone, phone_confirmed_at,
		        first_name, last_name, username, avatar_url, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Email, &u.EmailConfirmedAt, &u.Phone, &u.PhoneConfirmedAt,
		&u.FirstName, &u.LastName, &u.Username, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching user: %w", err)
	}
	return &u, nil
}

// GetSessionByTokenHash fetches a valid (non-expired) session by token hash.
// Returns ErrNotFound if not found or expired.
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, token_hash, csrf_token, expires_at, created_at
		 FROM sessions WHERE token_hash = $1 AND expires_at > now()`,
		tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.CSRFToken, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	return &sess, nil
}

// WriteAudit inserts one audit_logs row.
func (s *PostgresStore) WriteAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs (user_id, client_id, action, ip_address, user_agent, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.UserID, e.ClientID, e.Action, e.IPAddress, e.UserAgent, e.Metadata)
	if err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}
