// refresh.go -- Refresh token ledger.
//
// Every issued refresh token is a row keyed by the SHA-256 of its value.
// Rotation is a conditional UPDATE on that row inside a transaction, so two
// concurrent rotations of the same token serialise on the row lock: the
// loser re-evaluates the predicate after the winner commits, matches nothing,
// and is classified as reuse.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// CreateRefreshToken inserts a family root. Caller sets ID, TokenHash, FamilyID,
// UserID, ClientID, Scope and ExpiresAt; IssuedAt is filled from the database clock.
func (s *PostgresStore) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO refresh_tokens (id, token_hash, family_id, parent_id, user_id, client_id, scope, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING issued_at`,
		t.ID, t.TokenHash, t.FamilyID, t.ParentID, t.UserID, t.ClientID, t.Scope, t.ExpiresAt,
	).Scan(&t.IssuedAt)
	if err != nil {
		return fmt.Errorf("creating refresh token: %w", err)
	}
	return nil
}

// RotateRefreshToken supersedes the live token with hash tokenHash by child.
//
// On success the parent row has rotated_at set, child is inserted with the
// parent's family, user and scope, and the updated parent is returned.
// Caller sets child.ID, child.TokenHash and child.ExpiresAt.
//
// Failures (all in one transaction with the attempted update):
//   - no row, or row belongs to another client: ErrRefreshNotFound
//   - row revoked: ErrRefreshRevoked (family is already terminal, nothing changes)
//   - row already rotated: whole family revoked, *ReuseError returned
//   - row expired: ErrRefreshExpired
func (s *PostgresStore) RotateRefreshToken(ctx context.Context, tokenHash []byte, clientID string, child *RefreshToken) (*RefreshToken, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning rotation: %w", err)
	}
	defer tx.Rollback(ctx)

	parent := RefreshToken{TokenHash: tokenHash}
	err = tx.QueryRow(ctx,
		`UPDATE refresh_tokens SET rotated_at = now()
		 WHERE token_hash = $1 AND client_id = $2
		   AND rotated_at IS NULL AND revoked_at IS NULL AND expires_at > now()
		 RETURNING id, family_id, parent_id, user_id, client_id, scope, issued_at, expires_at, rotated_at`,
		tokenHash, clientID,
	).Scan(&parent.ID, &parent.FamilyID, &parent.ParentID, &parent.UserID, &parent.ClientID,
		&parent.Scope, &parent.IssuedAt, &parent.ExpiresAt, &parent.RotatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.classifyFailedRotation(ctx, tx, tokenHash, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}

	child.FamilyID = parent.FamilyID
	child.ParentID = &parent.ID
	child.UserID = parent.UserID
	child.ClientID = parent.ClientID
	child.Scope = parent.Scope
	err = tx.QueryRow(ctx,
		`INSERT INTO refresh_tokens (id, token_hash, family_id, parent_id, user_id, client_id, scope, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING issued_at`,
		child.ID, child.TokenHash, child.FamilyID, child.ParentID, child.UserID, child.ClientID, child.Scope, child.ExpiresAt,
	).Scan(&child.IssuedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting rotated refresh token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing rotation: %w", err)
	}
	return &parent, nil
}

// classifyFailedRotation explains why the conditional update matched nothing.
// Reuse revokes the family and commits tx; every other outcome leaves tx for rollback.
func (s *PostgresStore) classifyFailedRotation(ctx context.Context, tx pgx.Tx, tokenHash []byte, clientID string) error {
	var (
		familyID  uuid.UUID
		userID    uuid.UUID
		owner     string
		expiresAt time.Time
		rotatedAt *time.Time
		revokedAt *time.Time
	)
	err := tx.QueryRow(ctx,
		`SELECT family_id, user_id, client_id, expires_at, rotated_at, revoked_at
		 FROM refresh_tokens WHERE token_hash = $1`,
		tokenHash,
	).Scan(&familyID, &userID, &owner, &expiresAt, &rotatedAt, &revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRefreshNotFound
	}
	if err != nil {
		return fmt.Errorf("classifying refresh token: %w", err)
	}

	switch {
	case owner != clientID:
		return ErrRefreshNotFound
	case revokedAt != nil:
		return ErrRefreshRevoked
	case rotatedAt != nil:
		n, err := revokeFamily(ctx, tx, familyID)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing family revocation: %w", err)
		}
		return &ReuseError{FamilyID: familyID, UserID: userID, Revoked: n}
	case !expiresAt.After(time.Now()):
		return ErrRefreshExpired
	default:
		// Row changed between the update and this read; treat as not usable.
		slog.Warn("refresh rotation matched no row but token looks live", "family_id", familyID)
		return ErrRefreshNotFound
	}
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// revokeFamily sets revoked_at on every not-yet-revoked member of the family.
func revokeFamily(ctx context.Context, q execer, familyID uuid.UUID) (int64, error) {
	tag, err := q.Exec(ctx,
		"UPDATE refresh_tokens SET revoked_at = now() WHERE family_id = $1 AND revoked_at IS NULL",
		familyID)
	if err != nil {
		return 0, fmt.Errorf("revoking family: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RevokeFamily revokes every not-yet-revoked token in the family. Returns rows changed.
func (s *PostgresStore) RevokeFamily(ctx context.Context, familyID uuid.UUID) (int64, error) {
	return revokeFamily(ctx, s.pool, familyID)
}

// GetRefreshToken fetches a ledger row by token hash regardless of state.
// Returns ErrRefreshNotFound if no row matches.
func (s *PostgresStore) GetRefreshToken(ctx context.Context, tokenHash []byte) (*RefreshToken, error) {
	var t RefreshToken
	err := s.pool.QueryRow(ctx,
		`SELECT id, token_hash, family_id, parent_id, user_id, client_id, scope,
		        issued_at, expires_at, rotated_at, revoked_at
		 FROM refresh_tokens WHERE token_hash = $1`,
		tokenHash,
	).Scan(&t.ID, &t.TokenHash, &t.FamilyID, &t.ParentID, &t.UserID, &t.ClientID, &t.Scope,
		&t.IssuedAt, &t.ExpiresAt, &t.RotatedAt, &t.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefreshNotFound
		}
		return nil, fmt.Errorf("fetching refresh token: %w", err)
	}
	return &t, nil
}

// RevokeUserTokens revokes every refresh family belonging to userID, across all clients.
func (s *PostgresStore) RevokeUserTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE refresh_tokens SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL",
		userID)
	if err != nil {
		return 0, fmt.Errorf("revoking user tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupRefreshTokens deletes expired rows and rows revoked more than retention ago.
// Rotated-but-unexpired rows are kept: they are the evidence reuse detection needs.
func (s *PostgresStore) CleanupRefreshTokens(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM refresh_tokens WHERE expires_at < now() OR revoked_at < $1",
		time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleaning up refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
