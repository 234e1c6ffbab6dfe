package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByToken(ctx context.Context, token string) (*Identity, error) {
	query := `
		SELECT id, username, token_hash, active, created_at
		FROM identities
		WHERE token_hash = $1 AND active = true
	`

	var id Identity
	err := s.db.QueryRow(ctx, query, HashToken(token)).Scan(
		&id.ID, &id.Username, &id.TokenHash, &id.Active, &id.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	return &id, nil
}

func (s *PostgresStore) Create(ctx context.Context, identity *Identity) error {
	if identity.TokenHash == "" {
		return fmt.Errorf("token_hash is required")
	}
	if identity.Username == "" {
		return fmt.Errorf("username is required")
	}

	query := `
		INSERT INTO identities (username, token_hash, active)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	err := s.db.QueryRow(ctx, query,
		identity.Username, identity.TokenHash, identity.Active,
	).Scan(&identity.ID, &identity.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}

	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, identityID string) error {
	query := `UPDATE identities SET active = false WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, identityID)
	if err != nil {
		return fmt.Errorf("failed to revoke identity: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrIdentityNotFound
	}

	return nil
}
