package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogUsage(ctx context.Context, log *UsageLog) error {
	query := `
		INSERT INTO usage_logs (username, app, request_id, generation_id, outcome, total_tokens, total_steps, total_price, currency, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.Username, log.App, log.RequestID, log.GenerationID, log.Outcome,
		log.TotalTokens, log.TotalSteps, log.TotalPrice, log.Currency, log.ElapsedMs,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetUsageByUser(ctx context.Context, username string, from, to time.Time) ([]*UsageLog, error) {
	query := `
		SELECT id, username, app, request_id, generation_id, outcome, total_tokens, total_steps, total_price, currency, elapsed_ms, created_at
		FROM usage_logs
		WHERE username = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, username, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var logs []*UsageLog
	for rows.Next() {
		var l UsageLog
		err := rows.Scan(
			&l.ID, &l.Username, &l.App, &l.RequestID, &l.GenerationID, &l.Outcome,
			&l.TotalTokens, &l.TotalSteps, &l.TotalPrice, &l.Currency, &l.ElapsedMs, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) GetTotalTokensByUser(ctx context.Context, username string, from, to time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(total_tokens), 0)
		FROM usage_logs
		WHERE username = $1 AND created_at BETWEEN $2 AND $3
	`
	var total int64
	err := s.db.QueryRow(ctx, query, username, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total tokens: %w", err)
	}

	return total, nil
}
