package billing

import (
	"context"
	"time"
)

// UsageLog records what one generation cost. Generated text is never stored.
type UsageLog struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	App          string    `json:"app"`
	RequestID    string    `json:"request_id"`
	GenerationID string    `json:"generation_id"`
	Outcome      string    `json:"outcome"`
	TotalTokens  int       `json:"total_tokens"`
	TotalSteps   int       `json:"total_steps"`
	TotalPrice   string    `json:"total_price"`
	Currency     string    `json:"currency"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByUser(ctx context.Context, username string, from, to time.Time) ([]*UsageLog, error)
	GetTotalTokensByUser(ctx context.Context, username string, from, to time.Time) (int64, error)
}
