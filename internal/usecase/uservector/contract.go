package uservector

import (
	"context"

	"github.com/topfeed/topfeed/internal/domain"
)

// ClickReader reads a user's click history, newest first.
type ClickReader interface {
	ClickHistory(ctx context.Context, userID string, limit int) ([]domain.ClickRecord, error)
}

// ItemReader loads clicked items for their embeddings and taxonomy.
type ItemReader interface {
	GetMulti(ctx context.Context, ids []string) ([]domain.Item, error)
}
