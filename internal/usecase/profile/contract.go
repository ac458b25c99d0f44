package profile

import (
	"context"
	"time"

	"github.com/topfeed/topfeed/internal/domain"
	domprofile "github.com/topfeed/topfeed/internal/domain/profile"
)

// EventReader reads the interaction log.
type EventReader interface {
	EventsSince(ctx context.Context, since time.Time) ([]domain.Event, error)
}

// SnapshotStore persists per-user profile snapshots and the update watermark.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, tree domprofile.Tree, nodes []domprofile.FlatNode) error
	Tree(ctx context.Context, userID string) (domprofile.Tree, error)
	Watermark(ctx context.Context) (time.Time, error)
	SetWatermark(ctx context.Context, t time.Time) error
}
