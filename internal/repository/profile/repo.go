// Package profile persists per-user interest trees: a JSON snapshot per user
// plus a sorted-set index of flattened node paths scored by underexplored
// score, and the shared incremental-update watermark.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/topfeed/topfeed/internal/db"
	"github.com/topfeed/topfeed/internal/domain"
	domprofile "github.com/topfeed/topfeed/internal/domain/profile"
)

const watermarkKey = "top:watermark"

func treeKey(userID string) string  { return "top:" + userID }
func nodesKey(userID string) string { return "top:" + userID + ":nodes" }

// store is the consumer interface for profile persistence (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	ZAddMulti(ctx context.Context, items []db.ZAddItem) error
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]db.ZMember, error)
}

// Repo implements interest-tree persistence.
type Repo struct {
	store store
}

// New creates a profile repository.
func New(s store) *Repo {
	return &Repo{store: s}
}

// SaveSnapshot stores the tree and rewrites the flattened node index. The
// node index is replaced, not merged, so removed nodes disappear.
func (r *Repo) SaveSnapshot(ctx context.Context, tree domprofile.Tree, nodes []domprofile.FlatNode) error {
	raw, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal tree: %w", err)
	}
	if err := r.store.Set(ctx, treeKey(tree.UserID), raw); err != nil {
		return fmt.Errorf("save tree %s: %w", tree.UserID, err)
	}

	if err := r.store.Del(ctx, nodesKey(tree.UserID)); err != nil {
		return fmt.Errorf("reset node index %s: %w", tree.UserID, err)
	}
	if len(nodes) == 0 {
		return nil
	}
	writes := make([]db.ZAddItem, 0, len(nodes))
	for _, n := range nodes {
		writes = append(writes, db.ZAddItem{
			Key:    nodesKey(tree.UserID),
			Score:  n.UnderexploredScore,
			Member: n.Path,
		})
	}
	if err := r.store.ZAddMulti(ctx, writes); err != nil {
		return fmt.Errorf("save node index %s: %w", tree.UserID, err)
	}
	return nil
}

// Tree returns a user's interest snapshot.
func (r *Repo) Tree(ctx context.Context, userID string) (domprofile.Tree, error) {
	raw, err := r.store.Get(ctx, treeKey(userID))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return domprofile.Tree{}, domain.ErrProfileNotFound
		}
		return domprofile.Tree{}, fmt.Errorf("get tree %s: %w", userID, err)
	}
	var tree domprofile.Tree
	if err := json.Unmarshal(raw, &tree); err != nil {
		return domprofile.Tree{}, fmt.Errorf("unmarshal tree %s: %w", userID, err)
	}
	return tree, nil
}

// NodePaths returns the user's node paths most underexplored first.
func (r *Repo) NodePaths(ctx context.Context, userID string, limit int) ([]domain.RankedID, error) {
	if limit <= 0 {
		limit = domprofile.CachedPathCount
	}
	members, err := r.store.ZRevRangeWithScores(ctx, nodesKey(userID), 0, int64(limit)-1)
	if err != nil {
		return nil, fmt.Errorf("read node index %s: %w", userID, err)
	}
	out := make([]domain.RankedID, 0, len(members))
	for _, m := range members {
		out = append(out, domain.RankedID{ID: m.Member, Score: m.Score})
	}
	return out, nil
}

// Watermark returns the last processed event time of the incremental
// updater; the zero time when no update has run yet.
func (r *Repo) Watermark(ctx context.Context) (time.Time, error) {
	raw, err := r.store.Get(ctx, watermarkKey)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("get watermark: %w", err)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SetWatermark advances the incremental-update watermark.
func (r *Repo) SetWatermark(ctx context.Context, t time.Time) error {
	raw := strconv.FormatInt(t.UnixMilli(), 10)
	if err := r.store.Set(ctx, watermarkKey, []byte(raw)); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}
