package event

import (
	"context"

	"github.com/topfeed/topfeed/internal/db"
)

// mockStore implements the consumer interface for tests.
type mockStore struct {
	zaddFn        func(ctx context.Context, key string, score float64, member string) error
	zaddMultiFn   func(ctx context.Context, items []db.ZAddItem) error
	zincrByFn     func(ctx context.Context, key string, increment float64, member string) error
	zrevRangeFn   func(ctx context.Context, key string, start, stop int64) ([]db.ZMember, error)
	zrangeScoreFn func(ctx context.Context, key string, min, max float64) ([]db.ZMember, error)
	zremRangeFn   func(ctx context.Context, key string, start, stop int64) error
	zcardFn       func(ctx context.Context, key string) (int64, error)
}

func (m *mockStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if m.zaddFn != nil {
		return m.zaddFn(ctx, key, score, member)
	}
	return nil
}

func (m *mockStore) ZAddMulti(ctx context.Context, items []db.ZAddItem) error {
	if m.zaddMultiFn != nil {
		return m.zaddMultiFn(ctx, items)
	}
	return nil
}

func (m *mockStore) ZIncrBy(ctx context.Context, key string, increment float64, member string) error {
	if m.zincrByFn != nil {
		return m.zincrByFn(ctx, key, increment, member)
	}
	return nil
}

func (m *mockStore) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]db.ZMember, error) {
	if m.zrevRangeFn != nil {
		return m.zrevRangeFn(ctx, key, start, stop)
	}
	return nil, nil
}

func (m *mockStore) ZRangeByScoreWithScores(ctx context.Context, key string, min, max float64) ([]db.ZMember, error) {
	if m.zrangeScoreFn != nil {
		return m.zrangeScoreFn(ctx, key, min, max)
	}
	return nil, nil
}

func (m *mockStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	if m.zremRangeFn != nil {
		return m.zremRangeFn(ctx, key, start, stop)
	}
	return nil
}

func (m *mockStore) ZCard(ctx context.Context, key string) (int64, error) {
	if m.zcardFn != nil {
		return m.zcardFn(ctx, key)
	}
	return 0, nil
}
