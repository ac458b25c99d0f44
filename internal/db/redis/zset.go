package redis

import (
	"context"
	"strconv"

	"github.com/redis/rueidis"

	"github.com/topfeed/topfeed/internal/db"
)

// ZAdd adds a member to a sorted set.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	cmd := s.b().Zadd().Key(key).ScoreMember().ScoreMember(score, member).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return &db.Error{Op: db.OpZAdd, Err: err}
	}
	return nil
}

// ZAddMulti pipelines ZADD across several keys.
func (s *Store) ZAddMulti(ctx context.Context, items []db.ZAddItem) error {
	if len(items) == 0 {
		return nil
	}
	cmds := make(rueidis.Commands, 0, len(items))
	for _, it := range items {
		cmds = append(cmds, s.b().Zadd().Key(it.Key).ScoreMember().ScoreMember(it.Score, it.Member).Build())
	}
	for _, res := range s.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return &db.Error{Op: db.OpZAdd, Err: err}
		}
	}
	return nil
}

// ZIncrBy increments a member's score.
func (s *Store) ZIncrBy(ctx context.Context, key string, increment float64, member string) error {
	cmd := s.b().Zincrby().Key(key).Increment(increment).Member(member).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return &db.Error{Op: db.OpZIncrBy, Err: err}
	}
	return nil
}

// ZRevRangeWithScores returns members ordered by score descending.
func (s *Store) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]db.ZMember, error) {
	cmd := s.b().Zrange().Key(key).Min(strconv.FormatInt(start, 10)).Max(strconv.FormatInt(stop, 10)).Rev().Withscores().Build()
	scores, err := s.do(ctx, cmd).AsZScores()
	if err != nil {
		return nil, &db.Error{Op: db.OpZRange, Err: err}
	}
	out := make([]db.ZMember, 0, len(scores))
	for _, z := range scores {
		out = append(out, db.ZMember{Member: z.Member, Score: z.Score})
	}
	return out, nil
}

// ZRangeByScoreWithScores returns members with min <= score <= max,
// ordered by score ascending.
func (s *Store) ZRangeByScoreWithScores(ctx context.Context, key string, min, max float64) ([]db.ZMember, error) {
	cmd := s.b().Zrangebyscore().Key(key).
		Min(strconv.FormatFloat(min, 'f', -1, 64)).
		Max(strconv.FormatFloat(max, 'f', -1, 64)).
		Withscores().Build()
	scores, err := s.do(ctx, cmd).AsZScores()
	if err != nil {
		return nil, &db.Error{Op: db.OpZRange, Err: err}
	}
	out := make([]db.ZMember, 0, len(scores))
	for _, z := range scores {
		out = append(out, db.ZMember{Member: z.Member, Score: z.Score})
	}
	return out, nil
}

// ZRemRangeByRank trims a sorted set by rank range.
func (s *Store) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	cmd := s.b().Zremrangebyrank().Key(key).Start(start).Stop(stop).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return &db.Error{Op: db.OpZRemRange, Err: err}
	}
	return nil
}

// ZCard returns the cardinality of a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	cmd := s.b().Zcard().Key(key).Build()
	n, err := s.do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, &db.Error{Op: db.OpZCard, Err: err}
	}
	return n, nil
}
