package redis

import (
	"context"

	"github.com/redis/rueidis"

	"github.com/topfeed/topfeed/internal/db"
)

// HSet writes fields to a hash.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	cmd := s.b().Hset().Key(key).FieldValue()
	for f, v := range fields {
		cmd = cmd.FieldValue(f, v)
	}
	if err := s.do(ctx, cmd.Build()).Error(); err != nil {
		return &db.Error{Op: db.OpHSet, Err: err}
	}
	return nil
}

// HSetMulti writes several hashes in one round trip.
func (s *Store) HSetMulti(ctx context.Context, items []db.HashSetItem) error {
	if len(items) == 0 {
		return nil
	}
	cmds := make(rueidis.Commands, 0, len(items))
	for _, it := range items {
		if len(it.Fields) == 0 {
			continue
		}
		cmd := s.b().Hset().Key(it.Key).FieldValue()
		for f, v := range it.Fields {
			cmd = cmd.FieldValue(f, v)
		}
		cmds = append(cmds, cmd.Build())
	}
	for _, res := range s.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return &db.Error{Op: db.OpHSet, Err: err}
		}
	}
	return nil
}

// HGetAll reads all fields of a hash. Returns db.ErrKeyNotFound for a missing key.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	cmd := s.b().Hgetall().Key(key).Build()
	m, err := s.do(ctx, cmd).AsStrMap()
	if err != nil {
		return nil, &db.Error{Op: db.OpHGetAll, Err: err}
	}
	if len(m) == 0 {
		return nil, &db.Error{Op: db.OpHGetAll, Err: db.ErrKeyNotFound}
	}
	return m, nil
}

// HGetAllMulti reads several hashes in one round trip. Missing keys are
// returned as nil entries, in the same order as keys.
func (s *Store) HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make(rueidis.Commands, 0, len(keys))
	for _, key := range keys {
		cmds = append(cmds, s.b().Hgetall().Key(key).Build())
	}
	out := make([]map[string]string, len(keys))
	for i, res := range s.client.DoMulti(ctx, cmds...) {
		m, err := res.AsStrMap()
		if err != nil {
			return nil, &db.Error{Op: db.OpHGetAll, Err: err}
		}
		if len(m) == 0 {
			out[i] = nil
			continue
		}
		out[i] = m
	}
	return out, nil
}
