package redis

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/redis/rueidis"
	"github.com/redis/rueidis/mock"
	"go.uber.org/mock/gomock"

	"github.com/topfeed/topfeed/internal/db"
)

// --- client.go tests ---

func TestPing_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("PING")).
		Return(mock.Result(mock.RedisString("PONG")))

	s := NewStoreForTest(c)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPing_Error(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("PING")).
		Return(mock.ErrorResult(context.DeadlineExceeded))

	s := NewStoreForTest(c)
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

// --- hash.go tests ---

func TestHSet_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "HSET" && cmd[1] == "item:N1"
		})).
		Return(mock.Result(mock.RedisInt64(1)))

	s := NewStoreForTest(c)
	err := s.HSet(context.Background(), "item:N1", map[string]string{"title": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHGetAll_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("HGETALL", "item:N1")).
		Return(mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{
			"title":    mock.RedisString("hello"),
			"category": mock.RedisString("sports"),
		})))

	s := NewStoreForTest(c)
	m, err := s.HGetAll(context.Background(), "item:N1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m["title"] != "hello" || m["category"] != "sports" {
		t.Errorf("unexpected map: %v", m)
	}
}

func TestHGetAll_Missing(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("HGETALL", "item:gone")).
		Return(mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{})))

	s := NewStoreForTest(c)
	_, err := s.HGetAll(context.Background(), "item:gone")
	if !errors.Is(err, db.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestHGetAllMulti_MissingEntryIsNil(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		DoMulti(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{
				"title": mock.RedisString("a"),
			})),
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{})),
		})

	s := NewStoreForTest(c)
	results, err := s.HGetAllMulti(context.Background(), []string{"item:a", "item:b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0]["title"] != "a" {
		t.Errorf("unexpected first result: %v", results[0])
	}
	if results[1] != nil {
		t.Errorf("expected nil for missing key, got %v", results[1])
	}
}

// --- kv.go tests ---

func TestGet_Missing(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("GET", "top:u1")).
		Return(mock.Result(mock.RedisNil()))

	s := NewStoreForTest(c)
	_, err := s.Get(context.Background(), "top:u1")
	if !errors.Is(err, db.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestSet_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("SET", "top:watermark", "123")).
		Return(mock.Result(mock.RedisString("OK")))

	s := NewStoreForTest(c)
	if err := s.Set(context.Background(), "top:watermark", []byte("123")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- zset.go tests ---

func TestZIncrBy_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("ZINCRBY", "popular", "1", "N1")).
		Return(mock.Result(mock.RedisString("5")))

	s := NewStoreForTest(c)
	if err := s.ZIncrBy(context.Background(), "popular", 1, "N1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestZRevRangeWithScores(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("ZRANGE", "popular", "0", "1", "REV", "WITHSCORES")).
		Return(mock.Result(mock.RedisArray(
			mock.RedisString("N2"),
			mock.RedisString("7"),
			mock.RedisString("N1"),
			mock.RedisString("3"),
		)))

	s := NewStoreForTest(c)
	got, err := s.ZRevRangeWithScores(context.Background(), "popular", 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 members, got %d", len(got))
	}
	if got[0].Member != "N2" || got[0].Score != 7 {
		t.Errorf("unexpected first member: %+v", got[0])
	}
}

func TestZAddMulti_Empty(t *testing.T) {
	s := NewStoreForTest(nil) // client not called
	if err := s.ZAddMulti(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- index.go tests ---

func TestBuildCreateArgs(t *testing.T) {
	def := &db.IndexDefinition{
		Name:     "idx:items",
		Prefixes: []string{"item:"},
		Fields: []db.IndexField{
			{Name: "news_id", Type: db.IndexFieldTag},
			{Name: "published_at", Type: db.IndexFieldNumeric},
			{
				Name:              "embedding",
				Type:              db.IndexFieldVector,
				VectorAlgo:        db.VectorHNSW,
				VectorDistance:    db.DistanceCosine,
				VectorDim:         384,
				VectorM:           16,
				VectorEFConstruct: 200,
			},
		},
	}

	args, err := createArgs(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	joined := strings.Join(args, " ")
	want := "idx:items ON HASH PREFIX 1 item: SCHEMA news_id TAG published_at NUMERIC " +
		"embedding VECTOR HNSW 10 TYPE FLOAT32 DIM 384 DISTANCE_METRIC COSINE M 16 EF_CONSTRUCTION 200"
	if joined != want {
		t.Errorf("args mismatch:\n got %s\nwant %s", joined, want)
	}
}

func TestBuildCreateArgs_Invalid(t *testing.T) {
	if _, err := createArgs(&db.IndexDefinition{}); err == nil {
		t.Error("expected error for empty definition")
	}
	if _, err := createArgs(&db.IndexDefinition{
		Name:   "idx",
		Fields: []db.IndexField{{Name: "v", Type: db.IndexFieldVector}},
	}); err == nil {
		t.Error("expected error for vector field without DIM")
	}
}

// --- search.go tests ---

func TestBuildKNNFilter(t *testing.T) {
	tests := []struct {
		name string
		q    db.KNNQuery
		want string
	}{
		{
			name: "empty",
			q:    db.KNNQuery{},
			want: "",
		},
		{
			name: "exclusions",
			q:    db.KNNQuery{ExcludeIDs: []string{"N1", "N2"}},
			want: "-@news_id:{N1|N2}",
		},
		{
			name: "category and content type",
			q:    db.KNNQuery{Category: "sports", ContentType: "fresh"},
			want: "@category:{sports} @content_type:{fresh}",
		},
		{
			name: "published after",
			q:    db.KNNQuery{PublishedAfter: 1700000000000},
			want: "@published_at:[1700000000000 +inf]",
		},
		{
			name: "hyphenated id is escaped",
			q:    db.KNNQuery{ExcludeIDs: []string{"a-b"}},
			want: `-@news_id:{a\-b}`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := buildKNNFilter(&tc.q)
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestVectorToBytes(t *testing.T) {
	got := vectorToBytes([]float32{1.5, -2.0})
	if len(got) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(got))
	}
	first := math.Float32frombits(binary.LittleEndian.Uint32([]byte(got)[:4]))
	if first != 1.5 {
		t.Errorf("expected 1.5, got %f", first)
	}
}

func TestSearchKNN_ScoreConversion(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "FT.SEARCH" && cmd[1] == "idx:items"
		})).
		Return(mock.Result(mock.RedisArray(
			mock.RedisInt64(1),
			mock.RedisString("item:N1"),
			mock.RedisArray(
				mock.RedisString("__embedding_score"),
				mock.RedisString("0.25"),
				mock.RedisString("news_id"),
				mock.RedisString("N1"),
			),
		)))

	s := NewStoreForTest(c)
	res, err := s.SearchKNN(context.Background(), &db.KNNQuery{
		IndexName: "idx:items",
		Vector:    []float32{0.1, 0.2},
		K:         5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(res.Entries))
	}
	e := res.Entries[0]
	if e.Key != "item:N1" {
		t.Errorf("unexpected key %q", e.Key)
	}
	if e.Score != 0.75 {
		t.Errorf("expected similarity 0.75, got %f", e.Score)
	}
	if _, ok := e.Fields["__embedding_score"]; ok {
		t.Error("distance field should be stripped from fields")
	}
}

func TestSearchKNN_Validation(t *testing.T) {
	s := NewStoreForTest(nil)
	if _, err := s.SearchKNN(context.Background(), &db.KNNQuery{Vector: []float32{1}, K: 1}); err == nil {
		t.Error("expected error for missing index name")
	}
	if _, err := s.SearchKNN(context.Background(), &db.KNNQuery{IndexName: "idx", K: 1}); err == nil {
		t.Error("expected error for missing vector")
	}
	if _, err := s.SearchKNN(context.Background(), &db.KNNQuery{IndexName: "idx", Vector: []float32{1}}); err == nil {
		t.Error("expected error for non-positive k")
	}
}
