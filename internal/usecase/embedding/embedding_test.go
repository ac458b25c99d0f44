package embedding

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/topfeed/topfeed/internal/domain"
	"github.com/topfeed/topfeed/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.RegisterEmbeddingMetrics()
	m.Run()
}

func TestBudgetTracker_RejectWhenExceeded(t *testing.T) {
	bt := NewBudgetTracker("test", 100, 0, BudgetActionReject, zap.NewNop())

	bt.Record(100)

	err := bt.Check(context.Background())
	if !errors.Is(err, domain.ErrEmbeddingQuotaExceeded) {
		t.Fatalf("expected domain.ErrEmbeddingQuotaExceeded, got %v", err)
	}
}

func TestBudgetTracker_WarnWhenExceeded(t *testing.T) {
	bt := NewBudgetTracker("test", 100, 0, BudgetActionWarn, zap.NewNop())

	bt.Record(200)

	if err := bt.Check(context.Background()); err != nil {
		t.Fatalf("expected nil error for warn action, got %v", err)
	}
}

func TestBudgetTracker_Remaining(t *testing.T) {
	bt := NewBudgetTracker("test", 1000, 10000, BudgetActionWarn, zap.NewNop())

	bt.Record(300)

	if got := bt.RemainingDaily(); got != 700 {
		t.Errorf("daily remaining = %d, want 700", got)
	}
	if got := bt.RemainingMonthly(); got != 9700 {
		t.Errorf("monthly remaining = %d, want 9700", got)
	}
}

func TestBudgetTracker_UnlimitedWhenZero(t *testing.T) {
	bt := NewBudgetTracker("test", 0, 0, BudgetActionReject, zap.NewNop())

	bt.Record(999999999)

	if err := bt.Check(context.Background()); err != nil {
		t.Fatalf("expected nil error for unlimited budget, got %v", err)
	}
	if got := bt.RemainingDaily(); got != -1 {
		t.Errorf("unlimited daily remaining = %d, want -1", got)
	}
}

type memBudgetStore struct {
	counters map[string]int64
}

func (m *memBudgetStore) IncrBy(_ context.Context, key string, val int64) error {
	if m.counters == nil {
		m.counters = map[string]int64{}
	}
	m.counters[key] += val
	return nil
}

func (m *memBudgetStore) GetInt64(_ context.Context, key string) (int64, error) {
	v, ok := m.counters[key]
	if !ok {
		return 0, errors.New("missing")
	}
	return v, nil
}

func TestBudgetTracker_StoreRoundTrip(t *testing.T) {
	store := &memBudgetStore{}
	bt := NewBudgetTracker("prov", 1000, 0, BudgetActionReject, zap.NewNop()).
		WithStore(context.Background(), store)

	bt.Record(150)
	bt.Record(50)

	var daily int64
	for key, v := range store.counters {
		if strings.Contains(key, ":daily:") {
			daily = v
		}
	}
	if daily != 200 {
		t.Errorf("persisted daily usage = %d, want 200", daily)
	}

	// A fresh tracker picks the counters back up.
	bt2 := NewBudgetTracker("prov", 1000, 0, BudgetActionReject, zap.NewNop()).
		WithStore(context.Background(), store)
	if got := bt2.RemainingDaily(); got != 800 {
		t.Errorf("reloaded daily remaining = %d, want 800", got)
	}
}

type stubEmbedder struct {
	batches [][]string
	err     error
	tokens  int
}

func (s *stubEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	if s.err != nil {
		return domain.EmbeddingResult{}, s.err
	}
	return domain.EmbeddingResult{Embedding: []float32{float32(len(text))}, TotalTokens: s.tokens}, nil
}

func (s *stubEmbedder) BatchEmbed(_ context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	if s.err != nil {
		return domain.BatchEmbeddingResult{}, s.err
	}
	s.batches = append(s.batches, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i)}
	}
	return domain.BatchEmbeddingResult{Embeddings: out, TotalTokens: s.tokens * len(texts)}, nil
}

func TestInstrumentedEmbedder_BudgetRejection(t *testing.T) {
	budget := NewBudgetTracker("prov", 10, 0, BudgetActionReject, zap.NewNop())
	budget.Record(10)
	emb := NewInstrumentedEmbedder(&stubEmbedder{}, "prov", "model", budget, zap.NewNop())

	if _, err := emb.Embed(context.Background(), "text"); !errors.Is(err, domain.ErrEmbeddingQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if _, err := emb.BatchEmbed(context.Background(), []string{"a"}); !errors.Is(err, domain.ErrEmbeddingQuotaExceeded) {
		t.Fatalf("expected batch quota error, got %v", err)
	}
}

func TestInstrumentedEmbedder_RecordsUsage(t *testing.T) {
	budget := NewBudgetTracker("prov", 100, 0, BudgetActionReject, zap.NewNop())
	emb := NewInstrumentedEmbedder(&stubEmbedder{tokens: 30}, "prov", "model", budget, zap.NewNop())

	if _, err := emb.Embed(context.Background(), "text"); err != nil {
		t.Fatal(err)
	}
	if got := budget.RemainingDaily(); got != 70 {
		t.Errorf("remaining after embed = %d, want 70", got)
	}
}

type mockItemStore struct {
	missing []domain.Item
	vectors map[string][]float32
}

func (m *mockItemStore) MissingEmbeddings(_ context.Context, limit int) ([]domain.Item, error) {
	if limit < len(m.missing) {
		return m.missing[:limit], nil
	}
	return m.missing, nil
}

func (m *mockItemStore) SetEmbedding(_ context.Context, id string, vector []float32) error {
	if m.vectors == nil {
		m.vectors = map[string][]float32{}
	}
	m.vectors[id] = vector
	return nil
}

func TestBackfill_FillsMissingVectors(t *testing.T) {
	items := &mockItemStore{missing: []domain.Item{
		{NewsID: "n1", Title: "First", Abstract: "story"},
		{NewsID: "blank"},
		{NewsID: "n2", Title: "Second"},
	}}
	stub := &stubEmbedder{}
	b := NewBackfill(items, stub, 10, zap.NewNop())

	filled, err := b.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if filled != 2 {
		t.Errorf("filled = %d, want 2 (textless item skipped)", filled)
	}
	if len(stub.batches) != 1 || len(stub.batches[0]) != 2 {
		t.Errorf("batches = %v", stub.batches)
	}
	if stub.batches[0][0] != "First story" {
		t.Errorf("embed text = %q", stub.batches[0][0])
	}
	if _, ok := items.vectors["blank"]; ok {
		t.Error("textless item must not get a vector")
	}
}

func TestBackfill_NothingToDo(t *testing.T) {
	b := NewBackfill(&mockItemStore{}, &stubEmbedder{}, 10, zap.NewNop())
	filled, err := b.Run(context.Background())
	if err != nil || filled != 0 {
		t.Fatalf("filled=%d err=%v", filled, err)
	}
}

func TestBackfill_ProviderError(t *testing.T) {
	items := &mockItemStore{missing: []domain.Item{{NewsID: "n1", Title: "x"}}}
	b := NewBackfill(items, &stubEmbedder{err: errors.New("boom")}, 10, zap.NewNop())
	if _, err := b.Run(context.Background()); err == nil {
		t.Fatal("expected provider error")
	}
}
