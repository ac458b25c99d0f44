package domain

// Content types distinguish the historical catalog from freshly ingested items.
const (
	ContentHistorical = "historical"
	ContentFresh      = "fresh"
)

// Item is an immutable content record. Embedding is nil until computed by the
// backfill job; items without an embedding are not eligible for vector
// retrieval (they can still surface through popularity).
type Item struct {
	NewsID      string
	Title       string
	Abstract    string
	URL         string
	Category    string
	Subcategory string
	Source      string
	ContentType string
	PublishedAt Timestamp
	URLHash     string
	Embedding   []float32
}

// ScoredItem pairs an item with its retrieval score (cosine similarity for
// vector hits, click count for popularity hits).
type ScoredItem struct {
	Item  Item
	Score float64
}

// SimilarityQuery parameterizes a vector similarity lookup.
type SimilarityQuery struct {
	Vector      []float32
	K           int
	ExcludeIDs  []string
	Category    string
	ContentType string
	// PublishedAfter, when set, restricts hits to items published at or after
	// the given instant.
	PublishedAfter Timestamp
}

// HasEmbedding reports vector-retrieval eligibility.
func (it *Item) HasEmbedding() bool { return len(it.Embedding) > 0 }

// TopPath is the interest-tree path of the item: "category/subcategory", or
// just the category when the subcategory is empty.
func (it *Item) TopPath() string {
	if it.Subcategory == "" {
		return it.Category
	}
	return it.Category + "/" + it.Subcategory
}
