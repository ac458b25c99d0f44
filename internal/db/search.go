package db

// KNNQuery is the input for vector similarity search over the item index.
type KNNQuery struct {
	IndexName string
	Vector    []float32
	K         int

	// ExcludeIDs are filtered out server-side via a negated TAG clause.
	ExcludeIDs []string
	// Category restricts the search to one category TAG when non-empty.
	Category string
	// ContentType restricts the search to one content_type TAG when non-empty.
	ContentType string
	// PublishedAfter restricts to items published at/after the given unix
	// milliseconds when positive (fresh-first retrieval).
	PublishedAfter int64

	ReturnFields []string
}

// IndexFieldType enumerates FT schema field types.
type IndexFieldType string

const (
	IndexFieldTag     IndexFieldType = "TAG"
	IndexFieldNumeric IndexFieldType = "NUMERIC"
	IndexFieldText    IndexFieldType = "TEXT"
	IndexFieldVector  IndexFieldType = "VECTOR"
)

// Vector index algorithms and distance metrics.
const (
	VectorHNSW     = "HNSW"
	VectorFlat     = "FLAT"
	DistanceCosine = "COSINE"
	DistanceL2     = "L2"
)

// IndexField describes one FT schema field.
type IndexField struct {
	Name string
	Type IndexFieldType

	// Vector field attributes.
	VectorAlgo        string
	VectorDistance    string
	VectorDim         int
	VectorM           int
	VectorEFConstruct int
}

// IndexDefinition describes an FT index over hash keys with a prefix.
type IndexDefinition struct {
	Name     string
	Prefixes []string
	Fields   []IndexField
}

// SearchResult is the output of a search operation.
type SearchResult struct {
	Total   int
	Entries []SearchEntry
}

// SearchEntry is a single document hit from a search.
type SearchEntry struct {
	Key    string
	Score  float64
	Fields map[string]string
}
