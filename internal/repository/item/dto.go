package item

import (
	"encoding/binary"
	"math"
	"strconv"
	"time"

	"github.com/topfeed/topfeed/internal/domain"
)

// Hash field names for item:{id} keys. The embedding is stored as a raw
// little-endian float32 blob so the FT vector index can read it in place.
const (
	fieldNewsID      = "news_id"
	fieldTitle       = "title"
	fieldAbstract    = "abstract"
	fieldURL         = "url"
	fieldCategory    = "category"
	fieldSubcategory = "subcategory"
	fieldSource      = "source"
	fieldContentType = "content_type"
	fieldPublishedAt = "published_at"
	fieldURLHash     = "url_hash"
	fieldEmbedding   = "embedding"
)

// metaFields is the RETURN list for lookups that do not need the vector blob.
var metaFields = []string{
	fieldNewsID, fieldTitle, fieldAbstract, fieldURL, fieldCategory,
	fieldSubcategory, fieldSource, fieldContentType, fieldPublishedAt, fieldURLHash,
}

// buildHashFields converts a domain Item into a flat map for HSET.
func buildHashFields(it *domain.Item) map[string]string {
	m := map[string]string{
		fieldNewsID:      it.NewsID,
		fieldTitle:       it.Title,
		fieldAbstract:    it.Abstract,
		fieldURL:         it.URL,
		fieldCategory:    it.Category,
		fieldSubcategory: it.Subcategory,
		fieldSource:      it.Source,
		fieldContentType: it.ContentType,
		fieldURLHash:     it.URLHash,
	}
	if it.PublishedAt.Valid() {
		m[fieldPublishedAt] = strconv.FormatInt(it.PublishedAt.Time().UnixMilli(), 10)
	}
	if it.HasEmbedding() {
		m[fieldEmbedding] = vectorToBytes(it.Embedding)
	}
	return m
}

// parseHashFields converts a flat hash map back into a domain Item.
func parseHashFields(m map[string]string) domain.Item {
	it := domain.Item{
		NewsID:      m[fieldNewsID],
		Title:       m[fieldTitle],
		Abstract:    m[fieldAbstract],
		URL:         m[fieldURL],
		Category:    m[fieldCategory],
		Subcategory: m[fieldSubcategory],
		Source:      m[fieldSource],
		ContentType: m[fieldContentType],
		URLHash:     m[fieldURLHash],
		Embedding:   bytesToVector(m[fieldEmbedding]),
	}
	if raw, ok := m[fieldPublishedAt]; ok && raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			it.PublishedAt = domain.NewTimestamp(time.UnixMilli(ms).UTC())
		}
	}
	return it
}

// vectorToBytes serializes []float32 to a binary string (4 bytes per float, little-endian).
func vectorToBytes(v []float32) string {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return string(buf)
}

// bytesToVector deserializes a binary string back to []float32.
func bytesToVector(s string) []float32 {
	b := []byte(s)
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
