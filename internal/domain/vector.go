package domain

import "math"

// Cosine returns the cosine similarity of two vectors, 0 when either has zero
// norm or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(na) * math.Sqrt(nb)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// DecayWeight is the exponential half-life decay used for both the user vector
// and the interest profile: exp(-ln2 * age / halfLife). A non-positive
// half-life disables decay (weight 1).
func DecayWeight(ageDays, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * ageDays / halfLifeDays)
}
