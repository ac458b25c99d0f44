package rerank

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// featureCount is the fixed width of the feature vector. Order: rank position,
// title length, abstract length, category CTR, subcategory CTR, category
// match, user recency days, cosine similarity.
const featureCount = 8

// modelArtifact is the serialized logistic regression: weights and intercept
// plus the standard-scaler statistics applied before the dot product.
type modelArtifact struct {
	Weights    []float64 `json:"weights"`
	Intercept  float64   `json:"intercept"`
	ScalerMean []float64 `json:"scaler_mean"`
	ScalerStd  []float64 `json:"scaler_std"`
}

// featureConfig carries the CTR priors captured at training time.
type featureConfig struct {
	GlobalCTR      float64            `json:"global_ctr"`
	CategoryCTR    map[string]float64 `json:"category_ctr"`
	SubcategoryCTR map[string]float64 `json:"subcategory_ctr"`
}

// Model is the immutable reranking model handle.
type Model struct {
	artifact modelArtifact
	config   featureConfig
}

// loadModel reads both artifacts. A missing file is not an error: it returns
// a nil model and the caller runs in passthrough mode.
func loadModel(modelPath, configPath string) (*Model, error) {
	if modelPath == "" || configPath == "" {
		return nil, nil
	}
	rawModel, err := os.ReadFile(modelPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	rawConfig, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read feature config: %w", err)
	}

	var m Model
	if err := json.Unmarshal(rawModel, &m.artifact); err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	if err := json.Unmarshal(rawConfig, &m.config); err != nil {
		return nil, fmt.Errorf("parse feature config: %w", err)
	}
	if len(m.artifact.Weights) != featureCount {
		return nil, fmt.Errorf("model has %d weights, want %d", len(m.artifact.Weights), featureCount)
	}
	return &m, nil
}

// categoryCTR returns the trained category prior, falling back to the global
// rate for unseen categories.
func (m *Model) categoryCTR(category string) float64 {
	if ctr, ok := m.config.CategoryCTR[category]; ok {
		return ctr
	}
	return m.config.GlobalCTR
}

func (m *Model) subcategoryCTR(subcategory string) float64 {
	if ctr, ok := m.config.SubcategoryCTR[subcategory]; ok {
		return ctr
	}
	return m.config.GlobalCTR
}

// predict scores one standardized feature vector as a click probability.
func (m *Model) predict(features [featureCount]float64) float64 {
	z := m.artifact.Intercept
	for i, x := range features {
		if i < len(m.artifact.ScalerMean) {
			x -= m.artifact.ScalerMean[i]
		}
		if i < len(m.artifact.ScalerStd) && m.artifact.ScalerStd[i] > 0 {
			x /= m.artifact.ScalerStd[i]
		}
		z += m.artifact.Weights[i] * x
	}
	return 1.0 / (1.0 + math.Exp(-z))
}
