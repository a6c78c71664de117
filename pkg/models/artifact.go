package models

import "time"

// ArtifactKind identifies what a generated artifact is about.
type ArtifactKind string

const (
	KindMarketAnalysis ArtifactKind = "market_analysis"
	KindBudgetStrategy ArtifactKind = "budget_strategy"
	KindOfferScenarios ArtifactKind = "offer_scenarios"
)

// Valid reports whether k is a known artifact kind.
func (k ArtifactKind) Valid() bool {
	switch k {
	case KindMarketAnalysis, KindBudgetStrategy, KindOfferScenarios:
		return true
	}
	return false
}

// Artifact is a completed block of model-generated text.
type Artifact struct {
	ID        string       `json:"id"`
	SubjectID string       `json:"subject_id"`
	Kind      ArtifactKind `json:"kind"`
	Model     string       `json:"model"`
	Text      string       `json:"text"`
	Bands     *BudgetBands `json:"bands,omitempty"`
	LatencyMs int64        `json:"latency_ms"`
	CreatedAt time.Time    `json:"created_at"`
}

// ArtifactQueryOpts specifies filters for querying stored artifacts.
type ArtifactQueryOpts struct {
	SubjectID string
	Kind      ArtifactKind
	Since     time.Time
	Limit     int
}

// ArtifactConfig controls the artifact store.
type ArtifactConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxTextSize   int    `yaml:"max_text_size"` // bytes
}
