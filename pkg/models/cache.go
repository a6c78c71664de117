package models

import "time"

// ActionKind distinguishes actions that produce an artifact from those that
// only prompt further thinking.
type ActionKind string

const (
	ActionArtifact ActionKind = "artifact"
	ActionThinking ActionKind = "thinking"
)

// RecommendedAction is a suggested next step for a subject.
type RecommendedAction struct {
	ID      string     `json:"id"`
	Label   string     `json:"label"`
	Command string     `json:"command"`
	Kind    ActionKind `json:"kind"`
}

// EntryStatus is the durable status of a cache entry.
type EntryStatus string

const (
	StatusValid EntryStatus = "valid"
	StatusStale EntryStatus = "stale"
)

// CacheEntry stores the recommended actions cached for a subject.
type CacheEntry struct {
	SubjectID string              `json:"subject_id"`
	Actions   []RecommendedAction `json:"actions"`
	CachedAt  time.Time           `json:"cached_at"`
	Status    EntryStatus         `json:"status"`
}

// Fresh reports whether the entry is still within its TTL.
func (e CacheEntry) Fresh() bool {
	return e.Status == StatusValid
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Stale   int64 `json:"stale"`
}
