package model

import "time"

// Variable is a design variable projected from the authoring tool's
// variables category.
type Variable struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Type  string `json:"type"`
}

// Style is a named style projected from the styles category.
type Style struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Key         string `json:"key"`
}

// FilteredTokens is the normalized view of a token document: the
// per-category projections plus the flat clean-token mapping consumers read.
type FilteredTokens struct {
	TokenStudio map[string]string   `json:"tokenStudio"`
	Variables   map[string]Variable `json:"variables"`
	Styles      map[string]Style    `json:"styles"`
	CleanTokens map[string]any      `json:"cleanTokens"`
}

// Snapshot is one committed ingestion for a project. Immutable once built;
// a new Snapshot fully replaces the previous one (last write wins, no merge).
// The JSON shape doubles as the persisted file layout.
type Snapshot struct {
	Raw         map[string]any  `json:"raw,omitempty"`
	Filtered    *FilteredTokens `json:"filtered"`
	Selection   any             `json:"selection"`
	Metadata    map[string]any  `json:"metadata"`
	ExtractedAt time.Time       `json:"extractedAt"`
}

// TokenCount returns the number of clean tokens in the snapshot.
func (s *Snapshot) TokenCount() int {
	if s == nil || s.Filtered == nil {
		return 0
	}
	return len(s.Filtered.CleanTokens)
}

// WithoutRaw returns a shallow copy with the raw document withheld.
// Used by the query surface, which hides raw unless explicitly requested.
func (s *Snapshot) WithoutRaw() *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Raw = nil
	return &cp
}

// ProjectSummary is the lightweight per-project view returned by listings.
type ProjectSummary struct {
	ProjectID  string    `json:"projectId"`
	LastUpdate time.Time `json:"lastUpdate"`
	HasData    bool      `json:"hasData"`
	TokenCount int       `json:"tokenCount"`
}

// HistoryEntry describes one persisted snapshot file.
type HistoryEntry struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}
