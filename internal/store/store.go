// Package store keeps the latest committed snapshot per project in memory.
// It is the source of truth for "current" reads; history lives on disk.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/tokenflow/tokenbridge/internal/model"
)

// SnapshotStore holds the single latest snapshot per project.
// Put replaces unconditionally; readers always observe a complete,
// previously committed snapshot.
type SnapshotStore interface {
	Put(projectID string, snap *model.Snapshot)
	Get(projectID string) (*model.Snapshot, bool)
	List() []model.ProjectSummary
	Delete(projectID string)
}

type entry struct {
	snap       *model.Snapshot
	lastUpdate time.Time
}

// MemoryStore is the in-process SnapshotStore implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]entry)}
}

// Put replaces the project's current snapshot. The project is created
// implicitly on first put.
func (s *MemoryStore) Put(projectID string, snap *model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[projectID] = entry{snap: snap, lastUpdate: snap.ExtractedAt}
}

// Get returns the project's current snapshot, or ok=false if the project
// has never ingested data.
func (s *MemoryStore) Get(projectID string) (*model.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.projects[projectID]
	if !ok {
		return nil, false
	}
	return e.snap, true
}

// List returns a summary for every known project, sorted by project id.
func (s *MemoryStore) List() []model.ProjectSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ProjectSummary, 0, len(s.projects))
	for id, e := range s.projects {
		out = append(out, model.ProjectSummary{
			ProjectID:  id,
			LastUpdate: e.lastUpdate,
			HasData:    e.snap != nil,
			TokenCount: e.snap.TokenCount(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Delete removes a project and its snapshot. The relay never calls this on
// its own; it exists for operators and tests.
func (s *MemoryStore) Delete(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, projectID)
}
