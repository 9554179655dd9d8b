// ABOUTME: In-memory Store implementation for tests and ephemeral runs.
// ABOUTME: Deep-copies snapshots so callers cannot alias stored state.

package store

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps the snapshot in memory. Used by tests and by callers
// that explicitly opt out of durability.
type MemoryStore struct {
	mu   sync.Mutex
	snap *Snapshot

	// SaveCount tracks how many times Save has been called, for tests
	// asserting that a mutation persisted.
	SaveCount int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a deep copy of the last saved snapshot, or an empty snapshot.
func (s *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap == nil {
		return &Snapshot{}, nil
	}
	return cloneSnapshot(s.snap), nil
}

// Save stores a deep copy of the snapshot.
func (s *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap = cloneSnapshot(snap)
	s.SaveCount++
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneSnapshot(snap *Snapshot) *Snapshot {
	out := &Snapshot{
		NextID:          snap.NextID,
		PendingDeletion: slices.Clone(snap.PendingDeletion),
	}
	for _, c := range snap.Clients {
		if c.Alias != nil {
			alias := *c.Alias
			c.Alias = &alias
		}
		out.Clients = append(out.Clients, c)
	}
	for _, m := range snap.Library {
		m.Downloaded = slices.Clone(m.Downloaded)
		out.Library = append(out.Library, m)
	}
	for _, g := range snap.Groups {
		g.Members = slices.Clone(g.Members)
		out.Groups = append(out.Groups, g)
	}
	return out
}
