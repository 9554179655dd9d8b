// ABOUTME: Store interface and durable data types for chorus-control persistence.
// ABOUTME: Defines the registry snapshot: media library, clients, groups, counters.

package store

import (
	"context"
	"errors"
	"slices"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Media is one downloadable/playable unit in the library.
// Length is in milliseconds and is filled in once the upload has been probed.
// Downloaded holds the ids of agents that completed a download; entries are
// removed only when the corresponding agent is permanently deleted.
type Media struct {
	ID         uint16   `json:"id"`
	Name       string   `json:"name"`
	Length     uint64   `json:"length"`
	Downloaded []uint16 `json:"downloaded"`
}

// HasDownloaded reports whether the client completed a download of this media.
func (m *Media) HasDownloaded(clientID uint16) bool {
	return slices.Contains(m.Downloaded, clientID)
}

// MarkDownloaded records a completed download. Returns true on first insert.
func (m *Media) MarkDownloaded(clientID uint16) bool {
	if m.HasDownloaded(clientID) {
		return false
	}
	m.Downloaded = append(m.Downloaded, clientID)
	return true
}

// RemoveDownloaded scrubs a deleted client from the downloaded set.
func (m *Media) RemoveDownloaded(clientID uint16) {
	m.Downloaded = slices.DeleteFunc(m.Downloaded, func(id uint16) bool {
		return id == clientID
	})
}

// Activity is the two-variant liveness state of a client. Online transitions
// are transient and never persisted; a loaded client is always offline with
// the timestamp of its last confirmed disconnect.
type Activity struct {
	Online bool  `json:"online"`
	Since  int64 `json:"since,omitempty"` // unix seconds of the offline transition
}

// Client is one remote agent record.
type Client struct {
	ID       uint16   `json:"id"`
	Addr     string   `json:"addr"`
	Hostname string   `json:"hostname"`
	Username string   `json:"username"`
	Alias    *string  `json:"alias"`
	Activity Activity `json:"activity"`
}

// Group is a named set of client ids with an independent lifecycle.
type Group struct {
	ID      uint16   `json:"id"`
	Name    string   `json:"name"`
	Members []uint16 `json:"members"`
}

// HasMember reports group membership.
func (g *Group) HasMember(clientID uint16) bool {
	return slices.Contains(g.Members, clientID)
}

// Snapshot is the durable portion of the registry. Live channels, playback
// watchdogs, and the ack counter are transient and never stored.
type Snapshot struct {
	Library         []Media
	Clients         []Client
	Groups          []Group
	NextID          uint16
	PendingDeletion []uint16
}

// Store persists registry snapshots.
type Store interface {
	// Load reads the last saved snapshot. A store that has never been
	// written returns an empty snapshot; unreadable or corrupt state is
	// an error the caller must treat as fatal.
	Load(ctx context.Context) (*Snapshot, error)

	// Save atomically replaces the stored snapshot.
	Save(ctx context.Context, snap *Snapshot) error

	Close() error
}
