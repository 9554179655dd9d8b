// ABOUTME: The registry: single source of truth for media, clients, groups,
// ABOUTME: live channels, pending deletions, and the dashboard ack counter.

package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/chorus-control/internal/metrics"
	"github.com/2389/chorus-control/internal/store"
)

// ErrClientNotFound indicates the referenced agent record does not exist.
var ErrClientNotFound = errors.New("client not found")

// ErrMediaNotFound indicates the referenced media record does not exist.
var ErrMediaNotFound = errors.New("media not found")

// ErrGroupNotFound indicates the referenced group does not exist.
var ErrGroupNotFound = errors.New("group not found")

// ErrDurationUnknown indicates a playback operation named a media whose
// duration has not been probed yet.
var ErrDurationUnknown = errors.New("media duration unknown")

// Client is one agent record plus its transient playback session. The
// session handle lives directly on the record: cancellation is a direct
// call through this single owning reference.
type Client struct {
	store.Client

	playing *playbackSession
}

// playbackSession exists exactly while the agent has acknowledged starting a
// media and has not yet acknowledged (or been inferred) to have stopped.
type playbackSession struct {
	mediaID uint16
	timer   *time.Timer
}

// Playing returns the media id of the active session, if any.
func (c *Client) Playing() (uint16, bool) {
	if c.playing == nil {
		return 0, false
	}
	return c.playing.mediaID, true
}

// Options configures a registry.
type Options struct {
	Store   store.Store
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// ChannelBuffer is the outbound frame buffer per agent stream.
	ChannelBuffer int
	// DashboardBuffer is the outbound event buffer per dashboard stream.
	DashboardBuffer int
}

// State is the registry. All access goes through its lock: reads take the
// shared side, mutations the exclusive side. No method holds the lock across
// an outbound channel send.
type State struct {
	logger          *slog.Logger
	store           store.Store
	metrics         *metrics.Metrics
	channelBuffer   int
	dashboardBuffer int

	mu       sync.RWMutex
	library  []*store.Media
	clients  []*Client
	groups   []*store.Group
	nextID   uint16
	toDelete map[uint16]struct{}

	conns      []*Conn
	dashboards map[string]*DashboardConn
	ack        uint64
}

// Load builds the registry from the durable snapshot. An unreadable snapshot
// is returned as an error; the caller must refuse to start rather than
// silently discard state.
func Load(ctx context.Context, opts Options) (*State, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("state: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChannelBuffer <= 0 {
		opts.ChannelBuffer = 32
	}
	if opts.DashboardBuffer <= 0 {
		opts.DashboardBuffer = 64
	}

	snap, err := opts.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading registry state: %w", err)
	}

	s := &State{
		logger:          logger.With("component", "state"),
		store:           opts.Store,
		metrics:         opts.Metrics,
		channelBuffer:   opts.ChannelBuffer,
		dashboardBuffer: opts.DashboardBuffer,
		nextID:          snap.NextID,
		toDelete:        make(map[uint16]struct{}),
		dashboards:      make(map[string]*DashboardConn),
	}

	for _, m := range snap.Library {
		s.library = append(s.library, &m)
	}
	for _, c := range snap.Clients {
		s.clients = append(s.clients, &Client{Client: c})
	}
	for _, g := range snap.Groups {
		s.groups = append(s.groups, &g)
	}
	for _, id := range snap.PendingDeletion {
		s.toDelete[id] = struct{}{}
	}

	s.logger.Info("registry loaded",
		"media", len(s.library),
		"clients", len(s.clients),
		"groups", len(s.groups),
		"pending_deletion", len(s.toDelete),
	)
	return s, nil
}

// nextIDLocked allocates the next id. Ids are shared across namespaces,
// strictly increasing, and never reused.
func (s *State) nextIDLocked() uint16 {
	s.nextID++
	return s.nextID
}

// persistLocked writes the durable snapshot. Called with the write lock held;
// the store serializes synchronously, so no cloning is needed.
func (s *State) persistLocked(ctx context.Context) error {
	snap := &store.Snapshot{NextID: s.nextID}
	for _, m := range s.library {
		snap.Library = append(snap.Library, *m)
	}
	for _, c := range s.clients {
		snap.Clients = append(snap.Clients, c.Client)
	}
	for _, g := range s.groups {
		snap.Groups = append(snap.Groups, *g)
	}
	for id := range s.toDelete {
		snap.PendingDeletion = append(snap.PendingDeletion, id)
	}
	slices.Sort(snap.PendingDeletion)

	if err := s.store.Save(ctx, snap); err != nil {
		s.logger.Error("failed to persist registry", "error", err)
		return fmt.Errorf("persisting registry: %w", err)
	}
	return nil
}

func (s *State) clientLocked(id uint16) *Client {
	for _, c := range s.clients {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *State) mediaLocked(id uint16) *store.Media {
	for _, m := range s.library {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *State) groupLocked(id uint16) *store.Group {
	for _, g := range s.groups {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// hasLiveConnLocked reports whether any open channel remains for the id.
func (s *State) hasLiveConnLocked(id uint16) bool {
	for _, c := range s.conns {
		if c.ClientID == id && !c.Closed() {
			return true
		}
	}
	return false
}

// ReadySnapshot is the full-state payload of the dashboard handshake.
type ReadySnapshot struct {
	Library []store.Media  `json:"library"`
	Clients []store.Client `json:"clients"`
	Groups  []store.Group  `json:"groups"`
	Playing []uint16       `json:"playing"`
}

// readySnapshotLocked deep-copies the observable state so the snapshot can
// be marshaled after the lock is released.
func (s *State) readySnapshotLocked() ReadySnapshot {
	snap := ReadySnapshot{
		Library: make([]store.Media, 0, len(s.library)),
		Clients: make([]store.Client, 0, len(s.clients)),
		Groups:  make([]store.Group, 0, len(s.groups)),
		Playing: []uint16{},
	}
	for _, m := range s.library {
		c := *m
		c.Downloaded = slices.Clone(m.Downloaded)
		snap.Library = append(snap.Library, c)
	}
	for _, c := range s.clients {
		snap.Clients = append(snap.Clients, cloneClient(c.Client))
		if _, ok := c.Playing(); ok {
			snap.Playing = append(snap.Playing, c.ID)
		}
	}
	for _, g := range s.groups {
		c := *g
		c.Members = slices.Clone(g.Members)
		snap.Groups = append(snap.Groups, c)
	}
	return snap
}

func cloneClient(c store.Client) store.Client {
	if c.Alias != nil {
		alias := *c.Alias
		c.Alias = &alias
	}
	return c
}

func cloneGroup(g *store.Group) store.Group {
	c := *g
	c.Members = slices.Clone(g.Members)
	return c
}

// MediaInfo returns a copy of the media record.
func (s *State) MediaInfo(id uint16) (store.Media, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.mediaLocked(id)
	if m == nil {
		return store.Media{}, ErrMediaNotFound
	}
	c := *m
	c.Downloaded = slices.Clone(m.Downloaded)
	return c, nil
}

// ClientInfo returns a copy of the client record.
func (s *State) ClientInfo(id uint16) (store.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.clientLocked(id)
	if c == nil {
		return store.Client{}, ErrClientNotFound
	}
	return cloneClient(c.Client), nil
}

// PendingDeletion reports whether the id is marked for deletion.
func (s *State) PendingDeletion(id uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.toDelete[id]
	return ok
}
