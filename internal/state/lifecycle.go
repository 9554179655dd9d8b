// ABOUTME: Client lifecycle: registration, connection handshake, rename,
// ABOUTME: and the two-phase deletion protocol.

package state

import (
	"context"
	"time"

	"github.com/2389/chorus-control/internal/protocol"
	"github.com/2389/chorus-control/internal/store"
)

// NewClient creates an agent record for a first-time registration and
// persists it. Returns the newly assigned id.
func (s *State) NewClient(ctx context.Context, hostname, username, addr string) (uint16, error) {
	s.mu.Lock()
	id := s.nextIDLocked()
	client := &Client{Client: store.Client{
		ID:       id,
		Addr:     addr,
		Hostname: hostname,
		Username: username,
		Activity: store.Activity{Online: true},
	}}
	s.clients = append(s.clients, client)
	err := s.persistLocked(ctx)
	view := cloneClient(client.Client)
	s.mu.Unlock()

	s.NotifyDashboard(protocol.ClientCreated(view))
	s.logger.Info("client created", "client_id", id, "addr", addr, "hostname", hostname)
	return id, err
}

// RegisterConn inserts a live channel for the agent, marks it online, and
// returns the channel together with the agent's pending-deletion flag for
// the handshake reply. Registration and sweep reaping are serialized by the
// registry lock, so a fresh channel can never be reaped by an in-flight
// sweep that predates it.
func (s *State) RegisterConn(clientID uint16) (*Conn, bool, error) {
	s.mu.Lock()
	client := s.clientLocked(clientID)
	if client == nil {
		s.mu.Unlock()
		return nil, false, ErrClientNotFound
	}

	client.Activity = store.Activity{Online: true}
	conn := newConn(clientID, s.channelBuffer)
	s.conns = append(s.conns, conn)
	_, pending := s.toDelete[clientID]
	s.metrics.SetAgentStreams(len(s.conns))
	s.mu.Unlock()

	s.logger.Info("client connected", "client_id", clientID, "pending_deletion", pending)
	return conn, pending, nil
}

// RenameClient sets or clears the user-supplied alias.
func (s *State) RenameClient(ctx context.Context, id uint16, alias *string, nonce *uint64) error {
	s.mu.Lock()
	client := s.clientLocked(id)
	if client == nil {
		s.mu.Unlock()
		return ErrClientNotFound
	}
	client.Alias = alias
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	s.notifyDashboard(protocol.ClientRenamed(id, alias), nonce)
	return err
}

// MarkForDeletion moves the agent to the pending-deletion state: the flag is
// durable and the deletion intent is pushed to the live channel immediately.
// An agent that misses the live event learns the flag from its next
// handshake, making delivery at-least-once.
func (s *State) MarkForDeletion(ctx context.Context, id uint16) error {
	s.mu.Lock()
	if s.clientLocked(id) == nil {
		s.mu.Unlock()
		return ErrClientNotFound
	}
	s.toDelete[id] = struct{}{}
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	s.BroadcastTo(id, protocol.SelfDestruct())
	s.logger.Info("client marked for deletion", "client_id", id)
	return err
}

// FinalizeDeletion completes the removal protocol on the agent's own
// callback. Clears the pending flag and the record atomically, scrubs the
// id from every downloaded-set, and emits ClientDeleted. Finalizing an id
// with no record is a silent no-op, so retried callbacks are harmless.
func (s *State) FinalizeDeletion(ctx context.Context, id uint16) (bool, error) {
	s.mu.Lock()
	client := s.clientLocked(id)
	if client == nil {
		s.mu.Unlock()
		return false, nil
	}

	if client.playing != nil {
		client.playing.timer.Stop()
		client.playing = nil
	}

	delete(s.toDelete, id)
	for i, c := range s.clients {
		if c.ID == id {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
	for _, m := range s.library {
		m.RemoveDownloaded(id)
	}

	// The agent has wiped itself; terminate any channel it still holds so
	// the stream handlers return instead of serving a deleted record.
	kept := s.conns[:0]
	for _, c := range s.conns {
		if c.ClientID == id {
			c.Close()
			continue
		}
		kept = append(kept, c)
	}
	s.conns = kept
	s.metrics.SetAgentStreams(len(s.conns))

	err := s.persistLocked(ctx)
	s.mu.Unlock()

	s.NotifyDashboard(protocol.ClientDeleted(id))
	s.logger.Info("client deleted", "client_id", id)
	return true, err
}

// ShutdownClient asks the agent to stop running. Purely advisory: no state
// machine transition and nothing durable.
func (s *State) ShutdownClient(id uint16) error {
	s.mu.RLock()
	exists := s.clientLocked(id) != nil
	s.mu.RUnlock()

	if !exists {
		return ErrClientNotFound
	}
	s.BroadcastTo(id, protocol.Shutdown())
	return nil
}

// markOffline records a confirmed disconnect timestamp. Used by the sweeper.
func markOffline(c *Client) {
	c.Activity = store.Activity{Online: false, Since: time.Now().Unix()}
}
