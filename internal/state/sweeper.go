// ABOUTME: Periodic liveness sweep that pings every agent channel and reaps
// ABOUTME: the ones that can no longer accept frames.

package state

import (
	"context"
	"time"

	"github.com/2389/chorus-control/internal/protocol"
)

// RunCleanupLoop sweeps the registry on a fixed interval until ctx is
// cancelled. Intended to run as a singleton goroutine next to the server.
func (s *State) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("cleanup loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup loop stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep pings every registered channel and removes the ones that fail.
// A channel fails the ping when it has been closed by its handler or when
// its buffer is full, which means the peer stopped draining frames. Agents
// left with no live channel are marked offline; the ids of agents that
// transitioned to offline in this sweep are returned and announced to
// dashboards as a single ClientDisconnected event.
func (s *State) Sweep(ctx context.Context) []uint16 {
	ping := protocol.MustEncode(protocol.Ping())

	s.mu.RLock()
	targets := make([]*Conn, len(s.conns))
	copy(targets, s.conns)
	s.mu.RUnlock()

	var failed []*Conn
	for _, c := range targets {
		if err := c.TrySend(ping); err != nil {
			failed = append(failed, c)
		}
	}
	if len(failed) == 0 {
		s.metrics.IncSweeps()
		return nil
	}

	dead := make(map[*Conn]struct{}, len(failed))
	for _, c := range failed {
		dead[c] = struct{}{}
	}

	s.mu.Lock()
	kept := s.conns[:0]
	var reaped []*Conn
	for _, c := range s.conns {
		if _, ok := dead[c]; ok {
			reaped = append(reaped, c)
		} else {
			kept = append(kept, c)
		}
	}
	s.conns = kept

	var offline []uint16
	seen := make(map[uint16]struct{})
	for _, c := range reaped {
		c.Close()
		if _, ok := seen[c.ClientID]; ok {
			continue
		}
		seen[c.ClientID] = struct{}{}
		client := s.clientLocked(c.ClientID)
		if client == nil || s.hasLiveConnLocked(c.ClientID) {
			continue
		}
		markOffline(client)
		offline = append(offline, c.ClientID)
	}

	var persistErr error
	if len(offline) > 0 {
		persistErr = s.persistLocked(ctx)
	}
	s.metrics.SetAgentStreams(len(s.conns))
	s.mu.Unlock()

	s.metrics.IncSweeps()
	s.metrics.AddStreamsReaped(len(reaped))
	s.logger.Info("sweep reaped streams", "reaped", len(reaped), "offline", offline)
	if persistErr != nil {
		s.logger.Error("sweep persist failed", "error", persistErr)
	}

	if len(offline) > 0 {
		s.NotifyDashboard(protocol.ClientDisconnected(offline))
	}
	return offline
}
