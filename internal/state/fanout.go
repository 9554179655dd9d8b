// ABOUTME: Broadcast primitives over the registry's channel table.
// ABOUTME: Fire-and-forget: delivery failures are left for the sweeper.

package state

import (
	"github.com/google/uuid"

	"github.com/2389/chorus-control/internal/protocol"
)

// Broadcast sends the event to every live agent channel. Best-effort: a
// failed send is observed, not retried, and the dead channel is reclaimed
// on the next sweep.
func (s *State) Broadcast(e protocol.Event) {
	s.mu.RLock()
	conns := make([]*Conn, len(s.conns))
	copy(conns, s.conns)
	s.mu.RUnlock()

	s.sendToConns(conns, e)
}

// BroadcastTo sends the event to every channel registered for the agent id.
// No-op when the agent has no live channel.
func (s *State) BroadcastTo(clientID uint16, e protocol.Event) {
	s.BroadcastFiltered(func(id uint16) bool { return id == clientID }, e)
}

// BroadcastFiltered sends the event to channels whose agent id satisfies the
// predicate. The predicate is evaluated while the channel table is
// snapshotted under the read lock; sends happen after release.
func (s *State) BroadcastFiltered(pred func(clientID uint16) bool, e protocol.Event) {
	s.mu.RLock()
	var conns []*Conn
	for _, c := range s.conns {
		if pred(c.ClientID) {
			conns = append(conns, c)
		}
	}
	s.mu.RUnlock()

	s.sendToConns(conns, e)
}

func (s *State) sendToConns(conns []*Conn, e protocol.Event) {
	if len(conns) == 0 {
		return
	}
	frame := protocol.MustEncode(e)

	sent := 0
	for _, c := range conns {
		if err := c.Send(frame); err != nil {
			s.logger.Debug("send failed, channel left for sweeper",
				"client_id", c.ClientID,
				"event", e.Type,
			)
			continue
		}
		sent++
	}
	s.metrics.AddAgentEvents(sent)
}

// NotifyDashboard stamps the event with the next ack value and sends it to
// every dashboard channel.
func (s *State) NotifyDashboard(ev protocol.DashboardEvent) {
	s.notifyDashboard(ev, nil)
}

// NotifyDashboardWithNonce additionally echoes the caller's nonce so a
// dashboard can reconcile its optimistic local edit.
func (s *State) NotifyDashboardWithNonce(ev protocol.DashboardEvent, nonce uint64) {
	s.notifyDashboard(ev, &nonce)
}

func (s *State) notifyDashboard(ev protocol.DashboardEvent, nonce *uint64) {
	s.mu.Lock()
	s.ack++
	env := protocol.Envelope{Payload: ev, Ack: s.ack, Nonce: nonce}
	targets := make([]*DashboardConn, 0, len(s.dashboards))
	for _, d := range s.dashboards {
		targets = append(targets, d)
	}
	s.mu.Unlock()

	sent := 0
	for _, d := range targets {
		select {
		case d.events <- env:
			sent++
		default:
			// Subscriber can't keep up; it resynchronizes via ack gaps.
			s.metrics.IncDroppedDashboard()
			s.logger.Debug("dropped event for slow dashboard",
				"dashboard_id", d.ID,
				"event", ev.Type,
			)
		}
	}
	s.metrics.AddDashboardEvents(sent)
}

// SubscribeDashboard registers a new dashboard stream and queues its Ready
// snapshot as the first event. The snapshot and its ack are taken atomically
// so no mutation can slip between them.
func (s *State) SubscribeDashboard() *DashboardConn {
	conn := &DashboardConn{
		ID:     uuid.New().String(),
		events: make(chan protocol.Envelope, s.dashboardBuffer),
	}

	s.mu.Lock()
	s.ack++
	// The channel is fresh and not yet in the table, so this buffered send
	// cannot block, and nothing can enqueue ahead of the Ready snapshot.
	conn.events <- protocol.Envelope{
		Payload: protocol.DashboardReady(s.readySnapshotLocked()),
		Ack:     s.ack,
	}
	s.dashboards[conn.ID] = conn
	s.metrics.SetDashboardStreams(len(s.dashboards))
	s.mu.Unlock()

	s.logger.Info("dashboard connected", "dashboard_id", conn.ID)
	return conn
}

// UnsubscribeDashboard removes a dashboard stream from the table. The events
// channel is never closed: a fan-out that snapshotted the table before the
// removal may still be sending, and those late sends must land in the
// abandoned buffer rather than panic.
func (s *State) UnsubscribeDashboard(id string) {
	s.mu.Lock()
	_, ok := s.dashboards[id]
	if ok {
		delete(s.dashboards, id)
	}
	s.metrics.SetDashboardStreams(len(s.dashboards))
	s.mu.Unlock()

	if ok {
		s.logger.Info("dashboard disconnected", "dashboard_id", id)
	}
}
