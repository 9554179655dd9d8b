// ABOUTME: Outbound channel handles for agent streams and dashboard streams.
// ABOUTME: Sends are bounded and never hold the registry lock.

package state

import (
	"errors"
	"sync"

	"github.com/2389/chorus-control/internal/protocol"
)

// ErrConnClosed indicates the connection's HTTP handler has returned.
var ErrConnClosed = errors.New("connection closed")

// ErrConnBusy indicates the outbound buffer is full on a non-blocking send.
var ErrConnBusy = errors.New("connection buffer full")

// Conn is the outbound half of one agent stream. The registry writes encoded
// frames into it; the HTTP handler drains Frames into the response body and
// calls Close when the body writer is gone. A closed Conn stays in the
// registry until the sweeper discovers and reaps it.
type Conn struct {
	ClientID uint16

	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(clientID uint16, buffer int) *Conn {
	return &Conn{
		ClientID: clientID,
		frames:   make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// Send enqueues a frame, blocking until buffer capacity frees or the
// connection is discovered closed. Frames are never dropped silently.
func (c *Conn) Send(frame []byte) error {
	select {
	case c.frames <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

// TrySend enqueues a frame without blocking. Used by the sweeper, where a
// full buffer on a liveness ping counts as a failed send.
func (c *Conn) TrySend(frame []byte) error {
	select {
	case c.frames <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrConnBusy
	}
}

// Frames is the stream the HTTP handler drains into the response body.
func (c *Conn) Frames() <-chan []byte {
	return c.frames
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close marks the connection dead. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// DashboardConn is the outbound half of one dashboard SSE stream. Events are
// dropped for subscribers that cannot keep up; the dashboard reconciles via
// the ack counter on its next event.
type DashboardConn struct {
	ID     string
	events chan protocol.Envelope
}

// Events is the stream the SSE handler drains.
func (d *DashboardConn) Events() <-chan protocol.Envelope {
	return d.events
}
