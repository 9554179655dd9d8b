// ABOUTME: Tests for connection registration, the deletion protocol, and the
// ABOUTME: liveness sweeper.

package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chorus-control/internal/protocol"
	"github.com/2389/chorus-control/internal/store"
)

func TestRegisterConn_UnknownClient(t *testing.T) {
	s, _ := newTestState(t)

	_, _, err := s.RegisterConn(99)
	require.ErrorIs(t, err, ErrClientNotFound)
}

func TestRegisterConn_MarksOnline(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	id, err := s.NewClient(ctx, "host", "user", "10.0.0.1")
	require.NoError(t, err)

	conn, pending, err := s.RegisterConn(id)
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, id, conn.ClientID)

	client, err := s.ClientInfo(id)
	require.NoError(t, err)
	assert.True(t, client.Activity.Online)
}

func TestDeletion_PendingFlagStickyAcrossReconnect(t *testing.T) {
	ctx := context.Background()
	s, ms := newTestState(t)

	id, err := s.NewClient(ctx, "host", "user", "10.0.0.1")
	require.NoError(t, err)

	conn, _, err := s.RegisterConn(id)
	require.NoError(t, err)

	require.NoError(t, s.MarkForDeletion(ctx, id))
	ev := recvFrame(t, conn)
	assert.Equal(t, protocol.TypeSelfDestruct, ev.Type)

	// Agent drops before acting on the event. The flag survives both the
	// reconnect and a full process restart.
	conn.Close()
	_, pending, err := s.RegisterConn(id)
	require.NoError(t, err)
	assert.True(t, pending)

	reloaded, err := Load(ctx, Options{Store: ms})
	require.NoError(t, err)
	assert.True(t, reloaded.PendingDeletion(id))
}

func TestDeletion_FinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	id, err := s.NewClient(ctx, "host", "user", "10.0.0.1")
	require.NoError(t, err)
	mediaID, err := s.CreateMedia(ctx, "a.mp3")
	require.NoError(t, err)
	_, err = s.MarkDownloaded(ctx, mediaID, id)
	require.NoError(t, err)
	require.NoError(t, s.MarkForDeletion(ctx, id))

	d := s.SubscribeDashboard()
	defer s.UnsubscribeDashboard(d.ID)
	recvEnvelope(t, d)

	removed, err := s.FinalizeDeletion(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)

	env := recvEnvelope(t, d)
	assert.Equal(t, "ClientDeleted", env.Payload.Type)

	// Record gone, flag gone, downloaded-set scrubbed.
	_, err = s.ClientInfo(id)
	require.ErrorIs(t, err, ErrClientNotFound)
	assert.False(t, s.PendingDeletion(id))
	media, err := s.MediaInfo(mediaID)
	require.NoError(t, err)
	assert.False(t, media.HasDownloaded(id))

	// A retried callback is a silent no-op with no second announcement.
	removed, err = s.FinalizeDeletion(ctx, id)
	require.NoError(t, err)
	assert.False(t, removed)
	requireNoEnvelope(t, d, 50*time.Millisecond)
}

func TestDeletion_FinalizeTerminatesLiveChannels(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	id, err := s.NewClient(ctx, "host", "user", "10.0.0.1")
	require.NoError(t, err)
	other, err := s.NewClient(ctx, "host-b", "user", "10.0.0.2")
	require.NoError(t, err)

	conn, _, err := s.RegisterConn(id)
	require.NoError(t, err)
	otherConn, _, err := s.RegisterConn(other)
	require.NoError(t, err)

	removed, err := s.FinalizeDeletion(ctx, id)
	require.NoError(t, err)
	require.True(t, removed)

	// The deleted agent's channel is terminated so its stream handler
	// returns; unrelated channels keep running.
	assert.True(t, conn.Closed())
	assert.False(t, otherConn.Closed())

	// The channel is also out of the table: the sweeper finds nothing dead.
	assert.Empty(t, s.Sweep(ctx))
	ev := recvFrame(t, otherConn)
	assert.Equal(t, protocol.TypePing, ev.Type)
}

func TestShutdownClient_DeliversEvent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	id, err := s.NewClient(ctx, "host", "user", "10.0.0.1")
	require.NoError(t, err)
	conn, _, err := s.RegisterConn(id)
	require.NoError(t, err)

	require.NoError(t, s.ShutdownClient(id))
	ev := recvFrame(t, conn)
	assert.Equal(t, protocol.TypeShutdown, ev.Type)

	require.ErrorIs(t, s.ShutdownClient(404), ErrClientNotFound)
}

func TestRenameClient_ClearsAlias(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	id, err := s.NewClient(ctx, "host", "user", "10.0.0.1")
	require.NoError(t, err)

	alias := "break room"
	require.NoError(t, s.RenameClient(ctx, id, &alias, nil))
	client, err := s.ClientInfo(id)
	require.NoError(t, err)
	require.NotNil(t, client.Alias)
	assert.Equal(t, alias, *client.Alias)

	require.NoError(t, s.RenameClient(ctx, id, nil, nil))
	client, err = s.ClientInfo(id)
	require.NoError(t, err)
	assert.Nil(t, client.Alias)
}

func TestSweep_ReapsOnlyDeadChannels(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	var conns []*Conn
	var ids []uint16
	for i := 0; i < 3; i++ {
		id, err := s.NewClient(ctx, "host", "user", "10.0.0.1")
		require.NoError(t, err)
		conn, _, err := s.RegisterConn(id)
		require.NoError(t, err)
		ids = append(ids, id)
		conns = append(conns, conn)
	}

	d := s.SubscribeDashboard()
	defer s.UnsubscribeDashboard(d.ID)
	recvEnvelope(t, d)

	// Second agent's handler is gone.
	conns[1].Close()

	offline := s.Sweep(ctx)
	assert.Equal(t, []uint16{ids[1]}, offline)

	env := recvEnvelope(t, d)
	assert.Equal(t, "ClientDisconnected", env.Payload.Type)
	assert.Equal(t, []uint16{ids[1]}, env.Payload.Payload)

	// Survivors stay online and received the ping.
	for _, i := range []int{0, 2} {
		client, err := s.ClientInfo(ids[i])
		require.NoError(t, err)
		assert.True(t, client.Activity.Online)
		ev := recvFrame(t, conns[i])
		assert.Equal(t, protocol.TypePing, ev.Type)
	}
	client, err := s.ClientInfo(ids[1])
	require.NoError(t, err)
	assert.False(t, client.Activity.Online)

	// Nothing left to reap on the next pass.
	assert.Empty(t, s.Sweep(ctx))
}

func TestSweep_FullBufferCountsAsDead(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	s, err := Load(ctx, Options{Store: ms, ChannelBuffer: 1})
	require.NoError(t, err)

	id, err := s.NewClient(ctx, "host", "user", "10.0.0.1")
	require.NoError(t, err)
	_, _, err = s.RegisterConn(id)
	require.NoError(t, err)

	// Nobody drains the channel: the first ping fills the buffer of one,
	// the second cannot be enqueued and the stream is reaped.
	assert.Empty(t, s.Sweep(ctx))
	offline := s.Sweep(ctx)
	assert.Equal(t, []uint16{id}, offline)
}

func TestSweep_SupersededChannelDoesNotMarkOffline(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	id, err := s.NewClient(ctx, "host", "user", "10.0.0.1")
	require.NoError(t, err)

	stale, _, err := s.RegisterConn(id)
	require.NoError(t, err)
	fresh, _, err := s.RegisterConn(id)
	require.NoError(t, err)
	stale.Close()

	// The stale channel is reaped but the agent still has a live one, so it
	// stays online and no disconnect is announced.
	offline := s.Sweep(ctx)
	assert.Empty(t, offline)

	client, err := s.ClientInfo(id)
	require.NoError(t, err)
	assert.True(t, client.Activity.Online)

	ev := recvFrame(t, fresh)
	assert.Equal(t, protocol.TypePing, ev.Type)
}

func TestRunCleanupLoop_StopsOnContextCancel(t *testing.T) {
	s, _ := newTestState(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunCleanupLoop(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}
