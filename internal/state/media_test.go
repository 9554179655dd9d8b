// ABOUTME: Tests for library management and command fan-out targeting.

package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chorus-control/internal/protocol"
)

func TestMedia_CreateAndFinish(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	d := s.SubscribeDashboard()
	defer s.UnsubscribeDashboard(d.ID)
	recvEnvelope(t, d)

	id, err := s.CreateMedia(ctx, "chimes.mp3")
	require.NoError(t, err)

	// Unfinished uploads are present but not announced.
	requireNoEnvelope(t, d, 50*time.Millisecond)
	media, err := s.MediaInfo(id)
	require.NoError(t, err)
	assert.Zero(t, media.Length)

	require.NoError(t, s.FinishMedia(ctx, id, 4200, nil))
	env := recvEnvelope(t, d)
	assert.Equal(t, "MediaCreated", env.Payload.Type)

	media, err = s.MediaInfo(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(4200), media.Length)
}

func TestMedia_RemoveBroadcastsDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	clientID, err := s.NewClient(ctx, "host", "user", "10.0.0.1")
	require.NoError(t, err)
	conn, _, err := s.RegisterConn(clientID)
	require.NoError(t, err)

	id, err := s.CreateMedia(ctx, "chimes.mp3")
	require.NoError(t, err)

	name, err := s.RemoveMedia(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, "chimes.mp3", name)

	ev := recvFrame(t, conn)
	assert.Equal(t, protocol.TypeDeleteMedia, ev.Type)
	mediaID, err := ev.MediaID()
	require.NoError(t, err)
	assert.Equal(t, id, mediaID)

	_, err = s.MediaInfo(id)
	require.ErrorIs(t, err, ErrMediaNotFound)
	_, err = s.RemoveMedia(ctx, id, nil)
	require.ErrorIs(t, err, ErrMediaNotFound)
}

func TestMarkDownloaded_FirstConfirmationOnly(t *testing.T) {
	ctx := context.Background()
	s, ms := newTestState(t)

	clientID, err := s.NewClient(ctx, "host", "user", "10.0.0.1")
	require.NoError(t, err)
	mediaID, err := s.CreateMedia(ctx, "a.mp3")
	require.NoError(t, err)

	d := s.SubscribeDashboard()
	defer s.UnsubscribeDashboard(d.ID)
	recvEnvelope(t, d)

	first, err := s.MarkDownloaded(ctx, mediaID, clientID)
	require.NoError(t, err)
	assert.True(t, first)
	env := recvEnvelope(t, d)
	assert.Equal(t, "MediaDownloaded", env.Payload.Type)

	saves := ms.SaveCount
	first, err = s.MarkDownloaded(ctx, mediaID, clientID)
	require.NoError(t, err)
	assert.False(t, first)
	requireNoEnvelope(t, d, 50*time.Millisecond)
	assert.Equal(t, saves, ms.SaveCount, "repeat confirmation must not persist")

	_, err = s.MarkDownloaded(ctx, 404, clientID)
	require.ErrorIs(t, err, ErrMediaNotFound)
	_, err = s.MarkDownloaded(ctx, mediaID, 404)
	require.ErrorIs(t, err, ErrClientNotFound)
}

func TestRequestDownload_SkipsHolders(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	holderID, err := s.NewClient(ctx, "host-a", "user", "10.0.0.1")
	require.NoError(t, err)
	otherID, err := s.NewClient(ctx, "host-b", "user", "10.0.0.2")
	require.NoError(t, err)
	holder, _, err := s.RegisterConn(holderID)
	require.NoError(t, err)
	other, _, err := s.RegisterConn(otherID)
	require.NoError(t, err)

	mediaID, err := s.CreateMedia(ctx, "a.mp3")
	require.NoError(t, err)
	_, err = s.MarkDownloaded(ctx, mediaID, holderID)
	require.NoError(t, err)

	require.NoError(t, s.RequestDownload(mediaID, nil))

	ev := recvFrame(t, other)
	assert.Equal(t, protocol.TypeDownloadMedia, ev.Type)
	requireNoFrame(t, holder, 50*time.Millisecond)

	require.ErrorIs(t, s.RequestDownload(404, nil), ErrMediaNotFound)
}

func TestRequestPlay_TargetsIdleConnectedAgents(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	idleID, err := s.NewClient(ctx, "host-a", "user", "10.0.0.1")
	require.NoError(t, err)
	busyID, err := s.NewClient(ctx, "host-b", "user", "10.0.0.2")
	require.NoError(t, err)
	idle, _, err := s.RegisterConn(idleID)
	require.NoError(t, err)
	busy, _, err := s.RegisterConn(busyID)
	require.NoError(t, err)

	mediaID, err := s.CreateMedia(ctx, "a.mp3")
	require.NoError(t, err)
	require.NoError(t, s.FinishMedia(ctx, mediaID, 60_000, nil))
	_, err = s.StartPlayback(ctx, busyID, mediaID)
	require.NoError(t, err)

	require.NoError(t, s.RequestPlay(mediaID, nil))

	ev := recvFrame(t, idle)
	assert.Equal(t, protocol.TypePlayMedia, ev.Type)
	requireNoFrame(t, busy, 50*time.Millisecond)
}

func TestRequestPlay_RejectsUnknownDuration(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	mediaID, err := s.CreateMedia(ctx, "a.mp3")
	require.NoError(t, err)

	require.ErrorIs(t, s.RequestPlay(mediaID, nil), ErrDurationUnknown)
	require.ErrorIs(t, s.RequestPlay(404, nil), ErrMediaNotFound)
}

func TestRequestStop_HonorsTargetList(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)

	aID, err := s.NewClient(ctx, "host-a", "user", "10.0.0.1")
	require.NoError(t, err)
	bID, err := s.NewClient(ctx, "host-b", "user", "10.0.0.2")
	require.NoError(t, err)
	a, _, err := s.RegisterConn(aID)
	require.NoError(t, err)
	b, _, err := s.RegisterConn(bID)
	require.NoError(t, err)

	s.RequestStop([]uint16{aID})

	ev := recvFrame(t, a)
	assert.Equal(t, protocol.TypeStopMedia, ev.Type)
	requireNoFrame(t, b, 50*time.Millisecond)
}
