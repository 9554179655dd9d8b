// ABOUTME: Tests for playback sessions and the single-announcement guarantee
// ABOUTME: of the stop watchdog.

package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// playbackFixture creates one connected agent and one media with the given
// duration in milliseconds.
func playbackFixture(t *testing.T, s *State, lengthMS uint64) (clientID, mediaID uint16) {
	t.Helper()
	ctx := context.Background()

	clientID, err := s.NewClient(ctx, "host", "user", "10.0.0.1")
	require.NoError(t, err)
	mediaID, err = s.CreateMedia(ctx, "a.mp3")
	require.NoError(t, err)
	require.NoError(t, s.FinishMedia(ctx, mediaID, lengthMS, nil))
	return clientID, mediaID
}

func TestPlayback_AgentReportEndsSessionOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)
	clientID, mediaID := playbackFixture(t, s, 60_000)

	d := s.SubscribeDashboard()
	defer s.UnsubscribeDashboard(d.ID)
	recvEnvelope(t, d)

	started, err := s.StartPlayback(ctx, clientID, mediaID)
	require.NoError(t, err)
	assert.True(t, started)
	env := recvEnvelope(t, d)
	assert.Equal(t, "MediaStarted", env.Payload.Type)

	stopped, err := s.StopPlayback(ctx, clientID)
	require.NoError(t, err)
	assert.True(t, stopped)
	env = recvEnvelope(t, d)
	assert.Equal(t, "MediaStopped", env.Payload.Type)

	// A duplicate stop report after the session ended announces nothing.
	stopped, err = s.StopPlayback(ctx, clientID)
	require.NoError(t, err)
	assert.False(t, stopped)
	requireNoEnvelope(t, d, 50*time.Millisecond)
}

func TestPlayback_WatchdogInfersStop(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)
	clientID, mediaID := playbackFixture(t, s, 20)

	d := s.SubscribeDashboard()
	defer s.UnsubscribeDashboard(d.ID)
	recvEnvelope(t, d)

	started, err := s.StartPlayback(ctx, clientID, mediaID)
	require.NoError(t, err)
	assert.True(t, started)
	recvEnvelope(t, d)

	env := recvEnvelope(t, d)
	assert.Equal(t, "MediaStopped", env.Payload.Type)

	// The agent's own late report finds the session already closed.
	stopped, err := s.StopPlayback(ctx, clientID)
	require.NoError(t, err)
	assert.False(t, stopped)
	requireNoEnvelope(t, d, 50*time.Millisecond)
}

func TestPlayback_DuplicateStartIgnored(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)
	clientID, mediaID := playbackFixture(t, s, 60_000)

	started, err := s.StartPlayback(ctx, clientID, mediaID)
	require.NoError(t, err)
	assert.True(t, started)

	started, err = s.StartPlayback(ctx, clientID, mediaID)
	require.NoError(t, err)
	assert.False(t, started)
}

func TestPlayback_StaleWatchdogCannotKillNewSession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)
	clientID, mediaID := playbackFixture(t, s, 60_000)

	_, err := s.StartPlayback(ctx, clientID, mediaID)
	require.NoError(t, err)

	s.mu.Lock()
	stale := s.clientLocked(clientID).playing
	s.mu.Unlock()

	_, err = s.StopPlayback(ctx, clientID)
	require.NoError(t, err)
	_, err = s.StartPlayback(ctx, clientID, mediaID)
	require.NoError(t, err)

	d := s.SubscribeDashboard()
	defer s.UnsubscribeDashboard(d.ID)
	recvEnvelope(t, d)

	// Even if the first session's timer fired now, it must not touch the
	// replacement session for the same media.
	s.expirePlayback(clientID, stale)
	requireNoEnvelope(t, d, 50*time.Millisecond)

	playing, ok := playingMedia(s, clientID)
	require.True(t, ok)
	assert.Equal(t, mediaID, playing)
}

func TestPlayback_Validation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestState(t)
	clientID, mediaID := playbackFixture(t, s, 0)

	_, err := s.StartPlayback(ctx, 404, mediaID)
	require.ErrorIs(t, err, ErrClientNotFound)
	_, err = s.StartPlayback(ctx, clientID, 404)
	require.ErrorIs(t, err, ErrMediaNotFound)
	_, err = s.StartPlayback(ctx, clientID, mediaID)
	require.ErrorIs(t, err, ErrDurationUnknown)
	_, err = s.StopPlayback(ctx, 404)
	require.ErrorIs(t, err, ErrClientNotFound)
}

func playingMedia(s *State, clientID uint16) (uint16, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.clientLocked(clientID)
	if c == nil {
		return 0, false
	}
	return c.Playing()
}
