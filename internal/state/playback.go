// ABOUTME: Playback session tracking with a per-client watchdog timer that
// ABOUTME: synthesizes a stop event when an agent never reports one.

package state

import (
	"context"
	"time"

	"github.com/2389/chorus-control/internal/protocol"
)

// StartPlayback opens a playback session for the agent on its own report.
// A watchdog armed with the media's duration guarantees the session ends
// even if the agent never reports back. Reports from an agent that is
// already in a session are ignored, so duplicate callbacks cannot stack
// timers. Returns whether a new session was opened.
func (s *State) StartPlayback(ctx context.Context, clientID, mediaID uint16) (bool, error) {
	s.mu.Lock()
	client := s.clientLocked(clientID)
	if client == nil {
		s.mu.Unlock()
		return false, ErrClientNotFound
	}
	media := s.mediaLocked(mediaID)
	if media == nil {
		s.mu.Unlock()
		return false, ErrMediaNotFound
	}
	if media.Length == 0 {
		s.mu.Unlock()
		return false, ErrDurationUnknown
	}
	if client.playing != nil {
		s.mu.Unlock()
		return false, nil
	}

	length := time.Duration(media.Length) * time.Millisecond
	session := &playbackSession{mediaID: mediaID}
	session.timer = time.AfterFunc(length, func() {
		s.expirePlayback(clientID, session)
	})
	client.playing = session
	s.mu.Unlock()

	s.NotifyDashboard(protocol.MediaStarted(mediaID, clientID))
	s.logger.Info("playback started", "client_id", clientID, "media_id", mediaID)
	return true, nil
}

// StopPlayback closes the agent's session on its own report. The watchdog
// is disarmed so the session produces exactly one stopped announcement no
// matter which path ends it first. Returns whether a session was open.
func (s *State) StopPlayback(ctx context.Context, clientID uint16) (bool, error) {
	s.mu.Lock()
	client := s.clientLocked(clientID)
	if client == nil {
		s.mu.Unlock()
		return false, ErrClientNotFound
	}
	if client.playing == nil {
		s.mu.Unlock()
		return false, nil
	}
	client.playing.timer.Stop()
	client.playing = nil
	s.mu.Unlock()

	s.NotifyDashboard(protocol.MediaStopped(clientID))
	s.logger.Info("playback stopped", "client_id", clientID)
	return true, nil
}

// expirePlayback runs when a watchdog fires. The session is only closed if
// it is still the exact one the timer was armed for; a session already
// ended, or replaced by a later one, leaves the announcement to its own
// path.
func (s *State) expirePlayback(clientID uint16, session *playbackSession) {
	s.mu.Lock()
	client := s.clientLocked(clientID)
	if client == nil || client.playing != session {
		s.mu.Unlock()
		return
	}
	client.playing = nil
	s.mu.Unlock()

	s.NotifyDashboard(protocol.MediaStopped(clientID))
	s.logger.Info("playback expired", "client_id", clientID, "media_id", session.mediaID)
}
