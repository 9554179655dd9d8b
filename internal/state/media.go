// ABOUTME: Library management: media records, download tracking, and the
// ABOUTME: fan-out of download/play/stop commands to agents.

package state

import (
	"context"
	"slices"

	"github.com/2389/chorus-control/internal/protocol"
	"github.com/2389/chorus-control/internal/store"
)

// CreateMedia reserves an id and a named record for an upload in progress.
// The record's length stays zero until FinishMedia is called, which keeps
// half-uploaded media unplayable.
func (s *State) CreateMedia(ctx context.Context, name string) (uint16, error) {
	s.mu.Lock()
	id := s.nextIDLocked()
	s.library = append(s.library, &store.Media{ID: id, Name: name})
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	s.logger.Info("media created", "media_id", id, "name", name)
	return id, err
}

// FinishMedia records the probed duration of a completed upload and
// announces the media to dashboards.
func (s *State) FinishMedia(ctx context.Context, id uint16, length uint64, nonce *uint64) error {
	s.mu.Lock()
	media := s.mediaLocked(id)
	if media == nil {
		s.mu.Unlock()
		return ErrMediaNotFound
	}
	media.Length = length
	err := s.persistLocked(ctx)
	name := media.Name
	s.mu.Unlock()

	s.notifyDashboard(protocol.MediaCreated(id, name, length), nonce)
	return err
}

// RemoveMedia deletes the record, tells every agent to drop its copy, and
// announces the removal. Returns the stored name so the caller can unlink
// the file.
func (s *State) RemoveMedia(ctx context.Context, id uint16, nonce *uint64) (string, error) {
	s.mu.Lock()
	media := s.mediaLocked(id)
	if media == nil {
		s.mu.Unlock()
		return "", ErrMediaNotFound
	}
	name := media.Name
	for i, m := range s.library {
		if m.ID == id {
			s.library = append(s.library[:i], s.library[i+1:]...)
			break
		}
	}
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	s.Broadcast(protocol.DeleteMedia(id))
	s.notifyDashboard(protocol.MediaDeleted(id), nonce)
	s.logger.Info("media deleted", "media_id", id, "name", name)
	return name, err
}

// MarkDownloaded records that the agent holds a local copy. The first
// confirmation for a given pair is durable and announced; repeats are
// no-ops so agents can re-download after losing local state.
func (s *State) MarkDownloaded(ctx context.Context, mediaID, clientID uint16) (bool, error) {
	s.mu.Lock()
	media := s.mediaLocked(mediaID)
	if media == nil {
		s.mu.Unlock()
		return false, ErrMediaNotFound
	}
	if s.clientLocked(clientID) == nil {
		s.mu.Unlock()
		return false, ErrClientNotFound
	}
	first := media.MarkDownloaded(clientID)
	var err error
	if first {
		err = s.persistLocked(ctx)
	}
	s.mu.Unlock()

	if first {
		s.NotifyDashboard(protocol.MediaDownloaded(mediaID, clientID))
	}
	return first, err
}

// RequestDownload pushes a DownloadMedia command to the requested agents,
// skipping ones that already confirmed a copy. An empty target list means
// every connected agent.
func (s *State) RequestDownload(mediaID uint16, clientIDs []uint16) error {
	s.mu.RLock()
	media := s.mediaLocked(mediaID)
	if media == nil {
		s.mu.RUnlock()
		return ErrMediaNotFound
	}
	downloaded := slices.Clone(media.Downloaded)
	s.mu.RUnlock()

	s.BroadcastFiltered(func(id uint16) bool {
		if slices.Contains(downloaded, id) {
			return false
		}
		return len(clientIDs) == 0 || slices.Contains(clientIDs, id)
	}, protocol.DownloadMedia(mediaID))
	return nil
}

// RequestPlay pushes a PlayMedia command to the requested agents. Media
// with an unknown duration cannot be played because the stop watchdog
// would never fire. Agents already in a playback session are skipped.
func (s *State) RequestPlay(mediaID uint16, clientIDs []uint16) error {
	s.mu.RLock()
	media := s.mediaLocked(mediaID)
	if media == nil {
		s.mu.RUnlock()
		return ErrMediaNotFound
	}
	if media.Length == 0 {
		s.mu.RUnlock()
		return ErrDurationUnknown
	}
	busy := make(map[uint16]struct{})
	for _, c := range s.clients {
		if c.playing != nil {
			busy[c.ID] = struct{}{}
		}
	}
	s.mu.RUnlock()

	s.BroadcastFiltered(func(id uint16) bool {
		if _, ok := busy[id]; ok {
			return false
		}
		return len(clientIDs) == 0 || slices.Contains(clientIDs, id)
	}, protocol.PlayMedia(mediaID))
	return nil
}

// RequestStop pushes a StopMedia command to the requested agents. An empty
// target list addresses every connected agent.
func (s *State) RequestStop(clientIDs []uint16) {
	s.BroadcastFiltered(func(id uint16) bool {
		return len(clientIDs) == 0 || slices.Contains(clientIDs, id)
	}, protocol.StopMedia())
}
