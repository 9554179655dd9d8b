// ABOUTME: Handlers for the agent side of the API: registration, the
// ABOUTME: long-lived frame stream, media fetch, and agent callbacks.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/2389/chorus-control/internal/protocol"
	"github.com/2389/chorus-control/internal/state"
)

// RegisterClientRequest is the JSON request body for POST /api/client.
type RegisterClientRequest struct {
	Hostname string `json:"hostname"`
	Username string `json:"username"`
}

// clientIDHeader parses the X-Client-Id header. ok is false when the header
// is absent; a present but malformed header is an error.
func clientIDHeader(r *http.Request) (id uint16, ok bool, err error) {
	raw := r.Header.Get("X-Client-Id")
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, false, fmt.Errorf("invalid X-Client-Id header")
	}
	return uint16(v), true, nil
}

// handleRegisterClient handles POST /api/client. The new id is returned as a
// plain decimal string, which is all the agent needs to store.
func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req RegisterClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Hostname == "" {
		s.sendJSONError(w, http.StatusBadRequest, "hostname is required")
		return
	}

	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}

	id, err := s.state.NewClient(r.Context(), req.Hostname, req.Username, addr)
	if err != nil {
		s.logger.Error("failed to persist new client", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "%d", id)
}

// handleStream handles GET /api/stream: the long-lived agent connection.
// The response body is a sequence of NUL-terminated JSON frames, starting
// with a Ready frame carrying the agent's pending-deletion flag.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok, err := clientIDHeader(r)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		s.sendJSONError(w, http.StatusBadRequest, "missing X-Client-Id header")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	conn, pending, err := s.state.RegisterConn(id)
	if err != nil {
		if errors.Is(err, state.ErrClientNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "client not found")
			return
		}
		s.logger.Error("failed to register stream", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	defer conn.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	ready, err := protocol.Encode(protocol.Ready(pending))
	if err != nil {
		s.logger.Error("failed to encode ready frame", "error", err)
		return
	}
	if _, err := w.Write(ready); err != nil {
		return
	}
	flusher.Flush()

	s.state.NotifyDashboard(protocol.ClientConnected(id))

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("client stream closed", "client_id", id)
			return
		case <-conn.Done():
			// Reaped by the sweeper or finalized. Ending the response lets
			// the agent's reconnect loop register a fresh channel.
			s.logger.Info("client stream terminated", "client_id", id)
			return
		case frame := <-conn.Frames():
			if _, err := w.Write(frame); err != nil {
				s.logger.Info("client stream write failed", "client_id", id)
				return
			}
			flusher.Flush()
		}
	}
}

// handleFetchMedia handles GET /api/media/{id}: streams the media file. When
// the caller identifies itself with X-Client-Id the download is recorded.
func (s *Server) handleFetchMedia(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.state.MediaInfo(id); err != nil {
		s.sendJSONError(w, http.StatusNotFound, "media not found")
		return
	}

	clientID, identified, err := clientIDHeader(r)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	f, err := os.Open(s.mediaPath(id))
	if err != nil {
		s.logger.Error("failed to open media file", "media_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to open media")
		return
	}
	defer f.Close()

	if identified {
		if _, err := s.state.MarkDownloaded(r.Context(), id, clientID); err != nil {
			s.sendJSONError(w, http.StatusNotFound, "client not found")
			return
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, "", modTime(f), f)
}

// handleClientDestroyed handles POST /api/client/destroyed: the agent's
// final callback after wiping itself. Idempotent.
func (s *Server) handleClientDestroyed(w http.ResponseWriter, r *http.Request) {
	id, ok, err := clientIDHeader(r)
	if err != nil || !ok {
		s.sendJSONError(w, http.StatusBadRequest, "missing or invalid X-Client-Id header")
		return
	}

	if _, err := s.state.FinalizeDeletion(r.Context(), id); err != nil {
		s.logger.Error("failed to finalize deletion", "client_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleMediaStarted handles POST /api/media/{id}/started: the agent reports
// that playback began.
func (s *Server) handleMediaStarted(w http.ResponseWriter, r *http.Request) {
	mediaID, err := pathID(r, "id")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	clientID, ok, err := clientIDHeader(r)
	if err != nil || !ok {
		s.sendJSONError(w, http.StatusBadRequest, "missing or invalid X-Client-Id header")
		return
	}

	if _, err := s.state.StartPlayback(r.Context(), clientID, mediaID); err != nil {
		switch {
		case errors.Is(err, state.ErrClientNotFound):
			s.sendJSONError(w, http.StatusNotFound, "client not found")
		case errors.Is(err, state.ErrMediaNotFound):
			s.sendJSONError(w, http.StatusNotFound, "media not found")
		case errors.Is(err, state.ErrDurationUnknown):
			s.sendJSONError(w, http.StatusConflict, "media duration unknown")
		default:
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleMediaStopped handles POST /api/media/stopped: the agent reports that
// playback ended on its own.
func (s *Server) handleMediaStopped(w http.ResponseWriter, r *http.Request) {
	clientID, ok, err := clientIDHeader(r)
	if err != nil || !ok {
		s.sendJSONError(w, http.StatusBadRequest, "missing or invalid X-Client-Id header")
		return
	}

	if _, err := s.state.StopPlayback(r.Context(), clientID); err != nil {
		if errors.Is(err, state.ErrClientNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "client not found")
			return
		}
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusOK)
}
