// ABOUTME: Handlers for the operator side of the API: the SSE event stream,
// ABOUTME: media uploads, and client/media/group commands.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/2389/chorus-control/internal/state"
)

// TargetsRequest is the JSON request body for commands addressed at a set of
// agents. An empty or absent list addresses every connected agent.
type TargetsRequest struct {
	Clients []uint16 `json:"clients"`
}

// RenameRequest is the JSON request body for PATCH /api/client/{id} and
// PATCH /api/group/{id}. A null alias clears it.
type RenameRequest struct {
	Alias *string `json:"alias,omitempty"`
	Name  string  `json:"name,omitempty"`
}

func decodeTargets(r *http.Request) (TargetsRequest, error) {
	var req TargetsRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		return req, errors.New("invalid JSON body")
	}
	return req, nil
}

// handleDashboardStream handles GET /api/dashboard/stream: the SSE stream.
// The first event is a Ready snapshot stamped with the current ack; every
// later event carries a strictly higher ack so the dashboard can detect
// drops.
func (s *Server) handleDashboardStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	conn := s.state.SubscribeDashboard()
	defer s.state.UnsubscribeDashboard(conn.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("dashboard stream closed", "dashboard_id", conn.ID)
			return
		case env := <-conn.Events():
			data, err := json.Marshal(env)
			if err != nil {
				s.logger.Error("failed to marshal dashboard event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleUploadMedia handles POST /api/media/{name}: stores the request body
// in the media directory, probes its duration, and announces the new media.
// The new id is returned as a plain decimal string.
func (s *Server) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		s.sendJSONError(w, http.StatusBadRequest, "media name is required")
		return
	}
	nonce, err := queryNonce(r)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.state.CreateMedia(r.Context(), name)
	if err != nil {
		s.logger.Error("failed to create media record", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	path := s.mediaPath(id)
	if err := s.writeMediaFile(path, r.Body); err != nil {
		s.logger.Error("failed to store media file", "media_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to store media")
		return
	}

	length := s.probeDuration(r.Context(), path)
	if err := s.state.FinishMedia(r.Context(), id, length, nonce); err != nil {
		s.logger.Error("failed to finish media record", "media_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.logger.Info("media uploaded", "media_id", id, "name", name, "length_ms", length)
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "%d", id)
}

// handleDeleteMedia handles DELETE /api/media/{id}.
func (s *Server) handleDeleteMedia(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	nonce, err := queryNonce(r)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.state.RemoveMedia(r.Context(), id, nonce); err != nil {
		if errors.Is(err, state.ErrMediaNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "media not found")
			return
		}
		s.logger.Error("failed to delete media", "media_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := os.Remove(s.mediaPath(id)); err != nil && !os.IsNotExist(err) {
		s.logger.Error("failed to remove media file", "media_id", id, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

// handleRequestDownload handles POST /api/media/{id}/download.
func (s *Server) handleRequestDownload(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := decodeTargets(r)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.state.RequestDownload(id, req.Clients); err != nil {
		s.sendJSONError(w, http.StatusNotFound, "media not found")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleRequestPlay handles POST /api/media/{id}/play.
func (s *Server) handleRequestPlay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := decodeTargets(r)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.state.RequestPlay(id, req.Clients); err != nil {
		switch {
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

// handleRequestStop handles POST /api/media/stop.
func (s *Server) handleRequestStop(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTargets(r)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.state.RequestStop(req.Clients)
	w.WriteHeader(http.StatusOK)
}

// handleRenameClient handles PATCH /api/client/{id}.
func (s *Server) handleRenameClient(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	nonce, err := queryNonce(r)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.state.RenameClient(r.Context(), id, req.Alias, nonce); err != nil {
		if errors.Is(err, state.ErrClientNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "client not found")
			return
		}
		s.logger.Error("failed to rename client", "client_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleDeleteClient handles DELETE /api/client/{id}: marks the agent for
// deletion. The record is removed only after the agent's destroyed callback.
func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.state.MarkForDeletion(r.Context(), id); err != nil {
		if errors.Is(err, state.ErrClientNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "client not found")
			return
		}
		s.logger.Error("failed to mark client for deletion", "client_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleShutdownClient handles POST /api/client/{id}/shutdown.
func (s *Server) handleShutdownClient(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.state.ShutdownClient(id); err != nil {
		s.sendJSONError(w, http.StatusNotFound, "client not found")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleCreateGroup handles POST /api/group.
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	nonce, err := queryNonce(r)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.state.CreateGroup(r.Context(), nonce)
	if err != nil {
		s.logger.Error("failed to create group", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "%d", id)
}

// handleRenameGroup handles PATCH /api/group/{id}.
func (s *Server) handleRenameGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	nonce, err := queryNonce(r)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.state.RenameGroup(r.Context(), id, req.Name, nonce); err != nil {
		if errors.Is(err, state.ErrGroupNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "group not found")
			return
		}
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleDeleteGroup handles DELETE /api/group/{id}.
func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	nonce, err := queryNonce(r)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.state.DeleteGroup(r.Context(), id, nonce); err != nil {
		if errors.Is(err, state.ErrGroupNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "group not found")
			return
		}
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleAddGroupMember handles PUT /api/group/{id}/client/{cid}.
func (s *Server) handleAddGroupMember(w http.ResponseWriter, r *http.Request) {
	s.handleGroupMembership(w, r, s.state.AddGroupMember)
}

// handleRemoveGroupMember handles DELETE /api/group/{id}/client/{cid}.
func (s *Server) handleRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	s.handleGroupMembership(w, r, s.state.RemoveGroupMember)
}

func (s *Server) handleGroupMembership(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, groupID, clientID uint16, nonce *uint64) error) {
	groupID, err := pathID(r, "id")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	clientID, err := pathID(r, "cid")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	nonce, err := queryNonce(r)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := op(r.Context(), groupID, clientID, nonce); err != nil {
		switch {
		case errors.Is(err, state.ErrGroupNotFound):
			s.sendJSONError(w, http.StatusNotFound, "group not found")
		case errors.Is(err, state.ErrClientNotFound):
			s.sendJSONError(w, http.StatusNotFound, "client not found")
		default:
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}
