package httpapi

import (
	"errors"
	"net/http"

	"github.com/agentworkforce/chatrelay/internal/chatrelay"
)

func (s *Server) handleAdminMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid message id", requestID(r))
		return
	}
	message, err := s.relay.Message(r.Context(), id)
	if err != nil {
		s.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message)
}

func (s *Server) handleAdminRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid message id", requestID(r))
		return
	}
	reply, err := s.relay.Retry(r.Context(), id)
	if err != nil {
		s.writeAdminError(w, r, err)
		return
	}
	s.requestLogger(r).Info("admin retry completed", "message_id", id, "reply_id", reply.ID)
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleAdminThread(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid thread id", requestID(r))
		return
	}
	view, err := s.relay.Thread(r.Context(), id)
	if err != nil {
		s.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := requestID(r)
	var completionErr *chatrelay.CompletionError
	switch {
	case errors.Is(err, chatrelay.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, chatrelay.ErrInvalidState):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, chatrelay.ErrEmptyCompletion), errors.As(err, &completionErr):
		writeError(w, http.StatusBadGateway, "upstream_failed", err.Error(), correlationID)
	default:
		s.requestLogger(r).Error("admin request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}
