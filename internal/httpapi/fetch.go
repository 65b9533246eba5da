package httpapi

import (
	"context"
	"errors"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/chatrelay/internal/chatrelay"
)

// FetchResponse is the deferred-fetch envelope. Code is 0 on success and
// mirrors the HTTP status otherwise.
type FetchResponse struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message,omitempty"`
	Data    *chatrelay.FetchResult `json:"data,omitempty"`
}

func writeFetchError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, FetchResponse{Code: status, Message: message})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeFetchError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	result, err := s.relay.Fetch(r.Context(), id)
	if err != nil {
		s.writeFetchFailure(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, FetchResponse{Code: 0, Data: &result})
}

func (s *Server) writeFetchFailure(w http.ResponseWriter, r *http.Request, id int64, err error) {
	if errors.Is(err, chatrelay.ErrNotFound) {
		writeFetchError(w, http.StatusNotFound, "message not found")
		return
	}
	s.requestLogger(r).Error("fetch message failed", "message_id", id, "error", err)
	writeFetchError(w, http.StatusInternalServerError, "server fail")
}

// handleStream pushes the current fetch payload over a websocket, then waits
// for the first reply and pushes again. The socket closes once a reply exists
// or StreamTimeout elapses.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeFetchError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	result, err := s.relay.Fetch(r.Context(), id)
	if err != nil {
		s.writeFetchFailure(w, r, id, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: s.cfg.StreamAnyOrigin})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StreamTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, FetchResponse{Code: 0, Data: &result}); err != nil {
		return
	}
	if len(result.Replies) == 0 {
		result, err = s.relay.WaitForReply(ctx, id, s.cfg.StreamInterval)
		switch {
		case ctx.Err() != nil:
			_ = conn.Close(websocket.StatusTryAgainLater, "reply not ready")
			return
		case err != nil:
			s.requestLogger(r).Warn("stream fetch failed", "message_id", id, "error", err)
			_ = conn.Close(websocket.StatusInternalError, "fetch failed")
			return
		}
		if err := wsjson.Write(ctx, conn, FetchResponse{Code: 0, Data: &result}); err != nil {
			return
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "reply ready")
}
