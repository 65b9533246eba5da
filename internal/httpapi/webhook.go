package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentworkforce/chatrelay/internal/chatrelay"
)

// handleVerify answers WeChat's server verification handshake.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !s.signatureOK(r) {
		writeText(w, http.StatusUnauthorized, "bad signature")
		return
	}
	writeText(w, http.StatusOK, r.URL.Query().Get("echostr"))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)
	if !s.signatureOK(r) {
		logger.Warn("webhook signature rejected", "remote", clientIP(r))
		writeText(w, http.StatusUnauthorized, "bad signature")
		return
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	in, err := decodeWeChatInbound(body)
	if err != nil || !in.valid() {
		logger.Warn("webhook payload rejected", "error", err)
		writeText(w, http.StatusBadRequest, "bad arg")
		return
	}
	logger = logger.With("sender", in.FromUserName, "msg_type", in.MsgType, "msg_id", in.MsgID)

	now := s.now()
	if in.MsgType == string(chatrelay.KindEvent) {
		s.handleEvent(w, r, in)
		return
	}
	msg, supported := in.inboundMessage(now)
	if !supported {
		logger.Info("unsupported message kind")
		s.writeWeChatText(w, r, in, s.Replies().Unsupported)
		return
	}
	if msg.ExternalID == "" {
		writeText(w, http.StatusBadRequest, "bad arg")
		return
	}

	outcome, err := s.relay.Handle(r.Context(), msg)
	if err != nil {
		if errors.Is(err, chatrelay.ErrInvalidInput) {
			writeText(w, http.StatusBadRequest, "bad arg")
			return
		}
		logger.Error("webhook handling failed", "error", err)
		writeText(w, http.StatusInternalServerError, "server fail")
		return
	}
	logger.Info("webhook answered", "outcome", string(outcome.Kind), "message_id", outcome.MessageID, "attempt", outcome.Attempt)

	switch outcome.Kind {
	case chatrelay.OutcomeReply:
		s.writeWeChatText(w, r, in, outcome.Text)
	case chatrelay.OutcomeDeferred:
		replies := s.Replies()
		s.writeWeChatText(w, r, in, replies.render(replies.Deferred, s.replyLink(outcome.MessageID)))
	case chatrelay.OutcomeNotReady:
		w.Header().Set("Retry-After", "1")
		writeText(w, http.StatusServiceUnavailable, "not ready")
	case chatrelay.OutcomeEmpty:
		writeText(w, http.StatusOK, "success")
	default:
		writeText(w, http.StatusInternalServerError, "server fail")
	}
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, in wechatInbound) {
	event, ok := in.subscriptionEvent(s.now())
	if !ok {
		writeText(w, http.StatusOK, "success")
		return
	}
	if err := s.relay.RecordSubscription(r.Context(), event); err != nil {
		s.requestLogger(r).Error("record subscription failed", "sender", in.FromUserName, "event", in.Event, "error", err)
		writeText(w, http.StatusInternalServerError, "server fail")
		return
	}
	if event.Event != chatrelay.EventSubscribe {
		writeText(w, http.StatusOK, "success")
		return
	}
	replies := s.Replies()
	s.writeWeChatText(w, r, in, replies.render(replies.Welcome, ""))
}

func (s *Server) writeWeChatText(w http.ResponseWriter, r *http.Request, in wechatInbound, content string) {
	payload, err := encodeWeChatText(in, content, s.now())
	if err != nil {
		s.requestLogger(r).Error("encode reply failed", "error", err)
		writeText(w, http.StatusInternalServerError, "server fail")
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) signatureOK(r *http.Request) bool {
	if s.cfg.SkipSignature {
		return true
	}
	return verifyWeChatSignature(s.cfg.SignatureToken, r.URL.Query())
}

func (s *Server) replyLink(messageID int64) string {
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/chat/replies/" + strconv.FormatInt(messageID, 10)
}
