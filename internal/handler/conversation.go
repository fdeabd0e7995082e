package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/convo/internal/engine"
	"github.com/convo/internal/middleware"
	"github.com/convo/internal/model"
)

// ConversationHandler serves the per-conversation REST surface: message
// history, sending, read marks and the roster. Live updates go over /ws.
type ConversationHandler struct {
	svc *engine.Service
}

func NewConversationHandler(svc *engine.Service) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

// conversationKey parses and authorizes the {key} URL param. Returns "" after
// writing the error response when the caller may not touch the conversation.
func (h *ConversationHandler) conversationKey(w http.ResponseWriter, r *http.Request) model.ConversationKey {
	key := model.ConversationKey(chi.URLParam(r, "key"))
	if !key.Valid() {
		writeError(w, http.StatusBadRequest, "invalid conversation key")
		return ""
	}
	userID := middleware.GetUserID(r.Context())
	if key.IsDirect() {
		a, b := key.DirectPeers()
		if userID != a && userID != b {
			writeError(w, http.StatusForbidden, "not a participant")
			return ""
		}
		return key
	}
	roster, err := h.svc.Participants(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check participants")
		return ""
	}
	for _, p := range roster {
		if p.UserID == userID {
			return key
		}
	}
	writeError(w, http.StatusForbidden, "not a participant")
	return ""
}

// GetMessages returns the full ordered message history with reactions attached.
func (h *ConversationHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	key := h.conversationKey(w, r)
	if key == "" {
		return
	}
	messages, err := h.svc.Messages(r.Context(), key)
	if err != nil {
		writeStoreError(w, err, "failed to get messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type sendMessageRequest struct {
	Content           string `json:"content"`
	ImageURL          string `json:"image_url"`
	AudioURL          string `json:"audio_url"`
	AudioDuration     int    `json:"audio_duration"`
	ConversationTitle string `json:"conversation_title"`
}

// SendMessage persists one message; the insert is also fanned out to every
// open subscriber of the conversation, including the sender's own sessions.
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	key := h.conversationKey(w, r)
	if key == "" {
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.svc.Send(r.Context(), engine.SendInput{
		Key:               key,
		SenderID:          middleware.GetUserID(r.Context()),
		Content:           req.Content,
		ImageURL:          req.ImageURL,
		AudioURL:          req.AudioURL,
		AudioDuration:     req.AudioDuration,
		ConversationTitle: req.ConversationTitle,
	})
	if err != nil {
		writeStoreError(w, err, "failed to send message")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// MarkAsRead flips the read flag on every unread incoming message. Idempotent.
func (h *ConversationHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	key := h.conversationKey(w, r)
	if key == "" {
		return
	}
	userID := middleware.GetUserID(r.Context())
	if err := h.svc.MarkRead(r.Context(), key, userID); err != nil {
		writeStoreError(w, err, "failed to mark as read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetParticipants returns the read-only roster of the conversation.
func (h *ConversationHandler) GetParticipants(w http.ResponseWriter, r *http.Request) {
	key := h.conversationKey(w, r)
	if key == "" {
		return
	}
	roster, err := h.svc.Participants(r.Context(), key)
	if err != nil {
		writeStoreError(w, err, "failed to get participants")
		return
	}
	writeJSON(w, http.StatusOK, roster)
}
