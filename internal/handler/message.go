package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/convo/internal/engine"
	"github.com/convo/internal/middleware"
	"github.com/convo/internal/model"
)

// MessageHandler serves per-message operations: edit, delete and reactions.
type MessageHandler struct {
	svc *engine.Service
}

func NewMessageHandler(svc *engine.Service) *MessageHandler {
	return &MessageHandler{svc: svc}
}

type editMessageRequest struct {
	Content string `json:"content"`
}

// EditMessage replaces the text content. Only the sender may edit; a message
// removed by a concurrent delete yields 404, never a resurrected row.
func (h *MessageHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	userID := middleware.GetUserID(r.Context())

	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}

	msg, err := h.svc.Edit(r.Context(), messageID, req.Content, userID)
	if err != nil {
		writeStoreError(w, err, "failed to edit message")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// DeleteMessage hard-removes a message together with its reactions.
func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	userID := middleware.GetUserID(r.Context())

	if err := h.svc.Delete(r.Context(), messageID, userID); err != nil {
		writeStoreError(w, err, "failed to delete message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type toggleReactionRequest struct {
	Emoji string `json:"emoji"`
}

// ToggleReaction flips the caller's (emoji) reaction on the message and
// reports whether it is now present.
func (h *MessageHandler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	userID := middleware.GetUserID(r.Context())

	var req toggleReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "emoji required")
		return
	}

	added, err := h.svc.ToggleReaction(r.Context(), messageID, userID, req.Emoji)
	if err != nil {
		writeStoreError(w, err, "failed to toggle reaction")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"added": added})
}

// GetReactions returns the per-emoji aggregate of the message's reactions.
func (h *MessageHandler) GetReactions(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")

	reactions, err := h.svc.Reactions(r.Context(), messageID)
	if err != nil {
		writeStoreError(w, err, "failed to get reactions")
		return
	}
	writeJSON(w, http.StatusOK, model.AggregateReactions(reactions))
}
