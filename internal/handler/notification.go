package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/convo/internal/middleware"
	"github.com/convo/internal/model"
	"github.com/convo/internal/store"
)

// NotificationHandler отдаёт сохранённые уведомления об упоминаниях и
// помечает их прочитанными.
type NotificationHandler struct {
	notifications store.NotificationStore
}

func NewNotificationHandler(notifications store.NotificationStore) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// GetNotifications возвращает уведомления текущего пользователя,
// новые первыми. ?unread=1 — только непрочитанные.
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	unreadOnly := queryBool(r, "unread")

	items, err := h.notifications.ListByUser(r.Context(), userID, unreadOnly)
	if err != nil {
		writeStoreError(w, err, "failed to get notifications")
		return
	}
	if items == nil {
		items = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, items)
}

// MarkNotificationRead помечает одно уведомление прочитанным (идемпотентно).
func (h *NotificationHandler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "notificationId")

	if err := h.notifications.MarkRead(r.Context(), id, userID); err != nil {
		writeStoreError(w, err, "failed to mark notification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
