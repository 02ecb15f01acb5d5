package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-notify/internal/authz"
	"github.com/stanstork/stratum-notify/internal/models"
	"github.com/stanstork/stratum-notify/internal/notification"
)

type NotificationHandler struct {
	service notification.Service
	logger  zerolog.Logger
}

func NewNotificationHandler(service notification.Service, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		logger:  logger.With().Str("handler", "notification").Logger(),
	}
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	includeHidden, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	notifications, err := h.service.ListForUser(r.Context(), userID, limit, includeHidden)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list notifications")
		http.Error(w, "Failed to list notifications", http.StatusInternalServerError)
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
	})
}

func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.withNotification(w, r, "read", h.service.Get)
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.withNotification(w, r, "mark as read", h.service.MarkRead)
}

func (h *NotificationHandler) Archive(w http.ResponseWriter, r *http.Request) {
	h.withNotification(w, r, "archive", h.service.Archive)
}

func (h *NotificationHandler) withNotification(w http.ResponseWriter, r *http.Request, action string, op func(ctx context.Context, userID, notificationID string) (models.Notification, error)) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	notifID := strings.TrimSpace(mux.Vars(r)["notificationID"])
	if notifID == "" {
		http.Error(w, "Notification ID is required", http.StatusBadRequest)
		return
	}

	notif, err := op(r.Context(), userID, notifID)
	if err != nil {
		switch {
		case errors.Is(err, notification.ErrNotFound):
			http.Error(w, "Notification not found", http.StatusNotFound)
		case errors.Is(err, notification.ErrBroadcast):
			http.Error(w, "Broadcast notifications cannot be changed", http.StatusConflict)
		case errors.Is(err, notification.ErrInvalidTransition):
			http.Error(w, "Notification can no longer be changed", http.StatusConflict)
		default:
			h.logger.Error().Err(err).Str("notification_id", notifID).Msgf("failed to %s notification", action)
			http.Error(w, "Failed to process notification", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, notif)
}
