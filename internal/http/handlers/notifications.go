package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-portal/internal/authority"
	"github.com/wolfman30/clinic-portal/internal/notifications"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// NotificationService is the subset of the authority used by NotificationsHandler.
type NotificationService interface {
	ListNotifications(ctx context.Context, id authority.Identity, to notifications.Recipient) ([]notifications.Notification, error)
	MarkNotificationRead(ctx context.Context, id authority.Identity, notificationID string) (notifications.Notification, error)
	DeleteNotification(ctx context.Context, id authority.Identity, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context, id authority.Identity, to notifications.Recipient) (int64, error)
	DeleteNotifications(ctx context.Context, id authority.Identity, to notifications.Recipient) (int64, error)
}

// NotificationsHandler serves the notification routes.
type NotificationsHandler struct {
	svc    NotificationService
	logger *logging.Logger
}

func NewNotificationsHandler(svc NotificationService, logger *logging.Logger) *NotificationsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &NotificationsHandler{svc: svc, logger: logger}
}

// recipientFromQuery reads recipientId/recipientType. Both empty means "mine".
func recipientFromQuery(r *http.Request) (notifications.Recipient, error) {
	q := r.URL.Query()
	rid := strings.TrimSpace(q.Get("recipientId"))
	rtype := strings.TrimSpace(q.Get("recipientType"))
	if rid == "" && rtype == "" {
		return notifications.Recipient{}, nil
	}
	if rid == "" {
		return notifications.Recipient{}, notifications.ErrRecipientRequired
	}
	typ, err := notifications.ParseRecipientType(rtype)
	if err != nil {
		return notifications.Recipient{}, err
	}
	return notifications.Recipient{ID: rid, Type: typ}, nil
}

// List returns the recipient's collection, newest first.
// GET /notifications?recipientId&recipientType
func (h *NotificationsHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	to, err := recipientFromQuery(r)
	if err != nil {
		writeServiceError(w, h.logger, "list_notifications", err)
		return
	}
	list, err := h.svc.ListNotifications(r.Context(), id, to)
	if err != nil {
		writeServiceError(w, h.logger, "list_notifications", err)
		return
	}
	if list == nil {
		list = []notifications.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

// MarkRead marks one notification read.
// PATCH /notifications/{id}/read
func (h *NotificationsHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	n, err := h.svc.MarkNotificationRead(r.Context(), id, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, "mark_notification_read", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// MarkAllRead marks the caller's collection read.
// PATCH /notifications/read-all
func (h *NotificationsHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, "mark_all_read", h.svc.MarkAllNotificationsRead)
}

// Delete removes one notification.
// DELETE /notifications/{id}
func (h *NotificationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteNotification(r.Context(), id, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, h.logger, "delete_notification", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAll clears the recipient's collection.
// DELETE /notifications?recipientId&recipientType
func (h *NotificationsHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, "delete_notifications", h.svc.DeleteNotifications)
}

func (h *NotificationsHandler) bulk(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, authority.Identity, notifications.Recipient) (int64, error)) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	to, err := recipientFromQuery(r)
	if err != nil {
		writeServiceError(w, h.logger, op, err)
		return
	}
	n, err := fn(r.Context(), id, to)
	if err != nil {
		writeServiceError(w, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"affected": n})
}
