package authority

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-portal/internal/notifications"
	"github.com/wolfman30/clinic-portal/internal/signals"
)

// resolveRecipient defaults an empty recipient to the caller and refuses
// anyone else's collection.
func resolveRecipient(id Identity, to notifications.Recipient) (notifications.Recipient, error) {
	own := id.Recipient()
	if to.ID == "" && to.Type == "" {
		return own, nil
	}
	if to != own {
		return notifications.Recipient{}, ErrForbidden
	}
	return own, nil
}

// ListNotifications returns the full collection for the recipient, newest first.
func (s *Service) ListNotifications(ctx context.Context, id Identity, to notifications.Recipient) ([]notifications.Notification, error) {
	if !id.Valid() {
		return nil, ErrUnauthenticated
	}
	to, err := resolveRecipient(id, to)
	if err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "authority.list_notifications", id)
	defer span.End()

	var out []notifications.Notification
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListNotifications(ctx, to)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("authority: list notifications: %w", err)
	}
	return out, nil
}

// MarkNotificationRead flags one notification as read.
func (s *Service) MarkNotificationRead(ctx context.Context, id Identity, notificationID string) (notifications.Notification, error) {
	var updated notifications.Notification
	err := s.mutateNotification(ctx, "mark_read", id, notificationID, func(ctx context.Context, tx Tx, n notifications.Notification) error {
		if err := tx.MarkNotificationRead(ctx, n.ID); err != nil {
			return err
		}
		n.IsRead = true
		updated = n
		return nil
	})
	return updated, err
}

// DeleteNotification removes one notification.
func (s *Service) DeleteNotification(ctx context.Context, id Identity, notificationID string) error {
	return s.mutateNotification(ctx, "delete", id, notificationID, func(ctx context.Context, tx Tx, n notifications.Notification) error {
		return tx.DeleteNotification(ctx, n.ID)
	})
}

func (s *Service) mutateNotification(ctx context.Context, op string, id Identity, notificationID string, fn func(ctx context.Context, tx Tx, n notifications.Notification) error) error {
	if !id.Valid() {
		return ErrUnauthenticated
	}
	ctx, span := startSpan(ctx, "authority.notification_"+op, id)
	defer span.End()
	span.SetAttributes(attribute.String("clinic.notification_id", notificationID))

	own := id.Recipient()
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		n, err := tx.GetNotification(ctx, notificationID)
		if err != nil {
			return err
		}
		if n.RecipientID != own.ID || n.RecipientType != own.Type {
			return ErrForbidden
		}
		return fn(ctx, tx, n)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("authority: notification %s: %w", op, err)
	}
	s.release(ctx, &effects{signals: []signals.Signal{signals.New(signals.NotificationUpdated, id.Topic())}})
	return nil
}

// MarkAllNotificationsRead flags every notification of the recipient as read
// and returns how many changed.
func (s *Service) MarkAllNotificationsRead(ctx context.Context, id Identity, to notifications.Recipient) (int64, error) {
	return s.bulkNotifications(ctx, "mark_all_read", id, to, func(ctx context.Context, tx Tx, to notifications.Recipient) (int64, error) {
		return tx.MarkAllNotificationsRead(ctx, to)
	})
}

// DeleteNotifications removes the recipient's whole collection.
func (s *Service) DeleteNotifications(ctx context.Context, id Identity, to notifications.Recipient) (int64, error) {
	return s.bulkNotifications(ctx, "delete_all", id, to, func(ctx context.Context, tx Tx, to notifications.Recipient) (int64, error) {
		return tx.DeleteNotifications(ctx, to)
	})
}

func (s *Service) bulkNotifications(ctx context.Context, op string, id Identity, to notifications.Recipient, fn func(ctx context.Context, tx Tx, to notifications.Recipient) (int64, error)) (int64, error) {
	if !id.Valid() {
		return 0, ErrUnauthenticated
	}
	to, err := resolveRecipient(id, to)
	if err != nil {
		return 0, err
	}
	ctx, span := startSpan(ctx, "authority.notifications_"+op, id)
	defer span.End()

	var changed int64
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		changed, err = fn(ctx, tx, to)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("authority: notifications %s: %w", op, err)
	}
	if changed > 0 {
		s.release(ctx, &effects{signals: []signals.Signal{signals.New(signals.NotificationUpdated, id.Topic())}})
	}
	return changed, nil
}
