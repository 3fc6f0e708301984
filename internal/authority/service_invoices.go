package authority

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/billing"
	"github.com/wolfman30/clinic-portal/internal/notifications"
	"github.com/wolfman30/clinic-portal/internal/signals"
)

func formatAmount(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

// CreateInvoice raises an unpaid invoice. Only the issuing clinic may do so.
func (s *Service) CreateInvoice(ctx context.Context, id Identity, req billing.CreateRequest) (billing.Invoice, error) {
	if !id.Valid() {
		return billing.Invoice{}, ErrUnauthenticated
	}
	if id.Role != RoleClinic {
		return billing.Invoice{}, ErrForbidden
	}
	if strings.TrimSpace(req.ClinicID) == "" {
		req.ClinicID = id.ClinicID
	}
	if req.ClinicID != id.ClinicID {
		return billing.Invoice{}, ErrForbidden
	}
	if err := req.Validate(); err != nil {
		return billing.Invoice{}, fmt.Errorf("authority: create invoice: %w", err)
	}
	ctx, span := startSpan(ctx, "authority.create_invoice", id)
	defer span.End()

	var inv billing.Invoice
	fx := &effects{}
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		clinic, err := tx.GetClinic(ctx, req.ClinicID)
		if err != nil {
			return err
		}
		invID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("new invoice id: %w", err)
		}
		now := s.now()
		inv = billing.Invoice{
			ID:          invID.String(),
			PatientID:   req.PatientID,
			ClinicID:    req.ClinicID,
			Amount:      req.Amount,
			Description: strings.TrimSpace(req.Description),
			Status:      billing.StatusUnpaid,
			CreatedAt:   now,
		}
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		n, err := notifications.New(
			notifications.Recipient{ID: inv.PatientID, Type: notifications.RecipientClient},
			notifications.TypeInvoiceIssued,
			fmt.Sprintf("New invoice of %s from %s", formatAmount(inv.Amount), clinic.Name),
			"", now,
		)
		if err != nil {
			return err
		}
		if err := tx.InsertNotification(ctx, n); err != nil {
			return err
		}
		fx.notified(n)
		fx.signal(signals.InvoiceUpdated, signals.PatientTopic(inv.PatientID), signals.ClinicTopic(inv.ClinicID))
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return billing.Invoice{}, fmt.Errorf("authority: create invoice: %w", err)
	}
	s.release(ctx, fx)
	s.logger.Info("invoice issued", "invoice_id", inv.ID, "patient_id", inv.PatientID, "clinic_id", inv.ClinicID, "amount", inv.Amount)
	return inv, nil
}

// ListInvoices returns the caller's invoices, newest first.
func (s *Service) ListInvoices(ctx context.Context, id Identity) ([]billing.Invoice, error) {
	if !id.Valid() {
		return nil, ErrUnauthenticated
	}
	ctx, span := startSpan(ctx, "authority.list_invoices", id)
	defer span.End()

	var out []billing.Invoice
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListInvoices(ctx, id.AppointmentScope())
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("authority: list invoices: %w", err)
	}
	return out, nil
}

// PayInvoice settles an unpaid invoice. Payment capture itself happens
// elsewhere; this records the outcome.
func (s *Service) PayInvoice(ctx context.Context, id Identity, invoiceID string) (billing.Invoice, error) {
	if !id.Valid() {
		return billing.Invoice{}, ErrUnauthenticated
	}
	ctx, span := startSpan(ctx, "authority.pay_invoice", id)
	defer span.End()
	span.SetAttributes(attribute.String("clinic.invoice_id", invoiceID))

	var paid billing.Invoice
	fx := &effects{}
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		probe := appointments.Appointment{PatientID: inv.PatientID, ClinicID: inv.ClinicID}
		if !id.Owns(&probe) {
			return billing.ErrNotFound
		}
		paid, err = billing.Pay(inv, s.now())
		if err != nil {
			return err
		}
		if err := tx.UpdateInvoice(ctx, paid); err != nil {
			return err
		}
		fx.signal(signals.InvoiceUpdated, signals.PatientTopic(inv.PatientID), signals.ClinicTopic(inv.ClinicID))
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return billing.Invoice{}, fmt.Errorf("authority: pay invoice: %w", err)
	}
	s.release(ctx, fx)
	s.logger.Info("invoice paid", "invoice_id", paid.ID, "patient_id", paid.PatientID, "clinic_id", paid.ClinicID)
	return paid, nil
}
