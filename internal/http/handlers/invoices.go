package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-portal/internal/authority"
	"github.com/wolfman30/clinic-portal/internal/billing"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// InvoiceService is the subset of the authority used by InvoicesHandler.
type InvoiceService interface {
	CreateInvoice(ctx context.Context, id authority.Identity, req billing.CreateRequest) (billing.Invoice, error)
	ListInvoices(ctx context.Context, id authority.Identity) ([]billing.Invoice, error)
	PayInvoice(ctx context.Context, id authority.Identity, invoiceID string) (billing.Invoice, error)
}

// InvoicesHandler serves the invoice routes.
type InvoicesHandler struct {
	svc    InvoiceService
	logger *logging.Logger
}

func NewInvoicesHandler(svc InvoiceService, logger *logging.Logger) *InvoicesHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &InvoicesHandler{svc: svc, logger: logger}
}

// Create raises an invoice against a patient.
// POST /invoices
func (h *InvoicesHandler) Create(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req billing.CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	inv, err := h.svc.CreateInvoice(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, h.logger, "create_invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// List returns the caller's invoices.
// GET /invoices
func (h *InvoicesHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListInvoices(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "list_invoices", err)
		return
	}
	if list == nil {
		list = []billing.Invoice{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Pay settles an unpaid invoice.
// PATCH /invoices/{id}/pay
func (h *InvoicesHandler) Pay(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	inv, err := h.svc.PayInvoice(r.Context(), id, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, "pay_invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}
