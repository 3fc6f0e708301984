// Package billing models clinic invoices; the booking gate only cares whether
// any are unpaid.
package billing

import (
	"errors"
	"strings"
	"time"
)

// Status is an invoice payment state.
type Status string

const (
	StatusUnpaid Status = "unpaid"
	StatusPaid   Status = "paid"
	StatusVoid   Status = "void"
)

var (
	ErrNotFound        = errors.New("invoice not found")
	ErrAlreadySettled  = errors.New("invoice is not unpaid")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrPatientRequired = errors.New("patientId is required")
	ErrClinicRequired  = errors.New("clinicId is required")
)

// Invoice is a charge raised by a clinic against a patient. Amount is in
// minor currency units.
type Invoice struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patientId"`
	ClinicID    string     `json:"clinicId"`
	Amount      int64      `json:"amount"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
}

// Outstanding reports whether the invoice blocks new bookings.
func (i *Invoice) Outstanding() bool {
	return i.Status == StatusUnpaid
}

// CreateRequest is the payload a clinic submits to raise an invoice.
type CreateRequest struct {
	PatientID   string `json:"patientId"`
	ClinicID    string `json:"clinicId"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
}

// Validate checks the request shape.
func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.PatientID) == "" {
		return ErrPatientRequired
	}
	if strings.TrimSpace(r.ClinicID) == "" {
		return ErrClinicRequired
	}
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Pay moves an unpaid invoice to paid.
func Pay(inv Invoice, at time.Time) (Invoice, error) {
	if inv.Status != StatusUnpaid {
		return inv, ErrAlreadySettled
	}
	inv.Status = StatusPaid
	paid := at.UTC()
	inv.PaidAt = &paid
	return inv, nil
}

// Summarize totals the outstanding invoices in list.
func Summarize(list []Invoice) (count int, total int64) {
	for i := range list {
		if list[i].Outstanding() {
			count++
			total += list[i].Amount
		}
	}
	return count, total
}
