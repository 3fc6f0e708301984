package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/authority"
	"github.com/wolfman30/clinic-portal/internal/billing"
	"github.com/wolfman30/clinic-portal/internal/eligibility"
	"github.com/wolfman30/clinic-portal/internal/notifications"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// deniedBody is the 422 payload for a booking gate denial.
type deniedBody struct {
	Error  string              `json:"error"`
	Reason eligibility.Reason  `json:"reason"`
	Detail *eligibility.Detail `json:"detail,omitempty"`
}

// writeServiceError maps authority and domain errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, logger *logging.Logger, op string, err error) {
	var denied *authority.DeniedError
	switch {
	case errors.As(err, &denied):
		writeJSON(w, http.StatusUnprocessableEntity, deniedBody{
			Error:  "booking not allowed",
			Reason: denied.Decision.Reason,
			Detail: denied.Decision.Detail,
		})
	case errors.Is(err, authority.ErrUnauthenticated):
		jsonError(w, "unauthenticated", http.StatusUnauthorized)
	case errors.Is(err, authority.ErrForbidden):
		jsonError(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, appointments.ErrConflict):
		jsonError(w, "appointment changed; refresh and retry", http.StatusConflict)
	case errors.Is(err, appointments.ErrInvalidTransition), errors.Is(err, billing.ErrAlreadySettled):
		jsonError(w, rootMessage(err), http.StatusConflict)
	case errors.Is(err, appointments.ErrConsultationLinkRequired):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":  appointments.ErrConsultationLinkRequired.Error(),
			"reason": "ConsultationLinkRequired",
		})
	case errors.Is(err, appointments.ErrNotFound),
		errors.Is(err, notifications.ErrNotFound),
		errors.Is(err, billing.ErrNotFound),
		errors.Is(err, authority.ErrClinicNotFound):
		jsonError(w, rootMessage(err), http.StatusNotFound)
	case isValidation(err):
		jsonError(w, rootMessage(err), http.StatusBadRequest)
	default:
		logger.Error("request failed", "op", op, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

var validationErrors = []error{
	appointments.ErrPatientRequired,
	appointments.ErrDoctorRequired,
	appointments.ErrClinicRequired,
	appointments.ErrScheduledAtRequired,
	appointments.ErrInvalidBookingType,
	appointments.ErrUnknownAction,
	billing.ErrInvalidAmount,
	billing.ErrPatientRequired,
	billing.ErrClinicRequired,
	notifications.ErrInvalidRecipientType,
	notifications.ErrRecipientRequired,
}

func isValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// rootMessage returns the innermost message so package prefixes do not leak to clients.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func identity(w http.ResponseWriter, r *http.Request) (authority.Identity, bool) {
	id, ok := authority.IdentityFromContext(r.Context())
	if !ok || !id.Valid() {
		jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return authority.Identity{}, false
	}
	return id, true
}

// expectedVersion parses an optional If-Match header. Quoted ETag form is accepted.
func expectedVersion(r *http.Request) (*int, bool) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" || raw == "*" {
		return nil, true
	}
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return nil, false
	}
	return &v, true
}

func setETag(w http.ResponseWriter, version int) {
	w.Header().Set("ETag", strconv.Quote(strconv.Itoa(version)))
}
