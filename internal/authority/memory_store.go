package authority

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wolfman30/clinic-portal/internal/appointments"
	"github.com/wolfman30/clinic-portal/internal/billing"
	"github.com/wolfman30/clinic-portal/internal/eligibility"
	"github.com/wolfman30/clinic-portal/internal/notifications"
)

// MemoryStore keeps everything in process. One mutex is held for the whole of
// each transaction, which serializes every mutation; a failed transaction
// leaves the previous state untouched.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
}

type memoryState struct {
	clinics       map[string]Clinic
	patients      map[string]Patient
	appointments  map[string]appointments.Appointment
	notifications map[string]notifications.Notification
	invoices      map[string]billing.Invoice
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memoryState{
		clinics:       make(map[string]Clinic),
		patients:      make(map[string]Patient),
		appointments:  make(map[string]appointments.Appointment),
		notifications: make(map[string]notifications.Notification),
		invoices:      make(map[string]billing.Invoice),
	}}
}

func (s memoryState) clone() memoryState {
	return memoryState{
		clinics:       cloneMap(s.clinics),
		patients:      cloneMap(s.patients),
		appointments:  cloneMap(s.appointments),
		notifications: cloneMap(s.notifications),
		invoices:      cloneMap(s.invoices),
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SeedClinic adds or replaces a clinic.
func (s *MemoryStore) SeedClinic(c Clinic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.clinics[c.ID] = c
}

// SeedPatient adds or replaces a patient.
func (s *MemoryStore) SeedPatient(p Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.patients[p.ID] = p
}

// SeedAppointment stores an appointment as-is, bypassing the workflow.
func (s *MemoryStore) SeedAppointment(a appointments.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.appointments[a.ID] = a
}

// SeedInvoice stores an invoice as-is.
func (s *MemoryStore) SeedInvoice(inv billing.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.invoices[inv.ID] = inv
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(ctx, &memoryTx{state: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

type memoryTx struct {
	state memoryState
}

func (t *memoryTx) LockBooking(context.Context, string, string, string) error {
	return nil
}

func (t *memoryTx) ActiveAppointment(_ context.Context, patientID, doctorID string) (string, bool, error) {
	for _, a := range sortedAppointments(t.state.appointments) {
		if a.PatientID == patientID && a.DoctorID == doctorID && a.Status.Active() {
			return a.ID, true, nil
		}
	}
	return "", false, nil
}

func (t *memoryTx) OutstandingBalance(_ context.Context, patientID, clinicID string) (eligibility.Balance, error) {
	var list []billing.Invoice
	for _, inv := range t.state.invoices {
		if inv.PatientID == patientID && inv.ClinicID == clinicID {
			list = append(list, inv)
		}
	}
	count, total := billing.Summarize(list)
	return eligibility.Balance{UnpaidInvoices: count, TotalCents: total}, nil
}

func (t *memoryTx) ClinicUsage(_ context.Context, clinicID string) (eligibility.Usage, error) {
	c, ok := t.state.clinics[clinicID]
	if !ok {
		return eligibility.Usage{}, ErrClinicNotFound
	}
	count := 0
	for _, a := range t.state.appointments {
		if a.ClinicID == clinicID {
			count++
		}
	}
	return eligibility.Usage{Tier: c.Tier, Count: count}, nil
}

func (t *memoryTx) GetClinic(_ context.Context, id string) (Clinic, error) {
	c, ok := t.state.clinics[id]
	if !ok {
		return Clinic{}, ErrClinicNotFound
	}
	return c, nil
}

func (t *memoryTx) GetPatient(_ context.Context, id string) (Patient, error) {
	p, ok := t.state.patients[id]
	if !ok {
		return Patient{ID: id}, nil
	}
	return p, nil
}

func (t *memoryTx) InsertAppointment(_ context.Context, appt appointments.Appointment) error {
	if _, exists := t.state.appointments[appt.ID]; exists {
		return fmt.Errorf("authority: insert appointment %s: %w", appt.ID, appointments.ErrConflict)
	}
	if appt.Status.Active() {
		for _, a := range t.state.appointments {
			if a.PatientID == appt.PatientID && a.DoctorID == appt.DoctorID && a.Status.Active() {
				return fmt.Errorf("authority: insert appointment: open appointment %s exists: %w", a.ID, appointments.ErrConflict)
			}
		}
	}
	t.state.appointments[appt.ID] = appt
	return nil
}

func (t *memoryTx) GetAppointmentForUpdate(_ context.Context, id string) (appointments.Appointment, error) {
	a, ok := t.state.appointments[id]
	if !ok {
		return appointments.Appointment{}, appointments.ErrNotFound
	}
	return a, nil
}

func (t *memoryTx) UpdateAppointment(_ context.Context, appt appointments.Appointment, prevVersion int) error {
	cur, ok := t.state.appointments[appt.ID]
	if !ok {
		return appointments.ErrNotFound
	}
	if cur.Version != prevVersion {
		return appointments.ErrConflict
	}
	t.state.appointments[appt.ID] = appt
	return nil
}

func (t *memoryTx) ListAppointments(_ context.Context, scope appointments.Scope) ([]appointments.Appointment, error) {
	out := make([]appointments.Appointment, 0)
	for _, a := range sortedAppointments(t.state.appointments) {
		if scope.Matches(&a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func sortedAppointments(in map[string]appointments.Appointment) []appointments.Appointment {
	out := make([]appointments.Appointment, 0, len(in))
	for _, a := range in {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *memoryTx) InsertNotification(_ context.Context, n notifications.Notification) error {
	t.state.notifications[n.ID] = n
	return nil
}

func (t *memoryTx) ListNotifications(_ context.Context, to notifications.Recipient) ([]notifications.Notification, error) {
	out := make([]notifications.Notification, 0)
	for _, n := range t.state.notifications {
		if n.RecipientID == to.ID && n.RecipientType == to.Type {
			out = append(out, n)
		}
	}
	// newest first
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (t *memoryTx) GetNotification(_ context.Context, id string) (notifications.Notification, error) {
	n, ok := t.state.notifications[id]
	if !ok {
		return notifications.Notification{}, notifications.ErrNotFound
	}
	return n, nil
}

func (t *memoryTx) MarkNotificationRead(_ context.Context, id string) error {
	n, ok := t.state.notifications[id]
	if !ok {
		return notifications.ErrNotFound
	}
	n.IsRead = true
	t.state.notifications[id] = n
	return nil
}

func (t *memoryTx) MarkAllNotificationsRead(_ context.Context, to notifications.Recipient) (int64, error) {
	var changed int64
	for id, n := range t.state.notifications {
		if n.RecipientID == to.ID && n.RecipientType == to.Type && !n.IsRead {
			n.IsRead = true
			t.state.notifications[id] = n
			changed++
		}
	}
	return changed, nil
}

func (t *memoryTx) DeleteNotification(_ context.Context, id string) error {
	if _, ok := t.state.notifications[id]; !ok {
		return notifications.ErrNotFound
	}
	delete(t.state.notifications, id)
	return nil
}

func (t *memoryTx) DeleteNotifications(_ context.Context, to notifications.Recipient) (int64, error) {
	var removed int64
	for id, n := range t.state.notifications {
		if n.RecipientID == to.ID && n.RecipientType == to.Type {
			delete(t.state.notifications, id)
			removed++
		}
	}
	return removed, nil
}

func (t *memoryTx) InsertInvoice(_ context.Context, inv billing.Invoice) error {
	t.state.invoices[inv.ID] = inv
	return nil
}

func (t *memoryTx) ListInvoices(_ context.Context, scope appointments.Scope) ([]billing.Invoice, error) {
	out := make([]billing.Invoice, 0)
	for _, inv := range t.state.invoices {
		probe := appointments.Appointment{PatientID: inv.PatientID, ClinicID: inv.ClinicID}
		if scope.Matches(&probe) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (t *memoryTx) GetInvoiceForUpdate(_ context.Context, id string) (billing.Invoice, error) {
	inv, ok := t.state.invoices[id]
	if !ok {
		return billing.Invoice{}, billing.ErrNotFound
	}
	return inv, nil
}

func (t *memoryTx) UpdateInvoice(_ context.Context, inv billing.Invoice) error {
	if _, ok := t.state.invoices[inv.ID]; !ok {
		return billing.ErrNotFound
	}
	t.state.invoices[inv.ID] = inv
	return nil
}
