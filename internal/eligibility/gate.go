// Package eligibility implements the booking gate: an ordered set of rules
// evaluated before a new appointment may be created.
package eligibility

import (
	"context"
	"fmt"
	"strings"
)

// Reason names the rule that denied a booking.
type Reason string

const (
	ReasonPendingExclusivity Reason = "PendingExclusivity"
	ReasonFinancialClearance Reason = "FinancialClearance"
	ReasonClinicQuota        Reason = "ClinicQuota"
)

// Tier is a clinic subscription tier.
type Tier string

const (
	TierFree  Tier = "free"
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
)

// ParseTier normalizes a stored tier value; unknown values are treated as free.
func ParseTier(raw string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierBasic:
		return TierBasic
	case TierPro:
		return TierPro
	}
	return TierFree
}

// Detail explains a denial. Only the fields relevant to the reason are set.
type Detail struct {
	Message               string `json:"message"`
	OutstandingTotal      *int64 `json:"outstandingTotal,omitempty"`
	UnpaidInvoices        *int   `json:"unpaidInvoices,omitempty"`
	Ceiling               *int   `json:"ceiling,omitempty"`
	CurrentCount          *int   `json:"currentCount,omitempty"`
	Tier                  Tier   `json:"tier,omitempty"`
	ExistingAppointmentID string `json:"existingAppointmentId,omitempty"`
}

// Decision is the gate's verdict for one request.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Reason  Reason  `json:"reason,omitempty"`
	Detail  *Detail `json:"detail,omitempty"`
}

// Allow is the decision returned when every rule passes.
func Allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason Reason, detail Detail) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: &detail}
}

// Request identifies the booking being evaluated.
type Request struct {
	PatientID string
	DoctorID  string
	ClinicID  string
}

// Balance summarises a patient's unpaid invoices at one clinic.
type Balance struct {
	UnpaidInvoices int
	TotalCents     int64
}

// Usage is a clinic's tier and total appointment count.
type Usage struct {
	Tier  Tier
	Count int
}

// Facts is the read model the rules consult. The authority backs it with its
// transaction so the gate sees the same state the commit will.
type Facts interface {
	// ActiveAppointment returns the id of an appointment between patient and
	// doctor that is pending, accepted or scheduled, if one exists.
	ActiveAppointment(ctx context.Context, patientID, doctorID string) (string, bool, error)
	OutstandingBalance(ctx context.Context, patientID, clinicID string) (Balance, error)
	ClinicUsage(ctx context.Context, clinicID string) (Usage, error)
}

// Ceilings maps tiers to their appointment ceiling. A tier that is absent, or
// mapped to a value <= 0, is unlimited.
type Ceilings map[Tier]int

// DefaultCeilings returns free→10, basic→20, pro→unlimited.
func DefaultCeilings() Ceilings {
	return Ceilings{TierFree: 10, TierBasic: 20}
}

// Limit returns the ceiling for tier and whether one applies.
func (c Ceilings) Limit(tier Tier) (int, bool) {
	n, ok := c[tier]
	if !ok || n <= 0 {
		return 0, false
	}
	return n, true
}

// Rule is one eligibility check. It returns a denial and true to stop evaluation.
type Rule interface {
	Name() Reason
	Check(ctx context.Context, facts Facts, req Request) (Decision, bool, error)
}

// Gate evaluates rules in order and short-circuits on the first denial.
type Gate struct {
	rules []Rule
}

// NewGate builds a gate with the standard rule order.
func NewGate(ceilings Ceilings) *Gate {
	if ceilings == nil {
		ceilings = DefaultCeilings()
	}
	return &Gate{rules: []Rule{
		PendingExclusivity{},
		FinancialClearance{},
		ClinicQuota{Ceilings: ceilings},
	}}
}

// Rules returns the rules in evaluation order.
func (g *Gate) Rules() []Rule {
	out := make([]Rule, len(g.rules))
	copy(out, g.rules)
	return out
}

// Evaluate applies every rule in priority order.
func (g *Gate) Evaluate(ctx context.Context, facts Facts, req Request) (Decision, error) {
	if facts == nil {
		return Decision{}, fmt.Errorf("eligibility: facts required")
	}
	for _, rule := range g.rules {
		decision, denied, err := rule.Check(ctx, facts, req)
		if err != nil {
			return Decision{}, fmt.Errorf("eligibility: %s: %w", rule.Name(), err)
		}
		if denied {
			return decision, nil
		}
	}
	return Allow(), nil
}

// PendingExclusivity denies a second open appointment with the same doctor.
type PendingExclusivity struct{}

func (PendingExclusivity) Name() Reason { return ReasonPendingExclusivity }

func (PendingExclusivity) Check(ctx context.Context, facts Facts, req Request) (Decision, bool, error) {
	existing, ok, err := facts.ActiveAppointment(ctx, req.PatientID, req.DoctorID)
	if err != nil || !ok {
		return Decision{}, false, err
	}
	return deny(ReasonPendingExclusivity, Detail{
		Message:               "you already have an open appointment with this doctor",
		ExistingAppointmentID: existing,
	}), true, nil
}

// FinancialClearance denies patients with unpaid invoices at the clinic.
type FinancialClearance struct{}

func (FinancialClearance) Name() Reason { return ReasonFinancialClearance }

func (FinancialClearance) Check(ctx context.Context, facts Facts, req Request) (Decision, bool, error) {
	bal, err := facts.OutstandingBalance(ctx, req.PatientID, req.ClinicID)
	if err != nil || bal.UnpaidInvoices == 0 {
		return Decision{}, false, err
	}
	total := bal.TotalCents
	count := bal.UnpaidInvoices
	return deny(ReasonFinancialClearance, Detail{
		Message:          fmt.Sprintf("%d unpaid invoice(s) must be settled before booking", count),
		OutstandingTotal: &total,
		UnpaidInvoices:   &count,
	}), true, nil
}

// ClinicQuota denies bookings once the clinic reaches its tier ceiling.
type ClinicQuota struct {
	Ceilings Ceilings
}

func (ClinicQuota) Name() Reason { return ReasonClinicQuota }

func (q ClinicQuota) Check(ctx context.Context, facts Facts, req Request) (Decision, bool, error) {
	usage, err := facts.ClinicUsage(ctx, req.ClinicID)
	if err != nil {
		return Decision{}, false, err
	}
	limit, limited := q.Ceilings.Limit(usage.Tier)
	if !limited || usage.Count < limit {
		return Decision{}, false, nil
	}
	count := usage.Count
	return deny(ReasonClinicQuota, Detail{
		Message:      fmt.Sprintf("clinic has reached the %s tier limit of %d appointments", usage.Tier, limit),
		Ceiling:      &limit,
		CurrentCount: &count,
		Tier:         usage.Tier,
	}), true, nil
}
