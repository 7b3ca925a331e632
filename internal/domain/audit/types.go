// Package audit implements the prescription dose-adjustment audit engine.
// It classifies prescribed drug lines against a patient's renal function
// using drug-specific dosing rules from a rule table collaborator.
package audit

import (
	"github.com/renacare/renaudit/internal/domain/renal"
	"github.com/renacare/renaudit/internal/rules"
)

// PrescriptionLine is one drug line in an order
type PrescriptionLine struct {
	Drug         rules.DrugRef
	DoseAmount   float64 // as prescribed, in counts for tablet-unit drugs
	DoseUnit     string
	RealAmount   float64 // catalog spec amount x prescribed count, when resolvable
	DosesPerDay  int
	DurationDays int
}

// Patient is the per-order audit view of one patient: the derived renal
// metrics plus the raw values dose scaling needs
type Patient struct {
	Metrics    renal.RenalMetrics
	WeightKg   float64
	OnDialysis bool
	SCrMgDl    renal.Measurement
}

// MetricValue returns the patient's value for a rule metric, with
// applicability. Numeric renal metrics are not applicable on dialysis.
func (p Patient) MetricValue(m rules.Metric) (float64, bool) {
	switch m {
	case rules.MetricCrCl:
		return p.Metrics.CrCl.Value, p.Metrics.CrCl.Valid
	case rules.MetricCrClNormalized:
		return p.Metrics.CrClNormalized.Value, p.Metrics.CrClNormalized.Valid
	case rules.MetricEGFR:
		return p.Metrics.EGFR.Value, p.Metrics.EGFR.Valid
	case rules.MetricSCr:
		return p.SCrMgDl.Value, p.SCrMgDl.Valid
	default:
		return 0, false
	}
}

// Outcome is the audit classification for one prescription line.
// Created fresh per audit run and never mutated afterwards. Err is set
// only for unresolvable lines, carrying the surfaced rule-data failure.
type Outcome struct {
	Category  rules.Category `json:"category"`
	Rationale string         `json:"rationale"`
	Err       error          `json:"-"`
}

// OrderSummary is the derived per-order status
type OrderSummary string

const (
	SummaryNormal   OrderSummary = "normal"
	SummaryAbnormal OrderSummary = "abnormal"
)

// Severity ranks outcome categories for tie-breaking when several rules
// match the same line. The most severe matching outcome wins.
func Severity(c rules.Category) int {
	switch c {
	case rules.CategoryContraindicated:
		return 4
	case rules.CategoryIntervalAdjustment:
		return 3
	case rules.CategoryDoseAdjustment:
		return 2
	case rules.CategoryNormal:
		return 1
	default:
		return 0
	}
}

// Summary derives the order-level status from line outcomes. It is
// always recomputed, never stored, so summary and detail cannot drift.
// An unresolvable line counts as abnormal: it needs human review.
func Summary(outcomes []Outcome) OrderSummary {
	for _, o := range outcomes {
		if o.Category != rules.CategoryNormal {
			return SummaryAbnormal
		}
	}
	return SummaryNormal
}
