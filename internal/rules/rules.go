// Package rules defines the renal dosing rule vocabulary and the rule
// table collaborator consumed by the audit evaluator. Rule entries are
// validated tagged records, so malformed reference data is rejected
// when a table is loaded instead of surfacing mid-evaluation.
package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Metric identifies which renal-function value a rule tests
type Metric string

const (
	MetricCrCl           Metric = "crcl"
	MetricCrClNormalized Metric = "crcl_normalized"
	MetricEGFR           Metric = "egfr"
	MetricSCr            Metric = "scr"
)

// Category is the audit classification a matched rule produces
type Category string

const (
	CategoryContraindicated    Category = "contraindicated"
	CategoryIntervalAdjustment Category = "interval_adjustment"
	CategoryDoseAdjustment     Category = "dose_adjustment"
	CategoryNormal             Category = "normal"
	// CategoryUnresolvable is never carried by a rule; the evaluator
	// assigns it when malformed rule data prevents classification.
	CategoryUnresolvable Category = "unresolvable"
)

// DoseUnit is the unit a reference dose is expressed in
type DoseUnit string

const (
	UnitMg      DoseUnit = "mg"
	UnitMcg     DoseUnit = "mcg"
	UnitMl      DoseUnit = "ml"
	UnitTablet  DoseUnit = "tablet"
	UnitMgPerKg DoseUnit = "mg/kg"
	UnitMlPerKg DoseUnit = "ml/kg"
	UnitMgPerM2 DoseUnit = "mg/m2"
)

// PerWeight reports whether the unit scales by patient weight
func (u DoseUnit) PerWeight() bool { return u == UnitMgPerKg || u == UnitMlPerKg }

// PerBSA reports whether the unit scales by body surface area
func (u DoseUnit) PerBSA() bool { return u == UnitMgPerM2 }

// DrugRef identifies a drug already resolved against the catalog
type DrugRef struct {
	ItemCode int64  `json:"item_code"`
	Name     string `json:"name"`
}

// DoseConstraint refines a rule's classification by comparing the
// prescribed dose and frequency against a renal-band reference.
// A zero Amount marks the band as contraindicated outright.
type DoseConstraint struct {
	Amount           float64  `json:"amount"`
	Unit             DoseUnit `json:"unit"`
	DosesPerInterval float64  `json:"doses_per_interval"`
	IntervalDays     float64  `json:"interval_days"`
	Divided          bool     `json:"divided"`
}

// ReferenceFrequency returns the reference number of doses per day
func (d DoseConstraint) ReferenceFrequency() float64 {
	return d.DosesPerInterval / d.IntervalDays
}

// Rule is one renal-function-conditioned dosing constraint for a drug.
// Either Category or Dose must be set: a bare Category expresses a
// threshold rule ("CrCl < 30: contraindicated"), while a Dose constraint
// derives the classification from dose comparison within the band.
// Dialysis rules take precedence over numeric bands for dialysis
// patients, whose numeric metrics are not applicable.
type Rule struct {
	Metric   Metric
	Min      float64 // NaN means unbounded below
	Max      float64 // NaN means unbounded above
	Dialysis bool
	Category Category
	Dose     *DoseConstraint
	Guidance string
}

// Matches reports whether a metric value falls inside the rule's band.
// Unbounded ends always match; both ends are inclusive.
func (r Rule) Matches(value float64) bool {
	min, max := r.Min, r.Max
	if math.IsNaN(min) {
		min = math.Inf(-1)
	}
	if math.IsNaN(max) {
		max = math.Inf(1)
	}
	return min <= value && value <= max
}

// BandString renders the band for rationale text
func (r Rule) BandString() string {
	lo := !math.IsNaN(r.Min)
	hi := !math.IsNaN(r.Max)
	switch {
	case lo && hi:
		return fmt.Sprintf("%s %g-%g", r.Metric, r.Min, r.Max)
	case hi:
		return fmt.Sprintf("%s <= %g", r.Metric, r.Max)
	case lo:
		return fmt.Sprintf("%s >= %g", r.Metric, r.Min)
	default:
		return string(r.Metric)
	}
}

// ErrDrugNotFound indicates the rule source has no entry for a drug.
// Not fatal: the evaluator degrades to a normal classification with an
// explanatory rationale.
var ErrDrugNotFound = errors.New("drug not found in rule table")

// RuleDataError reports a malformed rule-table entry. It is surfaced to
// the caller, never suppressed: a drug must not be silently skipped
// because its reference data is bad.
type RuleDataError struct {
	Drug   string
	Detail string
}

func (e *RuleDataError) Error() string {
	return fmt.Sprintf("malformed rule data for %q: %s", e.Drug, e.Detail)
}

// Source is the rule table collaborator: given a resolved drug it
// returns zero or more renal dosing rules. Implementations must return
// ErrDrugNotFound or an empty slice for unknown drugs and RuleDataError
// for unparseable entries, and never hang indefinitely.
type Source interface {
	Lookup(ctx context.Context, drug DrugRef) ([]Rule, error)
}

var validMetrics = map[Metric]bool{
	MetricCrCl:           true,
	MetricCrClNormalized: true,
	MetricEGFR:           true,
	MetricSCr:            true,
}

var validCategories = map[Category]bool{
	CategoryContraindicated:    true,
	CategoryIntervalAdjustment: true,
	CategoryDoseAdjustment:     true,
	CategoryNormal:             true,
}

var validUnits = map[DoseUnit]bool{
	UnitMg:      true,
	UnitMcg:     true,
	UnitMl:      true,
	UnitTablet:  true,
	UnitMgPerKg: true,
	UnitMlPerKg: true,
	UnitMgPerM2: true,
}

// Validate checks a rule for structural defects
func (r Rule) Validate(drug string) error {
	if !validMetrics[r.Metric] {
		return &RuleDataError{Drug: drug, Detail: fmt.Sprintf("unknown metric %q", r.Metric)}
	}
	if !math.IsNaN(r.Min) && !math.IsNaN(r.Max) && r.Min > r.Max {
		return &RuleDataError{Drug: drug, Detail: fmt.Sprintf("band min %g exceeds max %g", r.Min, r.Max)}
	}
	if r.Category == "" && r.Dose == nil {
		return &RuleDataError{Drug: drug, Detail: "rule has neither category nor dose constraint"}
	}
	if r.Category != "" && !validCategories[r.Category] {
		return &RuleDataError{Drug: drug, Detail: fmt.Sprintf("unknown category %q", r.Category)}
	}
	if d := r.Dose; d != nil {
		if !validUnits[d.Unit] {
			return &RuleDataError{Drug: drug, Detail: fmt.Sprintf("unknown dose unit %q", d.Unit)}
		}
		if d.Amount < 0 {
			return &RuleDataError{Drug: drug, Detail: "negative reference dose"}
		}
		if d.DosesPerInterval <= 0 || d.IntervalDays <= 0 {
			return &RuleDataError{Drug: drug, Detail: "non-positive dosing interval"}
		}
	}
	return nil
}
