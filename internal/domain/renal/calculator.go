// Package renal derives standardized renal-function metrics from raw
// patient biometrics. All computations are pure: the reference date is
// passed in explicitly and nothing is read from the ambient clock.
package renal

import (
	"fmt"
	"math"
	"time"
)

// Sex represents patient sex for sex-dependent formula coefficients
type Sex string

const (
	SexMale   Sex = "male"
	SexFemale Sex = "female"
)

// DialysisSentinelSCr is the placeholder serum creatinine recorded for
// dialysis patients whose real creatinine is absent or not meaningful.
// It exists only for downstream consumers that require a numeric value;
// creatinine-derived metrics are never computed from it.
const DialysisSentinelSCr = 10.0

// PatientBiometrics holds the raw inputs for one renal assessment
type PatientBiometrics struct {
	Sex                 Sex
	BirthDate           time.Time
	WeightKg            float64
	HeightCm            float64
	SerumCreatinineMgDl float64
	OnDialysis          bool
}

// Measurement is a derived metric that may be not-applicable.
// Valid is false for dialysis patients and when required inputs
// are missing, so callers never mistake a placeholder for a number.
type Measurement struct {
	Value float64
	Valid bool
}

// Applicable reports whether the metric was computable
func (m Measurement) Applicable() bool { return m.Valid }

// RenalMetrics holds the derived renal-function metrics for one patient
type RenalMetrics struct {
	AgeYears          int
	BodySurfaceAreaM2 float64
	CrCl              Measurement // Cockcroft-Gault, mL/min
	CrClNormalized    Measurement // mL/min/1.73m²
	EGFR              Measurement // MDRD, mL/min/1.73m²
}

// InvalidInputError reports a biometric input that is missing or
// non-positive where a positive value is required. It is fatal to the
// patient's assessment.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid biometric input %s: %s", e.Field, e.Reason)
}

// ComputeAge returns whole years between birthDate and asOf, decremented
// by one when asOf's month/day precedes the birth month/day.
func ComputeAge(birthDate, asOf time.Time) (int, error) {
	if birthDate.After(asOf) {
		return 0, &InvalidInputError{Field: "birth_date", Reason: "is in the future"}
	}

	years := asOf.Year() - birthDate.Year()
	if asOf.Month() < birthDate.Month() ||
		(asOf.Month() == birthDate.Month() && asOf.Day() < birthDate.Day()) {
		years--
	}
	return years, nil
}

// ComputeBSA returns body surface area in m² using the DuBois formula.
func ComputeBSA(weightKg, heightCm float64) (float64, error) {
	if weightKg <= 0 {
		return 0, &InvalidInputError{Field: "weight_kg", Reason: "must be positive"}
	}
	if heightCm <= 0 {
		return 0, &InvalidInputError{Field: "height_cm", Reason: "must be positive"}
	}
	return 0.007184 * math.Pow(heightCm, 0.725) * math.Pow(weightKg, 0.425), nil
}

// ComputeCreatinineClearance returns the Cockcroft-Gault creatinine
// clearance in mL/min, clamped to zero.
func ComputeCreatinineClearance(ageYears int, weightKg, scrMgDl float64, sex Sex) (float64, error) {
	if ageYears <= 0 {
		return 0, &InvalidInputError{Field: "age_years", Reason: "must be positive"}
	}
	if weightKg <= 0 {
		return 0, &InvalidInputError{Field: "weight_kg", Reason: "must be positive"}
	}
	if scrMgDl <= 0 {
		return 0, &InvalidInputError{Field: "scr_mg_dl", Reason: "must be positive"}
	}

	crcl := (float64(140-ageYears) * weightKg) / (72 * scrMgDl)
	if sex == SexFemale {
		crcl *= 0.85
	}
	return math.Max(crcl, 0), nil
}

// NormalizeCrCl adjusts a creatinine clearance to the standard 1.73 m²
// body surface area. A zero or negative BSA is not computable.
func NormalizeCrCl(crcl, bsaM2 float64) (float64, error) {
	if bsaM2 <= 0 {
		return 0, &InvalidInputError{Field: "bsa_m2", Reason: "must be positive for normalization"}
	}
	return math.Max(crcl*1.73/bsaM2, 0), nil
}

// ComputeEGFR returns the MDRD estimated glomerular filtration rate in
// mL/min/1.73m², clamped to zero.
func ComputeEGFR(scrMgDl float64, ageYears int, sex Sex) (float64, error) {
	if scrMgDl <= 0 {
		return 0, &InvalidInputError{Field: "scr_mg_dl", Reason: "must be positive"}
	}
	if ageYears <= 0 {
		return 0, &InvalidInputError{Field: "age_years", Reason: "must be positive"}
	}

	egfr := 175 * math.Pow(scrMgDl, -1.154) * math.Pow(float64(ageYears), -0.203)
	if sex == SexFemale {
		egfr *= 0.742
	}
	return math.Max(egfr, 0), nil
}

// ComputeAll derives the full metric set from one set of biometrics.
// Age and BSA are required for any assessment and fail the whole
// computation with InvalidInputError when their inputs are missing or
// non-positive. The three creatinine-derived metrics are marked
// not-applicable (never computed) for dialysis patients, and when the
// serum creatinine is absent.
func ComputeAll(b PatientBiometrics, asOf time.Time) (RenalMetrics, error) {
	age, err := ComputeAge(b.BirthDate, asOf)
	if err != nil {
		return RenalMetrics{}, err
	}

	bsa, err := ComputeBSA(b.WeightKg, b.HeightCm)
	if err != nil {
		return RenalMetrics{}, err
	}

	metrics := RenalMetrics{
		AgeYears:          age,
		BodySurfaceAreaM2: bsa,
	}

	if b.OnDialysis || b.SerumCreatinineMgDl <= 0 {
		return metrics, nil
	}

	if crcl, err := ComputeCreatinineClearance(age, b.WeightKg, b.SerumCreatinineMgDl, b.Sex); err == nil {
		metrics.CrCl = Measurement{Value: crcl, Valid: true}
		if norm, err := NormalizeCrCl(crcl, bsa); err == nil {
			metrics.CrClNormalized = Measurement{Value: norm, Valid: true}
		}
	}

	if egfr, err := ComputeEGFR(b.SerumCreatinineMgDl, age, b.Sex); err == nil {
		metrics.EGFR = Measurement{Value: egfr, Valid: true}
	}

	return metrics, nil
}
