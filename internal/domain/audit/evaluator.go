package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/renacare/renaudit/internal/rules"
)

// Evaluator classifies one prescription line against the patient's
// renal metrics and the dosing rules on record for the drug
type Evaluator struct {
	source rules.Source
	logger *zap.Logger
}

// NewEvaluator creates an evaluator backed by a rule source
func NewEvaluator(source rules.Source, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{source: source, logger: logger}
}

// Evaluate classifies a single line. Lookup misses and unavailable
// metrics degrade to a normal outcome with an explanatory rationale;
// malformed rule data is surfaced as an unresolvable outcome so the
// line is reviewed by a human instead of silently passing.
func (e *Evaluator) Evaluate(ctx context.Context, line PrescriptionLine, patient Patient) Outcome {
	ruleset, err := e.source.Lookup(ctx, line.Drug)
	if err != nil {
		if errors.Is(err, rules.ErrDrugNotFound) {
			return Outcome{
				Category:  rules.CategoryNormal,
				Rationale: fmt.Sprintf("no renal-dose constraint on record for %s", line.Drug.Name),
			}
		}

		var dataErr *rules.RuleDataError
		if errors.As(err, &dataErr) {
			e.logger.Warn("rule data error", zap.String("drug", line.Drug.Name), zap.Error(err))
			return Outcome{
				Category:  rules.CategoryUnresolvable,
				Rationale: fmt.Sprintf("dosing rules for %s could not be evaluated: %s", line.Drug.Name, dataErr.Detail),
				Err:       err,
			}
		}

		e.logger.Error("rule lookup failed", zap.String("drug", line.Drug.Name), zap.Error(err))
		return Outcome{
			Category:  rules.CategoryUnresolvable,
			Rationale: fmt.Sprintf("dosing rules for %s could not be retrieved", line.Drug.Name),
			Err:       err,
		}
	}

	if len(ruleset) == 0 {
		return Outcome{
			Category:  rules.CategoryNormal,
			Rationale: fmt.Sprintf("no renal-dose constraint on record for %s", line.Drug.Name),
		}
	}

	// Dialysis rules take precedence: numeric CrCl/eGFR are not
	// applicable for dialysis patients.
	if patient.OnDialysis {
		return e.evaluateDialysis(line, patient, ruleset)
	}

	return e.evaluateNumeric(line, patient, ruleset)
}

func (e *Evaluator) evaluateDialysis(line PrescriptionLine, patient Patient, ruleset []rules.Rule) Outcome {
	best := Outcome{}
	matched := false
	for _, rule := range ruleset {
		if !rule.Dialysis {
			continue
		}
		outcome := e.classify(rule, line, patient, "on dialysis")
		if !matched || Severity(outcome.Category) > Severity(best.Category) {
			best = outcome
			matched = true
		}
	}
	if matched {
		return best
	}

	// No dialysis-specific rule: the numeric metrics the remaining
	// rules need are unavailable. Never skip silently.
	return Outcome{
		Category: rules.CategoryNormal,
		Rationale: fmt.Sprintf(
			"renal metrics for %s unavailable (patient on dialysis, no dialysis-specific rule on record)",
			line.Drug.Name),
	}
}

func (e *Evaluator) evaluateNumeric(line PrescriptionLine, patient Patient, ruleset []rules.Rule) Outcome {
	best := Outcome{}
	matched := false
	var missing *rules.Metric

	for _, rule := range ruleset {
		if rule.Dialysis {
			continue
		}

		value, ok := patient.MetricValue(rule.Metric)
		if !ok {
			m := rule.Metric
			missing = &m
			continue
		}
		if !rule.Matches(value) {
			continue
		}

		outcome := e.classify(rule, line, patient, fmt.Sprintf("%s %.1f", rule.Metric, value))
		if !matched || Severity(outcome.Category) > Severity(best.Category) {
			best = outcome
			matched = true
		}
	}

	if matched {
		return best
	}

	if missing != nil {
		return Outcome{
			Category: rules.CategoryNormal,
			Rationale: fmt.Sprintf("required renal metric %s unavailable for %s; dose rules not evaluated",
				*missing, line.Drug.Name),
		}
	}

	return Outcome{
		Category:  rules.CategoryNormal,
		Rationale: fmt.Sprintf("within normal renal-function range for %s", line.Drug.Name),
	}
}

// classify turns one matched rule into an outcome. Rules without a dose
// constraint carry their classification directly; dose-constrained
// rules compare the prescribed dose and frequency against the band's
// reference regimen.
func (e *Evaluator) classify(rule rules.Rule, line PrescriptionLine, patient Patient, metricDesc string) Outcome {
	if rule.Dose == nil {
		return Outcome{
			Category:  rule.Category,
			Rationale: e.rationale(rule, rule.Category, line, metricDesc),
		}
	}

	d := rule.Dose

	// A zero reference dose marks the band as contraindicated outright.
	if d.Amount == 0 {
		return Outcome{
			Category:  rules.CategoryContraindicated,
			Rationale: e.rationale(rule, rules.CategoryContraindicated, line, metricDesc),
		}
	}

	patientAmount := line.RealAmount
	if d.Unit == rules.UnitTablet || patientAmount <= 0 {
		patientAmount = line.DoseAmount
	}

	dosesPerDay := line.DosesPerDay
	if dosesPerDay <= 0 {
		dosesPerDay = 1
	}

	referenceDose := d.Amount
	switch {
	case d.Unit.PerWeight():
		referenceDose *= patient.WeightKg
	case d.Unit.PerBSA():
		referenceDose *= patient.Metrics.BodySurfaceAreaM2
	}
	referenceFrequency := d.ReferenceFrequency()

	if d.Divided {
		// Compare daily totals when the reference is a divided regimen.
		if patientAmount*float64(dosesPerDay) > referenceDose*referenceFrequency {
			return Outcome{
				Category:  rules.CategoryDoseAdjustment,
				Rationale: e.rationale(rule, rules.CategoryDoseAdjustment, line, metricDesc),
			}
		}
	} else if patientAmount > referenceDose {
		return Outcome{
			Category:  rules.CategoryDoseAdjustment,
			Rationale: e.rationale(rule, rules.CategoryDoseAdjustment, line, metricDesc),
		}
	}

	if float64(dosesPerDay) > referenceFrequency {
		return Outcome{
			Category:  rules.CategoryIntervalAdjustment,
			Rationale: e.rationale(rule, rules.CategoryIntervalAdjustment, line, metricDesc),
		}
	}

	return Outcome{
		Category:  rules.CategoryNormal,
		Rationale: e.rationale(rule, rules.CategoryNormal, line, metricDesc),
	}
}

// rationale renders the matched rule's guidance template, substituting
// the patient's metric value, the rule's band and the drug name. Rules
// without a template fall back to a category default.
func (e *Evaluator) rationale(rule rules.Rule, category rules.Category, line PrescriptionLine, metricDesc string) string {
	if rule.Guidance != "" {
		r := strings.NewReplacer(
			"{drug}", line.Drug.Name,
			"{metric}", metricDesc,
			"{band}", rule.BandString(),
		)
		return r.Replace(rule.Guidance)
	}

	switch category {
	case rules.CategoryContraindicated:
		return fmt.Sprintf("%s is contraindicated at %s (rule band %s)", line.Drug.Name, metricDesc, rule.BandString())
	case rules.CategoryDoseAdjustment:
		return fmt.Sprintf("dose adjustment needed for %s at %s (rule band %s)", line.Drug.Name, metricDesc, rule.BandString())
	case rules.CategoryIntervalAdjustment:
		return fmt.Sprintf("dosing interval adjustment needed for %s at %s (rule band %s)", line.Drug.Name, metricDesc, rule.BandString())
	default:
		return fmt.Sprintf("within normal renal-function range for %s at %s", line.Drug.Name, metricDesc)
	}
}
