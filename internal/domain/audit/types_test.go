package audit

import (
	"testing"

	"github.com/renacare/renaudit/internal/rules"
)

func TestSeverityOrdering(t *testing.T) {
	if !(Severity(rules.CategoryContraindicated) > Severity(rules.CategoryIntervalAdjustment) &&
		Severity(rules.CategoryIntervalAdjustment) > Severity(rules.CategoryDoseAdjustment) &&
		Severity(rules.CategoryDoseAdjustment) > Severity(rules.CategoryNormal)) {
		t.Error("severity ordering violated")
	}
}

func TestSummary(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []Outcome
		want     OrderSummary
	}{
		{"empty order", nil, SummaryNormal},
		{"all normal", []Outcome{{Category: rules.CategoryNormal}, {Category: rules.CategoryNormal}}, SummaryNormal},
		{"one adjustment", []Outcome{{Category: rules.CategoryNormal}, {Category: rules.CategoryDoseAdjustment}}, SummaryAbnormal},
		{"contraindicated", []Outcome{{Category: rules.CategoryContraindicated}}, SummaryAbnormal},
		{"unresolvable counts abnormal", []Outcome{{Category: rules.CategoryUnresolvable}}, SummaryAbnormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summary(tt.outcomes); got != tt.want {
				t.Errorf("summary = %s, want %s", got, tt.want)
			}
		})
	}
}
