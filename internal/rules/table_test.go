package rules

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func f(v float64) *float64 { return &v }

func TestNewTableIndexesByDrugCode(t *testing.T) {
	records := []ruleRecord{
		{DrugCode: 101, DrugName: "metformin", Metric: MetricCrCl, Max: f(30), Category: CategoryContraindicated},
		{DrugCode: 101, DrugName: "metformin", Metric: MetricCrCl, Min: f(30), Max: f(60), Category: CategoryDoseAdjustment},
		{DrugCode: 202, DrugName: "gabapentin", Metric: MetricEGFR, Max: f(15), Category: CategoryIntervalAdjustment},
	}

	table, err := NewTable(records, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if table.Drugs() != 2 {
		t.Errorf("drugs = %d, want 2", table.Drugs())
	}

	ruleset, err := table.Lookup(context.Background(), DrugRef{ItemCode: 101})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(ruleset) != 2 {
		t.Errorf("rules for 101 = %d, want 2", len(ruleset))
	}
}

func TestTableLookupUnknownDrug(t *testing.T) {
	table, err := NewTable(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = table.Lookup(context.Background(), DrugRef{ItemCode: 999, Name: "unknown"})
	if !errors.Is(err, ErrDrugNotFound) {
		t.Errorf("expected ErrDrugNotFound, got %v", err)
	}
}

func TestNewTableRejectsMalformedRecords(t *testing.T) {
	tests := []struct {
		name string
		rec  ruleRecord
	}{
		{"missing drug code", ruleRecord{DrugName: "x", Metric: MetricCrCl, Category: CategoryNormal}},
		{"unknown metric", ruleRecord{DrugCode: 1, Metric: "gfr", Category: CategoryNormal}},
		{"inverted band", ruleRecord{DrugCode: 1, Metric: MetricCrCl, Min: f(60), Max: f(30), Category: CategoryNormal}},
		{"no category or dose", ruleRecord{DrugCode: 1, Metric: MetricCrCl}},
		{"unknown category", ruleRecord{DrugCode: 1, Metric: MetricCrCl, Category: "severe"}},
		{"unresolvable as stored category", ruleRecord{DrugCode: 1, Metric: MetricCrCl, Category: CategoryUnresolvable}},
		{"unknown dose unit", ruleRecord{DrugCode: 1, Metric: MetricCrCl, Dose: &DoseConstraint{Amount: 5, Unit: "drops", DosesPerInterval: 1, IntervalDays: 1}}},
		{"negative dose", ruleRecord{DrugCode: 1, Metric: MetricCrCl, Dose: &DoseConstraint{Amount: -5, Unit: UnitMg, DosesPerInterval: 1, IntervalDays: 1}}},
		{"non-positive interval", ruleRecord{DrugCode: 1, Metric: MetricCrCl, Dose: &DoseConstraint{Amount: 5, Unit: UnitMg, DosesPerInterval: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable([]ruleRecord{tt.rec}, nil)
			var dataErr *RuleDataError
			if !errors.As(err, &dataErr) {
				t.Fatalf("expected RuleDataError, got %v", err)
			}
		})
	}
}

func TestRuleMatchesInclusiveBand(t *testing.T) {
	rule := Rule{Metric: MetricCrCl, Min: 30, Max: 60, Category: CategoryDoseAdjustment}

	for _, tt := range []struct {
		value float64
		want  bool
	}{
		{29.9, false},
		{30, true},
		{45, true},
		{60, true},
		{60.1, false},
	} {
		if got := rule.Matches(tt.value); got != tt.want {
			t.Errorf("Matches(%g) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestRuleMatchesOpenEnds(t *testing.T) {
	below := Rule{Metric: MetricCrCl, Min: math.NaN(), Max: 30}
	if !below.Matches(-5) || !below.Matches(30) || below.Matches(31) {
		t.Error("open-below band misbehaved")
	}

	above := Rule{Metric: MetricCrCl, Min: 90, Max: math.NaN()}
	if !above.Matches(90) || !above.Matches(500) || above.Matches(89) {
		t.Error("open-above band misbehaved")
	}
}

func TestBandString(t *testing.T) {
	for _, tt := range []struct {
		rule Rule
		want string
	}{
		{Rule{Metric: MetricCrCl, Min: 30, Max: 60}, "crcl 30-60"},
		{Rule{Metric: MetricCrCl, Min: math.NaN(), Max: 30}, "crcl <= 30"},
		{Rule{Metric: MetricEGFR, Min: 90, Max: math.NaN()}, "egfr >= 90"},
		{Rule{Metric: MetricSCr, Min: math.NaN(), Max: math.NaN()}, "scr"},
	} {
		if got := tt.rule.BandString(); got != tt.want {
			t.Errorf("BandString() = %q, want %q", got, tt.want)
		}
	}
}

func TestLoadTableFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	content := `[
		{"drug_code": 101, "drug_name": "metformin", "metric": "crcl", "max": 30, "category": "contraindicated"},
		{"drug_code": 101, "drug_name": "metformin", "metric": "crcl", "min": 30, "max": 60,
		 "dose": {"amount": 1000, "unit": "mg", "doses_per_interval": 2, "interval_days": 1}}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadTable(path, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	ruleset, err := table.Lookup(context.Background(), DrugRef{ItemCode: 101})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(ruleset) != 2 {
		t.Fatalf("rules = %d, want 2", len(ruleset))
	}

	// Absent bounds come back open-ended
	if !math.IsNaN(ruleset[0].Min) {
		t.Errorf("min = %g, want NaN", ruleset[0].Min)
	}
	if ruleset[1].Dose == nil || ruleset[1].Dose.ReferenceFrequency() != 2 {
		t.Errorf("dose constraint not decoded: %+v", ruleset[1].Dose)
	}
}

func TestLoadTableMissingFile(t *testing.T) {
	if _, err := LoadTable(filepath.Join(t.TempDir(), "absent.json"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}
