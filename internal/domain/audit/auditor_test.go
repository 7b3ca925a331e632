package audit

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/renacare/renaudit/internal/domain/renal"
	"github.com/renacare/renaudit/internal/rules"
)

func testBiometrics() renal.PatientBiometrics {
	return renal.PatientBiometrics{
		Sex:                 renal.SexMale,
		BirthDate:           time.Date(1981, time.January, 1, 0, 0, 0, 0, time.UTC),
		WeightKg:            70,
		HeightCm:            175,
		SerumCreatinineMgDl: 1.0,
	}
}

var testAsOf = time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)

func newTestAuditor(t *testing.T, source rules.Source) *Auditor {
	t.Helper()
	a, err := NewAuditor(source, nil)
	if err != nil {
		t.Fatalf("auditor init failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAuditOrderPreservesLineOrder(t *testing.T) {
	source := &stubSource{rulesets: map[int64][]rules.Rule{
		1: {band(math.NaN(), 100, rules.CategoryContraindicated)},
	}}
	a := newTestAuditor(t, source)

	lines := []PrescriptionLine{
		line(1, "risky"),
		line(999, "benign"),
		line(1, "risky"),
	}

	result, err := a.AuditOrder(context.Background(), testBiometrics(), lines, testAsOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Outcomes) != len(lines) {
		t.Fatalf("outcomes = %d, want %d", len(result.Outcomes), len(lines))
	}

	want := []rules.Category{
		rules.CategoryContraindicated,
		rules.CategoryNormal,
		rules.CategoryContraindicated,
	}
	for i, cat := range want {
		if result.Outcomes[i].Category != cat {
			t.Errorf("outcome[%d] = %s, want %s", i, result.Outcomes[i].Category, cat)
		}
	}

	if result.Summary != SummaryAbnormal {
		t.Errorf("summary = %s, want abnormal", result.Summary)
	}
}

func TestAuditOrderEmpty(t *testing.T) {
	a := newTestAuditor(t, &stubSource{rulesets: map[int64][]rules.Rule{}})

	result, err := a.AuditOrder(context.Background(), testBiometrics(), nil, testAsOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Outcomes) != 0 {
		t.Errorf("outcomes = %d, want 0", len(result.Outcomes))
	}
	if result.Summary != SummaryNormal {
		t.Errorf("summary = %s, want normal", result.Summary)
	}
	if !result.Metrics.CrCl.Valid {
		t.Error("metrics should still be computed for an empty order")
	}
}

func TestAuditOrderInvalidBiometricsAbortsWholeOrder(t *testing.T) {
	a := newTestAuditor(t, &stubSource{rulesets: map[int64][]rules.Rule{}})

	bad := testBiometrics()
	bad.WeightKg = 0

	if _, err := a.AuditOrder(context.Background(), bad, []PrescriptionLine{line(1, "x")}, testAsOf); err == nil {
		t.Fatal("expected error for invalid biometrics")
	}
}

func TestAuditOrderParallelPath(t *testing.T) {
	// Enough lines to cross the pool threshold; outcomes must still
	// land in submission order.
	source := &stubSource{rulesets: map[int64][]rules.Rule{
		1: {band(math.NaN(), 100, rules.CategoryDoseAdjustment)},
	}}
	a := newTestAuditor(t, source)

	n := parallelThreshold * 4
	lines := make([]PrescriptionLine, n)
	for i := range lines {
		if i%2 == 0 {
			lines[i] = line(1, fmt.Sprintf("constrained-%d", i))
		} else {
			lines[i] = line(int64(1000+i), fmt.Sprintf("unlisted-%d", i))
		}
	}

	result, err := a.AuditOrder(context.Background(), testBiometrics(), lines, testAsOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, out := range result.Outcomes {
		want := rules.CategoryNormal
		if i%2 == 0 {
			want = rules.CategoryDoseAdjustment
		}
		if out.Category != want {
			t.Errorf("outcome[%d] = %s, want %s", i, out.Category, want)
		}
	}
	if result.Summary != SummaryAbnormal {
		t.Errorf("summary = %s, want abnormal", result.Summary)
	}
}

func TestAuditOrderDialysisPatient(t *testing.T) {
	source := &stubSource{rulesets: map[int64][]rules.Rule{
		1: {{Metric: rules.MetricCrCl, Min: math.NaN(), Max: math.NaN(), Dialysis: true, Category: rules.CategoryIntervalAdjustment}},
	}}
	a := newTestAuditor(t, source)

	b := testBiometrics()
	b.OnDialysis = true
	b.SerumCreatinineMgDl = renal.DialysisSentinelSCr

	result, err := a.AuditOrder(context.Background(), b, []PrescriptionLine{line(1, "x")}, testAsOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcomes[0].Category != rules.CategoryIntervalAdjustment {
		t.Errorf("category = %s, want interval_adjustment", result.Outcomes[0].Category)
	}
	if result.Metrics.CrCl.Valid {
		t.Error("crcl must be not-applicable on dialysis")
	}
}
