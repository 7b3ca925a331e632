// Package integration provides integration tests for the audit engine.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/renacare/renaudit/internal/catalog"
	"github.com/renacare/renaudit/internal/domain/audit"
	"github.com/renacare/renaudit/internal/domain/renal"
	"github.com/renacare/renaudit/internal/rules"
)

const ruleTableJSON = `[
	{"drug_code": 101, "drug_name": "metformin", "metric": "crcl", "max": 30,
	 "category": "contraindicated",
	 "guidance": "avoid {drug}: {metric} inside {band}"},
	{"drug_code": 101, "drug_name": "metformin", "metric": "crcl", "min": 30, "max": 60,
	 "dose": {"amount": 1000, "unit": "mg", "doses_per_interval": 2, "interval_days": 1, "divided": true}},
	{"drug_code": 201, "drug_name": "gabapentin", "metric": "egfr", "max": 15,
	 "category": "interval_adjustment"},
	{"drug_code": 201, "drug_name": "gabapentin", "metric": "egfr", "dialysis": true,
	 "category": "dose_adjustment"}
]`

const catalogJSON = `[
	{"item_code": 101, "product_name": "Metformin 500mg Tab", "ingredient": "metformin", "spec_amount": 500, "spec_unit": "mg"},
	{"item_code": 201, "product_name": "Gabapentin 300mg Cap", "ingredient": "gabapentin", "spec_amount": 300, "spec_unit": "mg"}
]`

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func setup(t *testing.T) (*catalog.Catalog, *audit.Auditor) {
	t.Helper()

	cat, err := catalog.Load(writeFixture(t, "catalog.json", catalogJSON), nil)
	if err != nil {
		t.Fatalf("catalog load failed: %v", err)
	}

	table, err := rules.LoadTable(writeFixture(t, "rules.json", ruleTableJSON), nil)
	if err != nil {
		t.Fatalf("rule table load failed: %v", err)
	}

	auditor, err := audit.NewAuditor(table, nil)
	if err != nil {
		t.Fatalf("auditor init failed: %v", err)
	}
	t.Cleanup(func() { auditor.Close() })

	return cat, auditor
}

func buildLine(t *testing.T, cat *catalog.Catalog, productName string, doseCount float64, dosesPerDay int) audit.PrescriptionLine {
	t.Helper()

	ref, entry, ok := cat.Resolve(productName)
	if !ok {
		t.Fatalf("unresolved product %q", productName)
	}
	return audit.PrescriptionLine{
		Drug:        ref,
		DoseAmount:  doseCount,
		RealAmount:  entry.RealAmount(doseCount),
		DosesPerDay: dosesPerDay,
	}
}

func TestAuditFlowImpairedPatient(t *testing.T) {
	cat, auditor := setup(t)

	// Male, 78 years, 60 kg, SCr 2.8: CrCl well below 30
	biometrics := renal.PatientBiometrics{
		Sex:                 renal.SexMale,
		BirthDate:           time.Date(1948, time.March, 10, 0, 0, 0, 0, time.UTC),
		WeightKg:            60,
		HeightCm:            165,
		SerumCreatinineMgDl: 2.8,
	}
	asOf := time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)

	lines := []audit.PrescriptionLine{
		buildLine(t, cat, "Metformin 500mg Tab", 2, 2),
		buildLine(t, cat, "Gabapentin 300mg Cap", 1, 3),
	}

	result, err := auditor.AuditOrder(context.Background(), biometrics, lines, asOf)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}

	if !result.Metrics.CrCl.Valid || result.Metrics.CrCl.Value >= 30 {
		t.Fatalf("crcl = %+v, expected valid value below 30", result.Metrics.CrCl)
	}

	if result.Outcomes[0].Category != rules.CategoryContraindicated {
		t.Errorf("metformin: %s, want contraindicated", result.Outcomes[0].Category)
	}
	if result.Outcomes[0].Rationale == "" {
		t.Error("metformin outcome missing rationale")
	}
	if result.Summary != audit.SummaryAbnormal {
		t.Errorf("summary = %s, want abnormal", result.Summary)
	}
}

func TestAuditFlowModerateImpairmentDoseComparison(t *testing.T) {
	cat, auditor := setup(t)

	// Male, 45 years, 70 kg, SCr 1.8: CrCl ~52, inside the 30-60 band
	biometrics := renal.PatientBiometrics{
		Sex:                 renal.SexMale,
		BirthDate:           time.Date(1981, time.January, 1, 0, 0, 0, 0, time.UTC),
		WeightKg:            70,
		HeightCm:            175,
		SerumCreatinineMgDl: 1.8,
	}
	asOf := time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)

	// 2 tablets x 500 mg, twice daily: 2000 mg/day against the 2000 mg
	// divided daily reference, within limits
	within := []audit.PrescriptionLine{buildLine(t, cat, "Metformin 500mg Tab", 2, 2)}
	result, err := auditor.AuditOrder(context.Background(), biometrics, within, asOf)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if result.Outcomes[0].Category != rules.CategoryNormal {
		t.Errorf("within-limit dose: %s, want normal", result.Outcomes[0].Category)
	}
	if result.Summary != audit.SummaryNormal {
		t.Errorf("summary = %s, want normal", result.Summary)
	}

	// 3 tablets x 500 mg, twice daily: 3000 mg/day exceeds the reference
	over := []audit.PrescriptionLine{buildLine(t, cat, "Metformin 500mg Tab", 3, 2)}
	result, err = auditor.AuditOrder(context.Background(), biometrics, over, asOf)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if result.Outcomes[0].Category != rules.CategoryDoseAdjustment {
		t.Errorf("over-limit dose: %s, want dose_adjustment", result.Outcomes[0].Category)
	}
}

func TestAuditFlowDialysisPatient(t *testing.T) {
	cat, auditor := setup(t)

	biometrics := renal.PatientBiometrics{
		Sex:                 renal.SexFemale,
		BirthDate:           time.Date(1955, time.August, 20, 0, 0, 0, 0, time.UTC),
		WeightKg:            55,
		HeightCm:            158,
		SerumCreatinineMgDl: renal.DialysisSentinelSCr,
		OnDialysis:          true,
	}
	asOf := time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)

	lines := []audit.PrescriptionLine{
		// Gabapentin carries a dialysis-specific rule
		buildLine(t, cat, "Gabapentin 300mg Cap", 1, 3),
		// Metformin has only numeric bands, which cannot apply
		buildLine(t, cat, "Metformin 500mg Tab", 1, 2),
	}

	result, err := auditor.AuditOrder(context.Background(), biometrics, lines, asOf)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}

	if result.Outcomes[0].Category != rules.CategoryDoseAdjustment {
		t.Errorf("gabapentin: %s, want dose_adjustment from dialysis rule", result.Outcomes[0].Category)
	}
	if result.Outcomes[1].Category != rules.CategoryNormal {
		t.Errorf("metformin: %s, want normal fallback", result.Outcomes[1].Category)
	}
	if result.Metrics.EGFR.Valid {
		t.Error("egfr must be not-applicable on dialysis")
	}
}

func TestAuditFlowUnknownProduct(t *testing.T) {
	cat, auditor := setup(t)

	biometrics := renal.PatientBiometrics{
		Sex:                 renal.SexMale,
		BirthDate:           time.Date(1990, time.May, 5, 0, 0, 0, 0, time.UTC),
		WeightKg:            80,
		HeightCm:            180,
		SerumCreatinineMgDl: 0.9,
	}
	asOf := time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)

	// Product not in the catalog: audited by name only, no rules found
	if _, _, ok := cat.Resolve("Mystery Elixir"); ok {
		t.Fatal("fixture assumption broken")
	}
	lines := []audit.PrescriptionLine{{
		Drug:        rules.DrugRef{Name: "Mystery Elixir"},
		DoseAmount:  1,
		DosesPerDay: 1,
	}}

	result, err := auditor.AuditOrder(context.Background(), biometrics, lines, asOf)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if result.Outcomes[0].Category != rules.CategoryNormal {
		t.Errorf("category = %s, want normal", result.Outcomes[0].Category)
	}
	if result.Summary != audit.SummaryNormal {
		t.Errorf("summary = %s, want normal", result.Summary)
	}
}
