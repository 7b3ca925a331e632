package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"go.uber.org/zap"
)

// ruleRecord is the JSON wire format for one rule-table entry.
// Absent min/max bounds are open-ended.
type ruleRecord struct {
	DrugCode int64           `json:"drug_code"`
	DrugName string          `json:"drug_name"`
	Metric   Metric          `json:"metric"`
	Min      *float64        `json:"min"`
	Max      *float64        `json:"max"`
	Dialysis bool            `json:"dialysis"`
	Category Category        `json:"category,omitempty"`
	Dose     *DoseConstraint `json:"dose,omitempty"`
	Guidance string          `json:"guidance,omitempty"`
}

func (rec ruleRecord) toRule() Rule {
	r := Rule{
		Metric:   rec.Metric,
		Min:      math.NaN(),
		Max:      math.NaN(),
		Dialysis: rec.Dialysis,
		Category: rec.Category,
		Dose:     rec.Dose,
		Guidance: rec.Guidance,
	}
	if rec.Min != nil {
		r.Min = *rec.Min
	}
	if rec.Max != nil {
		r.Max = *rec.Max
	}
	return r
}

// Table is an in-memory rule Source indexed by drug item code for O(1)
// per-drug lookup. Validation happens here, once, at load time.
type Table struct {
	index  map[int64][]Rule
	logger *zap.Logger
}

// NewTable builds a validated table from raw records
func NewTable(records []ruleRecord, logger *zap.Logger) (*Table, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	index := make(map[int64][]Rule)
	for i, rec := range records {
		if rec.DrugCode == 0 {
			return nil, &RuleDataError{Drug: rec.DrugName, Detail: fmt.Sprintf("record %d missing drug code", i)}
		}
		rule := rec.toRule()
		if err := rule.Validate(rec.DrugName); err != nil {
			return nil, err
		}
		index[rec.DrugCode] = append(index[rec.DrugCode], rule)
	}

	logger.Info("rule table indexed",
		zap.Int("entries", len(records)),
		zap.Int("drugs", len(index)))

	return &Table{index: index, logger: logger}, nil
}

// LoadTable reads and indexes a JSON rule file
func LoadTable(path string, logger *zap.Logger) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule table: %w", err)
	}

	var records []ruleRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse rule table %s: %w", path, err)
	}

	return NewTable(records, logger)
}

// Lookup implements Source. Unknown drugs return ErrDrugNotFound.
func (t *Table) Lookup(_ context.Context, drug DrugRef) ([]Rule, error) {
	ruleset, ok := t.index[drug.ItemCode]
	if !ok {
		return nil, ErrDrugNotFound
	}
	return ruleset, nil
}

// Drugs returns the number of drugs with at least one rule
func (t *Table) Drugs() int { return len(t.index) }
