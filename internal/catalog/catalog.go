// Package catalog resolves free-text drug product names to canonical
// drug identities. The catalog is loaded from a JSON reference file and
// indexed at startup; ambiguous or unknown names are not errors, the
// audit simply finds no rules for them.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/renacare/renaudit/internal/rules"
)

// Entry is one catalog drug product
type Entry struct {
	ItemCode    int64   `json:"item_code"`
	ProductName string  `json:"product_name"`
	Ingredient  string  `json:"ingredient,omitempty"`
	SpecAmount  float64 `json:"spec_amount,omitempty"` // strength per unit, e.g. mg per tablet
	SpecUnit    string  `json:"spec_unit,omitempty"`
}

// Catalog is an in-memory drug catalog with an exact-name index
type Catalog struct {
	entries []Entry
	byName  map[string]Entry
	logger  *zap.Logger
}

// New builds a catalog from entries
func New(entries []Entry, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}

	byName := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.ProductName != "" {
			byName[e.ProductName] = e
		}
	}

	logger.Info("drug catalog indexed", zap.Int("entries", len(entries)))
	return &Catalog{entries: entries, byName: byName, logger: logger}
}

// Load reads a JSON catalog file
func Load(path string, logger *zap.Logger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read drug catalog: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse drug catalog %s: %w", path, err)
	}

	return New(entries, logger), nil
}

// Resolve maps an exact product name to its canonical drug reference.
// The second return is false for unknown names.
func (c *Catalog) Resolve(productName string) (rules.DrugRef, Entry, bool) {
	entry, ok := c.byName[strings.TrimSpace(productName)]
	if !ok {
		return rules.DrugRef{}, Entry{}, false
	}
	return rules.DrugRef{ItemCode: entry.ItemCode, Name: entry.ProductName}, entry, true
}

// Search returns up to limit product names containing the query,
// de-duplicated, for prescription-entry autocomplete
func (c *Catalog) Search(query string, limit int) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	if limit <= 0 {
		limit = 20
	}

	seen := make(map[string]bool)
	var result []string
	for _, e := range c.entries {
		if !strings.Contains(e.ProductName, query) || seen[e.ProductName] {
			continue
		}
		seen[e.ProductName] = true
		result = append(result, e.ProductName)
		if len(result) >= limit {
			break
		}
	}
	return result
}

// RealAmount converts a prescribed count into the actual drug amount
// using the product's spec strength. Zero when the strength is unknown.
func (e Entry) RealAmount(doseCount float64) float64 {
	if e.SpecAmount <= 0 || doseCount <= 0 {
		return 0
	}
	return e.SpecAmount * doseCount
}

// Size returns the number of catalog entries
func (c *Catalog) Size() int { return len(c.entries) }
