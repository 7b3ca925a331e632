package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func testEntries() []Entry {
	return []Entry{
		{ItemCode: 101, ProductName: "Metformin 500mg Tab", Ingredient: "metformin", SpecAmount: 500, SpecUnit: "mg"},
		{ItemCode: 102, ProductName: "Metformin 850mg Tab", Ingredient: "metformin", SpecAmount: 850, SpecUnit: "mg"},
		{ItemCode: 201, ProductName: "Gabapentin 300mg Cap", Ingredient: "gabapentin", SpecAmount: 300, SpecUnit: "mg"},
		{ItemCode: 301, ProductName: "Saline Solution"},
	}
}

func TestResolve(t *testing.T) {
	c := New(testEntries(), nil)

	ref, entry, ok := c.Resolve("Metformin 500mg Tab")
	if !ok {
		t.Fatal("expected resolution")
	}
	if ref.ItemCode != 101 || ref.Name != "Metformin 500mg Tab" {
		t.Errorf("ref = %+v", ref)
	}
	if entry.Ingredient != "metformin" {
		t.Errorf("ingredient = %q", entry.Ingredient)
	}

	// Surrounding whitespace is forgiven
	if _, _, ok := c.Resolve("  Metformin 500mg Tab  "); !ok {
		t.Error("expected whitespace-trimmed resolution")
	}

	if _, _, ok := c.Resolve("Unknown Drug"); ok {
		t.Error("unknown name must not resolve")
	}
}

func TestSearch(t *testing.T) {
	c := New(testEntries(), nil)

	results := c.Search("Metformin", 10)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	if got := c.Search("Metformin", 1); len(got) != 1 {
		t.Errorf("limit not honored: %v", got)
	}

	if got := c.Search("", 10); got != nil {
		t.Errorf("empty query should return nothing: %v", got)
	}

	if got := c.Search("nonexistent", 10); len(got) != 0 {
		t.Errorf("miss should be empty: %v", got)
	}
}

func TestRealAmount(t *testing.T) {
	entries := testEntries()

	// 2 tablets of 500 mg
	if got := entries[0].RealAmount(2); got != 1000 {
		t.Errorf("real amount = %g, want 1000", got)
	}

	// Unknown strength yields zero, never a guess
	if got := entries[3].RealAmount(2); got != 0 {
		t.Errorf("real amount without strength = %g, want 0", got)
	}

	if got := entries[0].RealAmount(0); got != 0 {
		t.Errorf("zero count = %g, want 0", got)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	content := `[
		{"item_code": 101, "product_name": "Metformin 500mg Tab", "ingredient": "metformin", "spec_amount": 500, "spec_unit": "mg"}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if c.Size() != 1 {
		t.Errorf("size = %d, want 1", c.Size())
	}
	if _, _, ok := c.Resolve("Metformin 500mg Tab"); !ok {
		t.Error("loaded entry should resolve")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}
