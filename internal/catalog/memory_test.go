package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pitabwire/careportal/model"
)

func writeSeed(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadMemoryCatalog(t *testing.T) {
	dir := t.TempDir()
	writeSeed(t, dir, "prescriptions.yaml", `
kind: prescriptions
entities:
  - id: rx-1
    name: Lisinopril 10mg
    category: cardiology
    attributes:
      patient_id: pat-1
      refills_remaining: 2
      refillable: true
  - id: rx-2
    name: Atorvastatin 20mg
    attributes:
      patient_id: pat-2
      refills_remaining: 0
      refillable: false
`)
	writeSeed(t, dir, "pharmacies.yml", `
kind: pharmacies
entities:
  - id: ph-1
    name: Main Street Pharmacy
`)
	writeSeed(t, dir, "README.txt", "ignored")

	cat, err := LoadMemoryCatalog(dir)
	if err != nil {
		t.Fatalf("LoadMemoryCatalog error: %v", err)
	}
	if cat.Checksum() == "" {
		t.Error("Checksum should be set for loaded catalogs")
	}

	kinds := cat.Kinds()
	if len(kinds) != 2 || kinds[0] != "pharmacies" || kinds[1] != "prescriptions" {
		t.Errorf("Kinds() = %v", kinds)
	}

	e, err := cat.Get(context.Background(), "prescriptions", "rx-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if e.Kind != "prescriptions" {
		t.Errorf("Kind = %q, want prescriptions (taken from the file)", e.Kind)
	}
	if e.StringValue("refills_remaining") != "2" {
		t.Errorf("refills_remaining = %q, want 2", e.StringValue("refills_remaining"))
	}

	page, err := cat.Query(context.Background(), model.CatalogQuery{
		Kind:  "prescriptions",
		Flags: map[string]bool{"refillable": true},
	})
	if err != nil {
		t.Fatalf("Query error: %v", err)
	}
	if page.TotalCount != 1 || page.Items[0].ID != "rx-1" {
		t.Errorf("Query = %+v, want only rx-1", page)
	}
}

func TestLoadMemoryCatalog_errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing kind", "entities:\n  - id: a\n    name: A\n"},
		{"missing id", "kind: k\nentities:\n  - name: A\n"},
		{"duplicate id", "kind: k\nentities:\n  - id: a\n  - id: a\n"},
		{"bad yaml", "kind: [unclosed\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeSeed(t, dir, "seed.yaml", tt.content)
			if _, err := LoadMemoryCatalog(dir); err == nil {
				t.Error("LoadMemoryCatalog should fail")
			}
		})
	}
}

func TestLoadMemoryCatalog_missingDir(t *testing.T) {
	if _, err := LoadMemoryCatalog(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("LoadMemoryCatalog should fail for a missing directory")
	}
}

func TestMemoryCatalog_GetNotFound(t *testing.T) {
	cat := NewMemoryCatalog(model.Entity{ID: "a", Kind: "k", Name: "A"})

	_, err := cat.Get(context.Background(), "k", "missing")
	if model.ErrorCode(err) != model.ErrNotFound {
		t.Errorf("Get(missing) error = %v, want NOT_FOUND", err)
	}
	_, err = cat.Query(context.Background(), model.CatalogQuery{Kind: "unknown"})
	if model.ErrorCode(err) != model.ErrNotFound {
		t.Errorf("Query(unknown kind) error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryCatalog_Put(t *testing.T) {
	cat := NewMemoryCatalog()
	if err := cat.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck on an empty catalog should fail")
	}

	cat.Put(model.Entity{ID: "a", Kind: "k", Name: "First"})
	cat.Put(model.Entity{ID: "a", Kind: "k", Name: "Renamed"})

	e, err := cat.Get(context.Background(), "k", "a")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if e.Name != "Renamed" {
		t.Errorf("Name = %q, want Renamed", e.Name)
	}
	page, _ := cat.Query(context.Background(), model.CatalogQuery{Kind: "k"})
	if page.TotalCount != 1 {
		t.Errorf("TotalCount = %d, want 1", page.TotalCount)
	}
	if err := cat.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck error: %v", err)
	}
}

func TestNewMemoryCatalog_laterEntityWins(t *testing.T) {
	cat := NewMemoryCatalog(
		model.Entity{ID: "rx-1", Kind: "prescriptions", Name: "Lisinopril"},
		model.Entity{ID: "rx-1", Kind: "prescriptions", Name: "Lisinopril 20mg"},
		model.Entity{ID: "rx-1", Kind: "providers", Name: "Dr. Osei"},
	)

	page, err := cat.Query(context.Background(), model.CatalogQuery{Kind: "prescriptions"})
	if err != nil {
		t.Fatalf("Query error: %v", err)
	}
	if page.TotalCount != 1 || page.Items[0].Name != "Lisinopril 20mg" {
		t.Errorf("prescriptions = %+v, want only Lisinopril 20mg", page.Items)
	}
	if _, err := cat.Get(context.Background(), "providers", "rx-1"); err != nil {
		t.Errorf("same ID under another kind should be kept: %v", err)
	}
}

func TestMemoryCatalog_GetReturnsCopy(t *testing.T) {
	cat := NewMemoryCatalog(model.Entity{ID: "a", Kind: "k", Name: "A"})
	e, _ := cat.Get(context.Background(), "k", "a")
	e.Name = "mutated"

	again, _ := cat.Get(context.Background(), "k", "a")
	if again.Name != "A" {
		t.Errorf("stored entity was mutated through Get result: %q", again.Name)
	}
}
