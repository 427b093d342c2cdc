package storage

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrations_embedded(t *testing.T) {
	m := NewMigrator(nil)
	migrations, err := LoadMigrations(m.files)
	if err != nil {
		t.Fatalf("LoadMigrations error: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("migrations = %d, want at least 2", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Errorf("versions = %d, %d; want 1, 2", migrations[0].Version, migrations[1].Version)
	}
	if !strings.Contains(migrations[0].SQL, "workflow_instances") {
		t.Error("001 should create workflow_instances")
	}
	if !strings.Contains(migrations[1].SQL, "catalog_entities") {
		t.Error("002 should create catalog_entities")
	}
}

func TestLoadMigrations_orderAndSkip(t *testing.T) {
	files := fstest.MapFS{
		"010_late.sql":  {Data: []byte("SELECT 10")},
		"002_mid.sql":   {Data: []byte("SELECT 2")},
		"001_first.sql": {Data: []byte("SELECT 1")},
		"README.md":     {Data: []byte("docs")},
		"notes.sql":     {Data: []byte("no version")},
		"abc_bad.sql":   {Data: []byte("bad prefix")},
	}

	migrations, err := LoadMigrations(files)
	if err != nil {
		t.Fatalf("LoadMigrations error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("migrations = %d, want 3", len(migrations))
	}
	want := []int{1, 2, 10}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migrations[%d].Version = %d, want %d", i, migrations[i].Version, v)
		}
	}
	if migrations[2].SQL != "SELECT 10" {
		t.Errorf("SQL = %q", migrations[2].SQL)
	}
}

func TestLoadMigrations_duplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1")},
		"1_b.sql":   {Data: []byte("SELECT 1")},
	}
	if _, err := LoadMigrations(files); err == nil {
		t.Error("LoadMigrations should reject duplicate versions")
	}
}
