package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMeasureFootprint(t *testing.T) {
	dir := t.TempDir()

	db := filepath.Join(dir, "corpus.db")
	if err := os.WriteFile(db, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	bleveDir := filepath.Join(dir, "bleve")
	if err := os.MkdirAll(filepath.Join(bleveDir, "store"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bleveDir, "index_meta.json"), []byte("ab"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bleveDir, "store", "seg"), []byte("c"), 0644); err != nil {
		t.Fatal(err)
	}

	fp, err := MeasureFootprint(db, bleveDir, filepath.Join(dir, "missing"))
	if err != nil {
		t.Fatal(err)
	}
	if fp.Database != 5 {
		t.Errorf("database: got %d bytes, want 5", fp.Database)
	}
	if fp.KeywordIdx != 3 {
		t.Errorf("keyword index: got %d bytes, want 3", fp.KeywordIdx)
	}
	if fp.VectorIdx != 0 {
		t.Errorf("missing vector index should be 0, got %d", fp.VectorIdx)
	}
	if fp.TotalBytes != 8 {
		t.Errorf("total: got %d bytes, want 8", fp.TotalBytes)
	}
}

func TestMeasureFootprint_emptyPaths(t *testing.T) {
	fp, err := MeasureFootprint("", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if fp.TotalBytes != 0 {
		t.Errorf("expected zero footprint, got %+v", fp)
	}
}
