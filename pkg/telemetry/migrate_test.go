package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

func TestMigrateV1Files(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBuffer(filepath.Join(dir, "buffer.db"), 100, testLogger())
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	defer b.Close()

	// Two valid legacy payload files
	for _, name := range []string{"pay1.json", "pay2.json"} {
		p := NewPayload("edge-001", map[string]interface{}{"file": name})
		data, _ := json.Marshal(p)
		writeFile(t, filepath.Join(dir, name), data)
	}
	// One malformed file
	writeFile(t, filepath.Join(dir, "broken.json"), []byte("{not json"))

	report, err := MigrateV1Files(b, testLogger())
	if err != nil {
		t.Fatalf("MigrateV1Files: %v", err)
	}
	if report.Migrated != 2 {
		t.Errorf("Migrated = %d, want 2", report.Migrated)
	}
	if report.Quarantined != 1 {
		t.Errorf("Quarantined = %d, want 1", report.Quarantined)
	}

	if got := b.Count(); got != 2 {
		t.Errorf("buffer Count() = %d, want 2", got)
	}

	// Valid files are gone, the malformed one moved to quarantine
	for _, name := range []string{"pay1.json", "pay2.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s should have been removed", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, ".quarantine", "broken.json")); err != nil {
		t.Errorf("broken.json should be in quarantine: %v", err)
	}
}

func TestMigrateV1FilesEmptyDir(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBuffer(filepath.Join(dir, "buffer.db"), 100, testLogger())
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	defer b.Close()

	report, err := MigrateV1Files(b, testLogger())
	if err != nil {
		t.Fatalf("MigrateV1Files: %v", err)
	}
	if report.Migrated != 0 || report.Quarantined != 0 {
		t.Errorf("report = %+v, want zeros", report)
	}
}
