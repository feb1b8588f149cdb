package telemetry

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/edgewarden/edgewarden/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.ERROR, false)
}

func newTestBuffer(t *testing.T, maxRows int) *Buffer {
	t.Helper()
	b, err := NewBuffer(filepath.Join(t.TempDir(), "buffer.db"), maxRows, testLogger())
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBufferRejectsNonPositiveCapacity(t *testing.T) {
	_, err := NewBuffer(filepath.Join(t.TempDir(), "buffer.db"), 0, testLogger())
	if err == nil {
		t.Fatal("NewBuffer with capacity 0 should fail")
	}
}

func TestBufferRoundTrip(t *testing.T) {
	b := newTestBuffer(t, 10)

	in := NewPayload("edge-001", map[string]interface{}{"event": "test", "value": 42.0})
	if err := b.Insert(in); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := b.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}

	records, err := b.OldestBatch(10)
	if err != nil {
		t.Fatalf("OldestBatch: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}

	out := records[0].Payload
	if out.PayloadID != in.PayloadID {
		t.Errorf("PayloadID = %q, want %q", out.PayloadID, in.PayloadID)
	}
	if out.DeviceID != in.DeviceID {
		t.Errorf("DeviceID = %q, want %q", out.DeviceID, in.DeviceID)
	}
	if out.Data["event"] != "test" || out.Data["value"] != 42.0 {
		t.Errorf("Data = %v, want event/value preserved", out.Data)
	}
}

func TestBufferEvictsOldestAboveCapacity(t *testing.T) {
	b := newTestBuffer(t, 50)

	// Insert 60 payloads; the 10 oldest must be evicted
	for i := 0; i < 60; i++ {
		p := NewPayload("edge-001", map[string]interface{}{"seq": fmt.Sprintf("%02d", i)})
		if err := b.Insert(p); err != nil {
			t.Fatalf("Insert #%d: %v", i, err)
		}
	}

	if got := b.Count(); got != 50 {
		t.Fatalf("Count() = %d, want 50", got)
	}

	records, err := b.OldestBatch(60)
	if err != nil {
		t.Fatalf("OldestBatch: %v", err)
	}
	if len(records) != 50 {
		t.Fatalf("len(records) = %d, want 50", len(records))
	}

	// Survivors are exactly 10..59 in insertion order
	for i, rec := range records {
		want := fmt.Sprintf("%02d", i+10)
		if got := rec.Payload.Data["seq"]; got != want {
			t.Fatalf("record %d seq = %v, want %v", i, got, want)
		}
	}
}

func TestBufferDelete(t *testing.T) {
	b := newTestBuffer(t, 10)

	for i := 0; i < 3; i++ {
		if err := b.Insert(NewPayload("edge-001", map[string]interface{}{"i": i})); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	records, err := b.OldestBatch(1)
	if err != nil {
		t.Fatalf("OldestBatch: %v", err)
	}
	if err := b.Delete(records[0].ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := b.Count(); got != 2 {
		t.Errorf("Count() after delete = %d, want 2", got)
	}
}

func TestOldestBatchSkipsUndecodableRow(t *testing.T) {
	b := newTestBuffer(t, 10)

	// A corrupted row, older than everything else (partial write, v1
	// artifact). It must be skipped and left in place, never poison the
	// read of the healthy rows behind it.
	if _, err := b.db.Exec(
		"INSERT INTO telemetry_queue (payload_json, created_at) VALUES (?, ?)",
		"{not json", 1.0,
	); err != nil {
		t.Fatalf("insert corrupted row: %v", err)
	}

	in := NewPayload("edge-001", map[string]interface{}{"event": "healthy"})
	if err := b.Insert(in); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	records, err := b.OldestBatch(10)
	if err != nil {
		t.Fatalf("OldestBatch: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1 (corrupted row skipped)", len(records))
	}
	if records[0].Payload.PayloadID != in.PayloadID {
		t.Errorf("PayloadID = %q, want %q", records[0].Payload.PayloadID, in.PayloadID)
	}

	// The corrupted row stays in the table
	if got := b.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}

func TestBufferSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buffer.db")

	b, err := NewBuffer(path, 10, testLogger())
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	in := NewPayload("edge-001", map[string]interface{}{"event": "persisted"})
	if err := b.Insert(in); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen, as after a device reboot
	b2, err := NewBuffer(path, 10, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()

	if got := b2.Count(); got != 1 {
		t.Fatalf("Count() after reopen = %d, want 1", got)
	}
	records, err := b2.OldestBatch(1)
	if err != nil {
		t.Fatalf("OldestBatch: %v", err)
	}
	if records[0].Payload.PayloadID != in.PayloadID {
		t.Errorf("PayloadID = %q, want %q", records[0].Payload.PayloadID, in.PayloadID)
	}
}
