package telemetry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/edgewarden/edgewarden/pkg/logging"
)

// Record is a buffered payload plus the creation timestamp used as the
// FIFO ordering key for eviction and drain.
type Record struct {
	ID        int64
	Payload   Payload
	CreatedAt float64
}

// Buffer is a durable, bounded, ordered queue of pending payloads backed
// by a single-table sqlite log in WAL mode. Eviction is strict FIFO: once
// the row count exceeds MaxRows, the oldest excess rows are deleted.
//
// A Buffer is exclusively owned by one TelemetryClient; multi-writer
// sharing of the backing file is not supported.
type Buffer struct {
	db      *sql.DB
	path    string
	maxRows int
	logger  *logging.Logger
	mu      sync.Mutex
}

// NewBuffer opens (creating if needed) the sqlite buffer at dbPath.
// maxRows is the FIFO capacity and must be positive.
func NewBuffer(dbPath string, maxRows int, logger *logging.Logger) (*Buffer, error) {
	if maxRows <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", maxRows)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create buffer directory: %w", err)
	}

	// WAL keeps write amplification low on SD-card class storage and the
	// single-connection pool serializes writes to avoid SQLITE_BUSY.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	b := &Buffer{db: db, path: dbPath, maxRows: maxRows, logger: logger}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buffer schema: %w", err)
	}

	logger.Info("Telemetry buffer initialized", map[string]interface{}{
		"path":     dbPath,
		"max_rows": maxRows,
	})
	return b, nil
}

func (b *Buffer) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS telemetry_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload_json TEXT NOT NULL,
		created_at REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_created_at ON telemetry_queue(created_at);
	`
	_, err := b.db.Exec(schema)
	return err
}

// Path returns the backing database path.
func (b *Buffer) Path() string {
	return b.path
}

// Insert persists a payload and enforces the FIFO capacity. The buffer
// never exceeds maxRows after Insert returns.
func (b *Buffer) Insert(p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload %s: %w", p.PayloadID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	createdAt := float64(time.Now().UnixNano()) / 1e9
	if _, err := b.db.Exec(
		"INSERT INTO telemetry_queue (payload_json, created_at) VALUES (?, ?)",
		string(data), createdAt,
	); err != nil {
		return fmt.Errorf("failed to insert payload %s: %w", p.PayloadID, err)
	}

	return b.enforceLimitLocked()
}

// enforceLimitLocked deletes the oldest rows when the count exceeds
// maxRows. Caller must hold b.mu.
func (b *Buffer) enforceLimitLocked() error {
	var count int
	if err := b.db.QueryRow("SELECT COUNT(*) FROM telemetry_queue").Scan(&count); err != nil {
		return fmt.Errorf("failed to count buffered payloads: %w", err)
	}
	if count <= b.maxRows {
		return nil
	}

	excess := count - b.maxRows
	if _, err := b.db.Exec(
		`DELETE FROM telemetry_queue WHERE id IN
		 (SELECT id FROM telemetry_queue ORDER BY created_at ASC, id ASC LIMIT ?)`,
		excess,
	); err != nil {
		return fmt.Errorf("failed to evict %d oldest payloads: %w", excess, err)
	}

	b.logger.Warn("Buffer FIFO eviction", map[string]interface{}{
		"evicted":  excess,
		"max_rows": b.maxRows,
	})
	return nil
}

// Count returns the number of buffered payloads.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var count int
	if err := b.db.QueryRow("SELECT COUNT(*) FROM telemetry_queue").Scan(&count); err != nil {
		return 0
	}
	return count
}

// OldestBatch returns up to limit decodable records, oldest first. A row
// that fails to decode is logged and left in place; it must never block the
// healthy records behind it from draining.
func (b *Buffer) OldestBatch(limit int) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.Query(
		"SELECT id, payload_json, created_at FROM telemetry_queue ORDER BY created_at ASC, id ASC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read buffer batch: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var payloadJSON string
		if err := rows.Scan(&rec.ID, &payloadJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan buffered record: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
			b.logger.Error("Skipping undecodable buffered record", map[string]interface{}{
				"record_id": rec.ID,
				"error":     err.Error(),
			})
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes one record by id.
func (b *Buffer) Delete(id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.db.Exec("DELETE FROM telemetry_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete buffered record %d: %w", id, err)
	}
	return nil
}

// Close closes the backing database.
func (b *Buffer) Close() error {
	return b.db.Close()
}
