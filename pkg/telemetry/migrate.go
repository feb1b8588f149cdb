package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/edgewarden/edgewarden/pkg/logging"
)

// MigrationReport summarizes a v1 buffer migration run.
type MigrationReport struct {
	Migrated    int
	Quarantined int
}

// MigrateV1Files imports legacy one-file-per-payload records into the
// sqlite buffer. Every *.json file in the buffer directory is validated,
// inserted (with the import time as its FIFO key) and removed. Malformed
// files are never deleted: they are moved into a .quarantine subdirectory
// with a collision-safe rename, and counted separately from successes.
func MigrateV1Files(buffer *Buffer, logger *logging.Logger) (MigrationReport, error) {
	var report MigrationReport

	bufferDir := filepath.Dir(buffer.Path())
	files, err := filepath.Glob(filepath.Join(bufferDir, "*.json"))
	if err != nil {
		return report, fmt.Errorf("failed to scan %s: %w", bufferDir, err)
	}
	if len(files) == 0 {
		logger.Info("No legacy payload files to migrate", map[string]interface{}{
			"dir": bufferDir,
		})
		return report, nil
	}

	logger.Info("Migrating legacy payload files", map[string]interface{}{
		"dir":   bufferDir,
		"count": len(files),
	})

	quarantineDir := filepath.Join(bufferDir, ".quarantine")
	for _, file := range files {
		if err := migrateOne(buffer, file); err != nil {
			logger.Error("Failed to migrate legacy payload", map[string]interface{}{
				"file":  filepath.Base(file),
				"error": err.Error(),
			})
			report.Quarantined++
			if qErr := quarantine(file, quarantineDir); qErr != nil {
				logger.Error("Failed to quarantine legacy payload", map[string]interface{}{
					"file":  filepath.Base(file),
					"error": qErr.Error(),
				})
			}
			continue
		}
		report.Migrated++
	}

	logger.Info("Migration finished", map[string]interface{}{
		"migrated":    report.Migrated,
		"quarantined": report.Quarantined,
	})
	return report, nil
}

func migrateOne(buffer *Buffer, file string) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	var payload Payload
	if err := json.Unmarshal(content, &payload); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	if err := buffer.Insert(payload); err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	return os.Remove(file)
}

// quarantine moves a malformed file aside, appending a timestamp when the
// destination name is already taken.
func quarantine(file, quarantineDir string) error {
	if err := os.MkdirAll(quarantineDir, 0o755); err != nil {
		return err
	}

	dest := filepath.Join(quarantineDir, filepath.Base(file))
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(dest)
		stem := dest[:len(dest)-len(ext)]
		dest = fmt.Sprintf("%s_%d%s", stem, time.Now().Unix(), ext)
	}

	return os.Rename(file, dest)
}
