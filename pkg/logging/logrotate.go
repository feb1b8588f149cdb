package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for the daemon's
// log directory. Rotation is delegated to the system logrotate; the logger
// itself only appends.
func GenerateLogrotateConfig(logDir string) string {
	return fmt.Sprintf(`# Logrotate configuration for edgewarden
# Install: sudo cp this file to /etc/logrotate.d/edgewarden

%s/*.log %s/workers/*.log {
    # Rotate daily
    daily

    # Keep 14 days of logs
    rotate 14

    # Compress old logs
    compress
    delaycompress

    # Don't error if log is missing
    missingok

    # Don't rotate empty logs
    notifempty

    # Create new log with these permissions
    create 0644 root root

    # Run postrotate script only once for all logs
    sharedscripts

    # Reload service after rotation
    postrotate
        systemctl reload edgewarden 2>/dev/null || true
    endscript
}
`, logDir, logDir)
}
