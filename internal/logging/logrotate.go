package logging

import (
	"fmt"
	"path/filepath"
)

// GenerateLogrotateConfig creates a logrotate stanza for the supervisor's
// log file. copytruncate is required because the supervisor keeps the file
// open for the lifetime of the process.
func GenerateLogrotateConfig(logPath string) string {
	abs, err := filepath.Abs(logPath)
	if err != nil {
		abs = logPath
	}

	return fmt.Sprintf(`# Logrotate configuration for botkeeper
# Install: sudo cp this file to /etc/logrotate.d/botkeeper

%s {
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

    # Supervisor holds the file open
    copytruncate
}
`, abs)
}
