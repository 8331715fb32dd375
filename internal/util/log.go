// Package util provides shared logging, network-interface, socket and
// statistics helpers.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

// logger is the process-wide pterm logger. All output goes to stderr
// (pterm's default); nothing in the protocol code depends on log output for
// control flow.
var logger = pterm.DefaultLogger.
	WithTime(true).
	WithTimeFormat("02 Jan 15:04:05").
	WithMaxWidth(1000)

func LogDebug(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...))
}

// LogSuccess marks session milestones (handshake answered, file landed,
// conversion done) so they stand out from ordinary progress lines.
func LogSuccess(format string, args ...any) {
	logger.Info(pterm.Green("✔ ") + fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug lowers the logger threshold so per-datagram drops and decode
// failures become visible.
func EnableDebug() {
	logger.Level = pterm.LogLevelDebug
}
