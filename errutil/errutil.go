package errutil

import (
	"fmt"

	"github.com/decred/slog"
)

// LogError logs non-critical errors with context.
func LogError(log slog.Logger, context string, err error) {
	if err != nil {
		log.Errorf("[%s]: %v", context, err)
	}
}

// LogWarn logs a recoverable condition with context.
func LogWarn(log slog.Logger, context string, format string, args ...interface{}) {
	log.Warnf("[%s]: %s", context, fmt.Sprintf(format, args...))
}
