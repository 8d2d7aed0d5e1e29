package util

import (
	"github.com/rs/zerolog"
)

// LogError logs an error with component and operation context.
// fields are alternating key/value pairs.
//
// Example:
//
//	LogError(logger, "handoff", "claim ticket", err, "ticket_id", ticketID)
func LogError(logger zerolog.Logger, component, operation string, err error, fields ...interface{}) {
	evt := logger.Error().Err(err).Str("component", component)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		evt = evt.Interface(key, fields[i+1])
	}
	evt.Msgf("Failed to %s", operation)
}

// LogWarn is LogError at warn level, for failures that do not abort the operation.
func LogWarn(logger zerolog.Logger, component, operation string, err error, fields ...interface{}) {
	evt := logger.Warn().Err(err).Str("component", component)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		evt = evt.Interface(key, fields[i+1])
	}
	evt.Msgf("Failed to %s", operation)
}
