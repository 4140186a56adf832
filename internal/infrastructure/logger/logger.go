package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New creates a console logger with timestamp and caller at the given level
func New(level string) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLogLevel(level))

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().
		Timestamp().
		Caller().
		Logger()
}

// ForAccount derives an account-scoped logger
func ForAccount(logger zerolog.Logger, accountKey, network string) zerolog.Logger {
	return logger.With().
		Str("account_key", accountKey).
		Str("network", network).
		Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
