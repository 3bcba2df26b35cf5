// Package log is a physmem logging wrapper over zerolog
package log

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the application-wide logger.
var Logger zerolog.Logger

// application name injected into every message, set once at startup.
var application = "physmem"

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", application).Logger()
}

// SetApplication sets application name which will be attached to all messages.
func SetApplication(app string) {
	if app == "" {
		return
	}
	application = app
	Logger = Logger.With().Str("service", app).Logger()
}

// SetLevel sets logging level accordingly to passed string value.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		Logger = Logger.Level(zerolog.DebugLevel)
	case "info":
		Logger = Logger.Level(zerolog.InfoLevel)
	case "warn":
		Logger = Logger.Level(zerolog.WarnLevel)
	case "error":
		Logger = Logger.Level(zerolog.ErrorLevel)
	default:
		Logger = Logger.Level(zerolog.InfoLevel)
	}
}

// Debug prints message with DEBUG severity level.
func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

// Debugln prints message with DEBUG severity level.
func Debugln(v ...any) {
	Logger.Debug().Msg(fmt.Sprint(v...))
}

// Debugf prints formatted message with DEBUG severity level.
func Debugf(format string, v ...any) {
	Logger.Debug().Msgf(format, v...)
}

// Info prints message with INFO severity level.
func Info(msg string) {
	Logger.Info().Msg(msg)
}

// Infoln prints message with INFO severity level.
func Infoln(v ...any) {
	Logger.Info().Msg(fmt.Sprint(v...))
}

// Infof prints formatted message with INFO severity level.
func Infof(format string, v ...any) {
	Logger.Info().Msgf(format, v...)
}

// Warn prints message with WARNING severity level.
func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

// Warnln prints message with WARNING severity level.
func Warnln(v ...any) {
	Logger.Warn().Msg(fmt.Sprint(v...))
}

// Warnf prints formatted message with WARNING severity level.
func Warnf(format string, v ...any) {
	Logger.Warn().Msgf(format, v...)
}

// Error prints message with ERROR severity level.
func Error(msg string) {
	Logger.Error().Msg(msg)
}

// Errorln prints message with ERROR severity level.
func Errorln(v ...any) {
	Logger.Error().Msg(fmt.Sprint(v...))
}

// Errorf prints formatted message with ERROR severity level.
func Errorf(format string, v ...any) {
	Logger.Error().Msgf(format, v...)
}
