// Package logger provides structured logging for madengine
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with madengine-specific functionality
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	// Set global log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty printing for development
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	// Create logger
	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "madengine").
		Logger()

	// Add caller information if requested
	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// AllocLogger returns a logger scoped to allocator operations:
// allocation, recycling, free-list persistence.
func (l *Logger) AllocLogger() *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "allocator").
			Logger(),
	}
}

// DispatchLogger returns a logger scoped to one dispatcher core.
func (l *Logger) DispatchLogger(core int) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "dispatcher").
			Int("core", core).
			Logger(),
	}
}

// ChunkLogger returns a logger scoped to one chunk operation.
func (l *Logger) ChunkLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "chunkio").
			Str("operation", operation).
			Logger(),
	}
}

// ReactorLogger returns a logger scoped to engine lifecycle events:
// init/reload, ready, finish.
func (l *Logger) ReactorLogger() *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "reactor").
			Logger(),
	}
}

// LogChunkOp logs a completed chunk operation with structured fields.
func (l *Logger) LogChunkOp(operation, chunk string, duration time.Duration, err error) {
	event := l.zlog.Debug().
		Str("component", "chunkio").
		Str("operation", operation).
		Str("chunk", chunk).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "chunkio").
			Str("operation", operation).
			Str("chunk", chunk).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("chunk operation completed")
}

// LogReconciledReservation logs one orphaned allocator reservation
// freed back into the global free list on reload.
func (l *Logger) LogReconciledReservation(reservationID uint64, chunk string) {
	l.zlog.Warn().
		Str("component", "reactor").
		Uint64("reservation_id", reservationID).
		Str("chunk", chunk).
		Msg("freed orphaned allocator reservation on reload")
}

// LogEngineStart logs engine startup.
func (l *Logger) LogEngineStart(appName string, isReload bool) {
	l.zlog.Info().
		Str("event", "engine_start").
		Str("app", appName).
		Bool("is_reload", isReload).
		Msg("madengine starting")
}

// LogEngineReady logs when the engine is ready to accept calls.
func (l *Logger) LogEngineReady() {
	l.zlog.Info().
		Str("event", "engine_ready").
		Msg("madengine ready to accept calls")
}

// LogEngineShutdown logs engine shutdown.
func (l *Logger) LogEngineShutdown() {
	l.zlog.Info().
		Str("event", "engine_shutdown").
		Msg("madengine shutting down")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		// Initialize with defaults if not set
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
