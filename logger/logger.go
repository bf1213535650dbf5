// Package logger provides the structured logging interface used across the
// server, backed by zerolog, with optional daily file rotation.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Field represents a key-value pair for structured log output.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Logger is the structured logging interface. Implementations write entries
// at the usual levels and support attaching contextual fields; With derives
// a logger whose entries all carry the given fields.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a Logger that includes the given fields in every entry.
	// The receiver is unchanged.
	With(fields ...Field) Logger

	// Close releases resources held by the logger (file handles). It is
	// safe to call multiple times.
	Close() error
}

type zerologLogger struct {
	logger zerolog.Logger
	files  *dailyWriter
}

// New wraps a zerolog.Logger, stamping every entry with the service name and
// a timestamp and filtering below level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap (e.g. zerolog.New(os.Stdout))
//   - service: Service name added to every entry
//   - level: Minimum level to emit
//
// Returns:
//   - A Logger writing through the given zerolog instance
func New(l zerolog.Logger, service string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", service).Timestamp().Logger().Level(level),
	}
}

// NewFile creates a Logger that writes to stdout and to daily-rotated files
// named {service}_{date}.log in dir, which is created if missing.
//
// Parameters:
//   - service: Service name used in entries and file names
//   - dir: Directory for log files
//   - level: Minimum level to emit
//
// Returns:
//   - The Logger, or an error if the directory or initial file cannot be opened
func NewFile(service, dir string, level zerolog.Level) (Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logger: create %s: %w", dir, err)
	}

	files := &dailyWriter{service: service, dir: dir}
	if err := files.rotate(time.Now()); err != nil {
		return nil, err
	}

	multi := io.MultiWriter(os.Stdout, files)
	return &zerologLogger{
		logger: zerolog.New(multi).With().Str("service", service).Timestamp().Logger().Level(level),
		files:  files,
	}, nil
}

// Nop returns a Logger that discards everything. Intended for tests.
func Nop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// Debug implements Logger.
func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

// Info implements Logger.
func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

// Warn implements Logger.
func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

// Error implements Logger.
func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With implements Logger. Derived loggers never own the file writer.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger: z.logger.With().Fields(toMap(fields)).Logger(),
	}
}

// Close implements Logger.
func (z *zerologLogger) Close() error {
	if z.files != nil {
		return z.files.Close()
	}

	return nil
}

// toMap converts a slice of Field into a map for zerolog.
func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}

// dailyWriter writes to {service}_{date}.log and switches files on the first
// write of a new day. Safe for concurrent use.
type dailyWriter struct {
	service string
	dir     string

	mu       sync.Mutex
	file     *os.File
	currDate string
}

// Write implements io.Writer, rotating to a new file when the date changes.
func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if w.file == nil || now.Format("2006-01-02") != w.currDate {
		if err := w.rotateLocked(now); err != nil {
			return 0, err
		}
	}

	return w.file.Write(p)
}

// Close closes the current log file. Subsequent writes reopen it.
func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	err := w.file.Close()
	w.file = nil
	return err
}

func (w *dailyWriter) rotate(now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked(now)
}

func (w *dailyWriter) rotateLocked(now time.Time) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	date := now.Format("2006-01-02")
	name := filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logger: open %s: %w", name, err)
	}

	w.file = f
	w.currDate = date
	return nil
}
