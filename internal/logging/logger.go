// Package logging provides structured logging for the go-sysemu project
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with thread, queue and mapping fields
type Logger struct {
	zlog   zerolog.Logger
	writer *asyncWriter // nil in Sync mode
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// ParseLevel converts "debug", "info", "warn" or "error" to a LogLevel
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // If true, writes are synchronous (useful for testing)
	NoColor bool // If true, disables ANSI color codes (useful for testing)

	// BufferSize is the async queue length in records (default: 1024)
	BufferSize int
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter moves log writes off the mapping and drain paths. Records are
// dropped, and counted, when the queue is full.
type asyncWriter struct {
	out     io.Writer
	ch      chan []byte
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (int, error) {
	// p is reused by zerolog once Write returns
	msg := append([]byte(nil), p...)

	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}
	select {
	case aw.ch <- msg:
	default:
		aw.dropped.Add(1)
	}
	return len(p), nil
}

// Close flushes queued records and stops the writer
func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	l := &Logger{}
	if !config.Sync {
		size := config.BufferSize
		if size <= 0 {
			size = 1024
		}
		l.writer = newAsyncWriter(out, size)
		out = l.writer
	}

	if config.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, NoColor: config.NoColor}
	}
	l.zlog = zerolog.New(out).With().Timestamp().Logger().Level(zerolog.Level(config.Level))
	return l
}

// Close flushes an async logger. Loggers derived with the With methods
// share the writer; close only the root.
func (l *Logger) Close() error {
	if l.writer == nil {
		return nil
	}
	return l.writer.Close()
}

// Dropped returns how many records an async logger discarded because its
// queue was full
func (l *Logger) Dropped() uint64 {
	if l.writer == nil {
		return 0
	}
	return l.writer.dropped.Load()
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) with(ctx zerolog.Context) *Logger {
	return &Logger{zlog: ctx.Logger(), writer: l.writer}
}

// WithThread returns a logger with thread ID context
func (l *Logger) WithThread(threadID uint32) *Logger {
	return l.with(l.zlog.With().Uint32("thread_id", threadID))
}

// WithQueue returns a logger with proxying queue context
func (l *Logger) WithQueue(name string) *Logger {
	return l.with(l.zlog.With().Str("queue", name))
}

// WithMapping returns a logger with mapping address context
func (l *Logger) WithMapping(addr uintptr, length int64) *Logger {
	return l.with(l.zlog.With().Str("addr", hex(addr)).Int64("length", length))
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err))
}

func hex(addr uintptr) string {
	return fmt.Sprintf("0x%x", addr)
}

// MapOp logs a completed mapping syscall at debug level
func (l *Logger) MapOp(op string, addr uintptr, length int64) {
	l.zlog.Debug().
		Str("op", op).
		Str("addr", hex(addr)).
		Int64("length", length).
		Msg("mapping operation completed")
}

// MapError logs a failed mapping syscall
func (l *Logger) MapError(op string, addr uintptr, length int64, err error) {
	l.zlog.Warn().
		Str("op", op).
		Str("addr", hex(addr)).
		Int64("length", length).
		Err(err).
		Msg("mapping operation failed")
}

// TaskRejected logs a proxied task that could not be enqueued
func (l *Logger) TaskRejected(kind string, target uint32) {
	l.zlog.Debug().
		Str("kind", kind).
		Uint32("target", target).
		Msg("proxied task rejected")
}

// emit writes msg with alternating key/value args. A key that is not a
// string, or a trailing key without a value, is logged under "!BADKEY".
func emit(event *zerolog.Event, msg string, args []any) {
	if event == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok || i+1 == len(args) {
			event = event.Interface("!BADKEY", args[i])
			i--
			continue
		}
		switch v := args[i+1].(type) {
		case error:
			event = event.AnErr(key, v)
		case fmt.Stringer:
			event = event.Stringer(key, v)
		default:
			event = event.Interface(key, v)
		}
	}
	event.Msg(msg)
}

// Debug logs msg with key/value args
func (l *Logger) Debug(msg string, args ...any) { emit(l.zlog.Debug(), msg, args) }

// Info logs msg with key/value args
func (l *Logger) Info(msg string, args ...any) { emit(l.zlog.Info(), msg, args) }

// Warn logs msg with key/value args
func (l *Logger) Warn(msg string, args ...any) { emit(l.zlog.Warn(), msg, args) }

// Error logs msg with key/value args
func (l *Logger) Error(msg string, args ...any) { emit(l.zlog.Error(), msg, args) }

// DebugContext is Debug with the thread ID carried by ctx, if any
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.fromContext(ctx).Debug(msg, args...)
}

// WarnContext is Warn with the thread ID carried by ctx, if any
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.fromContext(ctx).Warn(msg, args...)
}

type threadKey struct{}

// ContextWithThread returns ctx carrying a thread ID for the Context methods
func ContextWithThread(ctx context.Context, threadID uint32) context.Context {
	return context.WithValue(ctx, threadKey{}, threadID)
}

func (l *Logger) fromContext(ctx context.Context) *Logger {
	if id, ok := ctx.Value(threadKey{}).(uint32); ok {
		return l.WithThread(id)
	}
	return l
}

// Convenience functions for global logger
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
