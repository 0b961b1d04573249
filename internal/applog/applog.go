// Package applog is the engine's structured logging surface (SPEC_FULL.md
// A.1): a small interface the rest of the engine depends on instead of
// calling zerolog directly, backed by zerolog the way the sibling
// task-queue example's internal/logger package configures it (level
// parsing, optional pretty console output, a timestamp field).
package applog

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger is what the engine's internals depend on. Fields attach
// structured context (task id, queue name, ...) the way zerolog's
// With().Str(...) chain does.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
	WithTask(taskID uuid.UUID) Logger
	WithComponent(component string) Logger
}

// Field is one structured key/value pair.
type Field struct {
	Key   string
	Value interface{}
}

// Str builds a string Field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Int builds an int Field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Zerolog adapts a zerolog.Logger to the Logger interface.
type Zerolog struct {
	z zerolog.Logger
}

// Config controls New's output formatting, mirroring the sibling
// task-queue example's Init(level, pretty).
type Config struct {
	Level  string // "debug", "info", "warn", "error"; defaults to "info"
	Pretty bool
}

// New builds a Zerolog logger writing to stdout, with a console
// formatter when Pretty is set.
func New(cfg Config) *Zerolog {
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	z := zerolog.New(output).With().Timestamp().Logger()
	return &Zerolog{z: z}
}

func apply(e *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		e = e.Interface(f.Key, f.Value)
	}
	return e
}

func (l *Zerolog) Debug(msg string, fields ...Field) { apply(l.z.Debug(), fields).Msg(msg) }
func (l *Zerolog) Info(msg string, fields ...Field)  { apply(l.z.Info(), fields).Msg(msg) }
func (l *Zerolog) Warn(msg string, fields ...Field)  { apply(l.z.Warn(), fields).Msg(msg) }

func (l *Zerolog) Error(msg string, err error, fields ...Field) {
	apply(l.z.Error().Err(err), fields).Msg(msg)
}

func (l *Zerolog) WithTask(taskID uuid.UUID) Logger {
	return &Zerolog{z: l.z.With().Str("task_id", taskID.String()).Logger()}
}

func (l *Zerolog) WithComponent(component string) Logger {
	return &Zerolog{z: l.z.With().Str("component", component).Logger()}
}

var _ Logger = (*Zerolog)(nil)

// Noop discards everything; used by tests and by callers that haven't
// configured a logger.
type Noop struct{}

func (Noop) Debug(string, ...Field)             {}
func (Noop) Info(string, ...Field)              {}
func (Noop) Warn(string, ...Field)              {}
func (Noop) Error(string, error, ...Field)       {}
func (Noop) WithTask(uuid.UUID) Logger           { return Noop{} }
func (Noop) WithComponent(string) Logger         { return Noop{} }

var _ Logger = Noop{}
