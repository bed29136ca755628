package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a thin structured wrapper over zerolog.
type Logger struct {
	zl zerolog.Logger
}

// Config controls level, encoding and destination.
type Config struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" default:"console" validate:"oneof=console json"`
	Output     string `yaml:"output" default:"stderr"`
	TimeFormat string `yaml:"time_format"`
}

// New builds a Logger from cfg. Output is stdout, stderr or a file path.
func New(cfg *Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var output io.Writer
	switch cfg.Output {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("could not open log file: %w", err)
		}
		output = file
	}

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = timeFormat

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: timeFormat}
	}

	zl := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
	return &Logger{zl: zl}, nil
}

// NewWriter logs JSON lines to w at debug level. Tests use it to inspect events.
func NewWriter(w io.Writer) *Logger {
	return &Logger{zl: zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger carrying fields on every event.
func (l *Logger) With(fields ...Field) *Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = f.addToContext(ctx)
	}
	return &Logger{zl: ctx.Logger()}
}

func (l *Logger) Debug(msg string, fields ...Field) { emit(l.zl.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { emit(l.zl.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { emit(l.zl.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { emit(l.zl.Error(), msg, fields) }

func emit(event *zerolog.Event, msg string, fields []Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		f.addTo(event)
	}
	event.Msg(msg)
}

// Field is a typed key/value attached to an event.
type Field struct {
	key   string
	kind  byte
	str   string
	num   int64
	flag  bool
	err   error
	value any
}

const (
	kindString = iota
	kindInt
	kindBool
	kindErr
	kindDur
	kindAny
)

func (f Field) addTo(e *zerolog.Event) {
	switch f.kind {
	case kindString:
		e.Str(f.key, f.str)
	case kindInt:
		e.Int64(f.key, f.num)
	case kindBool:
		e.Bool(f.key, f.flag)
	case kindErr:
		e.AnErr(f.key, f.err)
	case kindDur:
		e.Dur(f.key, time.Duration(f.num))
	default:
		e.Interface(f.key, f.value)
	}
}

func (f Field) addToContext(c zerolog.Context) zerolog.Context {
	switch f.kind {
	case kindString:
		return c.Str(f.key, f.str)
	case kindInt:
		return c.Int64(f.key, f.num)
	case kindBool:
		return c.Bool(f.key, f.flag)
	case kindErr:
		return c.AnErr(f.key, f.err)
	case kindDur:
		return c.Dur(f.key, time.Duration(f.num))
	default:
		return c.Interface(f.key, f.value)
	}
}

func String(key, value string) Field  { return Field{key: key, kind: kindString, str: value} }
func Int(key string, value int) Field { return Field{key: key, kind: kindInt, num: int64(value)} }
func Bool(key string, value bool) Field {
	return Field{key: key, kind: kindBool, flag: value}
}
func Err(err error) Field { return Field{key: "error", kind: kindErr, err: err} }
func Duration(key string, value time.Duration) Field {
	return Field{key: key, kind: kindDur, num: int64(value)}
}
func Any(key string, value any) Field { return Field{key: key, kind: kindAny, value: value} }

// Strings joins values with a comma.
func Strings(key string, values []string) Field {
	return String(key, strings.Join(values, ","))
}
