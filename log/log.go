// Package log is the runtime's structured logging facade, backed by
// kataras/golog. Log lines carry typed fields for the identifiers the
// runtime cares about: task ids, job ids, queue names, checkpoint threads.
// Components bind their fields once with With and every line they emit
// carries them, so a run's output can be filtered by task or job id.
package log

import (
	"fmt"
	"strings"

	"github.com/kataras/golog"
)

// Field is one key=value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// F builds an arbitrary field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Task tags a line with the task id it concerns.
func Task(id string) Field {
	return Field{Key: "task", Value: id}
}

// Job tags a line with the job id it concerns.
func Job(id string) Field {
	return Field{Key: "job", Value: id}
}

// Queue tags a line with a queue name.
func Queue(name string) Field {
	return Field{Key: "queue", Value: name}
}

// Thread tags a line with a checkpoint thread id.
func Thread(id string) Field {
	return Field{Key: "thread", Value: id}
}

// Attempt tags a line with an attempt number.
func Attempt(n int) Field {
	return Field{Key: "attempt", Value: n}
}

// Err tags a line with an error.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger is the logging surface the runtime depends on.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a logger whose every line carries the given fields.
	With(fields ...Field) Logger
}

// gologLogger renders structured lines through a golog.Logger. Level
// filtering belongs to golog; this type only formats.
type gologLogger struct {
	g     *golog.Logger
	bound []Field
}

// New creates a logger over a fresh golog instance at info level.
func New() Logger {
	g := golog.New()
	g.SetLevel("info")
	return &gologLogger{g: g}
}

// NewWith wraps an existing golog.Logger, so applications can route the
// runtime's lines into their own logging setup.
func NewWith(g *golog.Logger) Logger {
	return &gologLogger{g: g}
}

// With returns a child carrying the extra fields.
func (l *gologLogger) With(fields ...Field) Logger {
	bound := make([]Field, 0, len(l.bound)+len(fields))
	bound = append(bound, l.bound...)
	bound = append(bound, fields...)
	return &gologLogger{g: l.g, bound: bound}
}

func (l *gologLogger) render(msg string, fields []Field) string {
	if len(l.bound) == 0 && len(fields) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for _, f := range l.bound {
		writeField(&sb, f)
	}
	for _, f := range fields {
		writeField(&sb, f)
	}
	return sb.String()
}

func writeField(sb *strings.Builder, f Field) {
	sb.WriteByte(' ')
	sb.WriteString(f.Key)
	sb.WriteByte('=')
	switch v := f.Value.(type) {
	case string:
		if strings.ContainsAny(v, " =") {
			fmt.Fprintf(sb, "%q", v)
		} else {
			sb.WriteString(v)
		}
	case error:
		fmt.Fprintf(sb, "%q", v.Error())
	default:
		fmt.Fprintf(sb, "%v", v)
	}
}

// Debug emits at debug level.
func (l *gologLogger) Debug(msg string, fields ...Field) {
	l.g.Debug(l.render(msg, fields))
}

// Info emits at info level.
func (l *gologLogger) Info(msg string, fields ...Field) {
	l.g.Info(l.render(msg, fields))
}

// Warn emits at warn level.
func (l *gologLogger) Warn(msg string, fields ...Field) {
	l.g.Warn(l.render(msg, fields))
}

// Error emits at error level.
func (l *gologLogger) Error(msg string, fields ...Field) {
	l.g.Error(l.render(msg, fields))
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field)  {}
func (NopLogger) Warn(string, ...Field)  {}
func (NopLogger) Error(string, ...Field) {}

// With returns the logger unchanged.
func (n NopLogger) With(...Field) Logger { return n }

// defaultLogger is the process-wide logger used when a component is not
// given its own.
var defaultLogger = New()

// Default returns the process-wide logger.
func Default() Logger {
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l Logger) {
	defaultLogger = l
}

// SetLevel adjusts the process-wide logger's level when it is
// golog-backed. Accepts golog level names: "debug", "info", "warn",
// "error", "disable".
func SetLevel(level string) {
	if gl, ok := defaultLogger.(*gologLogger); ok {
		gl.g.SetLevel(level)
	}
}
