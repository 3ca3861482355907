package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger writes one JSON object per line tagged with the owning service and
// an action name, e.g. {"service":"processor","action":"message_acked",...}.
type Logger struct {
	zl zerolog.Logger
}

func New(service string) *Logger { return NewWithWriter(service, os.Stdout) }

func NewWithWriter(service string, w io.Writer) *Logger {
	zl := zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Str("hostname", hostname()).
		Logger()
	return &Logger{zl: zl}
}

// Nop discards everything. Handy in tests.
func Nop() *Logger { return &Logger{zl: zerolog.Nop()} }

// SetLevel sets the process-wide minimum level ("debug", "info", "warn", "error").
// Unknown values fall back to info.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
}

func (l *Logger) log(ev *zerolog.Event, action string, fields map[string]any) {
	ev.Str("action", action).Fields(fields).Msg(action)
}

func (l *Logger) Debug(action string, fields map[string]any) { l.log(l.zl.Debug(), action, fields) }
func (l *Logger) Info(action string, fields map[string]any)  { l.log(l.zl.Info(), action, fields) }
func (l *Logger) Warn(action string, fields map[string]any)  { l.log(l.zl.Warn(), action, fields) }
func (l *Logger) Error(action string, err error, fields map[string]any) {
	l.log(l.zl.Error().Err(err), action, fields)
}

func hostname() string { h, _ := os.Hostname(); return h }
