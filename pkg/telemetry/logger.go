// Package telemetry provides structured logging for groundctl. All
// engine components log through a Logger so that runs, addresses, and
// provider operations are correlated in the output.
package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures a Logger.
type Options struct {
	// Level is one of trace, debug, info, warn, error. Unrecognized
	// values fall back to warn, the CLI default.
	Level string

	// Format is "console" (human) or "json" (machine).
	Format string

	// Output receives log lines. Defaults to stderr so command output
	// on stdout stays parseable.
	Output io.Writer

	// NoColor disables ANSI colors in console format.
	NoColor bool
}

// Logger wraps zerolog.Logger with groundctl field conventions.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// New creates a logger from options.
func New(opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.Kitchen,
			NoColor:    opts.NoColor,
		}
	}

	zlog := zerolog.New(out).With().Timestamp().Logger().Level(parseLevel(opts.Level))
	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything. Used by tests and as
// the zero-configuration fallback.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// WithContext attaches the logger to a context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext retrieves the logger from a context, or a no-op logger
// when none was attached.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}

// WithComponent returns a child logger tagged with an engine component
// name (parser, graph, planner, executor, state).
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", component).Logger()}
}

// WithRunID tags entries with the apply/plan cycle identifier.
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("run_id", runID).Logger()}
}

// WithAddress tags entries with a resource instance address.
func (l *Logger) WithAddress(address string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("address", address).Logger()}
}

// WithOperation tags entries with a provider operation name.
func (l *Logger) WithOperation(op string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("operation", op).Logger()}
}

// WithField returns a child logger with one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zlog: l.zlog.With().Interface(key, value).Logger()}
}

// WithError attaches an error to subsequent entries.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zlog: l.zlog.With().Err(err).Logger()}
}

func (l *Logger) Trace(msg string) { l.zlog.Trace().Msg(msg) }
func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

func (l *Logger) Tracef(format string, args ...interface{}) { l.zlog.Trace().Msgf(format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zlog.Error().Msgf(format, args...) }

func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.WarnLevel
	}
}
