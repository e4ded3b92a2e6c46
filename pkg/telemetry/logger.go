package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger carrying lifecycle fields. Every With* method
// returns a child; the receiver is never modified.
type Logger struct {
	zlog zerolog.Logger
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, err := openSink(cfg.Sink)
	if err != nil {
		return nil, err
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	zctx := zerolog.New(w).Level(levelOf(cfg.Level)).With().Timestamp()
	if cfg.Caller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	if cfg.BurstPerSecond > 0 {
		every := cfg.SampleEvery
		if every < 1 {
			every = 1
		}
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.BurstPerSecond),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(every)},
		})
	}
	return &Logger{zlog: zlog}, nil
}

func openSink(sink string) (io.Writer, error) {
	switch sink {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(sink, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log sink: %w", err)
	}
	return f, nil
}

// NewWriterLogger returns a JSON logger writing to w.
func NewWriterLogger(w io.Writer, level string) *Logger {
	return &Logger{zlog: zerolog.New(w).Level(levelOf(level)).With().Timestamp().Logger()}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

func (l *Logger) child(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// NewComponentLogger tags every entry with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithField adds one field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithFields adds several fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

func (l *Logger) WithSessionID(id string) *Logger { return l.str("session_id", id) }
func (l *Logger) WithRole(role string) *Logger    { return l.str("role", role) }
func (l *Logger) WithPhase(phase string) *Logger  { return l.str("phase", phase) }
func (l *Logger) WithWorker(name string) *Logger  { return l.str("worker", name) }

// WithProvider tags entries with the provider serving role.
func (l *Logger) WithProvider(name, role string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context {
		return c.Str("provider_name", name).Str("role", role)
	})
}

// WithError attaches err under the "error" key.
func (l *Logger) WithError(err error) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) str(key, value string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Str(key, value) })
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

// levelOf maps a level name to zerolog, defaulting to info.
func levelOf(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
