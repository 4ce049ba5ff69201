package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with the fields this service attaches to
// every grant, token and session event.
type Logger struct {
	logger zerolog.Logger
}

// Config holds logging configuration
type Config struct {
	Level        string // debug, info, warn, error
	Format       string // json, console
	Caller       bool
	TimeFormat   string
	SamplingRate uint32 // sample 1 in N debug messages, 0 disables
	// Output defaults to stdout.
	Output io.Writer
}

func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     "json",
		Caller:     true,
		TimeFormat: time.RFC3339Nano,
	}
}

// New creates a new structured logger
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	var output io.Writer = os.Stdout
	if cfg.Output != nil {
		output = cfg.Output
	}
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		Level(parseLogLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()

	if cfg.Caller {
		logger = logger.With().Caller().Logger()
	}

	if cfg.SamplingRate > 0 {
		logger = logger.Sample(zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.SamplingRate},
		})
	}

	return &Logger{logger: logger}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{logger: fn(l.logger.With()).Logger()}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

// WithComponent tags every line with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", name) })
}

func (l *Logger) WithRequestID(requestID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("request_id", requestID) })
}

func (l *Logger) WithUserID(userID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("user_id", userID) })
}

func (l *Logger) WithClientID(clientID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("client_id", clientID) })
}

func (l *Logger) WithGrantType(grantType string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("grant_type", grantType) })
}

func (l *Logger) WithAuthorizationID(id string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("authorization_id", id) })
}

func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.logger.Debug().Msgf(format, args...) }

func (l *Logger) Info(msg string) { l.logger.Info().Msg(msg) }

func (l *Logger) Infof(format string, args ...interface{}) { l.logger.Info().Msgf(format, args...) }

func (l *Logger) Warn(msg string) { l.logger.Warn().Msg(msg) }

func (l *Logger) Warnf(format string, args ...interface{}) { l.logger.Warn().Msgf(format, args...) }

func (l *Logger) Error(msg string) { l.logger.Error().Msg(msg) }

func (l *Logger) Errorf(format string, args ...interface{}) { l.logger.Error().Msgf(format, args...) }

// Event is a chained log entry.
type Event struct {
	event *zerolog.Event
}

func (l *Logger) DebugEvent() *Event { return &Event{event: l.logger.Debug()} }

func (l *Logger) InfoEvent() *Event { return &Event{event: l.logger.Info()} }

func (l *Logger) WarnEvent() *Event { return &Event{event: l.logger.Warn()} }

func (l *Logger) ErrorEvent() *Event { return &Event{event: l.logger.Error()} }

func (e *Event) Str(key, val string) *Event {
	e.event = e.event.Str(key, val)
	return e
}

func (e *Event) Strs(key string, vals []string) *Event {
	e.event = e.event.Strs(key, vals)
	return e
}

func (e *Event) Int(key string, val int) *Event {
	e.event = e.event.Int(key, val)
	return e
}

func (e *Event) Int64(key string, val int64) *Event {
	e.event = e.event.Int64(key, val)
	return e
}

func (e *Event) Dur(key string, val time.Duration) *Event {
	e.event = e.event.Dur(key, val)
	return e
}

func (e *Event) Time(key string, val time.Time) *Event {
	e.event = e.event.Time(key, val)
	return e
}

func (e *Event) Err(err error) *Event {
	e.event = e.event.Err(err)
	return e
}

func (e *Event) Bool(key string, val bool) *Event {
	e.event = e.event.Bool(key, val)
	return e
}

func (e *Event) Interface(key string, val interface{}) *Event {
	e.event = e.event.Interface(key, val)
	return e
}

func (e *Event) Msg(msg string) { e.event.Msg(msg) }

func (e *Event) Msgf(format string, args ...interface{}) { e.event.Msgf(format, args...) }

// Zerolog exposes the underlying logger for libraries that take one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}
