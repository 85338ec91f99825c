package logger

import (
	"io"
	"os"
	"strings"
	"time"

	config "github.com/deerfields/molls-sub000/src/production/MQT.Config"
	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with component and device scoping
type Logger struct {
	*zerolog.Logger
}

// NewLogger creates the hub logger from configuration. The global zerolog
// logger is left untouched.
func NewLogger(cfg *config.LoggingConfig) *Logger {
	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	return NewWithWriter(cfg, out)
}

// NewWithWriter is NewLogger writing to w
func NewWithWriter(cfg *config.LoggingConfig, w io.Writer) *Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(w).Level(level).With().Timestamp().Str("service", "iot-hub")
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	l := ctx.Logger()
	return &Logger{&l}
}

// Nop returns a logger that discards everything, used by tests
func Nop() *Logger {
	l := zerolog.Nop()
	return &Logger{&l}
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	child := fn(l.Logger.With()).Logger()
	return &Logger{&child}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

// WithDevice scopes the logger to one device
func (l *Logger) WithDevice(mallID, deviceID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("mall_id", mallID).Str("device_id", deviceID)
	})
}

// WithComponent tags every entry with the emitting hub component
func (l *Logger) WithComponent(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

func (l *Logger) FatalWithError(err error, msg string) {
	l.Logger.Fatal().Err(err).Msg(msg)
}

func (l *Logger) ErrorWithError(err error, msg string) {
	l.Logger.Error().Err(err).Msg(msg)
}

func (l *Logger) Error(msg string) {
	l.Logger.Error().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}
