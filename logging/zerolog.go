// Package logging adapts zerolog to the accounts.Logger interface.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	accounts "github.com/goliatone/go-accounts"
	"github.com/rs/zerolog"
)

// New builds the console zerolog logger used by the binaries.
func New(environment, level string) zerolog.Logger {
	return NewWithWriter(os.Stdout, environment, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(out io.Writer, environment, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    environment == "production",
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
		if environment != "production" {
			lvl = zerolog.DebugLevel
		}
	}

	return zerolog.New(output).Level(lvl).With().
		Timestamp().
		Str("env", environment).
		Logger()
}

// Logger implements accounts.Logger on top of zerolog.
type Logger struct {
	zl zerolog.Logger
}

var _ accounts.Logger = Logger{}

// Wrap returns an accounts.Logger writing to zl.
func Wrap(zl zerolog.Logger) Logger {
	return Logger{zl: zl}
}

func (l Logger) Trace(msg string, args ...any) { l.emit(l.zl.Trace(), msg, args) }
func (l Logger) Debug(msg string, args ...any) { l.emit(l.zl.Debug(), msg, args) }
func (l Logger) Info(msg string, args ...any)  { l.emit(l.zl.Info(), msg, args) }
func (l Logger) Warn(msg string, args ...any)  { l.emit(l.zl.Warn(), msg, args) }
func (l Logger) Error(msg string, args ...any) { l.emit(l.zl.Error(), msg, args) }

// Fatal logs at fatal level without exiting. Exiting is left to main.
func (l Logger) Fatal(msg string, args ...any) { l.emit(l.zl.WithLevel(zerolog.FatalLevel), msg, args) }

// WithContext attaches ctx so hooks can read request scoped values.
func (l Logger) WithContext(ctx context.Context) accounts.Logger {
	return Logger{zl: l.zl.With().Ctx(ctx).Logger()}
}

func (l Logger) emit(ev *zerolog.Event, msg string, args []any) {
	if ev == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			ev = ev.Interface("extra", args[i])
			break
		}
		key := fmt.Sprint(args[i])
		switch v := args[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case fmt.Stringer:
			ev = ev.Str(key, v.String())
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}

// Provider hands out loggers tagged with their scope name.
type Provider struct {
	root zerolog.Logger
}

var _ accounts.LoggerProvider = Provider{}

// NewProvider returns a provider rooted at zl.
func NewProvider(zl zerolog.Logger) Provider {
	return Provider{root: zl}
}

// GetLogger implements accounts.LoggerProvider.
func (p Provider) GetLogger(name string) accounts.Logger {
	return Logger{zl: p.root.With().Str("logger", name).Logger()}
}
