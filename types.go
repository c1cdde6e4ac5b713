package accounts

import (
	"context"
	"fmt"
	"strings"
)

// Logger is the structured, leveled logger used across the package.
// Messages are constant strings and args are key/value pairs.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// LoggerProvider hands out named loggers.
type LoggerProvider interface {
	GetLogger(name string) Logger
}

// LoggerProviderFunc adapts a function to LoggerProvider.
type LoggerProviderFunc func(name string) Logger

// GetLogger implements LoggerProvider.
func (f LoggerProviderFunc) GetLogger(name string) Logger {
	if f == nil {
		return nil
	}
	return f(name)
}

// ProviderFromLogger returns a provider that always yields logger.
func ProviderFromLogger(logger Logger) LoggerProvider {
	return LoggerProviderFunc(func(string) Logger { return logger })
}

// ResolveLogger returns the provider and the scoped logger for name.
// The fallback is used when the provider is nil or does not know name.
func ResolveLogger(name string, provider LoggerProvider, fallback Logger) (LoggerProvider, Logger) {
	if fallback == nil {
		fallback = defaultLogger()
	}

	if provider == nil {
		return ProviderFromLogger(fallback), fallback
	}

	logger := provider.GetLogger(name)
	if logger == nil {
		return ProviderFromLogger(fallback), fallback
	}

	return provider, logger
}

type defLogger struct {
	prefix string
}

func defaultLogger() Logger {
	return defLogger{prefix: "ACCOUNTS"}
}

func (d defLogger) Trace(msg string, args ...any) { d.print("TRC", msg, args...) }
func (d defLogger) Debug(msg string, args ...any) { d.print("DBG", msg, args...) }
func (d defLogger) Info(msg string, args ...any)  { d.print("INF", msg, args...) }
func (d defLogger) Warn(msg string, args ...any)  { d.print("WRN", msg, args...) }
func (d defLogger) Error(msg string, args ...any) { d.print("ERR", msg, args...) }

// Fatal logs at error level. The library never exits the process.
func (d defLogger) Fatal(msg string, args ...any) { d.print("FTL", msg, args...) }

func (d defLogger) WithContext(context.Context) Logger { return d }

func (d defLogger) print(level, msg string, args ...any) {
	fmt.Printf("[%s] %s %s%s\n", level, d.prefix, msg, formatArgs(args))
}

func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(args); i += 2 {
		b.WriteString(" ")
		if i+1 >= len(args) {
			fmt.Fprintf(&b, "%v", args[i])
			break
		}
		fmt.Fprintf(&b, "%v=%v", args[i], args[i+1])
	}
	return b.String()
}
