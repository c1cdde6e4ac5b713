package accounts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedLogger struct {
	name  string
	warns []string
}

func (l *namedLogger) Trace(string, ...any)               {}
func (l *namedLogger) Debug(string, ...any)               {}
func (l *namedLogger) Info(string, ...any)                {}
func (l *namedLogger) Warn(msg string, _ ...any)          { l.warns = append(l.warns, msg) }
func (l *namedLogger) Error(string, ...any)               {}
func (l *namedLogger) Fatal(string, ...any)               {}
func (l *namedLogger) WithContext(context.Context) Logger { return l }

func TestResolveLoggerUsesProviderName(t *testing.T) {
	var asked []string
	provider := LoggerProviderFunc(func(name string) Logger {
		asked = append(asked, name)
		return &namedLogger{name: name}
	})

	_, logger := ResolveLogger("accounts.manager", provider, nil)
	named, ok := logger.(*namedLogger)
	require.True(t, ok)
	assert.Equal(t, "accounts.manager", named.name)
	assert.Equal(t, []string{"accounts.manager"}, asked)
}

func TestResolveLoggerFallsBack(t *testing.T) {
	fallback := &namedLogger{name: "fallback"}

	_, logger := ResolveLogger("x", nil, fallback)
	assert.Same(t, fallback, logger)

	empty := LoggerProviderFunc(func(string) Logger { return nil })
	provider, logger := ResolveLogger("x", empty, fallback)
	assert.Same(t, fallback, logger)
	assert.Same(t, fallback, provider.GetLogger("anything"))

	_, logger = ResolveLogger("x", nil, nil)
	assert.NotNil(t, logger)
}

func TestManagerLoggerProviderOption(t *testing.T) {
	named := &namedLogger{}
	provider := LoggerProviderFunc(func(name string) Logger {
		named.name = name
		return named
	})

	m := NewAccountManager(ProductMail, NewMemoryRepository(), WithManagerLoggerProvider(provider)).(*accountManager)
	defer m.Close()

	assert.Same(t, named, m.logger)
	assert.Equal(t, "accounts.manager", named.name)
}

func TestFormatArgs(t *testing.T) {
	assert.Equal(t, "", formatArgs(nil))
	assert.Equal(t, " user_id=u1 state=Ready", formatArgs([]any{"user_id", "u1", "state", AccountStateReady}))
	assert.Equal(t, " dangling", formatArgs([]any{"dangling"}))
}
