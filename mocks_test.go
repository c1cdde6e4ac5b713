package accounts_test

import (
	"context"
	"sync"

	"github.com/goliatone/go-accounts"
	"github.com/stretchr/testify/mock"
)

// MockRepository implements accounts.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateOrUpdateAccountSession(ctx context.Context, account *accounts.Account, session *accounts.Session) error {
	args := m.Called(ctx, account, session)
	return args.Error(0)
}

func (m *MockRepository) GetAccount(ctx context.Context, userID accounts.UserID) (*accounts.Account, error) {
	args := m.Called(ctx, userID)
	return accountArg(args, 0), args.Error(1)
}

func (m *MockRepository) GetAccountBySession(ctx context.Context, sessionID accounts.SessionID) (*accounts.Account, error) {
	args := m.Called(ctx, sessionID)
	return accountArg(args, 0), args.Error(1)
}

func (m *MockRepository) GetAccounts(ctx context.Context) ([]*accounts.Account, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).([]*accounts.Account)
	return list, args.Error(1)
}

func (m *MockRepository) GetSession(ctx context.Context, sessionID accounts.SessionID) (*accounts.Session, error) {
	args := m.Called(ctx, sessionID)
	return sessionArg(args, 0), args.Error(1)
}

func (m *MockRepository) GetSessions(ctx context.Context) ([]*accounts.Session, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).([]*accounts.Session)
	return list, args.Error(1)
}

func (m *MockRepository) UpdateAccountState(ctx context.Context, userID accounts.UserID, state accounts.AccountState) error {
	args := m.Called(ctx, userID, state)
	return args.Error(0)
}

func (m *MockRepository) UpdateSessionState(ctx context.Context, sessionID accounts.SessionID, state accounts.SessionState) error {
	args := m.Called(ctx, sessionID, state)
	return args.Error(0)
}

func (m *MockRepository) UpdateAccountSession(ctx context.Context, userID accounts.UserID, opts ...accounts.UpdateOption) (*accounts.Account, *accounts.Session, error) {
	args := m.Called(ctx, userID, opts)
	return accountArg(args, 0), sessionArg(args, 1), args.Error(2)
}

func (m *MockRepository) DeleteSession(ctx context.Context, sessionID accounts.SessionID) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *MockRepository) DeleteAccount(ctx context.Context, userID accounts.UserID) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockRepository) Changes(ctx context.Context) *accounts.Subscription[accounts.ChangeEvent] {
	return accounts.NewBroadcaster[accounts.ChangeEvent]().Subscribe(ctx)
}

func accountArg(args mock.Arguments, i int) *accounts.Account {
	account, _ := args.Get(i).(*accounts.Account)
	return account
}

func sessionArg(args mock.Arguments, i int) *accounts.Session {
	session, _ := args.Get(i).(*accounts.Session)
	return session
}

// MockRevoker implements accounts.SessionRevoker
type MockRevoker struct {
	mock.Mock
}

func (m *MockRevoker) RevokeSession(ctx context.Context, sessionID accounts.SessionID) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

type logCall struct {
	level   string
	message string
	args    []any
}

type captureLogger struct {
	mu    sync.Mutex
	calls []logCall
}

func (l *captureLogger) record(level, message string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, logCall{level: level, message: message, args: args})
}

func (l *captureLogger) Trace(message string, args ...any) { l.record("trace", message, args...) }
func (l *captureLogger) Debug(message string, args ...any) { l.record("debug", message, args...) }
func (l *captureLogger) Info(message string, args ...any)  { l.record("info", message, args...) }
func (l *captureLogger) Warn(message string, args ...any)  { l.record("warn", message, args...) }
func (l *captureLogger) Error(message string, args ...any) { l.record("error", message, args...) }
func (l *captureLogger) Fatal(message string, args ...any) { l.record("fatal", message, args...) }
func (l *captureLogger) WithContext(context.Context) accounts.Logger {
	return l
}

func (l *captureLogger) byLevel(level string) []logCall {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []logCall
	for _, call := range l.calls {
		if call.level == level {
			out = append(out, call)
		}
	}
	return out
}
