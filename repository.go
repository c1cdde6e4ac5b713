package accounts

import (
	"context"
	"time"
)

// ChangeKind classifies repository change events.
type ChangeKind string

const (
	ChangeAccountChanged ChangeKind = "account.changed"
	ChangeSessionChanged ChangeKind = "session.changed"
	ChangeAccountRemoved ChangeKind = "account.removed"
	ChangeSessionRemoved ChangeKind = "session.removed"
)

// ChangeEvent is emitted by a Repository after a write commits.
type ChangeEvent struct {
	Kind       ChangeKind
	UserID     UserID
	SessionID  SessionID
	OccurredAt time.Time
}

// Repository owns durable storage of accounts and sessions. Implementations
// must make every write all-or-nothing and publish change events only after
// the write commits.
type Repository interface {
	CreateOrUpdateAccountSession(ctx context.Context, account *Account, session *Session) error

	GetAccount(ctx context.Context, userID UserID) (*Account, error)
	GetAccountBySession(ctx context.Context, sessionID SessionID) (*Account, error)
	GetAccounts(ctx context.Context) ([]*Account, error)
	GetSession(ctx context.Context, sessionID SessionID) (*Session, error)
	GetSessions(ctx context.Context) ([]*Session, error)

	UpdateAccountState(ctx context.Context, userID UserID, state AccountState) error
	UpdateSessionState(ctx context.Context, sessionID SessionID, state SessionState) error
	// UpdateAccountSession applies opts to copies of the account and its
	// session and persists both in a single write.
	UpdateAccountSession(ctx context.Context, userID UserID, opts ...UpdateOption) (*Account, *Session, error)

	DeleteSession(ctx context.Context, sessionID SessionID) error
	DeleteAccount(ctx context.Context, userID UserID) error

	Changes(ctx context.Context) *Subscription[ChangeEvent]
}

// AccountSession is the pair handed to update options. Session is nil when
// the account has no session attached.
type AccountSession struct {
	Account *Account
	Session *Session
	// SessionChanged is set by options that touch the session row.
	SessionChanged bool
	// DetachSession asks the repository to delete the session row.
	DetachSession bool
}

// UpdateOption mutates an AccountSession before it is persisted.
type UpdateOption func(*AccountSession) error

// WithAccountState sets the account state.
func WithAccountState(state AccountState) UpdateOption {
	return func(as *AccountSession) error {
		as.Account.State = state
		return nil
	}
}

// WithSessionState sets the session state recorded on the account.
func WithSessionState(state SessionState) UpdateOption {
	return func(as *AccountSession) error {
		if as.Session == nil {
			return withMeta(ErrSessionNotFound, map[string]any{
				"user_id": as.Account.UserID,
			})
		}
		as.Account.SessionState = state
		return nil
	}
}

// WithSessionScopes replaces the session scopes.
func WithSessionScopes(scopes []string) UpdateOption {
	return func(as *AccountSession) error {
		if as.Session == nil {
			return withMeta(ErrSessionNotFound, map[string]any{
				"user_id": as.Account.UserID,
			})
		}
		as.Session.Scopes = cloneScopes(scopes)
		as.SessionChanged = true
		return nil
	}
}

// WithHumanVerificationHeaders replaces the human verification headers.
func WithHumanVerificationHeaders(headers *HumanVerificationHeaders) UpdateOption {
	return func(as *AccountSession) error {
		if as.Session == nil {
			return withMeta(ErrSessionNotFound, map[string]any{
				"user_id": as.Account.UserID,
			})
		}
		if headers == nil {
			as.Session.Headers = nil
		} else {
			h := *headers
			as.Session.Headers = &h
		}
		as.SessionChanged = true
		return nil
	}
}

// WithSessionTokens rotates the access and refresh tokens.
func WithSessionTokens(accessToken, refreshToken string) UpdateOption {
	return func(as *AccountSession) error {
		if as.Session == nil {
			return withMeta(ErrSessionNotFound, map[string]any{
				"user_id": as.Account.UserID,
			})
		}
		as.Session.AccessToken = accessToken
		as.Session.RefreshToken = refreshToken
		as.SessionChanged = true
		return nil
	}
}

// WithoutSession detaches and deletes the account's session.
func WithoutSession() UpdateOption {
	return func(as *AccountSession) error {
		as.Account.SessionID = ""
		as.Account.SessionState = SessionStateNone
		as.DetachSession = true
		return nil
	}
}

// ApplyUpdate runs opts against copies of account and session and checks
// the account invariants. The inputs are never modified.
func ApplyUpdate(account *Account, session *Session, opts ...UpdateOption) (*AccountSession, error) {
	if account == nil {
		return nil, ErrAccountNotFound
	}

	as := &AccountSession{
		Account: account.Clone(),
		Session: session.Clone(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(as); err != nil {
			return nil, err
		}
	}

	if err := checkAccountInvariants(as.Account); err != nil {
		return nil, err
	}
	return as, nil
}

func checkAccountInvariants(account *Account) error {
	if !account.State.IsValid() {
		return withMeta(ErrInvalidAccount, map[string]any{
			"user_id": account.UserID,
			"state":   account.State,
		})
	}
	if !account.SessionState.IsValid() {
		return withMeta(ErrInvalidAccount, map[string]any{
			"user_id":       account.UserID,
			"session_state": account.SessionState,
		})
	}
	if account.SessionState != SessionStateNone && account.SessionID == "" {
		return withMeta(ErrInvalidAccount, map[string]any{
			"user_id":       account.UserID,
			"session_state": account.SessionState,
			"reason":        "session state without session",
		})
	}
	return nil
}
