package accounts

import (
	"context"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// AccountStateChange is published after an account state change commits.
type AccountStateChange struct {
	Account  Account
	Previous AccountState
	State    AccountState
}

// SessionStateChange is published after a session state change commits.
// Session is nil when the session row no longer exists.
type SessionStateChange struct {
	Account  Account
	Session  *Session
	Previous SessionState
	State    SessionState
}

// SessionRevoker invalidates a session on the backend. It is called before a
// session is dropped by DisableAccount or RemoveAccount.
type SessionRevoker interface {
	RevokeSession(ctx context.Context, sessionID SessionID) error
}

// SessionRevokerFunc adapts a function to SessionRevoker.
type SessionRevokerFunc func(ctx context.Context, sessionID SessionID) error

// RevokeSession implements SessionRevoker.
func (f SessionRevokerFunc) RevokeSession(ctx context.Context, sessionID SessionID) error {
	if f == nil {
		return nil
	}
	return f(ctx, sessionID)
}

// AccountManager is the only component allowed to advance account and
// session state. Operations on one account are serialized; operations on
// different accounts run in parallel. A failed precondition returns
// ErrInvalidTransition and leaves storage untouched.
type AccountManager interface {
	AddAccount(ctx context.Context, account *Account, session *Session) error
	DisableAccount(ctx context.Context, userID UserID) error
	RemoveAccount(ctx context.Context, userID UserID) error

	GetAccount(ctx context.Context, userID UserID) (*Account, error)
	GetAccounts(ctx context.Context) ([]*Account, error)
	GetSession(ctx context.Context, sessionID SessionID) (*Session, error)
	GetSessions(ctx context.Context) ([]*Session, error)

	HandleTwoPassModeSuccess(ctx context.Context, sessionID SessionID) error
	HandleTwoPassModeFailed(ctx context.Context, sessionID SessionID) error
	HandleSecondFactorSuccess(ctx context.Context, sessionID SessionID, scopes []string) error
	HandleSecondFactorFailed(ctx context.Context, sessionID SessionID) error
	HandleHumanVerificationNeeded(ctx context.Context, sessionID SessionID) error
	HandleHumanVerificationSuccess(ctx context.Context, sessionID SessionID, tokenType, tokenCode string) error
	HandleHumanVerificationFailed(ctx context.Context, sessionID SessionID) error
	HandleSessionRefreshed(ctx context.Context, sessionID SessionID, accessToken, refreshToken string, scopes []string) error
	HandleSessionForceLogout(ctx context.Context, sessionID SessionID) error

	OnAccountStateChanged(ctx context.Context) *Subscription[AccountStateChange]
	OnSessionStateChanged(ctx context.Context) *Subscription[SessionStateChange]

	Close()
}

// ManagerOption customizes AccountManager construction.
type ManagerOption func(*accountManager)

// WithManagerClock injects a custom clock (useful for tests).
func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *accountManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithManagerActivitySink sets the ActivitySink used to publish audit events.
func WithManagerActivitySink(sink ActivitySink) ManagerOption {
	return func(m *accountManager) {
		m.activitySink = normalizeActivitySink(sink)
	}
}

// WithManagerLogger overrides the logger.
func WithManagerLogger(logger Logger) ManagerOption {
	return func(m *accountManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerLoggerProvider resolves the "accounts.manager" logger from provider.
func WithManagerLoggerProvider(provider LoggerProvider) ManagerOption {
	return func(m *accountManager) {
		_, m.logger = ResolveLogger("accounts.manager", provider, m.logger)
	}
}

// WithSessionRevoker sets the collaborator used to revoke dropped sessions.
func WithSessionRevoker(revoker SessionRevoker) ManagerOption {
	return func(m *accountManager) {
		m.revoker = revoker
	}
}

type accountManager struct {
	product       Product
	repo          Repository
	locks         *keyedMutex
	sessionLocks  *keyedMutex
	accountEvents *Broadcaster[AccountStateChange]
	sessionEvents *Broadcaster[SessionStateChange]
	activitySink  ActivitySink
	revoker       SessionRevoker
	logger        Logger
	now           func() time.Time
}

// NewAccountManager returns the default AccountManager for product backed by repo.
func NewAccountManager(product Product, repo Repository, opts ...ManagerOption) AccountManager {
	m := &accountManager{
		product:       product,
		repo:          repo,
		locks:         newKeyedMutex(),
		sessionLocks:  newKeyedMutex(),
		accountEvents: NewBroadcaster[AccountStateChange](),
		sessionEvents: NewBroadcaster[SessionStateChange](),
		activitySink:  noopActivitySink{},
		logger:        defaultLogger(),
		now:           time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m
}

func (m *accountManager) AddAccount(ctx context.Context, account *Account, session *Session) error {
	if err := validateAccountSession(account, session); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	// user lock first, then session lock
	unlock := m.locks.Lock(string(account.UserID))
	defer unlock()
	unlockSession := m.sessionLocks.Lock(string(session.SessionID))
	defer unlockSession()

	if _, err := m.repo.GetSession(ctx, session.SessionID); err == nil {
		return withMeta(ErrSessionExists, map[string]any{
			"session_id": session.SessionID,
		})
	} else if !IsNotFound(err) {
		return persistenceError("get session", err)
	}

	acc := account.Clone()
	acc.SessionID = session.SessionID
	ses := session.Clone()
	if ses.Product == "" {
		ses.Product = m.product
	}

	if err := m.repo.CreateOrUpdateAccountSession(ctx, acc, ses); err != nil {
		return persistenceError("create account session", err)
	}

	m.logger.Debug("account added", "user_id", acc.UserID, "session_id", acc.SessionID, "state", acc.State)
	m.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventAccountAdded,
		UserID:    acc.UserID.String(),
		SessionID: acc.SessionID.String(),
		ToState:   acc.State.String(),
	})
	return nil
}

func (m *accountManager) DisableAccount(ctx context.Context, userID UserID) error {
	return m.withAccount(ctx, userID, func(ctx context.Context, account *Account) error {
		_, err := m.disable(ctx, account, true)
		return err
	})
}

func (m *accountManager) RemoveAccount(ctx context.Context, userID UserID) error {
	return m.withAccount(ctx, userID, func(ctx context.Context, account *Account) error {
		if account.HasSession() {
			m.revoke(ctx, account)
		}

		if err := m.repo.DeleteAccount(ctx, account.UserID); err != nil {
			return persistenceError("delete account", err)
		}

		removed := *account
		removed.State = AccountStateRemoved
		removed.SessionID = ""
		removed.SessionState = SessionStateNone

		m.publishAccountState(ctx, account.State, &removed)
		m.recordActivity(ctx, ActivityEvent{
			EventType: ActivityEventAccountRemoved,
			UserID:    account.UserID.String(),
			SessionID: account.SessionID.String(),
			FromState: account.State.String(),
			ToState:   AccountStateRemoved.String(),
		})
		return nil
	})
}

func (m *accountManager) GetAccount(ctx context.Context, userID UserID) (*Account, error) {
	account, err := m.repo.GetAccount(ctx, userID)
	if err != nil {
		return nil, persistenceError("get account", err)
	}
	return account, nil
}

func (m *accountManager) GetAccounts(ctx context.Context) ([]*Account, error) {
	list, err := m.repo.GetAccounts(ctx)
	if err != nil {
		return nil, persistenceError("get accounts", err)
	}
	return list, nil
}

func (m *accountManager) GetSession(ctx context.Context, sessionID SessionID) (*Session, error) {
	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, persistenceError("get session", err)
	}
	return session, nil
}

func (m *accountManager) GetSessions(ctx context.Context) ([]*Session, error) {
	list, err := m.repo.GetSessions(ctx)
	if err != nil {
		return nil, persistenceError("get sessions", err)
	}
	return list, nil
}

func (m *accountManager) HandleTwoPassModeSuccess(ctx context.Context, sessionID SessionID) error {
	return m.withSession(ctx, sessionID, func(ctx context.Context, account *Account) error {
		if err := m.requireAccountState(account, AccountStateTwoPassModeNeeded, AccountStateTwoPassModeSuccess); err != nil {
			return err
		}

		_, err := m.apply(ctx, account,
			accountStep(AccountStateTwoPassModeSuccess),
			accountStep(AccountStateReady),
		)
		return err
	})
}

func (m *accountManager) HandleTwoPassModeFailed(ctx context.Context, sessionID SessionID) error {
	return m.withSession(ctx, sessionID, func(ctx context.Context, account *Account) error {
		if err := m.requireAccountState(account, AccountStateTwoPassModeNeeded, AccountStateTwoPassModeFailed); err != nil {
			return err
		}

		_, err := m.apply(ctx, account, accountStep(AccountStateTwoPassModeFailed))
		return err
	})
}

func (m *accountManager) HandleSecondFactorSuccess(ctx context.Context, sessionID SessionID, scopes []string) error {
	return m.withSession(ctx, sessionID, func(ctx context.Context, account *Account) error {
		if err := m.requireSessionState(account, SessionStateSecondFactorNeeded, SessionStateSecondFactorSuccess); err != nil {
			return err
		}

		_, err := m.apply(ctx, account,
			sessionStep(SessionStateSecondFactorSuccess, WithSessionScopes(scopes)),
			sessionStep(SessionStateAuthenticated),
			accountStep(AccountStateReady).forced(),
		)
		return err
	})
}

// HandleSecondFactorFailed disables the account but keeps the failed session
// recorded so the failure stays visible until the account is removed.
func (m *accountManager) HandleSecondFactorFailed(ctx context.Context, sessionID SessionID) error {
	return m.withSession(ctx, sessionID, func(ctx context.Context, account *Account) error {
		if err := m.requireSessionState(account, SessionStateSecondFactorNeeded, SessionStateSecondFactorFailed); err != nil {
			return err
		}

		_, err := m.apply(ctx, account,
			sessionStep(SessionStateSecondFactorFailed),
			accountStep(AccountStateDisabled).forced(),
		)
		return err
	})
}

func (m *accountManager) HandleHumanVerificationNeeded(ctx context.Context, sessionID SessionID) error {
	return m.withSession(ctx, sessionID, func(ctx context.Context, account *Account) error {
		_, err := m.apply(ctx, account, sessionStep(SessionStateHumanVerificationNeeded))
		return err
	})
}

func (m *accountManager) HandleHumanVerificationSuccess(ctx context.Context, sessionID SessionID, tokenType, tokenCode string) error {
	return m.withSession(ctx, sessionID, func(ctx context.Context, account *Account) error {
		if err := m.requireSessionState(account, SessionStateHumanVerificationNeeded, SessionStateHumanVerificationSuccess); err != nil {
			return err
		}

		headers := &HumanVerificationHeaders{TokenType: tokenType, TokenCode: tokenCode}
		_, err := m.apply(ctx, account,
			sessionStep(SessionStateHumanVerificationSuccess, WithHumanVerificationHeaders(headers)),
			sessionStep(SessionStateAuthenticated),
			accountStep(AccountStateReady).forced(),
		)
		return err
	})
}

// HandleHumanVerificationFailed leaves the account state alone so the client
// can prompt for verification again without a new sign in.
func (m *accountManager) HandleHumanVerificationFailed(ctx context.Context, sessionID SessionID) error {
	return m.withSession(ctx, sessionID, func(ctx context.Context, account *Account) error {
		if err := m.requireSessionState(account, SessionStateHumanVerificationNeeded, SessionStateHumanVerificationFailed); err != nil {
			return err
		}

		_, err := m.apply(ctx, account, sessionStep(SessionStateHumanVerificationFailed))
		return err
	})
}

func (m *accountManager) HandleSessionRefreshed(ctx context.Context, sessionID SessionID, accessToken, refreshToken string, scopes []string) error {
	if accessToken == "" || refreshToken == "" {
		return withMeta(ErrInvalidAccount, map[string]any{
			"session_id": sessionID,
			"reason":     "access and refresh tokens are required",
		})
	}

	return m.withSession(ctx, sessionID, func(ctx context.Context, account *Account) error {
		opts := []UpdateOption{WithSessionTokens(accessToken, refreshToken)}
		if scopes != nil {
			opts = append(opts, WithSessionScopes(scopes))
		}

		if _, _, err := m.repo.UpdateAccountSession(ctx, account.UserID, opts...); err != nil {
			return persistenceError("refresh session", err)
		}

		m.logger.Debug("session refreshed", "user_id", account.UserID, "session_id", sessionID)
		m.recordActivity(ctx, ActivityEvent{
			EventType: ActivityEventSessionRefreshed,
			UserID:    account.UserID.String(),
			SessionID: sessionID.String(),
			Metadata:  map[string]any{"scopes_replaced": scopes != nil},
		})
		return nil
	})
}

// HandleSessionForceLogout records the logout and disables the account in
// one write. The backend already dropped the session, so nothing is revoked.
func (m *accountManager) HandleSessionForceLogout(ctx context.Context, sessionID SessionID) error {
	return m.withSession(ctx, sessionID, func(ctx context.Context, account *Account) error {
		if _, err := m.apply(ctx, account,
			sessionStep(SessionStateForceLogout),
			accountStep(AccountStateDisabled, WithoutSession()),
		); err != nil {
			return err
		}
		m.recordDisabled(ctx, account)
		return nil
	})
}

func (m *accountManager) OnAccountStateChanged(ctx context.Context) *Subscription[AccountStateChange] {
	return m.accountEvents.Subscribe(ctx)
}

func (m *accountManager) OnSessionStateChanged(ctx context.Context) *Subscription[SessionStateChange] {
	return m.sessionEvents.Subscribe(ctx)
}

func (m *accountManager) Close() {
	m.accountEvents.Close()
	m.sessionEvents.Close()
}

// withSession resolves the account owning sessionID, takes the account lock
// and re-reads the account so fn sees committed state.
func (m *accountManager) withSession(ctx context.Context, sessionID SessionID, fn func(ctx context.Context, account *Account) error) error {
	ctx = context.WithoutCancel(ctx)

	owner, err := m.repo.GetAccountBySession(ctx, sessionID)
	if err != nil {
		return persistenceError("get account by session", err)
	}

	unlock := m.locks.Lock(string(owner.UserID))
	defer unlock()

	account, err := m.repo.GetAccountBySession(ctx, sessionID)
	if err != nil {
		return persistenceError("get account by session", err)
	}
	if account.UserID != owner.UserID {
		return withMeta(ErrSessionNotFound, map[string]any{
			"session_id": sessionID,
			"reason":     "session changed owner",
		})
	}

	return fn(ctx, account)
}

func (m *accountManager) withAccount(ctx context.Context, userID UserID, fn func(ctx context.Context, account *Account) error) error {
	ctx = context.WithoutCancel(ctx)

	unlock := m.locks.Lock(string(userID))
	defer unlock()

	account, err := m.repo.GetAccount(ctx, userID)
	if err != nil {
		return persistenceError("get account", err)
	}
	return fn(ctx, account)
}

func (m *accountManager) requireAccountState(account *Account, expected, target AccountState) error {
	if account.State != expected {
		return m.invalidTransition(account, "account", account.State, target)
	}
	return nil
}

func (m *accountManager) requireSessionState(account *Account, expected, target SessionState) error {
	if account.SessionState != expected {
		return m.invalidTransition(account, "session", account.SessionState, target)
	}
	return nil
}

func (m *accountManager) invalidTransition(account *Account, kind string, from, to fmt.Stringer) error {
	m.logger.Warn("rejected state transition",
		"kind", kind,
		"user_id", account.UserID,
		"session_id", account.SessionID,
		"from", from.String(),
		"to", to.String(),
	)
	return withMeta(ErrInvalidTransition, map[string]any{
		"kind":       kind,
		"user_id":    account.UserID,
		"session_id": account.SessionID,
		"from":       from.String(),
		"to":         to.String(),
	})
}

// step is one state change of a transition. Session steps carry the
// session target, account steps the account target.
type step struct {
	account AccountState
	session SessionState
	force   bool
	opts    []UpdateOption
}

func accountStep(state AccountState, opts ...UpdateOption) step {
	return step{account: state, opts: opts}
}

func sessionStep(state SessionState, opts ...UpdateOption) step {
	return step{session: state, opts: opts}
}

// forced skips the transition table. It is used for the terminal step of a
// cascade whose first step was already validated.
func (s step) forced() step {
	s.force = true
	return s
}

func (s step) isSession() bool { return s.session != SessionStateNone }

// apply checks every step against the transition tables, writes the final
// state in a single UpdateAccountSession call and then publishes one event
// per step in order. A rejected step or a failed write leaves storage as it
// was and publishes nothing.
func (m *accountManager) apply(ctx context.Context, account *Account, steps ...step) (*Account, error) {
	snapshots := make([]*Account, len(steps))
	opts := make([]UpdateOption, 0, len(steps)*2)

	current := account
	for i, s := range steps {
		next := current.Clone()
		if s.isSession() {
			if !s.force && !CanTransitionSession(current.SessionState, s.session) {
				return nil, m.invalidTransition(current, "session", current.SessionState, s.session)
			}
			next.SessionState = s.session
			opts = append(opts, s.opts...)
			opts = append(opts, WithSessionState(s.session))
		} else {
			if !s.force && !CanTransitionAccount(current.State, s.account) {
				return nil, m.invalidTransition(current, "account", current.State, s.account)
			}
			next.State = s.account
			opts = append(opts, WithAccountState(s.account))
			opts = append(opts, s.opts...)
		}
		snapshots[i] = next
		current = next
	}

	updated, session, err := m.repo.UpdateAccountSession(ctx, account.UserID, opts...)
	if err != nil {
		return nil, persistenceError("update account session", err)
	}
	snapshots[len(steps)-1] = updated

	previous := account
	for i, s := range steps {
		snapshot := snapshots[i]
		if s.isSession() {
			m.publishSessionState(ctx, previous.SessionState, s.session, snapshot, session)
		} else {
			m.publishAccountState(ctx, previous.State, snapshot)
		}
		previous = snapshot
	}
	return updated, nil
}

func (m *accountManager) publishSessionState(ctx context.Context, from, to SessionState, account *Account, session *Session) {
	m.sessionEvents.Publish(SessionStateChange{
		Account:  *account,
		Session:  session,
		Previous: from,
		State:    to,
	})
	m.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventSessionStateChanged,
		UserID:    account.UserID.String(),
		SessionID: account.SessionID.String(),
		FromState: from.String(),
		ToState:   to.String(),
	})
}

func (m *accountManager) publishAccountState(ctx context.Context, from AccountState, updated *Account) {
	m.accountEvents.Publish(AccountStateChange{
		Account:  *updated,
		Previous: from,
		State:    updated.State,
	})
	if updated.State == AccountStateRemoved {
		return
	}
	m.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventAccountStateChanged,
		UserID:    updated.UserID.String(),
		SessionID: updated.SessionID.String(),
		FromState: from.String(),
		ToState:   updated.State.String(),
	})
}

// disable moves the account to Disabled and drops its session in one write.
func (m *accountManager) disable(ctx context.Context, account *Account, revoke bool) (*Account, error) {
	if revoke && account.HasSession() {
		m.revoke(ctx, account)
	}

	updated, err := m.apply(ctx, account, accountStep(AccountStateDisabled, WithoutSession()))
	if err != nil {
		return nil, err
	}
	m.recordDisabled(ctx, account)
	return updated, nil
}

func (m *accountManager) recordDisabled(ctx context.Context, account *Account) {
	m.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventAccountDisabled,
		UserID:    account.UserID.String(),
		SessionID: account.SessionID.String(),
		FromState: account.State.String(),
		ToState:   AccountStateDisabled.String(),
	})
}

// revoke is best effort. A failed revocation never blocks a local sign out.
func (m *accountManager) revoke(ctx context.Context, account *Account) {
	if m.revoker == nil {
		return
	}
	if err := m.revoker.RevokeSession(ctx, account.SessionID); err != nil {
		m.logger.Warn("session revocation failed",
			"user_id", account.UserID,
			"session_id", account.SessionID,
			"error", err,
		)
	}
}

func (m *accountManager) recordActivity(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = m.now()
	}
	if event.Product == "" {
		event.Product = m.product
	}

	sink := normalizeActivitySink(m.activitySink)
	if err := sink.Record(ctx, event); err != nil {
		m.logger.Warn("account manager activity sink error", "error", err)
	}
}

func validateAccountSession(account *Account, session *Session) error {
	if account == nil || session == nil {
		return withMeta(ErrInvalidAccount, map[string]any{
			"reason": "account and session are required",
		})
	}

	err := validation.ValidateStruct(account,
		validation.Field(&account.UserID, validation.Required),
		validation.Field(&account.Username, validation.Required, validation.Length(1, 255)),
		validation.Field(&account.Email, is.Email),
		validation.Field(&account.State, validation.Required, validation.By(validAccountState)),
		validation.Field(&account.SessionState, validation.By(validSessionState)),
	)
	if err == nil {
		err = validation.ValidateStruct(session,
			validation.Field(&session.SessionID, validation.Required),
			validation.Field(&session.AccessToken, validation.Required),
			validation.Field(&session.RefreshToken, validation.Required),
		)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAccount, err)
	}
	return nil
}

func validAccountState(value any) error {
	state, _ := value.(AccountState)
	if !state.IsValid() {
		return fmt.Errorf("unknown account state %q", state)
	}
	return nil
}

func validSessionState(value any) error {
	state, _ := value.(SessionState)
	if !state.IsValid() {
		return fmt.Errorf("unknown session state %q", state)
	}
	return nil
}
