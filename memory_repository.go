package accounts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps accounts and sessions in process memory. Values are
// copied on the way in and on the way out so callers never share state with
// the store. Nothing is written to disk, so secrets are kept as plaintext.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[UserID]*Account
	sessions map[SessionID]*Session
	owners   map[SessionID]UserID
	changes  *Broadcaster[ChangeEvent]
	now      func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[UserID]*Account),
		sessions: make(map[SessionID]*Session),
		owners:   make(map[SessionID]UserID),
		changes:  NewBroadcaster[ChangeEvent](),
		now:      time.Now,
	}
}

func (m *MemoryRepository) CreateOrUpdateAccountSession(ctx context.Context, account *Account, session *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if account == nil || session == nil {
		return withMeta(ErrInvalidAccount, map[string]any{
			"reason": "account and session are required",
		})
	}

	next := account.Clone()
	next.SessionID = session.SessionID
	if err := checkAccountInvariants(next); err != nil {
		return err
	}

	m.mu.Lock()
	if owner, ok := m.owners[session.SessionID]; ok && owner != next.UserID {
		m.mu.Unlock()
		return withMeta(ErrSessionExists, map[string]any{
			"session_id": session.SessionID,
			"user_id":    next.UserID,
		})
	}
	if prev, ok := m.accounts[next.UserID]; ok && prev.SessionID != "" && prev.SessionID != next.SessionID {
		delete(m.sessions, prev.SessionID)
		delete(m.owners, prev.SessionID)
	}
	m.accounts[next.UserID] = next
	m.sessions[session.SessionID] = session.Clone()
	m.owners[session.SessionID] = next.UserID
	m.mu.Unlock()

	m.publish(ChangeAccountChanged, next.UserID, next.SessionID)
	m.publish(ChangeSessionChanged, next.UserID, next.SessionID)
	return nil
}

func (m *MemoryRepository) GetAccount(ctx context.Context, userID UserID) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[userID]
	if !ok {
		return nil, withMeta(ErrAccountNotFound, map[string]any{"user_id": userID})
	}
	return account.Clone(), nil
}

func (m *MemoryRepository) GetAccountBySession(ctx context.Context, sessionID SessionID) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	userID, ok := m.owners[sessionID]
	if !ok {
		return nil, withMeta(ErrSessionNotFound, map[string]any{"session_id": sessionID})
	}
	account, ok := m.accounts[userID]
	if !ok {
		return nil, withMeta(ErrAccountNotFound, map[string]any{"user_id": userID})
	}
	return account.Clone(), nil
}

func (m *MemoryRepository) GetAccounts(ctx context.Context) ([]*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]*Account, 0, len(m.accounts))
	for _, account := range m.accounts {
		out = append(out, account.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryRepository) GetSession(ctx context.Context, sessionID SessionID) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, withMeta(ErrSessionNotFound, map[string]any{"session_id": sessionID})
	}
	return session.Clone(), nil
}

func (m *MemoryRepository) GetSessions(ctx context.Context) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (m *MemoryRepository) UpdateAccountState(ctx context.Context, userID UserID, state AccountState) error {
	_, _, err := m.UpdateAccountSession(ctx, userID, WithAccountState(state))
	return err
}

func (m *MemoryRepository) UpdateSessionState(ctx context.Context, sessionID SessionID, state SessionState) error {
	account, err := m.GetAccountBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	_, _, err = m.UpdateAccountSession(ctx, account.UserID, WithSessionState(state))
	return err
}

func (m *MemoryRepository) UpdateAccountSession(ctx context.Context, userID UserID, opts ...UpdateOption) (*Account, *Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	account, ok := m.accounts[userID]
	if !ok {
		m.mu.Unlock()
		return nil, nil, withMeta(ErrAccountNotFound, map[string]any{"user_id": userID})
	}

	var session *Session
	if account.SessionID != "" {
		session = m.sessions[account.SessionID]
	}

	as, err := ApplyUpdate(account, session, opts...)
	if err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}

	prevSessionID := account.SessionID
	m.accounts[userID] = as.Account
	if as.DetachSession && prevSessionID != "" {
		delete(m.sessions, prevSessionID)
		delete(m.owners, prevSessionID)
		as.Session = nil
	} else if as.Session != nil && as.SessionChanged {
		m.sessions[as.Session.SessionID] = as.Session
	}
	m.mu.Unlock()

	m.publish(ChangeAccountChanged, userID, as.Account.SessionID)
	switch {
	case as.DetachSession && prevSessionID != "":
		m.publish(ChangeSessionRemoved, userID, prevSessionID)
	case as.SessionChanged:
		m.publish(ChangeSessionChanged, userID, prevSessionID)
	}

	return as.Account.Clone(), as.Session.Clone(), nil
}

func (m *MemoryRepository) DeleteSession(ctx context.Context, sessionID SessionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	userID, ok := m.owners[sessionID]
	if !ok {
		m.mu.Unlock()
		return withMeta(ErrSessionNotFound, map[string]any{"session_id": sessionID})
	}
	delete(m.sessions, sessionID)
	delete(m.owners, sessionID)
	if account, ok := m.accounts[userID]; ok && account.SessionID == sessionID {
		next := account.Clone()
		next.SessionID = ""
		next.SessionState = SessionStateNone
		m.accounts[userID] = next
	}
	m.mu.Unlock()

	m.publish(ChangeSessionRemoved, userID, sessionID)
	return nil
}

func (m *MemoryRepository) DeleteAccount(ctx context.Context, userID UserID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	account, ok := m.accounts[userID]
	if !ok {
		m.mu.Unlock()
		return withMeta(ErrAccountNotFound, map[string]any{"user_id": userID})
	}
	delete(m.accounts, userID)
	if account.SessionID != "" {
		delete(m.sessions, account.SessionID)
		delete(m.owners, account.SessionID)
	}
	m.mu.Unlock()

	if account.SessionID != "" {
		m.publish(ChangeSessionRemoved, userID, account.SessionID)
	}
	m.publish(ChangeAccountRemoved, userID, account.SessionID)
	return nil
}

func (m *MemoryRepository) Changes(ctx context.Context) *Subscription[ChangeEvent] {
	return m.changes.Subscribe(ctx)
}

func (m *MemoryRepository) publish(kind ChangeKind, userID UserID, sessionID SessionID) {
	m.changes.Publish(ChangeEvent{
		Kind:       kind,
		UserID:     userID,
		SessionID:  sessionID,
		OccurredAt: m.now(),
	})
}
