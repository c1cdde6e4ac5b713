package repository

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/goliatone/go-accounts"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

const maxUpdateAttempts = 3

var errConcurrentUpdate = errors.New("account changed during update")

// Option customizes AccountRepository construction.
type Option func(*AccountRepository)

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(r *AccountRepository) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger accounts.Logger) Option {
	return func(r *AccountRepository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLoggerProvider resolves the "accounts.repository" logger from provider.
func WithLoggerProvider(provider accounts.LoggerProvider) Option {
	return func(r *AccountRepository) {
		_, r.logger = accounts.ResolveLogger("accounts.repository", provider, r.logger)
	}
}

// AccountRepository implements accounts.Repository using Bun. Session
// secrets are sealed with the configured StringCrypto before any query runs
// and opened after rows are read.
type AccountRepository struct {
	db      *bun.DB
	crypto  accounts.StringCrypto
	changes *accounts.Broadcaster[accounts.ChangeEvent]
	logger  accounts.Logger
	now     func() time.Time
}

var _ accounts.Repository = (*AccountRepository)(nil)

// NewAccountRepository creates a new repository.
func NewAccountRepository(db *bun.DB, crypto accounts.StringCrypto, opts ...Option) *AccountRepository {
	r := &AccountRepository{
		db:      db,
		crypto:  crypto,
		changes: accounts.NewBroadcaster[accounts.ChangeEvent](),
		now:     time.Now,
	}
	_, r.logger = accounts.ResolveLogger("accounts.repository", nil, nil)

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// CreateSchema creates the accounts and sessions tables when missing.
func (r *AccountRepository) CreateSchema(ctx context.Context) error {
	if _, err := r.db.NewCreateTable().
		Model((*AccountModel)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return accounts.WrapPersistenceError("create accounts table", err)
	}

	if _, err := r.db.NewCreateTable().
		Model((*SessionModel)(nil)).
		IfNotExists().
		ForeignKey(`("user_id") REFERENCES "accounts" ("user_id") ON DELETE CASCADE`).
		Exec(ctx); err != nil {
		return accounts.WrapPersistenceError("create sessions table", err)
	}

	if _, err := r.db.NewCreateIndex().
		Model((*AccountModel)(nil)).
		Unique().
		Index("idx_accounts_session_id").
		Column("session_id").
		IfNotExists().
		Exec(ctx); err != nil {
		return accounts.WrapPersistenceError("create accounts session index", err)
	}

	if _, err := r.db.NewCreateIndex().
		Model((*SessionModel)(nil)).
		Index("idx_sessions_user_id").
		Column("user_id").
		IfNotExists().
		Exec(ctx); err != nil {
		return accounts.WrapPersistenceError("create sessions index", err)
	}
	return nil
}

func (r *AccountRepository) Validate() error {
	if r.db == nil {
		return errors.New("repository db should be initialized")
	}
	if r.crypto == nil {
		return errors.New("repository crypto should be initialized")
	}
	return nil
}

func (r *AccountRepository) MustValidate() {
	if err := r.Validate(); err != nil {
		log.Panic(err)
	}
}

func (r *AccountRepository) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return r.db.RunInTx(ctx, opts, f)
	}
}

// CreateOrUpdateAccountSession implements accounts.Repository.
func (r *AccountRepository) CreateOrUpdateAccountSession(ctx context.Context, account *accounts.Account, session *accounts.Session) error {
	if account == nil || session == nil {
		return accounts.ErrInvalidAccount
	}

	now := r.now()
	accModel := fromAccount(account)
	accModel.SessionID = string(session.SessionID)
	accModel.UpdatedAt = now
	accModel.CreatedAt = now

	sesModel, err := r.seal(session, account.UserID)
	if err != nil {
		return err
	}
	sesModel.UpdatedAt = now
	sesModel.CreatedAt = now

	err = r.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var previous AccountModel
		err := tx.NewSelect().
			Model(&previous).
			Where("user_id = ?", accModel.UserID).
			Scan(ctx)
		switch {
		case err == nil:
			accModel.Version = previous.Version + 1
			if previous.SessionID != "" && previous.SessionID != accModel.SessionID {
				if _, err := tx.NewDelete().
					Model((*SessionModel)(nil)).
					Where("session_id = ?", previous.SessionID).
					Exec(ctx); err != nil {
					return err
				}
			}
		case !isNotFound(err):
			return err
		}

		existing, err := r.selectSession(ctx, tx, sesModel.SessionID)
		switch {
		case err == nil:
			if existing.UserID != accModel.UserID {
				return accounts.NewSessionExists(accounts.SessionID(existing.SessionID))
			}
		case !isNotFound(err):
			return err
		}

		if _, err := tx.NewInsert().
			Model(accModel).
			On("CONFLICT (user_id) DO UPDATE").
			Set("username = EXCLUDED.username").
			Set("email = EXCLUDED.email").
			Set("state = EXCLUDED.state").
			Set("session_id = EXCLUDED.session_id").
			Set("session_state = EXCLUDED.session_state").
			Set("version = EXCLUDED.version").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx); err != nil {
			return err
		}

		_, err = tx.NewInsert().
			Model(sesModel).
			On("CONFLICT (session_id) DO UPDATE").
			Set("access_token = EXCLUDED.access_token").
			Set("refresh_token = EXCLUDED.refresh_token").
			Set("hv_token_type = EXCLUDED.hv_token_type").
			Set("hv_token_code = EXCLUDED.hv_token_code").
			Set("scopes = EXCLUDED.scopes").
			Set("product = EXCLUDED.product").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	})
	if err != nil {
		return accounts.WrapPersistenceError("create account session", err)
	}

	r.logger.Debug("account session stored", "user_id", account.UserID, "session_id", session.SessionID)
	r.publish(accounts.ChangeAccountChanged, account.UserID, session.SessionID, now)
	r.publish(accounts.ChangeSessionChanged, account.UserID, session.SessionID, now)
	return nil
}

// GetAccount implements accounts.Repository.
func (r *AccountRepository) GetAccount(ctx context.Context, userID accounts.UserID) (*accounts.Account, error) {
	model, err := r.selectAccount(ctx, r.db, "user_id = ?", string(userID))
	if err != nil {
		if isNotFound(err) {
			return nil, accounts.NewAccountNotFound(userID)
		}
		return nil, accounts.WrapPersistenceError("get account", err)
	}
	return toAccount(model), nil
}

// GetAccountBySession implements accounts.Repository.
func (r *AccountRepository) GetAccountBySession(ctx context.Context, sessionID accounts.SessionID) (*accounts.Account, error) {
	model, err := r.selectAccount(ctx, r.db, "session_id = ?", string(sessionID))
	if err != nil {
		if isNotFound(err) {
			return nil, accounts.NewSessionNotFound(sessionID)
		}
		return nil, accounts.WrapPersistenceError("get account by session", err)
	}
	return toAccount(model), nil
}

// GetAccounts implements accounts.Repository.
func (r *AccountRepository) GetAccounts(ctx context.Context) ([]*accounts.Account, error) {
	var models []AccountModel
	if err := r.db.NewSelect().
		Model(&models).
		Order("user_id ASC").
		Scan(ctx); err != nil && !isNotFound(err) {
		return nil, accounts.WrapPersistenceError("get accounts", err)
	}

	out := make([]*accounts.Account, len(models))
	for i := range models {
		out[i] = toAccount(&models[i])
	}
	return out, nil
}

// GetSession implements accounts.Repository.
func (r *AccountRepository) GetSession(ctx context.Context, sessionID accounts.SessionID) (*accounts.Session, error) {
	model, err := r.selectSession(ctx, r.db, string(sessionID))
	if err != nil {
		if isNotFound(err) {
			return nil, accounts.NewSessionNotFound(sessionID)
		}
		return nil, accounts.WrapPersistenceError("get session", err)
	}
	return r.open(model)
}

// GetSessions implements accounts.Repository.
func (r *AccountRepository) GetSessions(ctx context.Context) ([]*accounts.Session, error) {
	var models []SessionModel
	if err := r.db.NewSelect().
		Model(&models).
		Order("session_id ASC").
		Scan(ctx); err != nil && !isNotFound(err) {
		return nil, accounts.WrapPersistenceError("get sessions", err)
	}

	out := make([]*accounts.Session, 0, len(models))
	for i := range models {
		session, err := r.open(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

// UpdateAccountState implements accounts.Repository.
func (r *AccountRepository) UpdateAccountState(ctx context.Context, userID accounts.UserID, state accounts.AccountState) error {
	_, _, err := r.UpdateAccountSession(ctx, userID, accounts.WithAccountState(state))
	return err
}

// UpdateSessionState implements accounts.Repository.
func (r *AccountRepository) UpdateSessionState(ctx context.Context, sessionID accounts.SessionID, state accounts.SessionState) error {
	account, err := r.GetAccountBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	_, _, err = r.UpdateAccountSession(ctx, account.UserID, accounts.WithSessionState(state))
	return err
}

// UpdateAccountSession implements accounts.Repository. The account row is
// guarded by its version so that a concurrent writer forces a re-read
// instead of a lost update.
func (r *AccountRepository) UpdateAccountSession(ctx context.Context, userID accounts.UserID, opts ...accounts.UpdateOption) (*accounts.Account, *accounts.Session, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		account, session, err := r.updateOnce(ctx, userID, opts)
		if !errors.Is(err, errConcurrentUpdate) {
			return account, session, err
		}
		lastErr = err
		r.logger.Debug("retrying account update", "user_id", userID, "attempt", attempt+1)
	}
	return nil, nil, accounts.WrapPersistenceError("update account session", lastErr)
}

func (r *AccountRepository) updateOnce(ctx context.Context, userID accounts.UserID, opts []accounts.UpdateOption) (*accounts.Account, *accounts.Session, error) {
	current, err := r.selectAccount(ctx, r.db, "user_id = ?", string(userID))
	if err != nil {
		if isNotFound(err) {
			return nil, nil, accounts.NewAccountNotFound(userID)
		}
		return nil, nil, accounts.WrapPersistenceError("get account", err)
	}

	var session *accounts.Session
	if current.SessionID != "" {
		model, err := r.selectSession(ctx, r.db, current.SessionID)
		switch {
		case err == nil:
			if session, err = r.open(model); err != nil {
				return nil, nil, err
			}
		case !isNotFound(err):
			return nil, nil, accounts.WrapPersistenceError("get session", err)
		}
	}

	as, err := accounts.ApplyUpdate(toAccount(current), session, opts...)
	if err != nil {
		return nil, nil, err
	}

	now := r.now()
	next := fromAccount(as.Account)
	next.Version = current.Version + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = now

	var sealed *SessionModel
	if as.Session != nil && as.SessionChanged && !as.DetachSession {
		if sealed, err = r.seal(as.Session, userID); err != nil {
			return nil, nil, err
		}
		sealed.UpdatedAt = now
	}

	err = r.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model(next).
			Column("username", "email", "state", "session_id", "session_state", "version", "updated_at").
			Where("user_id = ?", next.UserID).
			Where("version = ?", current.Version).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return errConcurrentUpdate
		}

		if as.DetachSession && current.SessionID != "" {
			_, err = tx.NewDelete().
				Model((*SessionModel)(nil)).
				Where("session_id = ?", current.SessionID).
				Exec(ctx)
			return err
		}

		if sealed != nil {
			_, err = tx.NewUpdate().
				Model(sealed).
				Column("access_token", "refresh_token", "hv_token_type", "hv_token_code", "scopes", "updated_at").
				WherePK().
				Exec(ctx)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, errConcurrentUpdate) {
			return nil, nil, err
		}
		return nil, nil, accounts.WrapPersistenceError("update account session", err)
	}

	r.publish(accounts.ChangeAccountChanged, userID, as.Account.SessionID, now)
	switch {
	case as.DetachSession && current.SessionID != "":
		r.publish(accounts.ChangeSessionRemoved, userID, accounts.SessionID(current.SessionID), now)
		as.Session = nil
	case as.SessionChanged:
		r.publish(accounts.ChangeSessionChanged, userID, as.Session.SessionID, now)
	}

	return as.Account, as.Session, nil
}

// DeleteSession implements accounts.Repository.
func (r *AccountRepository) DeleteSession(ctx context.Context, sessionID accounts.SessionID) error {
	var owner string
	err := r.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		model, err := r.selectSession(ctx, tx, string(sessionID))
		if err != nil {
			return err
		}
		owner = model.UserID

		if _, err := tx.NewDelete().
			Model((*SessionModel)(nil)).
			Where("session_id = ?", string(sessionID)).
			Exec(ctx); err != nil {
			return err
		}

		_, err = tx.NewUpdate().
			Model((*AccountModel)(nil)).
			Set("session_id = NULL").
			Set("session_state = ?", "").
			Set("version = version + 1").
			Set("updated_at = ?", r.now()).
			Where("user_id = ?", owner).
			Where("session_id = ?", string(sessionID)).
			Exec(ctx)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return accounts.NewSessionNotFound(sessionID)
		}
		return accounts.WrapPersistenceError("delete session", err)
	}

	r.publish(accounts.ChangeSessionRemoved, accounts.UserID(owner), sessionID, r.now())
	return nil
}

// DeleteAccount implements accounts.Repository. Sessions go with the account
// through the foreign key cascade.
func (r *AccountRepository) DeleteAccount(ctx context.Context, userID accounts.UserID) error {
	var sessionID string
	err := r.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		model, err := r.selectAccount(ctx, tx, "user_id = ?", string(userID))
		if err != nil {
			return err
		}
		sessionID = model.SessionID

		if _, err := tx.NewDelete().
			Model((*SessionModel)(nil)).
			Where("user_id = ?", string(userID)).
			Exec(ctx); err != nil {
			return err
		}

		_, err = tx.NewDelete().
			Model((*AccountModel)(nil)).
			Where("user_id = ?", string(userID)).
			Exec(ctx)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return accounts.NewAccountNotFound(userID)
		}
		return accounts.WrapPersistenceError("delete account", err)
	}

	now := r.now()
	if sessionID != "" {
		r.publish(accounts.ChangeSessionRemoved, userID, accounts.SessionID(sessionID), now)
	}
	r.publish(accounts.ChangeAccountRemoved, userID, accounts.SessionID(sessionID), now)
	return nil
}

// Changes implements accounts.Repository.
func (r *AccountRepository) Changes(ctx context.Context) *accounts.Subscription[accounts.ChangeEvent] {
	return r.changes.Subscribe(ctx)
}

// Close ends every change subscription.
func (r *AccountRepository) Close() {
	r.changes.Close()
}

func (r *AccountRepository) selectAccount(ctx context.Context, db bun.IDB, where string, arg string) (*AccountModel, error) {
	var model AccountModel
	err := db.NewSelect().
		Model(&model).
		Where(where, arg).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *AccountRepository) selectSession(ctx context.Context, db bun.IDB, sessionID string) (*SessionModel, error) {
	var model SessionModel
	err := db.NewSelect().
		Model(&model).
		Where("session_id = ?", string(sessionID)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *AccountRepository) seal(session *accounts.Session, userID accounts.UserID) (*SessionModel, error) {
	access, err := r.crypto.Encrypt(session.AccessToken)
	if err != nil {
		return nil, accounts.WrapCryptoError("seal access token", err)
	}
	refresh, err := r.crypto.Encrypt(session.RefreshToken)
	if err != nil {
		return nil, accounts.WrapCryptoError("seal refresh token", err)
	}

	model := &SessionModel{
		SessionID:    string(session.SessionID),
		UserID:       string(userID),
		AccessToken:  access,
		RefreshToken: refresh,
		Scopes:       session.Clone().Scopes,
		Product:      string(session.Product),
	}

	if session.Headers != nil {
		tokenType, tokenCode := session.Headers.TokenType, session.Headers.TokenCode
		if model.HVTokenType, err = accounts.EncryptOptional(r.crypto, &tokenType); err != nil {
			return nil, accounts.WrapCryptoError("seal verification headers", err)
		}
		if model.HVTokenCode, err = accounts.EncryptOptional(r.crypto, &tokenCode); err != nil {
			return nil, accounts.WrapCryptoError("seal verification headers", err)
		}
	}
	return model, nil
}

func (r *AccountRepository) open(model *SessionModel) (*accounts.Session, error) {
	session, err := r.openSession(model)
	if err != nil {
		r.logger.Error("session secrets could not be opened", "session_id", model.SessionID, "error", err)
		return nil, accounts.WrapPersistenceError("open session", err)
	}
	return session, nil
}

func (r *AccountRepository) openSession(model *SessionModel) (*accounts.Session, error) {
	access, err := r.crypto.Decrypt(model.AccessToken)
	if err != nil {
		return nil, accounts.WrapCryptoError("open access token", err)
	}
	refresh, err := r.crypto.Decrypt(model.RefreshToken)
	if err != nil {
		return nil, accounts.WrapCryptoError("open refresh token", err)
	}

	session := &accounts.Session{
		SessionID:    accounts.SessionID(model.SessionID),
		AccessToken:  access,
		RefreshToken: refresh,
		Scopes:       model.Scopes,
		Product:      accounts.Product(model.Product),
	}
	if session.Scopes == nil {
		session.Scopes = []string{}
	}

	if model.HVTokenType != nil || model.HVTokenCode != nil {
		tokenType, err := accounts.DecryptOptional(r.crypto, model.HVTokenType)
		if err != nil {
			return nil, accounts.WrapCryptoError("open verification headers", err)
		}
		tokenCode, err := accounts.DecryptOptional(r.crypto, model.HVTokenCode)
		if err != nil {
			return nil, accounts.WrapCryptoError("open verification headers", err)
		}
		session.Headers = &accounts.HumanVerificationHeaders{
			TokenType: deref(tokenType),
			TokenCode: deref(tokenCode),
		}
	}
	return session, nil
}

func (r *AccountRepository) publish(kind accounts.ChangeKind, userID accounts.UserID, sessionID accounts.SessionID, at time.Time) {
	r.changes.Publish(accounts.ChangeEvent{
		Kind:       kind,
		UserID:     userID,
		SessionID:  sessionID,
		OccurredAt: at,
	})
}

func toAccount(m *AccountModel) *accounts.Account {
	return &accounts.Account{
		UserID:       accounts.UserID(m.UserID),
		Username:     m.Username,
		Email:        m.Email,
		State:        accounts.AccountState(m.State),
		SessionID:    accounts.SessionID(m.SessionID),
		SessionState: accounts.SessionState(m.SessionState),
	}
}

func fromAccount(a *accounts.Account) *AccountModel {
	return &AccountModel{
		UserID:       string(a.UserID),
		Username:     a.Username,
		Email:        a.Email,
		State:        string(a.State),
		SessionID:    string(a.SessionID),
		SessionState: string(a.SessionState),
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
