package accounts

import (
	"fmt"
	"slices"
	"strings"
)

// UserID identifies an account.
type UserID string

func (id UserID) String() string { return string(id) }

// SessionID identifies a backend session. The empty value means no session.
type SessionID string

func (id SessionID) String() string { return string(id) }

// Product is the tenant tag stored with every session.
type Product string

const (
	ProductCalendar Product = "Calendar"
	ProductMail     Product = "Mail"
	ProductDrive    Product = "Drive"
	ProductVpn      Product = "Vpn"
)

// Account is one logged-in, or logging-in, user identity.
type Account struct {
	UserID       UserID       `json:"user_id"`
	Username     string       `json:"username"`
	Email        string       `json:"email,omitempty"`
	State        AccountState `json:"state"`
	SessionID    SessionID    `json:"session_id,omitempty"`
	SessionState SessionState `json:"session_state,omitempty"`
}

// Clone returns a copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// HasSession reports whether a session is attached.
func (a *Account) HasSession() bool {
	return a != nil && a.SessionID != ""
}

// HumanVerificationHeaders are attached to API calls once a human
// verification challenge is solved.
type HumanVerificationHeaders struct {
	TokenType string `json:"-"`
	TokenCode string `json:"-"`
}

func (h *HumanVerificationHeaders) String() string {
	if h == nil {
		return "<nil>"
	}
	return "HumanVerificationHeaders{TokenType:***, TokenCode:***}"
}

// GoString keeps %#v from printing the tokens.
func (h *HumanVerificationHeaders) GoString() string { return h.String() }

// Session is an authenticated, or partially authenticated, backend session.
// Token and header fields are secrets.
type Session struct {
	SessionID    SessionID                 `json:"session_id"`
	AccessToken  string                    `json:"-"`
	RefreshToken string                    `json:"-"`
	Scopes       []string                  `json:"scopes"`
	Headers      *HumanVerificationHeaders `json:"-"`
	Product      Product                   `json:"product,omitempty"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Scopes = cloneScopes(s.Scopes)
	if s.Headers != nil {
		h := *s.Headers
		c.Headers = &h
	}
	return &c
}

func (s *Session) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Session{SessionID:%s, Scopes:[%s], Headers:%t, Product:%s}",
		s.SessionID, strings.Join(s.Scopes, " "), s.Headers != nil, s.Product)
}

// GoString keeps %#v from printing the tokens.
func (s *Session) GoString() string { return s.String() }

func cloneScopes(scopes []string) []string {
	if scopes == nil {
		return []string{}
	}
	return slices.Clone(scopes)
}
