package repository

import (
	"time"

	"github.com/uptrace/bun"
)

// AccountModel is the Bun model for accounts.
type AccountModel struct {
	bun.BaseModel `bun:"table:accounts"`

	UserID       string    `bun:"user_id,pk"`
	Username     string    `bun:"username,notnull"`
	Email        string    `bun:"email"`
	State        string    `bun:"state,notnull"`
	SessionID    string    `bun:"session_id,nullzero"`
	SessionState string    `bun:"session_state"`
	Version      int64     `bun:"version,notnull,default:0"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// SessionModel is the Bun model for sessions. Token and header columns hold
// sealed values only.
type SessionModel struct {
	bun.BaseModel `bun:"table:sessions"`

	SessionID    string    `bun:"session_id,pk"`
	UserID       string    `bun:"user_id,notnull"`
	AccessToken  string    `bun:"access_token,notnull"`
	RefreshToken string    `bun:"refresh_token,notnull"`
	HVTokenType  *string   `bun:"hv_token_type"`
	HVTokenCode  *string   `bun:"hv_token_code"`
	Scopes       []string  `bun:"scopes,type:jsonb"`
	Product      string    `bun:"product"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,notnull,default:current_timestamp"`

	Account *AccountModel `bun:"rel:belongs-to,join:user_id=user_id"`
}
