package accounts

import (
	"errors"
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidTransition = "INVALID_ACCOUNT_STATE_TRANSITION"
	TextCodeAccountNotFound   = "ACCOUNT_NOT_FOUND"
	TextCodeSessionNotFound   = "SESSION_NOT_FOUND"
	TextCodeSessionExists     = "SESSION_ALREADY_EXISTS"
	TextCodeInvalidAccount    = "INVALID_ACCOUNT"
	TextCodePersistence       = "ACCOUNT_PERSISTENCE_FAILED"
	TextCodeCrypto            = "ACCOUNT_CRYPTO_FAILED"
)

// ErrInvalidTransition is returned when the account or session is not in the
// state an operation expects. Nothing is written when it is returned.
var ErrInvalidTransition = goerrors.New("invalid account state transition", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidTransition).
	WithCode(goerrors.CodeConflict)

// ErrAccountNotFound is returned for unknown user ids.
var ErrAccountNotFound = goerrors.New("account not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeAccountNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = goerrors.New("session not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeSessionNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrSessionExists is returned by AddAccount when the session is already stored.
var ErrSessionExists = goerrors.New("session already exists", goerrors.CategoryConflict).
	WithTextCode(TextCodeSessionExists).
	WithCode(goerrors.CodeConflict)

// ErrInvalidAccount is returned when an account or session fails validation.
var ErrInvalidAccount = goerrors.New("invalid account", goerrors.CategoryBadInput).
	WithTextCode(TextCodeInvalidAccount).
	WithCode(goerrors.CodeBadRequest)

// ErrPersistence marks storage failures surfaced by a repository.
var ErrPersistence = goerrors.New("account persistence failed", goerrors.CategoryInternal).
	WithTextCode(TextCodePersistence).
	WithCode(goerrors.CodeInternal)

// ErrCrypto marks failures encrypting or decrypting session secrets.
var ErrCrypto = goerrors.New("session secret encryption failed", goerrors.CategoryInternal).
	WithTextCode(TextCodeCrypto).
	WithCode(goerrors.CodeInternal)

// IsNotFound reports whether err signals an unknown account or session.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrSessionNotFound)
}

// IsInvalidTransition reports whether err is a precondition violation.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsPersistenceError reports whether err was raised by the storage layer.
func IsPersistenceError(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// withMeta returns a copy of base carrying meta. The sentinel itself is
// never mutated so it stays safe for concurrent use.
func withMeta(base *goerrors.Error, meta map[string]any) error {
	clone := base.Clone()
	if clone == nil {
		return base
	}
	clone.WithMetadata(meta)
	return &taggedError{err: clone, sentinel: base}
}

// taggedError is a metadata carrying copy of a sentinel. errors.Is matches
// the sentinel and errors.As yields the copy.
type taggedError struct {
	err      *goerrors.Error
	sentinel *goerrors.Error
}

func (e *taggedError) Error() string { return e.err.Error() }

func (e *taggedError) Unwrap() error { return e.err }

func (e *taggedError) Is(target error) bool { return target == error(e.sentinel) }

// NewAccountNotFound returns ErrAccountNotFound tagged with userID.
func NewAccountNotFound(userID UserID) error {
	return withMeta(ErrAccountNotFound, map[string]any{"user_id": userID})
}

// NewSessionNotFound returns ErrSessionNotFound tagged with sessionID.
func NewSessionNotFound(sessionID SessionID) error {
	return withMeta(ErrSessionNotFound, map[string]any{"session_id": sessionID})
}

// NewSessionExists returns ErrSessionExists tagged with sessionID.
func NewSessionExists(sessionID SessionID) error {
	return withMeta(ErrSessionExists, map[string]any{"session_id": sessionID})
}

// WrapPersistenceError marks err as a storage failure for op. Domain errors
// and errors that are already marked are returned unchanged.
func WrapPersistenceError(op string, err error) error {
	return persistenceError(op, err)
}

// persistenceError wraps repository failures so callers can tell them apart
// from not-found and precondition errors. The cause stays in the chain.
func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsInvalidTransition(err) || errors.Is(err, ErrInvalidAccount) ||
		errors.Is(err, ErrSessionExists) || errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// cryptoError wraps encryption failures. The message never includes plaintext.
func cryptoError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrCrypto, op, err)
}

// WrapCryptoError marks err as a crypto failure unless it already is one.
func WrapCryptoError(op string, err error) error {
	if err == nil || errors.Is(err, ErrCrypto) {
		return err
	}
	return cryptoError(op, err)
}
