// Package api exposes the account manager over HTTP for upstream auth flows.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	accounts "github.com/goliatone/go-accounts"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

// Controller maps HTTP requests to AccountManager operations. Every
// response body is built from the public Account and Session views, so
// tokens and verification headers never leave the process.
type Controller struct {
	manager accounts.AccountManager
	logger  accounts.Logger
}

// Option customizes the controller.
type Option func(*Controller)

// WithLogger overrides the logger.
func WithLogger(logger accounts.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLoggerProvider resolves the "accounts.api" logger from provider.
func WithLoggerProvider(provider accounts.LoggerProvider) Option {
	return func(c *Controller) {
		_, c.logger = accounts.ResolveLogger("accounts.api", provider, c.logger)
	}
}

// NewController returns a controller backed by manager.
func NewController(manager accounts.AccountManager, opts ...Option) *Controller {
	c := &Controller{manager: manager}
	_, c.logger = accounts.ResolveLogger("accounts.api", nil, nil)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// RegisterRoutes mounts the controller routes on app.
func RegisterRoutes[T any](app router.Router[T], c *Controller) {
	app.Get("/accounts", c.ListAccounts).SetName("accounts.list")
	app.Post("/accounts", c.AddAccount).SetName("accounts.add")
	app.Get("/accounts/:userID", c.GetAccount).SetName("accounts.get")
	app.Delete("/accounts/:userID", c.RemoveAccount).SetName("accounts.remove")
	app.Post("/accounts/:userID/disable", c.DisableAccount).SetName("accounts.disable")

	app.Get("/sessions", c.ListSessions).SetName("sessions.list")
	app.Get("/sessions/:sessionID", c.GetSession).SetName("sessions.get")
	app.Post("/sessions/:sessionID/two-pass/success", c.TwoPassModeSuccess).SetName("sessions.two-pass.success")
	app.Post("/sessions/:sessionID/two-pass/failure", c.TwoPassModeFailed).SetName("sessions.two-pass.failure")
	app.Post("/sessions/:sessionID/second-factor/success", c.SecondFactorSuccess).SetName("sessions.second-factor.success")
	app.Post("/sessions/:sessionID/second-factor/failure", c.SecondFactorFailed).SetName("sessions.second-factor.failure")
	app.Post("/sessions/:sessionID/human-verification/needed", c.HumanVerificationNeeded).SetName("sessions.human-verification.needed")
	app.Post("/sessions/:sessionID/human-verification/success", c.HumanVerificationSuccess).SetName("sessions.human-verification.success")
	app.Post("/sessions/:sessionID/human-verification/failure", c.HumanVerificationFailed).SetName("sessions.human-verification.failure")
	app.Post("/sessions/:sessionID/refresh", c.SessionRefreshed).SetName("sessions.refresh")
	app.Post("/sessions/:sessionID/force-logout", c.ForceLogout).SetName("sessions.force-logout")
}

// AddAccountPayload is the body of POST /accounts.
type AddAccountPayload struct {
	UserID       string   `json:"user_id"`
	Username     string   `json:"username"`
	Email        string   `json:"email"`
	State        string   `json:"state"`
	SessionState string   `json:"session_state"`
	SessionID    string   `json:"session_id"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	Scopes       []string `json:"scopes"`
}

// Validate will validate the payload
func (p AddAccountPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.UserID, validation.Required, validation.Length(1, 255)),
		validation.Field(&p.Username, validation.Required, validation.Length(1, 255)),
		validation.Field(&p.Email, is.Email),
		validation.Field(&p.State, validation.Required),
		validation.Field(&p.SessionID, validation.Required, validation.Length(1, 255)),
		validation.Field(&p.AccessToken, validation.Required),
		validation.Field(&p.RefreshToken, validation.Required),
	)
}

// ScopesPayload carries the scopes granted after a second factor.
type ScopesPayload struct {
	Scopes []string `json:"scopes"`
}

// Validate will validate the payload
func (p ScopesPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Scopes, validation.NotNil, validation.By(nonBlankScopes)),
	)
}

func nonBlankScopes(value any) error {
	scopes, _ := value.([]string)
	for _, scope := range scopes {
		if strings.TrimSpace(scope) == "" {
			return errors.New("scopes must not contain blank entries")
		}
	}
	return nil
}

// HumanVerificationPayload carries the solved challenge headers.
type HumanVerificationPayload struct {
	TokenType string `json:"token_type"`
	TokenCode string `json:"token_code"`
}

// Validate will validate the payload
func (p HumanVerificationPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.TokenType, validation.Required, validation.Length(1, 64)),
		validation.Field(&p.TokenCode, validation.Required),
	)
}

// RefreshPayload carries rotated tokens. A nil Scopes keeps the stored list.
type RefreshPayload struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	Scopes       []string `json:"scopes"`
}

// Validate will validate the payload
func (p RefreshPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.AccessToken, validation.Required),
		validation.Field(&p.RefreshToken, validation.Required),
		validation.Field(&p.Scopes, validation.By(nonBlankScopes)),
	)
}

func (c *Controller) ListAccounts(ctx router.Context) error {
	list, err := c.manager.GetAccounts(ctx.Context())
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, map[string]any{"accounts": list})
}

func (c *Controller) GetAccount(ctx router.Context) error {
	account, err := c.manager.GetAccount(ctx.Context(), accounts.UserID(ctx.Param("userID")))
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, account)
}

func (c *Controller) AddAccount(ctx router.Context) error {
	payload := new(AddAccountPayload)
	if err := c.bind(ctx, payload); err != nil {
		return c.fail(ctx, err)
	}

	account := &accounts.Account{
		UserID:       accounts.UserID(payload.UserID),
		Username:     payload.Username,
		Email:        payload.Email,
		State:        accounts.AccountState(payload.State),
		SessionState: accounts.SessionState(payload.SessionState),
	}
	session := &accounts.Session{
		SessionID:    accounts.SessionID(payload.SessionID),
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		Scopes:       payload.Scopes,
	}

	if err := c.manager.AddAccount(ctx.Context(), account, session); err != nil {
		return c.fail(ctx, err)
	}
	return c.respondAccount(ctx, account.UserID, http.StatusCreated)
}

func (c *Controller) RemoveAccount(ctx router.Context) error {
	if err := c.manager.RemoveAccount(ctx.Context(), accounts.UserID(ctx.Param("userID"))); err != nil {
		return c.fail(ctx, err)
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (c *Controller) DisableAccount(ctx router.Context) error {
	userID := accounts.UserID(ctx.Param("userID"))
	if err := c.manager.DisableAccount(ctx.Context(), userID); err != nil {
		return c.fail(ctx, err)
	}
	return c.respondAccount(ctx, userID, http.StatusOK)
}

func (c *Controller) ListSessions(ctx router.Context) error {
	list, err := c.manager.GetSessions(ctx.Context())
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, map[string]any{"sessions": list})
}

func (c *Controller) GetSession(ctx router.Context) error {
	session, err := c.manager.GetSession(ctx.Context(), accounts.SessionID(ctx.Param("sessionID")))
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, session)
}

func (c *Controller) TwoPassModeSuccess(ctx router.Context) error {
	return c.transition(ctx, c.manager.HandleTwoPassModeSuccess)
}

func (c *Controller) TwoPassModeFailed(ctx router.Context) error {
	return c.transition(ctx, c.manager.HandleTwoPassModeFailed)
}

func (c *Controller) SecondFactorSuccess(ctx router.Context) error {
	payload := new(ScopesPayload)
	if err := c.bind(ctx, payload); err != nil {
		return c.fail(ctx, err)
	}

	sessionID := accounts.SessionID(ctx.Param("sessionID"))
	if err := c.manager.HandleSecondFactorSuccess(ctx.Context(), sessionID, payload.Scopes); err != nil {
		return c.fail(ctx, err)
	}
	return c.respondSessionAccount(ctx, sessionID)
}

func (c *Controller) SecondFactorFailed(ctx router.Context) error {
	return c.transition(ctx, c.manager.HandleSecondFactorFailed)
}

func (c *Controller) HumanVerificationNeeded(ctx router.Context) error {
	return c.transition(ctx, c.manager.HandleHumanVerificationNeeded)
}

func (c *Controller) HumanVerificationSuccess(ctx router.Context) error {
	payload := new(HumanVerificationPayload)
	if err := c.bind(ctx, payload); err != nil {
		return c.fail(ctx, err)
	}

	sessionID := accounts.SessionID(ctx.Param("sessionID"))
	if err := c.manager.HandleHumanVerificationSuccess(ctx.Context(), sessionID, payload.TokenType, payload.TokenCode); err != nil {
		return c.fail(ctx, err)
	}
	return c.respondSessionAccount(ctx, sessionID)
}

func (c *Controller) HumanVerificationFailed(ctx router.Context) error {
	return c.transition(ctx, c.manager.HandleHumanVerificationFailed)
}

func (c *Controller) SessionRefreshed(ctx router.Context) error {
	payload := new(RefreshPayload)
	if err := c.bind(ctx, payload); err != nil {
		return c.fail(ctx, err)
	}

	sessionID := accounts.SessionID(ctx.Param("sessionID"))
	if err := c.manager.HandleSessionRefreshed(ctx.Context(), sessionID, payload.AccessToken, payload.RefreshToken, payload.Scopes); err != nil {
		return c.fail(ctx, err)
	}

	session, err := c.manager.GetSession(ctx.Context(), sessionID)
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, session)
}

// ForceLogout drops the session, so the response carries no body.
func (c *Controller) ForceLogout(ctx router.Context) error {
	sessionID := accounts.SessionID(ctx.Param("sessionID"))
	if err := c.manager.HandleSessionForceLogout(ctx.Context(), sessionID); err != nil {
		return c.fail(ctx, err)
	}
	return ctx.NoContent(http.StatusNoContent)
}

type validator interface {
	Validate() error
}

func (c *Controller) bind(ctx router.Context, payload validator) error {
	if err := ctx.Bind(payload); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "Error parsing body").
			WithCode(goerrors.CodeBadRequest)
	}
	if err := payload.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "Error validating payload").
			WithCode(goerrors.CodeBadRequest).
			WithMetadata(map[string]any{"fields": err.Error()})
	}
	return nil
}

func (c *Controller) transition(ctx router.Context, op func(context.Context, accounts.SessionID) error) error {
	sessionID := accounts.SessionID(ctx.Param("sessionID"))
	if err := op(ctx.Context(), sessionID); err != nil {
		return c.fail(ctx, err)
	}
	return c.respondSessionAccount(ctx, sessionID)
}

// respondSessionAccount returns the account that owns sessionID, looked up
// after the transition committed.
func (c *Controller) respondSessionAccount(ctx router.Context, sessionID accounts.SessionID) error {
	list, err := c.manager.GetAccounts(ctx.Context())
	if err != nil {
		return c.fail(ctx, err)
	}
	for _, account := range list {
		if account.SessionID == sessionID {
			return ctx.JSON(http.StatusOK, account)
		}
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (c *Controller) respondAccount(ctx router.Context, userID accounts.UserID, status int) error {
	account, err := c.manager.GetAccount(ctx.Context(), userID)
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(status, account)
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Message  string         `json:"message"`
	TextCode string         `json:"text_code,omitempty"`
	Category string         `json:"category,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (c *Controller) fail(ctx router.Context, err error) error {
	var richErr *goerrors.Error
	if !errors.As(err, &richErr) {
		richErr = goerrors.Wrap(err, goerrors.CategoryInternal, "An unexpected server error occurred").
			WithCode(goerrors.CodeInternal)
	}

	status := richErr.Code
	if status < http.StatusBadRequest || status > 599 {
		status = http.StatusInternalServerError
	}

	level := c.logger.Warn
	if status >= http.StatusInternalServerError {
		level = c.logger.Error
	}
	level("account request failed",
		"method", ctx.Method(),
		"status", status,
		"text_code", richErr.TextCode,
		"details", print.MaybePrettyJSON(richErr.Metadata),
		"error", err,
	)

	return ctx.JSON(status, map[string]any{"error": ErrorResponse{
		Message:  richErr.Message,
		TextCode: richErr.TextCode,
		Category: fmt.Sprint(richErr.Category),
		Metadata: richErr.Metadata,
	}})
}
