package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	accounts "github.com/goliatone/go-accounts"
	"github.com/goliatone/go-accounts/api"
	"github.com/goliatone/go-accounts/logging"
	"github.com/goliatone/go-router"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type errorBody struct {
	Error api.ErrorResponse `json:"error"`
}

type response struct {
	status int
	body   []byte
}

func newTestController(t *testing.T, seed ...*accounts.Account) (*api.Controller, *accounts.MemoryRepository) {
	t.Helper()

	repo := accounts.NewMemoryRepository()
	for _, account := range seed {
		session := &accounts.Session{
			SessionID:    account.SessionID,
			AccessToken:  "accessToken",
			RefreshToken: "refreshToken",
			Scopes:       []string{"full"},
			Product:      accounts.ProductMail,
		}
		require.NoError(t, repo.CreateOrUpdateAccountSession(context.Background(), account, session))
	}

	logger := logging.Wrap(zerolog.Nop())
	manager := accounts.NewAccountManager(accounts.ProductMail, repo, accounts.WithManagerLogger(logger))
	t.Cleanup(manager.Close)

	return api.NewController(manager, api.WithLogger(logger)), repo
}

// call runs handler against a mock context. body is decoded into the bound
// payload; an error body is returned from Bind instead.
func call(t *testing.T, handler func(router.Context) error, params map[string]string, body any) response {
	t.Helper()

	ctx := router.NewMockContext()
	for key, value := range params {
		ctx.ParamsM[key] = value
	}
	ctx.On("Context").Return(context.Background())
	ctx.On("Method").Return(http.MethodPost).Maybe()

	if bindErr, ok := body.(error); ok {
		ctx.On("Bind", mock.Anything).Return(bindErr)
	} else {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		ctx.On("Bind", mock.Anything).Run(func(args mock.Arguments) {
			require.NoError(t, json.Unmarshal(raw, args.Get(0)))
		}).Return(nil).Maybe()
	}

	var out response
	ctx.On("JSON", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		out.status = args.Int(0)
		raw, err := json.Marshal(args.Get(1))
		require.NoError(t, err)
		out.body = raw
	}).Return(nil).Maybe()
	ctx.On("NoContent", mock.Anything).Run(func(args mock.Arguments) {
		out.status = args.Int(0)
	}).Return(nil).Maybe()

	require.NoError(t, handler(ctx))
	return out
}

func sessionParam(id string) map[string]string { return map[string]string{"sessionID": id} }

func userParam(id string) map[string]string { return map[string]string{"userID": id} }

func seedAccount(state accounts.AccountState, sessionState accounts.SessionState) *accounts.Account {
	return &accounts.Account{
		UserID:       "user1",
		Username:     "username",
		Email:        "test@example.com",
		State:        state,
		SessionID:    "session1",
		SessionState: sessionState,
	}
}

func TestControllerAddAccount(t *testing.T) {
	ctrl, repo := newTestController(t)

	resp := call(t, ctrl.AddAccount, nil, api.AddAccountPayload{
		UserID:       "user1",
		Username:     "username",
		Email:        "test@example.com",
		State:        "NotReady",
		SessionState: "SecondFactorNeeded",
		SessionID:    "session1",
		AccessToken:  "accessToken",
		RefreshToken: "refreshToken",
		Scopes:       []string{"full"},
	})
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))

	var account accounts.Account
	require.NoError(t, json.Unmarshal(resp.body, &account))
	assert.Equal(t, accounts.UserID("user1"), account.UserID)
	assert.Equal(t, accounts.AccountStateNotReady, account.State)
	assert.NotContains(t, string(resp.body), "accessToken")

	_, err := repo.GetSession(context.Background(), "session1")
	require.NoError(t, err)
}

func TestControllerAddAccountRejectsInvalidPayload(t *testing.T) {
	ctrl, _ := newTestController(t)

	resp := call(t, ctrl.AddAccount, nil, api.AddAccountPayload{
		UserID:   "user1",
		Username: "username",
		Email:    "not-an-email",
	})
	assert.Equal(t, http.StatusBadRequest, resp.status)

	var out errorBody
	require.NoError(t, json.Unmarshal(resp.body, &out))
	assert.NotEmpty(t, out.Error.Message)
}

func TestControllerAddAccountRejectsMalformedBody(t *testing.T) {
	ctrl, _ := newTestController(t)

	resp := call(t, ctrl.AddAccount, nil, errors.New("unexpected end of JSON input"))
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestControllerAddAccountDuplicateSession(t *testing.T) {
	ctrl, _ := newTestController(t, seedAccount(accounts.AccountStateReady, accounts.SessionStateAuthenticated))

	resp := call(t, ctrl.AddAccount, nil, api.AddAccountPayload{
		UserID:       "user1",
		Username:     "username",
		State:        "NotReady",
		SessionID:    "session1",
		AccessToken:  "accessToken",
		RefreshToken: "refreshToken",
	})
	assert.Equal(t, http.StatusConflict, resp.status)

	var out errorBody
	require.NoError(t, json.Unmarshal(resp.body, &out))
	assert.Equal(t, accounts.TextCodeSessionExists, out.Error.TextCode)
}

func TestControllerSecondFactorSuccess(t *testing.T) {
	ctrl, _ := newTestController(t, seedAccount(accounts.AccountStateNotReady, accounts.SessionStateSecondFactorNeeded))

	resp := call(t, ctrl.SecondFactorSuccess, sessionParam("session1"), api.ScopesPayload{
		Scopes: []string{"scope1", "scope2"},
	})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))

	var account accounts.Account
	require.NoError(t, json.Unmarshal(resp.body, &account))
	assert.Equal(t, accounts.AccountStateReady, account.State)
	assert.Equal(t, accounts.SessionStateAuthenticated, account.SessionState)

	resp = call(t, ctrl.GetSession, sessionParam("session1"), nil)
	require.Equal(t, http.StatusOK, resp.status)

	var stored accounts.Session
	require.NoError(t, json.Unmarshal(resp.body, &stored))
	assert.Equal(t, []string{"scope1", "scope2"}, stored.Scopes)
	assert.NotContains(t, string(resp.body), "accessToken")
	assert.NotContains(t, string(resp.body), "refreshToken")
}

func TestControllerSecondFactorSuccessRequiresScopes(t *testing.T) {
	ctrl, _ := newTestController(t, seedAccount(accounts.AccountStateNotReady, accounts.SessionStateSecondFactorNeeded))

	resp := call(t, ctrl.SecondFactorSuccess, sessionParam("session1"), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestControllerRejectsInvalidTransition(t *testing.T) {
	ctrl, _ := newTestController(t, seedAccount(accounts.AccountStateReady, accounts.SessionStateAuthenticated))

	resp := call(t, ctrl.SecondFactorFailed, sessionParam("session1"), nil)
	assert.Equal(t, http.StatusConflict, resp.status)

	var out errorBody
	require.NoError(t, json.Unmarshal(resp.body, &out))
	assert.Equal(t, accounts.TextCodeInvalidTransition, out.Error.TextCode)
}

func TestControllerUnknownSession(t *testing.T) {
	ctrl, _ := newTestController(t)

	resp := call(t, ctrl.TwoPassModeSuccess, sessionParam("missing"), nil)
	assert.Equal(t, http.StatusNotFound, resp.status)

	var out errorBody
	require.NoError(t, json.Unmarshal(resp.body, &out))
	assert.Equal(t, accounts.TextCodeSessionNotFound, out.Error.TextCode)
}

func TestControllerHumanVerificationSuccess(t *testing.T) {
	ctrl, repo := newTestController(t, seedAccount(accounts.AccountStateNotReady, accounts.SessionStateHumanVerificationNeeded))

	resp := call(t, ctrl.HumanVerificationSuccess, sessionParam("session1"), api.HumanVerificationPayload{
		TokenType: "captcha",
		TokenCode: "solved",
	})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	assert.NotContains(t, string(resp.body), "solved")

	stored, err := repo.GetSession(context.Background(), "session1")
	require.NoError(t, err)
	require.NotNil(t, stored.Headers)
	assert.Equal(t, "captcha", stored.Headers.TokenType)
	assert.Equal(t, "solved", stored.Headers.TokenCode)
}

func TestControllerRefresh(t *testing.T) {
	ctrl, repo := newTestController(t, seedAccount(accounts.AccountStateReady, accounts.SessionStateAuthenticated))

	resp := call(t, ctrl.SessionRefreshed, sessionParam("session1"), api.RefreshPayload{
		AccessToken:  "newAccess",
		RefreshToken: "newRefresh",
	})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	assert.NotContains(t, string(resp.body), "newAccess")

	stored, err := repo.GetSession(context.Background(), "session1")
	require.NoError(t, err)
	assert.Equal(t, "newAccess", stored.AccessToken)
	assert.Equal(t, []string{"full"}, stored.Scopes)
}

func TestControllerForceLogout(t *testing.T) {
	ctrl, _ := newTestController(t, seedAccount(accounts.AccountStateReady, accounts.SessionStateAuthenticated))

	resp := call(t, ctrl.ForceLogout, sessionParam("session1"), nil)
	assert.Equal(t, http.StatusNoContent, resp.status)

	resp = call(t, ctrl.GetAccount, userParam("user1"), nil)
	require.Equal(t, http.StatusOK, resp.status)

	var account accounts.Account
	require.NoError(t, json.Unmarshal(resp.body, &account))
	assert.Equal(t, accounts.AccountStateDisabled, account.State)
	assert.Empty(t, account.SessionID)

	resp = call(t, ctrl.GetSession, sessionParam("session1"), nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
}

func TestControllerDisableAndRemove(t *testing.T) {
	ctrl, _ := newTestController(t, seedAccount(accounts.AccountStateReady, accounts.SessionStateAuthenticated))

	resp := call(t, ctrl.DisableAccount, userParam("user1"), nil)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))

	var account accounts.Account
	require.NoError(t, json.Unmarshal(resp.body, &account))
	assert.Equal(t, accounts.AccountStateDisabled, account.State)

	resp = call(t, ctrl.RemoveAccount, userParam("user1"), nil)
	assert.Equal(t, http.StatusNoContent, resp.status)

	resp = call(t, ctrl.GetAccount, userParam("user1"), nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
}

func TestControllerListAccounts(t *testing.T) {
	ctrl, _ := newTestController(t, seedAccount(accounts.AccountStateReady, accounts.SessionStateAuthenticated))

	resp := call(t, ctrl.ListAccounts, nil, nil)
	require.Equal(t, http.StatusOK, resp.status)

	var out struct {
		Accounts []accounts.Account `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(resp.body, &out))
	require.Len(t, out.Accounts, 1)
	assert.Equal(t, accounts.UserID("user1"), out.Accounts[0].UserID)

	resp = call(t, ctrl.ListSessions, nil, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.NotContains(t, string(resp.body), "accessToken")
}
