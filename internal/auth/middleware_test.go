package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/storefront/internal/apperror"
	"github.com/sakif/storefront/internal/model"
)

// fakeAccounts is an in-memory AccountGetter.
type fakeAccounts struct {
	byID map[string]*model.Account
	err  error
}

func (f *fakeAccounts) GetByID(_ context.Context, id string) (*model.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	a, ok := f.byID[id]
	if !ok {
		return nil, apperror.NotFound("account", id)
	}
	return a, nil
}

type verifierFixture struct {
	tokens   *TokenService
	accounts *fakeAccounts
	verifier *SessionVerifier
	cookie   CookieConfig
}

func newVerifierFixture(t *testing.T) *verifierFixture {
	t.Helper()
	tokens := newTestTokenService(t)
	accounts := &fakeAccounts{byID: map[string]*model.Account{
		"acct-1": {ID: "acct-1", TelegramID: 42, FullName: "Alice", Role: model.DefaultRole},
	}}
	cookie := CookieConfig{Name: "session-token", Secure: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &verifierFixture{
		tokens:   tokens,
		accounts: accounts,
		verifier: NewSessionVerifier(tokens, accounts, cookie, nil, logger),
		cookie:   cookie,
	}
}

// serve runs a request through the verifier and reports what the downstream
// handler saw.
func (f *verifierFixture) serve(t *testing.T, cookieValue string) (*httptest.ResponseRecorder, *model.Account, bool) {
	t.Helper()

	var (
		seen    *model.Account
		reached bool
	)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		seen, _ = AccountFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	if cookieValue != "" {
		req.AddCookie(&http.Cookie{Name: f.cookie.Name, Value: cookieValue})
	}
	rr := httptest.NewRecorder()
	f.verifier.Middleware(next).ServeHTTP(rr, req)

	return rr, seen, reached
}

func clearedCookie(rr *httptest.ResponseRecorder, name string) bool {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name && c.MaxAge < 0 {
			return true
		}
	}
	return false
}

func TestSessionVerifier_NoCookie(t *testing.T) {
	f := newVerifierFixture(t)

	rr, account, reached := f.serve(t, "")

	assert.True(t, reached)
	assert.Nil(t, account)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Result().Cookies(), "no cookie means nothing to clear")
}

func TestSessionVerifier_ValidSession(t *testing.T) {
	f := newVerifierFixture(t)
	cred, err := f.tokens.Issue("acct-1", model.DefaultRole)
	require.NoError(t, err)

	rr, account, reached := f.serve(t, cred.Token)

	assert.True(t, reached)
	require.NotNil(t, account)
	assert.Equal(t, "acct-1", account.ID)
	assert.False(t, clearedCookie(rr, f.cookie.Name))
}

func TestSessionVerifier_DegradesToAnonymous(t *testing.T) {
	f := newVerifierFixture(t)

	expired, err := f.tokens.IssueWithLifetime("acct-1", "", -time.Minute)
	require.NoError(t, err)

	otherSecret, err := NewTokenService("a-completely-different-secret!!", time.Hour, "")
	require.NoError(t, err)
	forged, err := otherSecret.Issue("acct-1", "")
	require.NoError(t, err)

	orphan, err := f.tokens.Issue("acct-deleted", "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		cookie string
	}{
		{"garbage", "definitely-not-a-jwt"},
		{"bad signature", forged.Token},
		{"expired", expired.Token},
		{"account missing", orphan.Token},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, account, reached := f.serve(t, tt.cookie)

			assert.True(t, reached, "request must never be aborted")
			assert.Nil(t, account)
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.True(t, clearedCookie(rr, f.cookie.Name), "cookie should be cleared")
		})
	}
}

func TestSessionVerifier_StoreFailureKeepsCookie(t *testing.T) {
	f := newVerifierFixture(t)
	f.accounts.err = errors.New("connection reset by peer")
	cred, _ := f.tokens.Issue("acct-1", "")

	rr, account, reached := f.serve(t, cred.Token)

	assert.True(t, reached)
	assert.Nil(t, account)
	assert.False(t, clearedCookie(rr, f.cookie.Name), "a transient store error must not log the user out")
}

func TestRequireAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("anonymous", func(t *testing.T) {
		rr := httptest.NewRecorder()
		RequireAuth(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/me", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.JSONEq(t, `{"error":"unauthorized","message":"valid session required"}`, rr.Body.String())
	})

	t.Run("authenticated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
		req = req.WithContext(WithAccount(req.Context(), &model.Account{ID: "acct-1"}))
		rr := httptest.NewRecorder()
		RequireAuth(ok).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})
}

func TestSetSessionCookie_Flags(t *testing.T) {
	ts := newTestTokenService(t)
	cred, err := ts.Issue("acct-1", "")
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	SetSessionCookie(rr, CookieConfig{Secure: true}, cred)

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, DefaultCookieName, c.Name)
	assert.Equal(t, cred.Token, c.Value)
	assert.Equal(t, "/", c.Path)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, int(DefaultSessionLifetime.Seconds()), c.MaxAge)
}
