package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/storefront/internal/apperror"
	"github.com/sakif/storefront/internal/httputil"
	"github.com/sakif/storefront/internal/metrics"
	"github.com/sakif/storefront/internal/model"
)

// contextKey is an unexported type used for context keys in this package, so
// no other package can read or shadow the account stored here.
type contextKey string

const accountKey contextKey = "account"

// Session verification outcomes, used as metric labels.
const (
	OutcomeNoCookie       = "no_cookie"
	OutcomeInvalid        = "invalid"
	OutcomeExpired        = "expired"
	OutcomeAccountMissing = "account_missing"
	OutcomeStoreError     = "store_error"
	OutcomeAuthenticated  = "authenticated"
)

// AccountGetter is the slice of the account store the verifier needs.
type AccountGetter interface {
	GetByID(ctx context.Context, id string) (*model.Account, error)
}

// SessionVerifier runs before every handler and turns the session cookie
// into an account in the request context.
//
// It never fails a request. Every problem with the cookie degrades to an
// anonymous request:
//
//	no cookie                       → anonymous
//	bad signature / malformed       → anonymous, cookie cleared
//	expired                         → anonymous, cookie cleared
//	valid, account no longer exists → anonymous, cookie cleared
//	valid, account store failing    → anonymous, cookie kept
//	valid, account found            → authenticated
type SessionVerifier struct {
	tokens   *TokenService
	accounts AccountGetter
	cookie   CookieConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewSessionVerifier(
	tokens *TokenService,
	accounts AccountGetter,
	cookie CookieConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *SessionVerifier {
	return &SessionVerifier{
		tokens:   tokens,
		accounts: accounts,
		cookie:   cookie.normalize(),
		metrics:  m,
		logger:   logger,
	}
}

// Middleware is the chi-compatible middleware form of the verifier.
func (v *SessionVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, outcome := v.verify(w, r)
		v.metrics.ObserveSession(outcome)
		if account != nil {
			r = r.WithContext(WithAccount(r.Context(), account))
		}
		next.ServeHTTP(w, r)
	})
}

func (v *SessionVerifier) verify(w http.ResponseWriter, r *http.Request) (*model.Account, string) {
	cookie, err := r.Cookie(v.cookie.Name)
	if err != nil || cookie.Value == "" {
		return nil, OutcomeNoCookie
	}

	claims, err := v.tokens.Validate(cookie.Value)
	if err != nil {
		ClearSessionCookie(w, v.cookie)
		if errors.Is(err, apperror.ErrExpired) {
			return nil, OutcomeExpired
		}
		v.logger.Debug("session: rejecting token", slog.String("error", err.Error()))
		return nil, OutcomeInvalid
	}

	account, err := v.accounts.GetByID(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			ClearSessionCookie(w, v.cookie)
			v.logger.Info("session: account no longer exists",
				slog.String("accountID", claims.Subject),
			)
			return nil, OutcomeAccountMissing
		}
		v.logger.Warn("session: account lookup failed, continuing anonymously",
			slog.String("accountID", claims.Subject),
			slog.String("error", err.Error()),
		)
		return nil, OutcomeStoreError
	}

	return account, OutcomeAuthenticated
}

// RequireAuth rejects anonymous requests with 401. It must run after
// SessionVerifier.Middleware.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := AccountFromContext(r.Context()); !ok {
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "valid session required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithAccount returns a copy of ctx carrying account.
func WithAccount(ctx context.Context, account *model.Account) context.Context {
	return context.WithValue(ctx, accountKey, account)
}

// AccountFromContext returns the account resolved by SessionVerifier, or
// (nil, false) for anonymous requests.
func AccountFromContext(ctx context.Context) (*model.Account, bool) {
	a, ok := ctx.Value(accountKey).(*model.Account)
	return a, ok && a != nil
}
