package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/sakif/storefront/internal/apperror"
	"github.com/sakif/storefront/internal/auth"
	"github.com/sakif/storefront/internal/model"
	"github.com/sakif/storefront/internal/service"
)

// maxBodyBytes bounds login and profile request bodies. Real initData is a
// few hundred bytes.
const maxBodyBytes = 64 << 10

// AuthHandler serves the Mini-App login, logout and profile endpoints.
//
//   - HandleTelegramLogin → verify initData, resolve the account, set the session cookie
//   - HandleLogout        → clear the session cookie
//   - HandleMe            → current account
//   - HandleUpdateMe      → edit profile fields
type AuthHandler struct {
	auth   *service.AuthService
	cookie auth.CookieConfig
	logger *slog.Logger
}

func NewAuthHandler(svc *service.AuthService, cookie auth.CookieConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   svc,
		cookie: cookie,
		logger: logger,
	}
}

// LoginRequest is the JSON login body.
type LoginRequest struct {
	InitData string `json:"initData"`
}

// LoginResponse is returned on successful login. The token itself is only
// ever sent in the HttpOnly cookie.
type LoginResponse struct {
	Account   *model.Account `json:"account"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// HandleTelegramLogin logs a Mini-App user in.
//
// HTTP: POST /api/auth/telegram
//
// Accepted bodies:
//   - application/json: {"initData": "<url-encoded initData>"}
//   - application/x-www-form-urlencoded: either a single initData field, or
//     the initData fields themselves (hash, auth_date, user, ...)
func (h *AuthHandler) HandleTelegramLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var (
		result *service.LoginResult
		err    error
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperror.ValidationFailed("", "request body must be a JSON object"))
			return
		}
		result, err = h.auth.LoginWithInitData(r.Context(), req.InitData)

	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			writeError(w, apperror.ValidationFailed("", "request body is not a valid form"))
			return
		}
		result, err = h.loginWithForm(r, r.PostForm)

	default:
		writeError(w, apperror.ValidationFailed("",
			"Content-Type must be application/json or application/x-www-form-urlencoded"))
		return
	}

	if err != nil {
		writeError(w, err)
		return
	}

	auth.SetSessionCookie(w, h.cookie, result.Credential)
	writeJSON(w, http.StatusOK, LoginResponse{
		Account:   result.Account,
		ExpiresAt: result.Credential.ExpiresAt,
	})
}

func (h *AuthHandler) loginWithForm(r *http.Request, form url.Values) (*service.LoginResult, error) {
	if len(form) == 1 {
		if raw, ok := form["initData"]; ok && len(raw) == 1 {
			return h.auth.LoginWithInitData(r.Context(), raw[0])
		}
	}
	if len(form) == 0 {
		return h.auth.LoginWithInitData(r.Context(), "")
	}
	return h.auth.LoginWithValues(r.Context(), form)
}

// HandleLogout clears the session cookie.
//
// HTTP: POST /api/auth/logout
//
// Sessions are stateless JWTs, so the token stays valid until exp; without
// the cookie the browser just stops sending it.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookie(w, h.cookie)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe returns the account resolved by the session verifier.
//
// HTTP: GET /api/me (RequireAuth)
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid session required"))
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// HandleUpdateMe edits the current account's profile.
//
// HTTP: PATCH /api/me (RequireAuth)
// Body: {"fullName"?: string, "username"?: string, "avatarUrl"?: string}
func (h *AuthHandler) HandleUpdateMe(w http.ResponseWriter, r *http.Request) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid session required"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var update model.ProfileUpdate
	if err := dec.Decode(&update); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, apperror.ValidationFailed("", "request body too large"))
			return
		}
		writeError(w, apperror.ValidationFailed("", "invalid profile update: "+err.Error()))
		return
	}

	updated, err := h.auth.UpdateProfile(r.Context(), account.ID, update)
	if err != nil {
		if !errors.Is(err, apperror.ErrValidation) {
			h.logger.Error("HandleUpdateMe: update failed",
				slog.String("accountID", account.ID),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}
