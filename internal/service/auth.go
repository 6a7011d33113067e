// Package service holds the authentication business logic.
//
// It sits between the HTTP handlers and the auth/repository packages:
//
//	AuthHandler (HTTP) → AuthService → InitDataValidator (signature, freshness)
//	                                 ↘ ReplayGuard
//	                                 ↘ IdentityResolver → AccountRepository, identity.Provider
//	                                 ↘ TokenService (session JWT)
//
// Nothing here reads requests or writes cookies; that stays in the handler.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sakif/storefront/internal/apperror"
	"github.com/sakif/storefront/internal/auth"
	"github.com/sakif/storefront/internal/metrics"
	"github.com/sakif/storefront/internal/model"
	"github.com/sakif/storefront/internal/repository"
)

// Profile field limits for UpdateProfile.
const (
	maxFullNameLen  = 128
	maxUsernameLen  = 64
	maxAvatarURLLen = 2048
)

// AuthService handles Mini-App login and account reads and writes.
type AuthService struct {
	validator *auth.InitDataValidator
	replay    auth.ReplayGuard
	resolver  *IdentityResolver
	accounts  repository.AccountRepository
	tokens    *auth.TokenService
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewAuthService wires the service. A nil replay guard disables replay
// protection.
func NewAuthService(
	validator *auth.InitDataValidator,
	replay auth.ReplayGuard,
	resolver *IdentityResolver,
	accounts repository.AccountRepository,
	tokens *auth.TokenService,
	m *metrics.Metrics,
	logger *slog.Logger,
) *AuthService {
	if replay == nil {
		replay = auth.NopReplayGuard{}
	}
	return &AuthService{
		validator: validator,
		replay:    replay,
		resolver:  resolver,
		accounts:  accounts,
		tokens:    tokens,
		metrics:   m,
		logger:    logger,
	}
}

// LoginResult bundles the account and the issued session so the handler can
// set the cookie and respond in one step.
type LoginResult struct {
	Account    *model.Account
	Credential *auth.Credential
}

// LoginWithInitData verifies a raw initData string and logs the user in.
func (s *AuthService) LoginWithInitData(ctx context.Context, initData string) (*LoginResult, error) {
	trimmed := strings.TrimSpace(initData)
	if trimmed == "" {
		return s.fail(apperror.MissingField("initData"))
	}
	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return s.fail(apperror.ValidationFailed("initData", "initData is not URL-encoded"))
	}
	return s.LoginWithValues(ctx, values)
}

// LoginWithValues is LoginWithInitData for already-parsed fields.
//
// FLOW:
//  1. Verify signature and freshness (no I/O).
//  2. Consume the payload hash in the replay guard.
//  3. Resolve the Telegram user to an account.
//  4. Issue the session credential.
//
// If step 3 or 4 fails the hash is released again: the Mini-App resends the
// same initData when the user retries.
func (s *AuthService) LoginWithValues(ctx context.Context, values url.Values) (*LoginResult, error) {
	ext, err := s.validator.ValidateValues(values)
	if err != nil {
		s.logger.Info("login: initData rejected", slog.String("error", err.Error()))
		return s.fail(err)
	}

	hash := strings.ToLower(values.Get("hash"))
	fresh, err := s.replay.Consume(ctx, hash)
	if err != nil {
		return s.fail(apperror.StoreUnavailable("replay guard", err))
	}
	if !fresh {
		s.logger.Warn("login: initData replayed", slog.Int64("telegramID", ext.TelegramID))
		return s.fail(apperror.Replayed())
	}

	account, err := s.resolver.Resolve(ctx, ext)
	if err != nil {
		if errors.Is(err, apperror.ErrStoreUnavailable) {
			s.logger.Error("login: resolving account",
				slog.Int64("telegramID", ext.TelegramID),
				slog.String("error", err.Error()),
			)
		}
		s.release(ctx, hash)
		return s.fail(err)
	}

	role := account.Role
	if role == "" {
		role = model.DefaultRole
	}
	cred, err := s.tokens.Issue(account.ID, role)
	if err != nil {
		s.release(ctx, hash)
		return s.fail(fmt.Errorf("service/auth: issuing session for %s: %w", account.ID, err))
	}

	s.metrics.ObserveLogin("success")
	s.logger.Info("user authenticated via Telegram",
		slog.String("accountID", account.ID),
		slog.Int64("telegramID", account.TelegramID),
	)
	return &LoginResult{Account: account, Credential: cred}, nil
}

// release undoes Consume after a failed login. It runs even if the request
// context is already cancelled; a hash left behind only blocks retries until
// its TTL runs out.
func (s *AuthService) release(ctx context.Context, hash string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.replay.Release(ctx, hash); err != nil {
		s.logger.Warn("login: releasing initData hash", slog.String("error", err.Error()))
	}
}

func (s *AuthService) fail(err error) (*LoginResult, error) {
	s.metrics.ObserveLogin(loginResult(err))
	return nil, err
}

// loginResult is the metrics label for a failed login.
func loginResult(err error) string {
	switch {
	case errors.Is(err, apperror.ErrMissingField):
		return "missing_field"
	case errors.Is(err, apperror.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, apperror.ErrExpired):
		return "expired"
	case errors.Is(err, apperror.ErrReplayed):
		return "replayed"
	case errors.Is(err, apperror.ErrValidation):
		return "validation_error"
	case errors.Is(err, apperror.ErrResolutionConflict):
		return "resolution_conflict"
	case errors.Is(err, apperror.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal_error"
	}
}

// GetAccount returns the account for id.
func (s *AuthService) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	if id == "" {
		return nil, apperror.ValidationFailed("id", "account ID must not be empty")
	}
	account, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching account %s: %w", id, err)
	}
	return account, nil
}

// UpdateProfile validates and applies a profile change for id.
func (s *AuthService) UpdateProfile(ctx context.Context, id string, update model.ProfileUpdate) (*model.Account, error) {
	if update.FullName == nil && update.Username == nil && update.AvatarURL == nil {
		return nil, apperror.ValidationFailed("", "no profile fields to update")
	}
	clean, err := normalizeProfile(update)
	if err != nil {
		return nil, err
	}

	account, err := s.accounts.UpdateProfile(ctx, id, clean)
	if err != nil {
		return nil, fmt.Errorf("service/auth: updating profile %s: %w", id, err)
	}
	s.logger.Info("profile updated", slog.String("accountID", id))
	return account, nil
}

func normalizeProfile(u model.ProfileUpdate) (model.ProfileUpdate, error) {
	var out model.ProfileUpdate

	if u.FullName != nil {
		v := strings.TrimSpace(*u.FullName)
		if v == "" {
			return out, apperror.ValidationFailed("fullName", "fullName must not be empty")
		}
		if utf8.RuneCountInString(v) > maxFullNameLen {
			return out, apperror.ValidationFailed("fullName",
				fmt.Sprintf("fullName must be at most %d characters", maxFullNameLen))
		}
		out.FullName = &v
	}

	if u.Username != nil {
		v := strings.TrimPrefix(strings.TrimSpace(*u.Username), "@")
		if utf8.RuneCountInString(v) > maxUsernameLen {
			return out, apperror.ValidationFailed("username",
				fmt.Sprintf("username must be at most %d characters", maxUsernameLen))
		}
		out.Username = &v
	}

	if u.AvatarURL != nil {
		v := strings.TrimSpace(*u.AvatarURL)
		if v != "" {
			if len(v) > maxAvatarURLLen {
				return out, apperror.ValidationFailed("avatarUrl", "avatarUrl is too long")
			}
			parsed, err := url.Parse(v)
			if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
				return out, apperror.ValidationFailed("avatarUrl", "avatarUrl must be an http(s) URL")
			}
		}
		out.AvatarURL = &v
	}

	return out, nil
}
