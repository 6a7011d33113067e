package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/storefront/internal/apperror"
	"github.com/sakif/storefront/internal/identity"
	"github.com/sakif/storefront/internal/metrics"
	"github.com/sakif/storefront/internal/model"
	"github.com/sakif/storefront/internal/repository"
)

// IdentityResolver maps a verified Telegram identity to exactly one account,
// creating the identity record and the account row on first login.
//
// RESOLUTION STEPS:
//  1. accounts.GetByTelegramID: returning users are answered with no writes.
//  2. Derive the deterministic lookup key for the Telegram id.
//  3. Find the identity record, create it if absent. A concurrent creator
//     makes CreateIdentity fail with ErrIdentityExists; the record is then
//     looked up again instead of being duplicated.
//  4. accounts.InsertOrGet links the record to the Telegram id. The store's
//     UNIQUE(telegram_id) decides between concurrent first logins.
//  5. A stored row pointing at a different identity record is a conflict.
//
// Every step is safe to repeat, so a login that failed half way (identity
// created, account row missing) is completed by the next attempt.
type IdentityResolver struct {
	accounts    repository.AccountRepository
	identities  identity.Provider
	emailDomain string
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewIdentityResolver(
	accounts repository.AccountRepository,
	identities identity.Provider,
	emailDomain string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *IdentityResolver {
	return &IdentityResolver{
		accounts:    accounts,
		identities:  identities,
		emailDomain: emailDomain,
		metrics:     m,
		logger:      logger,
	}
}

// Resolve returns the account for ext.
//
// Errors wrap apperror.ErrResolutionConflict or apperror.ErrStoreUnavailable.
func (r *IdentityResolver) Resolve(ctx context.Context, ext *model.ExternalIdentity) (*model.Account, error) {
	if ext == nil || ext.TelegramID <= 0 {
		return nil, apperror.MissingField("user.id")
	}

	account, err := r.accounts.GetByTelegramID(ctx, ext.TelegramID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, apperror.StoreUnavailable("account store", err)
	}

	key := identity.LookupKey(ext.TelegramID, r.emailDomain)
	identityID, err := r.ensureIdentity(ctx, key, ext)
	if err != nil {
		return nil, err
	}

	stored, err := r.accounts.InsertOrGet(ctx, &model.Account{
		ID:         identityID,
		TelegramID: ext.TelegramID,
		FullName:   ext.FullName,
		Username:   ext.Username,
		AvatarURL:  ext.AvatarURL,
		Role:       model.DefaultRole,
	})
	if err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, r.conflict(ext.TelegramID, key,
				fmt.Sprintf("identity %s is already linked to another telegram user", identityID))
		}
		return nil, apperror.StoreUnavailable("account store", err)
	}

	if stored.ID != identityID {
		return nil, r.conflict(ext.TelegramID, key,
			fmt.Sprintf("account %s does not match identity %s", stored.ID, identityID))
	}

	r.metrics.ObserveAccountLinked()
	r.logger.Info("account linked",
		slog.String("accountID", stored.ID),
		slog.Int64("telegramID", ext.TelegramID),
	)
	return stored, nil
}

// ensureIdentity is an idempotent find-or-create on key.
func (r *IdentityResolver) ensureIdentity(ctx context.Context, key string, ext *model.ExternalIdentity) (string, error) {
	id, err := r.findIdentity(ctx, key, ext.TelegramID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, identity.ErrIdentityNotFound) {
		return "", err
	}

	id, err = r.identities.CreateIdentity(ctx, key, identity.Metadata{
		TelegramID: ext.TelegramID,
		FullName:   ext.FullName,
		Username:   ext.Username,
		AvatarURL:  ext.AvatarURL,
	})
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, identity.ErrIdentityExists) {
		return "", apperror.StoreUnavailable("identity provider", err)
	}

	// Lost the race to a concurrent login.
	id, err = r.findIdentity(ctx, key, ext.TelegramID)
	if errors.Is(err, identity.ErrIdentityNotFound) {
		return "", r.conflict(ext.TelegramID, key, "identity reported as existing but cannot be found")
	}
	return id, err
}

func (r *IdentityResolver) findIdentity(ctx context.Context, key string, telegramID int64) (string, error) {
	id, err := r.identities.FindIdentity(ctx, key)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, identity.ErrIdentityNotFound) {
		return "", err
	}
	var conflict *identity.ConflictError
	if errors.As(err, &conflict) {
		return "", r.conflict(telegramID, key, conflict.Error())
	}
	return "", apperror.StoreUnavailable("identity provider", err)
}

// conflict logs at error level: these need an operator, nothing repairs them.
func (r *IdentityResolver) conflict(telegramID int64, key, detail string) error {
	r.logger.Error("identity resolution conflict",
		slog.Int64("telegramID", telegramID),
		slog.String("lookupKey", key),
		slog.String("detail", detail),
	)
	return apperror.ResolutionConflict(detail)
}
