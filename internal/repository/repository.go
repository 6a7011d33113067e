// Package repository defines the storage contracts used by the service layer.
//
// Implementations live in sub-packages (sqlite, postgres). Every
// implementation keeps telegram_id UNIQUE on the accounts table; that
// constraint is what makes concurrent first logins converge on one row.
package repository

import (
	"context"

	"github.com/sakif/storefront/internal/model"
)

// AccountRepository stores accounts.
//
// Lookups return an error wrapping apperror.ErrNotFound when no row exists.
type AccountRepository interface {
	GetByTelegramID(ctx context.Context, telegramID int64) (*model.Account, error)
	GetByID(ctx context.Context, id string) (*model.Account, error)

	// InsertOrGet inserts account unless a row with the same telegram_id
	// exists, then returns the stored row. Concurrent callers for the same
	// telegram_id all get the same row back. If account.ID is already taken
	// by a different telegram_id the error wraps apperror.ErrConflict.
	InsertOrGet(ctx context.Context, account *model.Account) (*model.Account, error)

	// UpdateProfile applies the non-nil fields of update and returns the
	// updated row.
	UpdateProfile(ctx context.Context, id string, update model.ProfileUpdate) (*model.Account, error)
}
