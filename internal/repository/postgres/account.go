package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sakif/storefront/internal/apperror"
	"github.com/sakif/storefront/internal/model"
	"github.com/sakif/storefront/internal/repository"
)

var _ repository.AccountRepository = (*DB)(nil)

const accountColumns = `id, telegram_id, full_name, username, avatar_url, role, created_at, updated_at`

func (db *DB) GetByTelegramID(ctx context.Context, telegramID int64) (*model.Account, error) {
	var a model.Account
	err := db.conn.GetContext(ctx, &a,
		`SELECT `+accountColumns+` FROM accounts WHERE telegram_id = $1`, telegramID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", fmt.Sprintf("telegram:%d", telegramID))
		}
		return nil, fmt.Errorf("postgres: getting account by telegram_id %d: %w", telegramID, err)
	}
	return &a, nil
}

func (db *DB) GetByID(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := db.conn.GetContext(ctx, &a,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", id)
		}
		return nil, fmt.Errorf("postgres: getting account %s: %w", id, err)
	}
	return &a, nil
}

// InsertOrGet relies on ON CONFLICT DO NOTHING: RETURNING yields no row when
// either unique key already exists, in which case the row is re-read by
// telegram_id. No row there means the primary key collided instead.
func (db *DB) InsertOrGet(ctx context.Context, account *model.Account) (*model.Account, error) {
	if account.ID == "" {
		return nil, apperror.ValidationFailed("id", "account ID must not be empty")
	}
	role := account.Role
	if role == "" {
		role = model.DefaultRole
	}

	var stored model.Account
	err := db.conn.GetContext(ctx, &stored,
		`INSERT INTO accounts (id, telegram_id, full_name, username, avatar_url, role)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT DO NOTHING
		 RETURNING `+accountColumns,
		account.ID, account.TelegramID, account.FullName, account.Username, account.AvatarURL, role,
	)
	if err == nil {
		return &stored, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: inserting account (telegramID=%d): %w", account.TelegramID, err)
	}

	existing, err := db.GetByTelegramID(ctx, account.TelegramID)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, apperror.Conflict("account", account.ID)
	}
	return existing, err
}

func (db *DB) UpdateProfile(ctx context.Context, id string, update model.ProfileUpdate) (*model.Account, error) {
	var a model.Account
	err := db.conn.GetContext(ctx, &a,
		`UPDATE accounts SET
			full_name  = COALESCE($1, full_name),
			username   = COALESCE($2, username),
			avatar_url = COALESCE($3, avatar_url),
			updated_at = now()
		 WHERE id = $4
		 RETURNING `+accountColumns,
		update.FullName, update.Username, update.AvatarURL, id,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", id)
		}
		return nil, fmt.Errorf("postgres: updating account %s: %w", id, err)
	}
	return &a, nil
}
