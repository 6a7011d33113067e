package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/storefront/internal/apperror"
	"github.com/sakif/storefront/internal/model"
	"github.com/sakif/storefront/internal/repository"
)

// compile-time check that *DB implements repository.AccountRepository
var _ repository.AccountRepository = (*DB)(nil)

const accountColumns = `id, telegram_id, full_name, username, avatar_url, role, created_at, updated_at`

func scanAccount(row *sql.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.ID,
		&a.TelegramID,
		&a.FullName,
		&a.Username,
		&a.AvatarURL,
		&a.Role,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByTelegramID returns apperror.ErrNotFound if no account is linked to
// telegramID.
func (db *DB) GetByTelegramID(ctx context.Context, telegramID int64) (*model.Account, error) {
	a, err := scanAccount(db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE telegram_id = ?`, telegramID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", fmt.Sprintf("telegram:%d", telegramID))
		}
		return nil, fmt.Errorf("sqlite: getting account by telegram_id %d: %w", telegramID, err)
	}
	return a, nil
}

// GetByID returns apperror.ErrNotFound if no account exists with that ID.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", id)
		}
		return nil, fmt.Errorf("sqlite: getting account %s: %w", id, err)
	}
	return a, nil
}

// InsertOrGet inserts account and returns the stored row.
//
// ON CONFLICT DO NOTHING covers both unique keys. If the read-back by
// telegram_id finds nothing, the insert lost on the primary key instead:
// the identity ID is already linked to another Telegram user.
func (db *DB) InsertOrGet(ctx context.Context, account *model.Account) (*model.Account, error) {
	if account.ID == "" {
		return nil, apperror.ValidationFailed("id", "account ID must not be empty")
	}
	role := account.Role
	if role == "" {
		role = model.DefaultRole
	}
	now := time.Now().UTC()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		account.ID,
		account.TelegramID,
		account.FullName,
		account.Username,
		account.AvatarURL,
		role,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: inserting account (telegramID=%d): %w", account.TelegramID, err)
	}

	stored, err := db.GetByTelegramID(ctx, account.TelegramID)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, apperror.Conflict("account", account.ID)
	}
	return stored, err
}

// UpdateProfile sets the non-nil fields of update. NULL parameters keep the
// current column value through COALESCE.
func (db *DB) UpdateProfile(ctx context.Context, id string, update model.ProfileUpdate) (*model.Account, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE accounts SET
			full_name  = COALESCE(?, full_name),
			username   = COALESCE(?, username),
			avatar_url = COALESCE(?, avatar_url),
			updated_at = ?
		 WHERE id = ?`,
		update.FullName,
		update.Username,
		update.AvatarURL,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: updating account %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return nil, apperror.NotFound("account", id)
	}

	return db.GetByID(ctx, id)
}
