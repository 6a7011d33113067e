// Package model defines the data structures used throughout the application.
package model

import "time"

// DefaultRole is the role claim carried by every session unless the account
// row says otherwise.
const DefaultRole = "authenticated"

// Account is the durable internal identity of a storefront user.
//
// ID is issued by the external identity subsystem (the linked identity
// record), never generated locally. TelegramID is UNIQUE in every store
// implementation: one Telegram account maps to exactly one Account.
type Account struct {
	ID         string    `json:"id"         db:"id"`
	TelegramID int64     `json:"telegramId" db:"telegram_id"`
	FullName   string    `json:"fullName"   db:"full_name"`
	Username   string    `json:"username"   db:"username"`
	AvatarURL  string    `json:"avatarUrl"  db:"avatar_url"`
	Role       string    `json:"role"       db:"role"`
	CreatedAt  time.Time `json:"createdAt"  db:"created_at"`
	UpdatedAt  time.Time `json:"updatedAt"  db:"updated_at"`
}

// ProfileUpdate carries the editable profile fields. Nil means "leave as is".
type ProfileUpdate struct {
	FullName  *string `json:"fullName"`
	Username  *string `json:"username"`
	AvatarURL *string `json:"avatarUrl"`
}
