// Package identity talks to the external identity subsystem that owns the
// durable account IDs.
//
// An identity record is addressed by a deterministic lookup key derived from
// the Telegram user id, so creating one is idempotent: a second create for the
// same key fails with ErrIdentityExists and the caller looks the record up
// instead of creating a duplicate.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrIdentityExists is returned by CreateIdentity when a record for the
	// key already exists.
	ErrIdentityExists = errors.New("identity already exists")

	// ErrIdentityNotFound is returned by FindIdentity when no record exists
	// for the key.
	ErrIdentityNotFound = errors.New("identity not found")
)

// Provider is the identity subsystem as seen by the resolver.
type Provider interface {
	// CreateIdentity creates a record for key and returns its id.
	CreateIdentity(ctx context.Context, key string, meta Metadata) (string, error)

	// FindIdentity returns the id of the record for key.
	FindIdentity(ctx context.Context, key string) (string, error)
}

// Metadata is attached to a new identity record as user metadata.
type Metadata struct {
	TelegramID int64  `json:"telegram_id"`
	FullName   string `json:"full_name"`
	Username   string `json:"username,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
}

// DefaultEmailDomain is used for synthetic lookup keys when none is
// configured.
const DefaultEmailDomain = "telegram.local"

// LookupKey returns the deterministic key for a Telegram user: a synthetic
// e-mail address, since identity backends index their records by e-mail.
func LookupKey(telegramID int64, domain string) string {
	if domain == "" {
		domain = DefaultEmailDomain
	}
	return "telegram-" + strconv.FormatInt(telegramID, 10) + "@" + strings.ToLower(domain)
}

// ConflictError reports a key that maps to more than one identity record.
type ConflictError struct {
	Key string
	IDs []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity: key %s maps to %d records (%s)", e.Key, len(e.IDs), strings.Join(e.IDs, ", "))
}
