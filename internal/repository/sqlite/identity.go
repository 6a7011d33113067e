package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/storefront/internal/identity"
)

// IdentityStore is the local identity backend: identity records live in the
// same database as the accounts.
type IdentityStore struct {
	conn *sql.DB
}

var _ identity.Provider = (*IdentityStore)(nil)

// Identities returns the local identity backend for this database.
func (db *DB) Identities() *IdentityStore {
	return &IdentityStore{conn: db.conn}
}

// CreateIdentity inserts a record for key with a fresh xid. An existing key
// is reported as identity.ErrIdentityExists.
func (s *IdentityStore) CreateIdentity(ctx context.Context, key string, meta identity.Metadata) (string, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("sqlite: encoding identity metadata: %w", err)
	}

	id := xid.New().String()
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO identities (id, lookup_key, metadata, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(lookup_key) DO NOTHING`,
		id, key, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: inserting identity %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return "", identity.ErrIdentityExists
	}
	return id, nil
}

func (s *IdentityStore) FindIdentity(ctx context.Context, key string) (string, error) {
	var id string
	err := s.conn.QueryRowContext(ctx,
		`SELECT id FROM identities WHERE lookup_key = ?`, key,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", identity.ErrIdentityNotFound
		}
		return "", fmt.Errorf("sqlite: finding identity %s: %w", key, err)
	}
	return id, nil
}
