package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/xid"

	"github.com/sakif/storefront/internal/identity"
)

// IdentityStore keeps local identity records next to the accounts.
type IdentityStore struct {
	conn *sqlx.DB
}

var _ identity.Provider = (*IdentityStore)(nil)

func (db *DB) Identities() *IdentityStore {
	return &IdentityStore{conn: db.conn}
}

func (s *IdentityStore) CreateIdentity(ctx context.Context, key string, meta identity.Metadata) (string, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("postgres: encoding identity metadata: %w", err)
	}

	var id string
	err = s.conn.GetContext(ctx, &id,
		`INSERT INTO identities (id, lookup_key, metadata)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (lookup_key) DO NOTHING
		 RETURNING id`,
		xid.New().String(), key, string(raw),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", identity.ErrIdentityExists
		}
		return "", fmt.Errorf("postgres: inserting identity %s: %w", key, err)
	}
	return id, nil
}

func (s *IdentityStore) FindIdentity(ctx context.Context, key string) (string, error) {
	var id string
	err := s.conn.GetContext(ctx, &id, `SELECT id FROM identities WHERE lookup_key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", identity.ErrIdentityNotFound
		}
		return "", fmt.Errorf("postgres: finding identity %s: %w", key, err)
	}
	return id, nil
}
