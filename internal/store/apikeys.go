package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/limitgate/backend/internal/core"
)

const apiKeyCols = `id, tenant_id, policy_id, name, key_hash, key_prefix,
	enabled, expires_at, last_used_at, created_at`

func scanAPIKey(row interface{ Scan(...interface{}) error }) (*core.APIKey, error) {
	var (
		k        core.APIKey
		policyID sql.NullString
		expires  sql.NullTime
		lastUsed sql.NullTime
	)
	err := row.Scan(&k.ID, &k.TenantID, &policyID, &k.Name, &k.KeyHash,
		&k.KeyPrefix, &k.Enabled, &expires, &lastUsed, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	k.PolicyID = scanUUIDPtr(policyID)
	k.ExpiresAt = timePtr(expires)
	k.LastUsedAt = timePtr(lastUsed)
	return &k, nil
}

// CreateAPIKey persists the hash and display prefix; the raw key never
// touches the store.
func (s *Store) CreateAPIKey(ctx context.Context, k *core.APIKey) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, policy_id, name, key_hash,
			key_prefix, enabled, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		k.ID, k.TenantID, nullUUID(k.PolicyID), k.Name, k.KeyHash,
		k.KeyPrefix, k.Enabled, nullTime(k.ExpiresAt),
	).Scan(&k.CreatedAt)
	return mapErr(err, "api key")
}

// GetAPIKey fetches a key record by id.
func (s *Store) GetAPIKey(ctx context.Context, id uuid.UUID) (*core.APIKey, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	k, err := scanAPIKey(s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "api key")
	}
	return k, nil
}

// GetAPIKeyByHash looks a key up by its SHA-256 hash. This is the auth
// hot path; callers cache the result.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*core.APIKey, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	k, err := scanAPIKey(s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE key_hash = $1`, hash))
	if err != nil {
		return nil, mapErr(err, "api key")
	}
	return k, nil
}

// ListAPIKeys lists keys, optionally filtered by tenant.
func (s *Store) ListAPIKeys(ctx context.Context, tenantID *uuid.UUID) ([]core.APIKey, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if tenantID == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+apiKeyCols+` FROM api_keys ORDER BY created_at`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+apiKeyCols+` FROM api_keys WHERE tenant_id = $1 ORDER BY created_at`, *tenantID)
	}
	if err != nil {
		return nil, mapErr(err, "api keys")
	}
	defer rows.Close()

	var out []core.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, mapErr(err, "api keys")
		}
		out = append(out, *k)
	}
	return out, mapErr(rows.Err(), "api keys")
}

// UpdateAPIKey updates the mutable key fields. The hash and prefix are
// immutable after creation.
func (s *Store) UpdateAPIKey(ctx context.Context, k *core.APIKey) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET policy_id = $2, name = $3, enabled = $4,
			expires_at = $5
		WHERE id = $1`,
		k.ID, nullUUID(k.PolicyID), k.Name, k.Enabled, nullTime(k.ExpiresAt))
	if err != nil {
		return mapErr(err, "api key")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "api key not found")
	}
	return nil
}

// TouchAPIKeyLastUsed records key usage best-effort; failures are the
// caller's to ignore.
func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	return mapErr(err, "api key")
}

// DeleteAPIKey removes a key.
func (s *Store) DeleteAPIKey(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "api key")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "api key not found")
	}
	return nil
}
