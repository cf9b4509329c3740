package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/limitgate/backend/internal/core"
)

const tenantCols = "id, name, tier, enabled, created_at, updated_at"

func scanTenant(row interface{ Scan(...interface{}) error }) (*core.Tenant, error) {
	var t core.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Tier, &t.Enabled, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTenant inserts a tenant, generating its id.
func (s *Store) CreateTenant(ctx context.Context, t *core.Tenant) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (id, name, tier, enabled)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		t.ID, t.Name, t.Tier, t.Enabled,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	return mapErr(err, "tenant")
}

// GetTenant fetches a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*core.Tenant, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	t, err := scanTenant(s.db.QueryRowContext(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "tenant")
	}
	return t, nil
}

// ListTenants returns all tenants ordered by name.
func (s *Store) ListTenants(ctx context.Context) ([]core.Tenant, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tenantCols+` FROM tenants ORDER BY name`)
	if err != nil {
		return nil, mapErr(err, "tenants")
	}
	defer rows.Close()

	var out []core.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, mapErr(err, "tenants")
		}
		out = append(out, *t)
	}
	return out, mapErr(rows.Err(), "tenants")
}

// UpdateTenant updates the mutable tenant fields.
func (s *Store) UpdateTenant(ctx context.Context, t *core.Tenant) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET name = $2, tier = $3, enabled = $4, updated_at = now()
		WHERE id = $1`,
		t.ID, t.Name, t.Tier, t.Enabled)
	if err != nil {
		return mapErr(err, "tenant")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "tenant not found")
	}
	return nil
}

// DeleteTenant removes a tenant; child rows cascade in the schema.
func (s *Store) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "tenant")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "tenant not found")
	}
	return nil
}
