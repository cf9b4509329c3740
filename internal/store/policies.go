package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/limitgate/backend/internal/core"
)

const policyCols = `id, tenant_id, name, scope, algorithm, max_requests,
	window_seconds, burst_capacity, refill_rate, fail_mode, enabled,
	is_default, created_at, updated_at`

func scanPolicy(row interface{ Scan(...interface{}) error }) (*core.Policy, error) {
	var (
		p        core.Policy
		tenantID sql.NullString
		burst    sql.NullInt64
		refill   sql.NullFloat64
	)
	err := row.Scan(&p.ID, &tenantID, &p.Name, &p.Scope, &p.Algorithm,
		&p.MaxRequests, &p.WindowSeconds, &burst, &refill, &p.FailMode,
		&p.Enabled, &p.IsDefault, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.TenantID = scanUUIDPtr(tenantID)
	if burst.Valid {
		v := burst.Int64
		p.BurstCapacity = &v
	}
	if refill.Valid {
		v := refill.Float64
		p.RefillRate = &v
	}
	return &p, nil
}

func (s *Store) policyBindArgs(p *core.Policy) []interface{} {
	var burst interface{}
	if p.BurstCapacity != nil {
		burst = *p.BurstCapacity
	}
	var refill interface{}
	if p.RefillRate != nil {
		refill = *p.RefillRate
	}
	return []interface{}{
		p.ID, nullUUID(p.TenantID), p.Name, p.Scope, p.Algorithm,
		p.MaxRequests, p.WindowSeconds, burst, refill, p.FailMode,
		p.Enabled, p.IsDefault,
	}
}

// CreatePolicy inserts a policy. The partial unique indexes on
// (tenant_id, scope) WHERE is_default enforce the single-default invariant.
func (s *Store) CreatePolicy(ctx context.Context, p *core.Policy) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO policies (id, tenant_id, name, scope, algorithm,
			max_requests, window_seconds, burst_capacity, refill_rate,
			fail_mode, enabled, is_default)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		s.policyBindArgs(p)...,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return mapErr(err, "policy")
}

// GetPolicy fetches a policy by id.
func (s *Store) GetPolicy(ctx context.Context, id uuid.UUID) (*core.Policy, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	p, err := scanPolicy(s.db.QueryRowContext(ctx,
		`SELECT `+policyCols+` FROM policies WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "policy")
	}
	return p, nil
}

// GetPolicyByName fetches a policy by its tenant-scoped unique name.
// A nil tenantID addresses global policies.
func (s *Store) GetPolicyByName(ctx context.Context, tenantID *uuid.UUID, name string) (*core.Policy, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var row *sql.Row
	if tenantID == nil {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+policyCols+` FROM policies WHERE tenant_id IS NULL AND name = $1`, name)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+policyCols+` FROM policies WHERE tenant_id = $1 AND name = $2`, *tenantID, name)
	}
	p, err := scanPolicy(row)
	if err != nil {
		return nil, mapErr(err, "policy")
	}
	return p, nil
}

// ListPolicies returns policies, optionally filtered by tenant.
func (s *Store) ListPolicies(ctx context.Context, tenantID *uuid.UUID) ([]core.Policy, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if tenantID == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+policyCols+` FROM policies ORDER BY created_at`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+policyCols+` FROM policies WHERE tenant_id = $1 ORDER BY created_at`, *tenantID)
	}
	if err != nil {
		return nil, mapErr(err, "policies")
	}
	defer rows.Close()

	var out []core.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, mapErr(err, "policies")
		}
		out = append(out, *p)
	}
	return out, mapErr(rows.Err(), "policies")
}

// UpdatePolicy rewrites the mutable policy fields in one transaction so a
// concurrent default flip cannot leave two defaults visible.
func (s *Store) UpdatePolicy(ctx context.Context, p *core.Policy) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err, "policy")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE policies SET tenant_id = $2, name = $3, scope = $4,
			algorithm = $5, max_requests = $6, window_seconds = $7,
			burst_capacity = $8, refill_rate = $9, fail_mode = $10,
			enabled = $11, is_default = $12, updated_at = now()
		WHERE id = $1`,
		s.policyBindArgs(p)...)
	if err != nil {
		return mapErr(err, "policy")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "policy not found")
	}
	return mapErr(tx.Commit(), "policy")
}

// DeletePolicy removes a policy; rules referencing it cascade.
func (s *Store) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "policy")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "policy not found")
	}
	return nil
}

// GetTenantDefaultPolicy returns the default policy of a tenant.
func (s *Store) GetTenantDefaultPolicy(ctx context.Context, tenantID uuid.UUID) (*core.Policy, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	p, err := scanPolicy(s.db.QueryRowContext(ctx, `
		SELECT `+policyCols+` FROM policies
		WHERE tenant_id = $1 AND is_default
		ORDER BY created_at LIMIT 1`, tenantID))
	if err != nil {
		return nil, mapErr(err, "default policy")
	}
	return p, nil
}

// GetGlobalDefaultPolicy returns the single global default, if any.
func (s *Store) GetGlobalDefaultPolicy(ctx context.Context) (*core.Policy, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	p, err := scanPolicy(s.db.QueryRowContext(ctx, `
		SELECT `+policyCols+` FROM policies
		WHERE tenant_id IS NULL AND scope = 'GLOBAL' AND is_default
		ORDER BY created_at LIMIT 1`))
	if err != nil {
		return nil, mapErr(err, "global default policy")
	}
	return p, nil
}
