package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/limitgate/backend/internal/core"
)

// ── Policy rules ──

const policyRuleCols = `id, policy_id, name, resource_pattern, methods,
	priority, enabled, created_at`

func scanPolicyRule(row interface{ Scan(...interface{}) error }) (*core.PolicyRule, error) {
	var (
		r       core.PolicyRule
		methods sql.NullString
	)
	err := row.Scan(&r.ID, &r.PolicyID, &r.Name, &r.ResourcePattern,
		&methods, &r.Priority, &r.Enabled, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if methods.Valid {
		r.Methods = methods.String
	}
	return &r, nil
}

// CreatePolicyRule inserts a rule; name is unique within its policy.
func (s *Store) CreatePolicyRule(ctx context.Context, r *core.PolicyRule) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO policy_rules (id, policy_id, name, resource_pattern,
			methods, priority, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		r.ID, r.PolicyID, r.Name, r.ResourcePattern,
		nullStr(&r.Methods), r.Priority, r.Enabled,
	).Scan(&r.CreatedAt)
	return mapErr(err, "policy rule")
}

// GetPolicyRule fetches a rule by id.
func (s *Store) GetPolicyRule(ctx context.Context, id uuid.UUID) (*core.PolicyRule, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	r, err := scanPolicyRule(s.db.QueryRowContext(ctx,
		`SELECT `+policyRuleCols+` FROM policy_rules WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "policy rule")
	}
	return r, nil
}

// ListPolicyRules lists rules, optionally filtered by policy.
func (s *Store) ListPolicyRules(ctx context.Context, policyID *uuid.UUID) ([]core.PolicyRule, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if policyID == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+policyRuleCols+` FROM policy_rules ORDER BY priority DESC, created_at`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+policyRuleCols+` FROM policy_rules WHERE policy_id = $1 ORDER BY priority DESC, created_at`, *policyID)
	}
	if err != nil {
		return nil, mapErr(err, "policy rules")
	}
	defer rows.Close()
	return collectPolicyRules(rows)
}

// ListEnabledPolicyRules returns every enabled rule, priority-ordered.
// The resolver caches this list whole.
func (s *Store) ListEnabledPolicyRules(ctx context.Context) ([]core.PolicyRule, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyRuleCols+` FROM policy_rules
		WHERE enabled ORDER BY priority DESC, created_at`)
	if err != nil {
		return nil, mapErr(err, "policy rules")
	}
	defer rows.Close()
	return collectPolicyRules(rows)
}

func collectPolicyRules(rows *sql.Rows) ([]core.PolicyRule, error) {
	var out []core.PolicyRule
	for rows.Next() {
		r, err := scanPolicyRule(rows)
		if err != nil {
			return nil, mapErr(err, "policy rules")
		}
		out = append(out, *r)
	}
	return out, mapErr(rows.Err(), "policy rules")
}

// UpdatePolicyRule updates the mutable rule fields.
func (s *Store) UpdatePolicyRule(ctx context.Context, r *core.PolicyRule) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE policy_rules SET name = $2, resource_pattern = $3,
			methods = $4, priority = $5, enabled = $6
		WHERE id = $1`,
		r.ID, r.Name, r.ResourcePattern, nullStr(&r.Methods), r.Priority, r.Enabled)
	if err != nil {
		return mapErr(err, "policy rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "policy rule not found")
	}
	return nil
}

// DeletePolicyRule removes a rule.
func (s *Store) DeletePolicyRule(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM policy_rules WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "policy rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "policy rule not found")
	}
	return nil
}

// ── IP rules ──

const ipRuleCols = `id, tenant_id, policy_id, ip_address, ip_cidr,
	rule_type, description, enabled, created_at`

func scanIPRule(row interface{ Scan(...interface{}) error }) (*core.IPRule, error) {
	var (
		r                  core.IPRule
		tenantID, policyID sql.NullString
		addr, cidr, desc   sql.NullString
	)
	err := row.Scan(&r.ID, &tenantID, &policyID, &addr, &cidr,
		&r.RuleType, &desc, &r.Enabled, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.TenantID = scanUUIDPtr(tenantID)
	r.PolicyID = scanUUIDPtr(policyID)
	r.IPAddress = strPtr(addr)
	r.IPCIDR = strPtr(cidr)
	if desc.Valid {
		r.Description = desc.String
	}
	return &r, nil
}

// CreateIPRule inserts an IP rule.
func (s *Store) CreateIPRule(ctx context.Context, r *core.IPRule) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ip_rules (id, tenant_id, policy_id, ip_address, ip_cidr,
			rule_type, description, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		r.ID, nullUUID(r.TenantID), nullUUID(r.PolicyID),
		nullStrPtr(r.IPAddress), nullStrPtr(r.IPCIDR),
		r.RuleType, nullStr(&r.Description), r.Enabled,
	).Scan(&r.CreatedAt)
	return mapErr(err, "ip rule")
}

func nullStrPtr(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// GetIPRule fetches an IP rule by id.
func (s *Store) GetIPRule(ctx context.Context, id uuid.UUID) (*core.IPRule, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	r, err := scanIPRule(s.db.QueryRowContext(ctx,
		`SELECT `+ipRuleCols+` FROM ip_rules WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "ip rule")
	}
	return r, nil
}

// ListIPRules lists every IP rule.
func (s *Store) ListIPRules(ctx context.Context) ([]core.IPRule, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ipRuleCols+` FROM ip_rules ORDER BY created_at`)
	if err != nil {
		return nil, mapErr(err, "ip rules")
	}
	defer rows.Close()
	return collectIPRules(rows)
}

// ListEnabledIPRules returns enabled rules for a tenant (nil = global
// rules only). Exact-address rules sort before CIDR rules so the resolver
// can prefer host matches.
func (s *Store) ListEnabledIPRules(ctx context.Context, tenantID *uuid.UUID) ([]core.IPRule, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if tenantID == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+ipRuleCols+` FROM ip_rules
			WHERE enabled AND tenant_id IS NULL
			ORDER BY (ip_address IS NULL), created_at`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+ipRuleCols+` FROM ip_rules
			WHERE enabled AND tenant_id = $1
			ORDER BY (ip_address IS NULL), created_at`, *tenantID)
	}
	if err != nil {
		return nil, mapErr(err, "ip rules")
	}
	defer rows.Close()
	return collectIPRules(rows)
}

func collectIPRules(rows *sql.Rows) ([]core.IPRule, error) {
	var out []core.IPRule
	for rows.Next() {
		r, err := scanIPRule(rows)
		if err != nil {
			return nil, mapErr(err, "ip rules")
		}
		out = append(out, *r)
	}
	return out, mapErr(rows.Err(), "ip rules")
}

// UpdateIPRule updates the mutable IP-rule fields.
func (s *Store) UpdateIPRule(ctx context.Context, r *core.IPRule) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE ip_rules SET tenant_id = $2, policy_id = $3, ip_address = $4,
			ip_cidr = $5, rule_type = $6, description = $7, enabled = $8
		WHERE id = $1`,
		r.ID, nullUUID(r.TenantID), nullUUID(r.PolicyID),
		nullStrPtr(r.IPAddress), nullStrPtr(r.IPCIDR),
		r.RuleType, nullStr(&r.Description), r.Enabled)
	if err != nil {
		return mapErr(err, "ip rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "ip rule not found")
	}
	return nil
}

// DeleteIPRule removes an IP rule.
func (s *Store) DeleteIPRule(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM ip_rules WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "ip rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "ip rule not found")
	}
	return nil
}

// ── User policies ──

const userPolicyCols = "id, user_id, tenant_id, policy_id, created_at"

func scanUserPolicy(row interface{ Scan(...interface{}) error }) (*core.UserPolicy, error) {
	var up core.UserPolicy
	err := row.Scan(&up.ID, &up.UserID, &up.TenantID, &up.PolicyID, &up.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &up, nil
}

// CreateUserPolicy inserts a user→policy mapping, unique per tenant.
func (s *Store) CreateUserPolicy(ctx context.Context, up *core.UserPolicy) error {
	if up.ID == uuid.Nil {
		up.ID = uuid.New()
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_policies (id, user_id, tenant_id, policy_id)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at`,
		up.ID, up.UserID, up.TenantID, up.PolicyID,
	).Scan(&up.CreatedAt)
	return mapErr(err, "user policy")
}

// GetUserPolicy fetches the mapping for (user, tenant).
func (s *Store) GetUserPolicy(ctx context.Context, userID string, tenantID uuid.UUID) (*core.UserPolicy, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	up, err := scanUserPolicy(s.db.QueryRowContext(ctx,
		`SELECT `+userPolicyCols+` FROM user_policies WHERE user_id = $1 AND tenant_id = $2`,
		userID, tenantID))
	if err != nil {
		return nil, mapErr(err, "user policy")
	}
	return up, nil
}

// ListUserPolicies lists mappings, optionally filtered by tenant.
func (s *Store) ListUserPolicies(ctx context.Context, tenantID *uuid.UUID) ([]core.UserPolicy, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if tenantID == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+userPolicyCols+` FROM user_policies ORDER BY created_at`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+userPolicyCols+` FROM user_policies WHERE tenant_id = $1 ORDER BY created_at`, *tenantID)
	}
	if err != nil {
		return nil, mapErr(err, "user policies")
	}
	defer rows.Close()

	var out []core.UserPolicy
	for rows.Next() {
		up, err := scanUserPolicy(rows)
		if err != nil {
			return nil, mapErr(err, "user policies")
		}
		out = append(out, *up)
	}
	return out, mapErr(rows.Err(), "user policies")
}

// DeleteUserPolicy removes a mapping.
func (s *Store) DeleteUserPolicy(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM user_policies WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "user policy")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "user policy not found")
	}
	return nil
}
