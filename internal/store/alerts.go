package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/limitgate/backend/internal/core"
)

const alertRuleCols = `id, name, policy_id, threshold_percentage,
	window_seconds, cooldown_seconds, enabled, last_triggered_at, created_at`

func scanAlertRule(row interface{ Scan(...interface{}) error }) (*core.AlertRule, error) {
	var (
		a         core.AlertRule
		policyID  sql.NullString
		triggered sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Name, &policyID, &a.ThresholdPercentage,
		&a.WindowSeconds, &a.CooldownSeconds, &a.Enabled, &triggered, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.PolicyID = scanUUIDPtr(policyID)
	a.LastTriggeredAt = timePtr(triggered)
	return &a, nil
}

// CreateAlertRule inserts a deny-rate alert rule.
func (s *Store) CreateAlertRule(ctx context.Context, a *core.AlertRule) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO alert_rules (id, name, policy_id, threshold_percentage,
			window_seconds, cooldown_seconds, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		a.ID, a.Name, nullUUID(a.PolicyID), a.ThresholdPercentage,
		a.WindowSeconds, a.CooldownSeconds, a.Enabled,
	).Scan(&a.CreatedAt)
	return mapErr(err, "alert rule")
}

// GetAlertRule fetches a rule by id.
func (s *Store) GetAlertRule(ctx context.Context, id uuid.UUID) (*core.AlertRule, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	a, err := scanAlertRule(s.db.QueryRowContext(ctx,
		`SELECT `+alertRuleCols+` FROM alert_rules WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "alert rule")
	}
	return a, nil
}

// ListAlertRules returns every alert rule.
func (s *Store) ListAlertRules(ctx context.Context) ([]core.AlertRule, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertRuleCols+` FROM alert_rules ORDER BY created_at`)
	if err != nil {
		return nil, mapErr(err, "alert rules")
	}
	defer rows.Close()
	return collectAlertRules(rows)
}

// ListEnabledAlertRules returns the rules the evaluator scans each tick.
func (s *Store) ListEnabledAlertRules(ctx context.Context) ([]core.AlertRule, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertRuleCols+` FROM alert_rules WHERE enabled ORDER BY created_at`)
	if err != nil {
		return nil, mapErr(err, "alert rules")
	}
	defer rows.Close()
	return collectAlertRules(rows)
}

func collectAlertRules(rows *sql.Rows) ([]core.AlertRule, error) {
	var out []core.AlertRule
	for rows.Next() {
		a, err := scanAlertRule(rows)
		if err != nil {
			return nil, mapErr(err, "alert rules")
		}
		out = append(out, *a)
	}
	return out, mapErr(rows.Err(), "alert rules")
}

// UpdateAlertRule updates the mutable rule fields.
func (s *Store) UpdateAlertRule(ctx context.Context, a *core.AlertRule) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules SET name = $2, policy_id = $3,
			threshold_percentage = $4, window_seconds = $5,
			cooldown_seconds = $6, enabled = $7
		WHERE id = $1`,
		a.ID, a.Name, nullUUID(a.PolicyID), a.ThresholdPercentage,
		a.WindowSeconds, a.CooldownSeconds, a.Enabled)
	if err != nil {
		return mapErr(err, "alert rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "alert rule not found")
	}
	return nil
}

// MarkAlertRuleTriggered stamps the cooldown clock.
func (s *Store) MarkAlertRuleTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET last_triggered_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return mapErr(err, "alert rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "alert rule not found")
	}
	return nil
}

// DeleteAlertRule removes a rule.
func (s *Store) DeleteAlertRule(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "alert rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "alert rule not found")
	}
	return nil
}
