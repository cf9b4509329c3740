package store

import (
	"context"
	"time"
)

// schemaDDL creates every config-plane table plus the partitioned event
// table. Statements are idempotent so startup can always run them.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS tenants (
	id          uuid PRIMARY KEY,
	name        text NOT NULL UNIQUE,
	tier        text NOT NULL DEFAULT 'FREE',
	enabled     boolean NOT NULL DEFAULT true,
	created_at  timestamptz NOT NULL DEFAULT now(),
	updated_at  timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS policies (
	id              uuid PRIMARY KEY,
	tenant_id       uuid REFERENCES tenants(id) ON DELETE CASCADE,
	name            text NOT NULL,
	scope           text NOT NULL,
	algorithm       text NOT NULL,
	max_requests    bigint NOT NULL CHECK (max_requests > 0),
	window_seconds  bigint NOT NULL CHECK (window_seconds > 0),
	burst_capacity  bigint CHECK (burst_capacity > 0),
	refill_rate     double precision CHECK (refill_rate > 0),
	fail_mode       text NOT NULL DEFAULT 'FAIL_CLOSED',
	enabled         boolean NOT NULL DEFAULT true,
	is_default      boolean NOT NULL DEFAULT false,
	created_at      timestamptz NOT NULL DEFAULT now(),
	updated_at      timestamptz NOT NULL DEFAULT now(),
	CHECK (NOT is_default OR tenant_id IS NOT NULL OR scope = 'GLOBAL')
);

CREATE UNIQUE INDEX IF NOT EXISTS policies_tenant_name_uq
	ON policies (tenant_id, name) WHERE tenant_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS policies_global_name_uq
	ON policies (name) WHERE tenant_id IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS policies_tenant_default_uq
	ON policies (tenant_id, scope) WHERE is_default AND tenant_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS policies_global_default_uq
	ON policies (scope) WHERE is_default AND tenant_id IS NULL;

CREATE TABLE IF NOT EXISTS policy_rules (
	id                uuid PRIMARY KEY,
	policy_id         uuid NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
	name              text NOT NULL,
	resource_pattern  text NOT NULL,
	methods           text,
	priority          integer NOT NULL DEFAULT 0 CHECK (priority BETWEEN 0 AND 1000),
	enabled           boolean NOT NULL DEFAULT true,
	created_at        timestamptz NOT NULL DEFAULT now(),
	UNIQUE (policy_id, name)
);

CREATE INDEX IF NOT EXISTS policy_rules_enabled_idx
	ON policy_rules (priority DESC, created_at) WHERE enabled;

CREATE TABLE IF NOT EXISTS api_keys (
	id            uuid PRIMARY KEY,
	tenant_id     uuid NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	policy_id     uuid REFERENCES policies(id) ON DELETE SET NULL,
	name          text NOT NULL,
	key_hash      text NOT NULL UNIQUE,
	key_prefix    text NOT NULL,
	enabled       boolean NOT NULL DEFAULT true,
	expires_at    timestamptz,
	last_used_at  timestamptz,
	created_at    timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS api_keys_tenant_idx ON api_keys (tenant_id);

CREATE TABLE IF NOT EXISTS ip_rules (
	id           uuid PRIMARY KEY,
	tenant_id    uuid REFERENCES tenants(id) ON DELETE CASCADE,
	policy_id    uuid REFERENCES policies(id) ON DELETE CASCADE,
	ip_address   text,
	ip_cidr      text,
	rule_type    text NOT NULL DEFAULT 'RATE_LIMIT',
	description  text,
	enabled      boolean NOT NULL DEFAULT true,
	created_at   timestamptz NOT NULL DEFAULT now(),
	CHECK ((ip_address IS NULL) <> (ip_cidr IS NULL))
);

CREATE INDEX IF NOT EXISTS ip_rules_tenant_idx ON ip_rules (tenant_id) WHERE enabled;

CREATE TABLE IF NOT EXISTS user_policies (
	id          uuid PRIMARY KEY,
	user_id     text NOT NULL,
	tenant_id   uuid NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	policy_id   uuid NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
	created_at  timestamptz NOT NULL DEFAULT now(),
	UNIQUE (user_id, tenant_id)
);

CREATE TABLE IF NOT EXISTS alert_rules (
	id                    uuid PRIMARY KEY,
	name                  text NOT NULL UNIQUE,
	policy_id             uuid REFERENCES policies(id) ON DELETE CASCADE,
	threshold_percentage  double precision NOT NULL CHECK (threshold_percentage BETWEEN 1 AND 100),
	window_seconds        bigint NOT NULL DEFAULT 60 CHECK (window_seconds > 0),
	cooldown_seconds      bigint NOT NULL DEFAULT 300 CHECK (cooldown_seconds >= 0),
	enabled               boolean NOT NULL DEFAULT true,
	last_triggered_at     timestamptz,
	created_at            timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rate_limit_events (
	id               bigint GENERATED ALWAYS AS IDENTITY,
	policy_id        uuid NOT NULL,
	identifier       text NOT NULL,
	identifier_type  text NOT NULL,
	allowed          boolean NOT NULL,
	remaining        bigint NOT NULL DEFAULT 0,
	limit_value      bigint NOT NULL DEFAULT 0,
	ip_address       text,
	resource         text,
	event_time       timestamptz NOT NULL DEFAULT now()
) PARTITION BY RANGE (event_time);

CREATE INDEX IF NOT EXISTS rate_limit_events_policy_time_idx
	ON rate_limit_events (policy_id, event_time);
`

// Migrate applies the schema and pre-creates partitions for the current
// and next month so the first ingest flush never races partition DDL.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return mapErr(err, "schema")
	}

	now := time.Now().UTC()
	for _, t := range []time.Time{now, now.AddDate(0, 1, 0)} {
		if err := s.ensurePartition(ctx, t.Format("2006-01")); err != nil {
			return err
		}
	}
	return nil
}
