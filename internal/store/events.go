package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/limitgate/backend/internal/core"
)

// partition bookkeeping: creating a monthly partition is idempotent but
// not free, so remember which months we have already ensured.
var (
	partitionMu    sync.Mutex
	partitionsSeen = map[string]bool{}
)

// ensurePartition creates the monthly partition for a key like "2026-08"
// if this process has not done so yet.
func (s *Store) ensurePartition(ctx context.Context, key string) error {
	partitionMu.Lock()
	seen := partitionsSeen[key]
	partitionMu.Unlock()
	if seen {
		return nil
	}

	start, err := time.Parse("2006-01", key)
	if err != nil {
		return core.E(core.KindInvalidInput, "bad partition key %q", key)
	}
	end := start.AddDate(0, 1, 0)

	name := "rate_limit_events_" + strings.ReplaceAll(key, "-", "_")
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s PARTITION OF rate_limit_events
		FOR VALUES FROM ('%s') TO ('%s')`,
		pq.QuoteIdentifier(name),
		start.Format("2006-01-02"), end.Format("2006-01-02")))
	if err != nil {
		return mapErr(err, "event partition")
	}

	partitionMu.Lock()
	partitionsSeen[key] = true
	partitionMu.Unlock()
	return nil
}

// InsertEvents writes a batch of decision events in one transaction,
// creating monthly partitions on demand. Batches from the ingest queue
// never exceed the flush size, so a single multi-row insert suffices.
func (s *Store) InsertEvents(ctx context.Context, events []core.RateLimitEvent) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*s.callTimeout)
	defer cancel()

	months := map[string]bool{}
	for i := range events {
		if events[i].PartitionKey == "" {
			events[i].PartitionKey = core.PartitionKeyFor(events[i].EventTime)
		}
		months[events[i].PartitionKey] = true
	}
	for key := range months {
		if err := s.ensurePartition(ctx, key); err != nil {
			return err
		}
	}

	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString(`INSERT INTO rate_limit_events
		(policy_id, identifier, identifier_type, allowed, remaining,
		 limit_value, ip_address, resource, event_time)
		VALUES `)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * 9
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		args = append(args, e.PolicyID, e.Identifier, e.IdentifierType,
			e.Allowed, e.Remaining, e.LimitValue,
			nullStr(&e.IPAddress), nullStr(&e.Resource), e.EventTime)
	}

	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	return mapErr(err, "events")
}

// PolicyMetrics is the aggregate decision view over a time range.
type PolicyMetrics struct {
	PolicyID uuid.UUID `json:"policy_id"`
	Total    int64     `json:"total_requests"`
	Allowed  int64     `json:"allowed_requests"`
	Denied   int64     `json:"denied_requests"`
	DenyRate float64   `json:"deny_rate"` // percentage
}

// MetricsRange aggregates decisions for one policy between from and to.
// Zero traffic yields a zero-valued result, not an error.
func (s *Store) MetricsRange(ctx context.Context, policyID uuid.UUID, from, to time.Time) (*PolicyMetrics, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	m := &PolicyMetrics{PolicyID: policyID}
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE allowed),
		       count(*) FILTER (WHERE NOT allowed)
		FROM rate_limit_events
		WHERE policy_id = $1 AND event_time >= $2 AND event_time < $3`,
		policyID, from, to,
	).Scan(&m.Total, &m.Allowed, &m.Denied)
	if err != nil {
		return nil, mapErr(err, "metrics")
	}
	if m.Total > 0 {
		m.DenyRate = float64(m.Denied) / float64(m.Total) * 100
	}
	return m, nil
}

// IdentifierTypeCount is one row of the per-actor-type breakdown.
type IdentifierTypeCount struct {
	IdentifierType core.IdentifierType `json:"identifier_type"`
	Total          int64               `json:"total"`
	Denied         int64               `json:"denied"`
}

// MetricsSummary is the cross-policy traffic summary.
type MetricsSummary struct {
	Total    int64                 `json:"total_requests"`
	Allowed  int64                 `json:"allowed_requests"`
	Denied   int64                 `json:"denied_requests"`
	DenyRate float64               `json:"deny_rate"`
	ByType   []IdentifierTypeCount `json:"by_identifier_type"`
	From     time.Time             `json:"from"`
	To       time.Time             `json:"to"`
}

// Summary aggregates all decisions in a range with an identifier-type
// breakdown.
func (s *Store) Summary(ctx context.Context, from, to time.Time) (*MetricsSummary, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	sum := &MetricsSummary{From: from, To: to}
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE allowed),
		       count(*) FILTER (WHERE NOT allowed)
		FROM rate_limit_events
		WHERE event_time >= $1 AND event_time < $2`,
		from, to,
	).Scan(&sum.Total, &sum.Allowed, &sum.Denied)
	if err != nil {
		return nil, mapErr(err, "metrics summary")
	}
	if sum.Total > 0 {
		sum.DenyRate = float64(sum.Denied) / float64(sum.Total) * 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier_type, count(*),
		       count(*) FILTER (WHERE NOT allowed)
		FROM rate_limit_events
		WHERE event_time >= $1 AND event_time < $2
		GROUP BY identifier_type
		ORDER BY count(*) DESC`,
		from, to)
	if err != nil {
		return nil, mapErr(err, "metrics summary")
	}
	defer rows.Close()

	for rows.Next() {
		var c IdentifierTypeCount
		if err := rows.Scan(&c.IdentifierType, &c.Total, &c.Denied); err != nil {
			return nil, mapErr(err, "metrics summary")
		}
		sum.ByType = append(sum.ByType, c)
	}
	return sum, mapErr(rows.Err(), "metrics summary")
}

// PolicySummaryView is the lifetime decision view for one policy.
type PolicySummaryView struct {
	PolicyID uuid.UUID             `json:"policy_id"`
	Total    int64                 `json:"total_requests"`
	Allowed  int64                 `json:"allowed_requests"`
	Denied   int64                 `json:"denied_requests"`
	DenyRate float64               `json:"deny_rate"`
	ByType   []IdentifierTypeCount `json:"by_identifier_type"`
}

// PolicySummary aggregates every recorded decision for one policy with
// an identifier-type breakdown. No range filter: this is the lifetime
// view, and the store does the grouping.
func (s *Store) PolicySummary(ctx context.Context, policyID uuid.UUID) (*PolicySummaryView, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	sum := &PolicySummaryView{PolicyID: policyID}
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE allowed),
		       count(*) FILTER (WHERE NOT allowed)
		FROM rate_limit_events
		WHERE policy_id = $1`,
		policyID,
	).Scan(&sum.Total, &sum.Allowed, &sum.Denied)
	if err != nil {
		return nil, mapErr(err, "policy summary")
	}
	if sum.Total > 0 {
		sum.DenyRate = float64(sum.Denied) / float64(sum.Total) * 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier_type, count(*),
		       count(*) FILTER (WHERE NOT allowed)
		FROM rate_limit_events
		WHERE policy_id = $1
		GROUP BY identifier_type
		ORDER BY count(*) DESC`,
		policyID)
	if err != nil {
		return nil, mapErr(err, "policy summary")
	}
	defer rows.Close()

	for rows.Next() {
		var c IdentifierTypeCount
		if err := rows.Scan(&c.IdentifierType, &c.Total, &c.Denied); err != nil {
			return nil, mapErr(err, "policy summary")
		}
		sum.ByType = append(sum.ByType, c)
	}
	return sum, mapErr(rows.Err(), "policy summary")
}

// RecentEvents lists the newest decisions for a policy, for diagnostics.
func (s *Store) RecentEvents(ctx context.Context, policyID uuid.UUID, limit int) ([]core.RateLimitEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, policy_id, identifier, identifier_type, allowed,
		       remaining, limit_value, ip_address, resource, event_time
		FROM rate_limit_events
		WHERE policy_id = $1
		ORDER BY event_time DESC LIMIT $2`,
		policyID, limit)
	if err != nil {
		return nil, mapErr(err, "events")
	}
	defer rows.Close()

	var out []core.RateLimitEvent
	for rows.Next() {
		var (
			e            core.RateLimitEvent
			ip, resource sql.NullString
		)
		err := rows.Scan(&e.ID, &e.PolicyID, &e.Identifier, &e.IdentifierType,
			&e.Allowed, &e.Remaining, &e.LimitValue, &ip, &resource, &e.EventTime)
		if err != nil {
			return nil, mapErr(err, "events")
		}
		if ip.Valid {
			e.IPAddress = ip.String
		}
		if resource.Valid {
			e.Resource = resource.String
		}
		e.PartitionKey = core.PartitionKeyFor(e.EventTime)
		out = append(out, e)
	}
	return out, mapErr(rows.Err(), "events")
}
