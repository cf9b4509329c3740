// Package alerting scans deny-rate alert rules on a timer and fans
// triggered alerts out to the configured notification channels.
package alerting

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/limitgate/backend/internal/config"
	"github.com/limitgate/backend/internal/core"
	"github.com/limitgate/backend/internal/events"
	"github.com/limitgate/backend/internal/store"
)

// RuleSource provides the alert rules under evaluation.
type RuleSource interface {
	ListEnabledAlertRules(ctx context.Context) ([]core.AlertRule, error)
	GetAlertRule(ctx context.Context, id uuid.UUID) (*core.AlertRule, error)
	MarkAlertRuleTriggered(ctx context.Context, id uuid.UUID, at time.Time) error
}

// MetricsSource aggregates decisions over a time range.
type MetricsSource interface {
	MetricsRange(ctx context.Context, policyID uuid.UUID, from, to time.Time) (*store.PolicyMetrics, error)
}

// Evaluator runs the periodic rule scan.
type Evaluator struct {
	rules     RuleSource
	metrics   MetricsSource
	notifiers []Notifier
	bus       events.Emitter
	interval  time.Duration
	logger    *log.Logger

	running atomic.Bool
	now     func() time.Time
}

// NewEvaluator builds the evaluator with the configured notifiers.
func NewEvaluator(rules RuleSource, metrics MetricsSource, bus events.Emitter, cfg config.AlertingConfig) *Evaluator {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Evaluator{
		rules:     rules,
		metrics:   metrics,
		notifiers: BuildNotifiers(cfg),
		bus:       bus,
		interval:  interval,
		logger:    log.New(os.Stdout, "[alerting] ", log.LstdFlags),
		now:       time.Now,
	}
}

// Run scans on the configured interval until ctx is done. A scan still in
// flight when the next tick arrives makes the new tick a no-op.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Printf("started, interval %s", e.interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Printf("stopped")
			return
		case <-ticker.C:
			if !e.running.CompareAndSwap(false, true) {
				e.logger.Printf("[WARN] previous scan still running, skipping tick")
				continue
			}
			e.scan(ctx)
			e.running.Store(false)
		}
	}
}

// scan evaluates every enabled rule. One broken rule never stops the
// others.
func (e *Evaluator) scan(ctx context.Context) {
	rules, err := e.rules.ListEnabledAlertRules(ctx)
	if err != nil {
		e.logger.Printf("[ERROR] listing alert rules: %v", err)
		return
	}
	for i := range rules {
		rule := &rules[i]
		if err := e.evaluate(ctx, rule); err != nil {
			e.logger.Printf("[ERROR] rule %s (%s): %v", rule.Name, rule.ID, err)
		}
	}
}

func (e *Evaluator) evaluate(ctx context.Context, rule *core.AlertRule) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.E(core.KindInternal, "rule evaluation panicked: %v", r)
		}
	}()

	now := e.now()
	if rule.InCooldown(now) || rule.PolicyID == nil {
		return nil
	}

	from := now.Add(-time.Duration(rule.WindowSeconds) * time.Second)
	m, err := e.metrics.MetricsRange(ctx, *rule.PolicyID, from, now)
	if err != nil {
		return err
	}
	if m.Total == 0 || m.DenyRate < rule.ThresholdPercentage {
		return nil
	}

	alert := &Alert{
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		PolicyID:      rule.PolicyID,
		DenyRate:      m.DenyRate,
		Threshold:     rule.ThresholdPercentage,
		WindowSeconds: rule.WindowSeconds,
		Total:         m.Total,
		Denied:        m.Denied,
		TriggeredAt:   now,
	}

	// Stamp the cooldown before delivery so a slow notifier cannot cause a
	// duplicate trigger on the next tick.
	if err := e.rules.MarkAlertRuleTriggered(ctx, rule.ID, now); err != nil {
		return err
	}
	e.logger.Printf("rule %q triggered: deny rate %.1f%% >= %.1f%%", rule.Name, m.DenyRate, rule.ThresholdPercentage)

	e.dispatch(ctx, alert)
	if e.bus != nil {
		e.bus.Emit(events.TypeAlert, rule.ID.String(), map[string]interface{}{
			"rule_name": rule.Name,
			"policy_id": rule.PolicyID.String(),
			"deny_rate": m.DenyRate,
			"threshold": rule.ThresholdPercentage,
		})
	}
	return nil
}

// dispatch fans the alert out to every enabled notifier in parallel and
// returns per-channel outcomes.
func (e *Evaluator) dispatch(ctx context.Context, alert *Alert) map[string]string {
	results := make(map[string]string)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, n := range e.notifiers {
		if !n.Enabled() {
			continue
		}
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()
			status := "ok"
			if err := n.Send(ctx, alert); err != nil {
				status = err.Error()
				e.logger.Printf("[ERROR] notifier %s: %v", n.Name(), err)
			}
			mu.Lock()
			results[n.Name()] = status
			mu.Unlock()
		}(n)
	}
	wg.Wait()
	return results
}

// TriggerTest sends a synthetic alert through every enabled notifier for
// one rule and reports per-channel delivery outcomes. It bypasses the
// threshold and cooldown but still requires an enabled rule bound to a
// policy, the same precondition the periodic scan enforces.
func (e *Evaluator) TriggerTest(ctx context.Context, ruleID uuid.UUID) (map[string]string, error) {
	rule, err := e.rules.GetAlertRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !rule.Enabled {
		return nil, core.E(core.KindInvalidInput, "alert rule %q is disabled", rule.Name)
	}
	if rule.PolicyID == nil {
		return nil, core.E(core.KindInvalidInput, "alert rule %q has no bound policy", rule.Name)
	}
	alert := &Alert{
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		PolicyID:      rule.PolicyID,
		DenyRate:      100,
		Threshold:     rule.ThresholdPercentage,
		WindowSeconds: rule.WindowSeconds,
		Test:          true,
		TriggeredAt:   e.now(),
	}
	return e.dispatch(ctx, alert), nil
}

// Notifiers exposes channel availability for diagnostics.
func (e *Evaluator) Notifiers() map[string]bool {
	out := make(map[string]bool, len(e.notifiers))
	for _, n := range e.notifiers {
		out[n.Name()] = n.Enabled()
	}
	return out
}
