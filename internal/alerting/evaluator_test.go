package alerting

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limitgate/backend/internal/core"
	"github.com/limitgate/backend/internal/events"
	"github.com/limitgate/backend/internal/store"
)

type fakeRules struct {
	mu    sync.Mutex
	rules []core.AlertRule
	fired map[uuid.UUID]time.Time
}

func (f *fakeRules) ListEnabledAlertRules(context.Context) ([]core.AlertRule, error) {
	return f.rules, nil
}

func (f *fakeRules) GetAlertRule(_ context.Context, id uuid.UUID) (*core.AlertRule, error) {
	for i := range f.rules {
		if f.rules[i].ID == id {
			return &f.rules[i], nil
		}
	}
	return nil, core.E(core.KindNotFound, "no rule %s", id)
}

func (f *fakeRules) MarkAlertRuleTriggered(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fired == nil {
		f.fired = map[uuid.UUID]time.Time{}
	}
	f.fired[id] = at
	return nil
}

func (f *fakeRules) firedAt(id uuid.UUID) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.fired[id]
	return at, ok
}

type fakeMetrics struct {
	metrics *store.PolicyMetrics
	err     error
	panics  bool
	calls   int
}

func (f *fakeMetrics) MetricsRange(_ context.Context, policyID uuid.UUID, _, _ time.Time) (*store.PolicyMetrics, error) {
	f.calls++
	if f.panics {
		panic("metrics query exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	m := *f.metrics
	m.PolicyID = policyID
	return &m, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	name    string
	enabled bool
	err     error
	sent    []*Alert
	onSend  func()
}

func (f *fakeNotifier) Name() string  { return f.name }
func (f *fakeNotifier) Enabled() bool { return f.enabled }

func (f *fakeNotifier) Send(_ context.Context, alert *Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSend != nil {
		f.onSend()
	}
	f.sent = append(f.sent, alert)
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingEmitter struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEmitter) Emit(eventType, _ string, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
}

func alertRule(threshold float64) core.AlertRule {
	policyID := uuid.New()
	return core.AlertRule{
		ID:                  uuid.New(),
		Name:                "high-denies",
		PolicyID:            &policyID,
		ThresholdPercentage: threshold,
		WindowSeconds:       60,
		CooldownSeconds:     300,
		Enabled:             true,
	}
}

func newTestEvaluator(rules RuleSource, metrics MetricsSource, notifiers []Notifier, bus events.Emitter) *Evaluator {
	return &Evaluator{
		rules:     rules,
		metrics:   metrics,
		notifiers: notifiers,
		bus:       bus,
		interval:  time.Minute,
		logger:    log.New(io.Discard, "", 0),
		now:       time.Now,
	}
}

func TestEvaluateTriggersAboveThreshold(t *testing.T) {
	rule := alertRule(50)
	rules := &fakeRules{rules: []core.AlertRule{rule}}
	metrics := &fakeMetrics{metrics: &store.PolicyMetrics{Total: 100, Allowed: 40, Denied: 60, DenyRate: 60}}
	n := &fakeNotifier{name: "fake", enabled: true}
	bus := &recordingEmitter{}

	// The cooldown must be stamped before any delivery happens.
	n.onSend = func() {
		_, ok := rules.firedAt(rule.ID)
		assert.True(t, ok, "cooldown stamped before notifier delivery")
	}

	e := newTestEvaluator(rules, metrics, []Notifier{n}, bus)
	e.scan(context.Background())

	require.Equal(t, 1, n.count())
	got := n.sent[0]
	assert.Equal(t, rule.ID, got.RuleID)
	assert.Equal(t, 60.0, got.DenyRate)
	assert.Equal(t, int64(60), got.Denied)
	assert.Equal(t, []string{events.TypeAlert}, bus.types)
}

func TestEvaluateBelowThresholdStaysQuiet(t *testing.T) {
	rule := alertRule(80)
	rules := &fakeRules{rules: []core.AlertRule{rule}}
	metrics := &fakeMetrics{metrics: &store.PolicyMetrics{Total: 100, Denied: 60, DenyRate: 60}}
	n := &fakeNotifier{name: "fake", enabled: true}

	e := newTestEvaluator(rules, metrics, []Notifier{n}, nil)
	e.scan(context.Background())

	assert.Zero(t, n.count())
	_, fired := rules.firedAt(rule.ID)
	assert.False(t, fired)
}

func TestEvaluateZeroTrafficStaysQuiet(t *testing.T) {
	rule := alertRule(1)
	rules := &fakeRules{rules: []core.AlertRule{rule}}
	metrics := &fakeMetrics{metrics: &store.PolicyMetrics{}}
	n := &fakeNotifier{name: "fake", enabled: true}

	e := newTestEvaluator(rules, metrics, []Notifier{n}, nil)
	e.scan(context.Background())

	assert.Zero(t, n.count(), "no traffic means no deny rate to alert on")
}

func TestEvaluateCooldownSkipsMetricsQuery(t *testing.T) {
	rule := alertRule(50)
	recent := time.Now().Add(-10 * time.Second)
	rule.LastTriggeredAt = &recent

	rules := &fakeRules{rules: []core.AlertRule{rule}}
	metrics := &fakeMetrics{metrics: &store.PolicyMetrics{Total: 100, Denied: 100, DenyRate: 100}}
	n := &fakeNotifier{name: "fake", enabled: true}

	e := newTestEvaluator(rules, metrics, []Notifier{n}, nil)
	e.scan(context.Background())

	assert.Zero(t, metrics.calls)
	assert.Zero(t, n.count())
}

func TestEvaluatePanicIsIsolated(t *testing.T) {
	broken := alertRule(50)
	healthy := alertRule(50)

	rules := &fakeRules{rules: []core.AlertRule{broken, healthy}}
	n := &fakeNotifier{name: "fake", enabled: true}

	// The first rule's metrics query panics, the second evaluates normally.
	first := true
	metrics := metricsFunc(func(_ context.Context, policyID uuid.UUID, _, _ time.Time) (*store.PolicyMetrics, error) {
		if first {
			first = false
			panic("metrics query exploded")
		}
		return &store.PolicyMetrics{PolicyID: policyID, Total: 10, Denied: 10, DenyRate: 100}, nil
	})

	e := newTestEvaluator(rules, metrics, []Notifier{n}, nil)
	e.scan(context.Background())

	assert.Equal(t, 1, n.count(), "the panicking rule does not stop the scan")
	assert.Equal(t, healthy.ID, n.sent[0].RuleID)
}

// metricsFunc adapts a function to MetricsSource.
type metricsFunc func(ctx context.Context, policyID uuid.UUID, from, to time.Time) (*store.PolicyMetrics, error)

func (f metricsFunc) MetricsRange(ctx context.Context, policyID uuid.UUID, from, to time.Time) (*store.PolicyMetrics, error) {
	return f(ctx, policyID, from, to)
}

func TestDispatchSkipsDisabledChannels(t *testing.T) {
	on := &fakeNotifier{name: "on", enabled: true}
	off := &fakeNotifier{name: "off", enabled: false}

	e := newTestEvaluator(nil, nil, []Notifier{on, off}, nil)
	results := e.dispatch(context.Background(), &Alert{RuleName: "r"})

	assert.Equal(t, map[string]string{"on": "ok"}, results)
	assert.Zero(t, off.count())
}

func TestTriggerTestSendsSyntheticAlert(t *testing.T) {
	rule := alertRule(50)
	rules := &fakeRules{rules: []core.AlertRule{rule}}
	n := &fakeNotifier{name: "fake", enabled: true}

	e := newTestEvaluator(rules, nil, []Notifier{n}, nil)
	results, err := e.TriggerTest(context.Background(), rule.ID)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"fake": "ok"}, results)
	require.Equal(t, 1, n.count())
	assert.True(t, n.sent[0].Test)
	assert.Equal(t, 100.0, n.sent[0].DenyRate)

	_, fired := rules.firedAt(rule.ID)
	assert.False(t, fired, "test alerts never stamp the cooldown")
}

func TestTriggerTestUnknownRule(t *testing.T) {
	e := newTestEvaluator(&fakeRules{}, nil, nil, nil)
	_, err := e.TriggerTest(context.Background(), uuid.New())
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestTriggerTestDisabledRule(t *testing.T) {
	rule := alertRule(50)
	rule.Enabled = false
	rules := &fakeRules{rules: []core.AlertRule{rule}}
	n := &fakeNotifier{name: "fake", enabled: true}

	e := newTestEvaluator(rules, nil, []Notifier{n}, nil)
	_, err := e.TriggerTest(context.Background(), rule.ID)

	assert.True(t, core.IsKind(err, core.KindInvalidInput))
	assert.Zero(t, n.count(), "disabled rules never reach the notifiers")
}

func TestTriggerTestUnboundRule(t *testing.T) {
	rule := alertRule(50)
	rule.PolicyID = nil
	rules := &fakeRules{rules: []core.AlertRule{rule}}
	n := &fakeNotifier{name: "fake", enabled: true}

	e := newTestEvaluator(rules, nil, []Notifier{n}, nil)
	_, err := e.TriggerTest(context.Background(), rule.ID)

	assert.True(t, core.IsKind(err, core.KindInvalidInput))
	assert.Zero(t, n.count())
}

func TestWebhookNotifierDelivery(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := &WebhookNotifier{url: srv.URL, client: srv.Client()}
	require.True(t, n.Enabled())

	alert := &Alert{RuleID: uuid.New(), RuleName: "r", DenyRate: 75, Threshold: 50}
	require.NoError(t, n.Send(context.Background(), alert))
	assert.Equal(t, alert.RuleID, got.RuleID)
	assert.Equal(t, 75.0, got.DenyRate)
}

func TestWebhookNotifierRejectedDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &WebhookNotifier{url: srv.URL, client: srv.Client()}
	err := n.Send(context.Background(), &Alert{RuleName: "r"})
	assert.True(t, core.IsKind(err, core.KindNotifierFailure))
}

func TestSlackNotifierPayload(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := &SlackNotifier{url: srv.URL, client: srv.Client()}
	require.NoError(t, n.Send(context.Background(), &Alert{RuleName: "spike", DenyRate: 90, Threshold: 50, WindowSeconds: 60}))
	assert.Contains(t, payload["text"], `"spike"`)
	assert.Contains(t, payload["text"], "90.0%")
}
