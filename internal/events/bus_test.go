package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusTypedSubscription(t *testing.T) {
	b := NewBus()
	decisions := b.Subscribe(TypeDecision)

	b.Emit(TypeDecision, "key-1", map[string]interface{}{"allowed": true})
	b.Emit(TypeAlert, "rule-1", nil)

	require.Len(t, decisions, 1)
	e := <-decisions
	assert.Equal(t, TypeDecision, e.Type)
	assert.Equal(t, "key-1", e.Subject)
	assert.Equal(t, true, e.Data["allowed"])
}

func TestBusWildcardSubscription(t *testing.T) {
	b := NewBus()
	all := b.Subscribe()

	b.Emit(TypeDecision, "a", nil)
	b.Emit(TypeBreakerChange, "counter-store", nil)

	assert.Len(t, all, 2)
}

func TestBusEnvelope(t *testing.T) {
	e := NewEvent(TypeConfigChange, "policy/1", map[string]interface{}{"op": "update"})

	assert.Equal(t, "1.0", e.SpecVersion)
	assert.Equal(t, "limitgate", e.Source)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Time.IsZero())

	raw, err := e.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"specversion":"1.0"`)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(TypeDecision)
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe reaches nobody and does not panic.
	b.Emit(TypeDecision, "a", nil)
}

func TestBusSlowSubscriberDrops(t *testing.T) {
	b := NewBus()
	b.bufferSize = 2
	ch := b.Subscribe(TypeDecision)

	for i := 0; i < 5; i++ {
		b.Emit(TypeDecision, "a", nil)
	}

	assert.Len(t, ch, 2, "buffer holds the first events")
	assert.Equal(t, int64(3), b.dropped.Load())
}
