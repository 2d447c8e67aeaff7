package events

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case e := <-sub:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	first := b.Subscribe()
	second := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventPolicyApplied, Message: "fast_v1", Metadata: map[string]string{"arm": "fast_v1"}})

	for _, sub := range []Subscriber{first, second} {
		e := receive(t, sub)
		assert.Equal(t, EventPolicyApplied, e.Type)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
		assert.Equal(t, "fast_v1", e.Metadata["arm"])
	}
}

func TestBroker_KeepsProvidedIDAndTimestamp(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	b.Publish(&Event{ID: "evt-1", Type: EventTunerReset, Timestamp: at})

	e := receive(t, sub)
	assert.Equal(t, "evt-1", e.ID)
	assert.Equal(t, at, e.Timestamp)
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok, "channel is closed")
	assert.Equal(t, 0, b.SubscriberCount())

	// A second unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	// Not started: the queue fills and further events are dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventKnobAdjusted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}

	b.Stop()
	b.Stop()
	b.Publish(&Event{Type: EventKnobAdjusted})
}

func TestLogEvents_StopsOnCancel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		LogEvents(ctx, b)
		close(done)
	}()

	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	b.Publish(&Event{Type: EventCanaryCompleted, Message: "pass", Metadata: map[string]string{"verdict": "pass"}})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LogEvents did not return")
	}
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroker_SubscribeFiltersByType(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	drift := b.Subscribe(EventPolicyDrift)
	all := b.Subscribe()

	b.Publish(&Event{Type: EventKnobAdjusted})
	b.Publish(&Event{Type: EventPolicyDrift, Metadata: map[string]string{"desired": "fast_v1"}})

	assert.Equal(t, EventKnobAdjusted, receive(t, all).Type)
	assert.Equal(t, EventPolicyDrift, receive(t, all).Type)

	e := receive(t, drift)
	assert.Equal(t, EventPolicyDrift, e.Type)
	assert.Equal(t, "fast_v1", e.Metadata["desired"])
	select {
	case extra := <-drift:
		t.Fatalf("unexpected event %s", extra.Type)
	default:
	}
}

func TestBroker_CountsDrops(t *testing.T) {
	b := NewBroker()
	for i := 0; i < queueSize+5; i++ {
		b.Publish(&Event{Type: EventKnobAdjusted})
	}
	assert.Equal(t, uint64(5), b.Dropped())

	b.Stop()
	b.Publish(&Event{Type: EventKnobAdjusted})
	assert.GreaterOrEqual(t, b.Dropped(), uint64(5))
}

func TestEventType_Level(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, EventPolicyDrift.Level())
	assert.Equal(t, zerolog.WarnLevel, EventPolicyAborted.Level())
	assert.Equal(t, zerolog.InfoLevel, EventPolicyApplied.Level())
}
