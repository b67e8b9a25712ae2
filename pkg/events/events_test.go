package events

import (
	"testing"
	"time"

	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_AssignsGapFreeIncreasingSequence(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	taskID := id.New()
	sub := bus.Subscribe(taskID, 0)
	defer bus.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		bus.Publish(taskID, types.EventLog, types.TaskUnspecified, nil)
	}

	for i := uint64(0); i < 5; i++ {
		select {
		case e := <-sub.Events:
			assert.Equal(t, i, e.Sequence)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSubscribe_ReplaysHistoryFromFromSequence(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	taskID := id.New()
	for i := 0; i < 3; i++ {
		bus.Publish(taskID, types.EventLog, types.TaskUnspecified, nil)
	}

	sub := bus.Subscribe(taskID, 1)
	defer bus.Unsubscribe(sub)

	first := <-sub.Events
	second := <-sub.Events
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)

	select {
	case e := <-sub.Events:
		t.Fatalf("unexpected extra event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestSlowSubscriberDrop models spec.md scenario S6: a fast subscriber
// receives every event in order; a slow one that never drains its buffer
// gets a prefix, then later deliveries carry gap markers, and the publisher
// is never blocked by the slow subscriber.
func TestSlowSubscriberDrop(t *testing.T) {
	bus := NewBus(WithSubscriberBuffer(8))
	defer bus.Stop()

	taskID := id.New()
	fast := bus.Subscribe(taskID, 0)
	defer bus.Unsubscribe(fast)
	slow := bus.Subscribe(taskID, 0)
	defer bus.Unsubscribe(slow)

	const total = 1000
	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			bus.Publish(taskID, types.EventLog, types.TaskUnspecified, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	fastCount := 0
	var lastSeq int64 = -1
	drain := time.After(2 * time.Second)
loop:
	for fastCount < total {
		select {
		case e, ok := <-fast.Events:
			if !ok {
				break loop
			}
			assert.Equal(t, lastSeq+1, int64(e.Sequence), "fast subscriber must receive events strictly in order")
			lastSeq = int64(e.Sequence)
			fastCount++
		case <-drain:
			break loop
		}
	}
	assert.Equal(t, total, fastCount, "fast subscriber must receive every event")

	// Slow subscriber never drained: it should have far fewer buffered
	// events than were published, proving events were dropped rather than
	// piling up unbounded or blocking the publisher.
	slowCount := len(slow.Events)
	assert.Less(t, slowCount, total)

	sub := slow
	sub.mu.Lock()
	wasLagging := sub.lagging || sub.dropped > 0
	sub.mu.Unlock()
	assert.True(t, wasLagging, "slow subscriber should have been marked lagging with dropped events")
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	taskID := id.New()
	sub := bus.Subscribe(taskID, 0)
	bus.Unsubscribe(sub)

	_, ok := <-sub.Events
	assert.False(t, ok)
}

func TestSubscriberCount(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	taskID := id.New()
	assert.Equal(t, 0, bus.SubscriberCount(taskID))

	sub1 := bus.Subscribe(taskID, 0)
	sub2 := bus.Subscribe(taskID, 0)
	assert.Equal(t, 2, bus.SubscriberCount(taskID))

	bus.Unsubscribe(sub1)
	assert.Equal(t, 1, bus.SubscriberCount(taskID))
	bus.Unsubscribe(sub2)
}

func TestDeliveryOrdering_IndependentAcrossTasks(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	taskA := id.New()
	taskB := id.New()
	subA := bus.Subscribe(taskA, 0)
	defer bus.Unsubscribe(subA)
	subB := bus.Subscribe(taskB, 0)
	defer bus.Unsubscribe(subB)

	bus.Publish(taskA, types.EventLog, types.TaskUnspecified, nil)
	bus.Publish(taskB, types.EventLog, types.TaskUnspecified, nil)
	bus.Publish(taskA, types.EventLog, types.TaskUnspecified, nil)

	eA1 := <-subA.Events
	eA2 := <-subA.Events
	eB1 := <-subB.Events

	assert.Equal(t, uint64(0), eA1.Sequence)
	assert.Equal(t, uint64(1), eA2.Sequence)
	assert.Equal(t, uint64(0), eB1.Sequence)
}

func TestTopicTTL_ExpiresAfterTerminalEvent(t *testing.T) {
	bus := NewBus(WithTopicTTL(10 * time.Millisecond))
	defer bus.Stop()

	taskID := id.New()
	sub := bus.Subscribe(taskID, 0)
	bus.Publish(taskID, types.EventStateChange, types.TaskCompleted, nil)
	<-sub.Events

	require.Eventually(t, func() bool {
		bus.reapExpiredTopics()
		select {
		case _, ok := <-sub.Events:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
