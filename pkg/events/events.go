// Package events implements the per-task event bus: one logical topic per
// live task, gap-free per-task sequence numbers, and slow-subscriber-drop
// fan-out so a stalled follower can never stall the publisher or another
// task's subscribers.
package events

import (
	"sync"
	"time"

	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/log"
	"github.com/cuemby/marathon/pkg/metrics"
	"github.com/cuemby/marathon/pkg/types"
)

// DefaultSubscriberBuffer is the bounded per-subscription queue size.
const DefaultSubscriberBuffer = 256

// DefaultTopicTTL is how long a task's topic survives after its terminal
// event, so late subscribers can still read it.
const DefaultTopicTTL = 5 * time.Minute

// Subscription is the handle a consumer holds against one task's topic.
type Subscription struct {
	ID     id.ID
	TaskID id.ID

	// Events delivers in strictly increasing per-task sequence order.
	// The bus never blocks sending to it: on overflow, events are dropped
	// and the next successful delivery carries a Gap marker.
	Events <-chan types.TaskEvent

	events chan types.TaskEvent

	mu      sync.Mutex
	lagging bool
	dropped uint64
	gapFrom uint64
}

func newSubscription(taskID id.ID, bufSize int) *Subscription {
	ch := make(chan types.TaskEvent, bufSize)
	return &Subscription{
		ID:     id.New(),
		TaskID: taskID,
		Events: ch,
		events: ch,
	}
}

// topic holds the durable replay buffer and live subscriber set for one task.
type topic struct {
	mu          sync.Mutex
	taskID      id.ID
	nextSeq     uint64
	history     []types.TaskEvent // full history; small per task, bounded by task lifetime
	subscribers map[id.ID]*Subscription
	terminalAt  *time.Time
}

// Bus is the per-task multi-subscriber event fan-out.
type Bus struct {
	mu     sync.RWMutex
	topics map[id.ID]*topic

	subscriberBuffer int
	topicTTL         time.Duration

	stopCh chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithSubscriberBuffer overrides DefaultSubscriberBuffer.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) { b.subscriberBuffer = n }
}

// WithTopicTTL overrides DefaultTopicTTL.
func WithTopicTTL(d time.Duration) Option {
	return func(b *Bus) { b.topicTTL = d }
}

// NewBus constructs an empty Bus and starts its topic-reaper goroutine.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		topics:           make(map[id.ID]*topic),
		subscriberBuffer: DefaultSubscriberBuffer,
		topicTTL:         DefaultTopicTTL,
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.reapLoop()
	return b
}

// Stop halts the topic reaper. Safe to call once.
func (b *Bus) Stop() {
	close(b.stopCh)
}

func (b *Bus) getOrCreateTopic(taskID id.ID) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{taskID: taskID, subscribers: make(map[id.ID]*Subscription)}
		b.topics[taskID] = t
	}
	return t
}

// Publish assigns the next sequence number for task_id and delivers event to
// every live subscriber without blocking. Publish is fire-and-forget once
// sequence assignment succeeds: a slow subscriber never delays the caller.
func (b *Bus) Publish(taskID id.ID, kind types.EventKind, state types.TaskState, data []byte) types.TaskEvent {
	t := b.getOrCreateTopic(taskID)

	t.mu.Lock()
	seq := t.nextSeq
	t.nextSeq++
	event := types.TaskEvent{
		TaskID:    taskID,
		Sequence:  seq,
		Kind:      kind,
		Timestamp: time.Now(),
		Data:      data,
		State:     state,
	}
	t.history = append(t.history, event)
	if kind == types.EventStateChange && state.Terminal() {
		terminalAt := event.Timestamp
		t.terminalAt = &terminalAt
	}
	subs := make([]*Subscription, 0, len(t.subscribers))
	for _, sub := range t.subscribers {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, event)
	}

	metrics.EventsPublishedTotal.Inc()
	return event
}

// deliver attempts a non-blocking send to sub, applying the
// slow-subscriber-drop policy on overflow.
func (b *Bus) deliver(sub *Subscription, event types.TaskEvent) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.lagging {
		event.Gap = &types.SequenceGap{From: sub.gapFrom, To: event.Sequence}
	}

	select {
	case sub.events <- event:
		if sub.lagging {
			sub.lagging = false
			sub.gapFrom = 0
		}
	default:
		if !sub.lagging {
			sub.lagging = true
			sub.gapFrom = event.Sequence
		}
		sub.dropped++
		metrics.EventsDroppedTotal.Inc()
	}
}

// Subscribe opens a Subscription on task_id, replaying buffered history at or
// after from_sequence before following new events live.
func (b *Bus) Subscribe(taskID id.ID, fromSequence uint64) *Subscription {
	t := b.getOrCreateTopic(taskID)

	t.mu.Lock()
	sub := newSubscription(taskID, b.subscriberBuffer)
	replay := make([]types.TaskEvent, 0, len(t.history))
	for _, e := range t.history {
		if e.Sequence >= fromSequence {
			replay = append(replay, e)
		}
	}
	t.subscribers[sub.ID] = sub
	t.mu.Unlock()

	for _, e := range replay {
		select {
		case sub.events <- e:
		default:
			sub.mu.Lock()
			if !sub.lagging {
				sub.lagging = true
				sub.gapFrom = e.Sequence
			}
			sub.dropped++
			sub.mu.Unlock()
		}
	}

	metrics.ActiveSubscriptions.Inc()
	return sub
}

// Unsubscribe releases sub's slot and drops its buffer.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.RLock()
	t, ok := b.topics[sub.TaskID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	if _, present := t.subscribers[sub.ID]; present {
		delete(t.subscribers, sub.ID)
		close(sub.events)
		metrics.ActiveSubscriptions.Dec()
	}
	t.mu.Unlock()
}

// SubscriberCount returns the number of live subscribers on task_id's topic.
func (b *Bus) SubscriberCount(taskID id.ID) int {
	b.mu.RLock()
	t, ok := b.topics[taskID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// reapLoop drops topics whose terminal event is older than topicTTL.
func (b *Bus) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.reapExpiredTopics()
		}
	}
}

func (b *Bus) reapExpiredTopics() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for taskID, t := range b.topics {
		t.mu.Lock()
		expired := t.terminalAt != nil && now.Sub(*t.terminalAt) > b.topicTTL
		if expired {
			for _, sub := range t.subscribers {
				close(sub.events)
			}
			metrics.ActiveSubscriptions.Sub(float64(len(t.subscribers)))
		}
		t.mu.Unlock()
		if expired {
			delete(b.topics, taskID)
			log.WithComponent("events").Debug().Str("task_id", taskID.String()).Msg("topic expired, history dropped")
		}
	}
}
