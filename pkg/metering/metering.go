// Package metering implements the usage aggregator: it maintains per-task
// and per-user rolling totals and flushes a task's record to persistence
// when FlushTerminal is called. Reads are lock-free copy-on-read snapshots.
//
// The aggregator does not subscribe to the event bus. The worker transport
// feeds it by calling RecordUsage for each Usage event a worker reports,
// and calls FlushTerminal when a task reaches Completed or Failed; a
// cancelled task's record is not flushed.
package metering

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/metrics"
	"github.com/cuemby/marathon/pkg/types"
)

// Persister is the durable sink for a finished task's usage totals.
type Persister interface {
	SaveUsageRecord(ctx context.Context, taskID, userID id.ID, record types.UsageRecord) error
}

// record is an atomically-swappable snapshot so reads never block writers.
type record struct {
	value types.UsageRecord
}

// Aggregator tracks rolling usage totals per task and per user.
type Aggregator struct {
	mu        sync.Mutex
	byTask    map[id.ID]*atomic.Pointer[record]
	byUser    map[id.ID]*atomic.Pointer[record]
	taskOwner map[id.ID]id.ID

	persister Persister
}

// New constructs an empty Aggregator.
func New(persister Persister) *Aggregator {
	return &Aggregator{
		byTask:    make(map[id.ID]*atomic.Pointer[record]),
		byUser:    make(map[id.ID]*atomic.Pointer[record]),
		taskOwner: make(map[id.ID]id.ID),
		persister: persister,
	}
}

// RegisterTask associates taskID with its owning user so later usage
// updates can be rolled into both totals. Call this once, at task creation.
func (a *Aggregator) RegisterTask(taskID, userID id.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.taskOwner[taskID] = userID
	if _, ok := a.byTask[taskID]; !ok {
		p := &atomic.Pointer[record]{}
		p.Store(&record{value: types.UsageRecord{OwnerID: taskID}})
		a.byTask[taskID] = p
	}
	if _, ok := a.byUser[userID]; !ok {
		p := &atomic.Pointer[record]{}
		p.Store(&record{value: types.UsageRecord{OwnerID: userID}})
		a.byUser[userID] = p
	}
}

// RecordUsage applies delta to both the task's and its owner's rolling
// totals. Safe for concurrent use from the worker transport's per-connection
// goroutines.
func (a *Aggregator) RecordUsage(taskID id.ID, delta types.UsageRecord) {
	a.mu.Lock()
	taskPtr, okTask := a.byTask[taskID]
	userID, hasOwner := a.taskOwner[taskID]
	var userPtr *atomic.Pointer[record]
	if hasOwner {
		userPtr = a.byUser[userID]
	}
	a.mu.Unlock()

	if !okTask {
		// Usage arrived before RegisterTask somehow (recovery ordering);
		// lazily register against an unknown owner rather than drop data.
		a.RegisterTask(taskID, id.Nil)
		a.mu.Lock()
		taskPtr = a.byTask[taskID]
		a.mu.Unlock()
	}

	for {
		old := taskPtr.Load()
		updated := &record{value: old.value.Add(delta)}
		if taskPtr.CompareAndSwap(old, updated) {
			break
		}
	}

	if userPtr != nil {
		for {
			old := userPtr.Load()
			updated := &record{value: old.value.Add(delta)}
			if userPtr.CompareAndSwap(old, updated) {
				break
			}
		}
	}
}

// GetTaskUsage returns a copy-on-read snapshot of taskID's rolling totals.
func (a *Aggregator) GetTaskUsage(taskID id.ID) (types.UsageRecord, bool) {
	a.mu.Lock()
	p, ok := a.byTask[taskID]
	a.mu.Unlock()
	if !ok {
		return types.UsageRecord{}, false
	}
	return p.Load().value, true
}

// GetUserUsage returns a copy-on-read snapshot of userID's rolling totals,
// backing the GET /usage gateway endpoint.
func (a *Aggregator) GetUserUsage(userID id.ID) (types.UsageRecord, bool) {
	a.mu.Lock()
	p, ok := a.byUser[userID]
	a.mu.Unlock()
	if !ok {
		return types.UsageRecord{}, false
	}
	return p.Load().value, true
}

// FlushTerminal persists taskID's final usage record; call once a task
// reaches a terminal state.
func (a *Aggregator) FlushTerminal(ctx context.Context, taskID id.ID) error {
	a.mu.Lock()
	taskPtr, ok := a.byTask[taskID]
	userID := a.taskOwner[taskID]
	a.mu.Unlock()
	if !ok || a.persister == nil {
		return nil
	}

	snapshot := taskPtr.Load().value
	if err := a.persister.SaveUsageRecord(ctx, taskID, userID, snapshot); err != nil {
		return err
	}
	metrics.UsageRecordsFlushedTotal.Inc()
	return nil
}
