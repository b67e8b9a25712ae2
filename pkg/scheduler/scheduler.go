// Package scheduler implements the FIFO dispatch loop that matches Queued
// tasks to eligible nodes: a single ticker-driven loop owns the queue and
// matches each head-of-line task against the registry's capability-tag
// selection, retrying or failing tasks whose assigned node goes away.
package scheduler

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/log"
	"github.com/cuemby/marathon/pkg/metrics"
	"github.com/cuemby/marathon/pkg/registry"
	"github.com/cuemby/marathon/pkg/store"
	"github.com/cuemby/marathon/pkg/types"
)

// Default dispatch-loop tunables.
const (
	DefaultTickInterval       = 1 * time.Second
	DefaultHeadBlockSkipMs    = 500 * time.Millisecond
	DefaultDispatchAckTimeout = 10 * time.Second
	DefaultCancelAckTimeout   = 15 * time.Second
	DefaultMaxRetries         = 3
)

// Dispatcher hands a task payload to its assigned node over the
// worker-facing channel. Implemented by pkg/transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, nodeAddress string, task *types.Task) error
	Cancel(ctx context.Context, nodeAddress string, taskID id.ID) error
}

// queueEntry tracks one Queued task's position and head-of-line-blocking
// state.
type queueEntry struct {
	taskID          id.ID
	headBlockedAt   *time.Time
}

// pendingDispatch tracks a task sent to a node awaiting a dispatch
// acknowledgement (the worker's next event transitioning it to Running).
type pendingDispatch struct {
	taskID     id.ID
	nodeID     id.ID
	dispatchedAt time.Time
}

// pendingCancel tracks a cancel sent to a node awaiting acknowledgement.
type pendingCancel struct {
	taskID    id.ID
	nodeID    id.ID
	sentAt    time.Time
}

// Scheduler is the single dispatch-loop owner. The queue also receives
// pushes from Enqueue calls made by other goroutines (submission handlers),
// so it is guarded by mu; the pending dispatch/cancel maps are also touched
// by the worker transport and by cancel-ack timers, so they are guarded by
// a second mutex, pendingMu.
type Scheduler struct {
	registry *registry.Registry
	store    *store.Store
	dispatcher Dispatcher

	tickInterval       time.Duration
	headBlockSkip      time.Duration
	dispatchAckTimeout time.Duration
	cancelAckTimeout   time.Duration
	maxRetries         int

	mu    sync.Mutex
	queue *list.List // of *queueEntry, FIFO by created_at (insertion order)

	pendingMu        sync.Mutex
	pendingDispatch  map[id.ID]*pendingDispatch // by task ID
	pendingCancel    map[id.ID]*pendingCancel   // by task ID

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithTickInterval(d time.Duration) Option       { return func(s *Scheduler) { s.tickInterval = d } }
func WithHeadBlockSkip(d time.Duration) Option       { return func(s *Scheduler) { s.headBlockSkip = d } }
func WithDispatchAckTimeout(d time.Duration) Option  { return func(s *Scheduler) { s.dispatchAckTimeout = d } }
func WithCancelAckTimeout(d time.Duration) Option    { return func(s *Scheduler) { s.cancelAckTimeout = d } }
func WithMaxRetries(n int) Option                    { return func(s *Scheduler) { s.maxRetries = n } }

// New constructs a Scheduler. Callers must call Start to begin the dispatch
// loop, and should register the returned Scheduler's OnNodeDead as the
// registry's dead-node handler before starting either.
func New(reg *registry.Registry, st *store.Store, dispatcher Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry:           reg,
		store:              st,
		dispatcher:         dispatcher,
		tickInterval:       DefaultTickInterval,
		headBlockSkip:      DefaultHeadBlockSkipMs,
		dispatchAckTimeout: DefaultDispatchAckTimeout,
		cancelAckTimeout:   DefaultCancelAckTimeout,
		maxRetries:         DefaultMaxRetries,
		queue:              list.New(),
		pendingDispatch:    make(map[id.ID]*pendingDispatch),
		pendingCancel:      make(map[id.ID]*pendingCancel),
		wakeCh:             make(chan struct{}, 1),
		stopCh:             make(chan struct{}),
		doneCh:             make(chan struct{}),
	}
	return s
}

// Start runs the dispatch loop in a new goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the dispatch loop and blocks until it exits.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Enqueue adds taskID to the tail of the FIFO queue and wakes the loop.
// Called by the submission handler right after Task Store creates the task.
func (s *Scheduler) Enqueue(taskID id.ID) {
	s.mu.Lock()
	s.queue.PushBack(&queueEntry{taskID: taskID})
	depth := s.queue.Len()
	s.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	s.wake()
}

// RequeueFromRecovery re-adds a task rehydrated by pkg/recovery directly to
// the queue tail, bypassing Create (the task already exists in the store).
func (s *Scheduler) RequeueFromRecovery(taskID id.ID) {
	s.Enqueue(taskID)
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// OnNodeDead is registered as the node registry's DeadNodeHandler: it
// requeues (or fails) every task assigned to the node that just went Dead.
func (s *Scheduler) OnNodeDead(nodeID id.ID) {
	s.pendingMu.Lock()
	var affected []id.ID
	for taskID, pd := range s.pendingDispatch {
		if pd.nodeID == nodeID {
			affected = append(affected, taskID)
			delete(s.pendingDispatch, taskID)
		}
	}
	s.pendingMu.Unlock()

	ctx := context.Background()
	for _, taskID := range affected {
		s.requeueOrFail(ctx, taskID, "worker heartbeat lost")
	}
}

// requeueOrFail transitions a lost task back to Queued (incrementing
// retry_count) or to Failed with NodeLost if the retry budget is exhausted,
// releasing the task's in_flight slot on its assigned node either way.
func (s *Scheduler) requeueOrFail(ctx context.Context, taskID id.ID, reason string) {
	task := s.store.Get(taskID)
	if task == nil || task.State.Terminal() {
		return
	}

	if task.RetryCount+1 > s.maxRetries {
		_, err := s.store.Transition(ctx, taskID, []types.TaskState{types.TaskStarting, types.TaskRunning}, types.TaskFailed, store.Patch{
			ClearAssignedNode: true,
			ErrorMessage:      reason,
		})
		if err == nil {
			if task.AssignedNodeID != nil {
				s.registry.IncrementInFlight(*task.AssignedNodeID, -1)
			}
			metrics.TasksFailedTotal.WithLabelValues("node_lost").Inc()
			log.WithComponent("scheduler").Warn().Str("task_id", taskID.String()).Msg("retry budget exhausted, task failed")
		}
		return
	}

	_, err := s.store.Transition(ctx, taskID, []types.TaskState{types.TaskStarting, types.TaskRunning}, types.TaskQueued, store.Patch{
		ClearAssignedNode: true,
		RetryCountDelta:   1,
	})
	if err != nil {
		return
	}
	if task.AssignedNodeID != nil {
		s.registry.IncrementInFlight(*task.AssignedNodeID, -1)
	}
	metrics.TasksRequeuedTotal.WithLabelValues(reason).Inc()
	s.Enqueue(taskID)
	log.WithComponent("scheduler").Info().Str("task_id", taskID.String()).Msg("task requeued: " + reason)
}

// Cancel requests cancellation of taskID: idempotent, immediate for Queued
// tasks, ack-or-timeout for Starting/Running tasks, a no-op success for
// already-terminal tasks.
func (s *Scheduler) Cancel(ctx context.Context, taskID id.ID) error {
	task := s.store.Get(taskID)
	if task == nil {
		return nil
	}
	if task.State.Terminal() {
		return nil
	}

	if task.State == types.TaskQueued {
		s.removeFromQueue(taskID)
		_, err := s.store.Transition(ctx, taskID, []types.TaskState{types.TaskQueued}, types.TaskCancelled, store.Patch{})
		return err
	}

	// Starting/Running: send cancel to the owning node, transition on ack
	// or after cancel_ack_timeout regardless.
	if task.AssignedNodeID == nil {
		_, err := s.store.Transition(ctx, taskID, []types.TaskState{task.State}, types.TaskCancelled, store.Patch{ClearAssignedNode: true})
		return err
	}
	node := s.registry.Get(*task.AssignedNodeID)

	s.pendingMu.Lock()
	s.pendingCancel[taskID] = &pendingCancel{taskID: taskID, nodeID: *task.AssignedNodeID, sentAt: time.Now()}
	s.pendingMu.Unlock()

	if node != nil && s.dispatcher != nil {
		_ = s.dispatcher.Cancel(ctx, node.Address, taskID)
	}

	go s.awaitCancelAck(taskID, *task.AssignedNodeID)
	return nil
}

// AckCancel is called by the worker transport when the node confirms a
// cancellation.
func (s *Scheduler) AckCancel(ctx context.Context, taskID id.ID) {
	s.pendingMu.Lock()
	pc, ok := s.pendingCancel[taskID]
	if ok {
		delete(s.pendingCancel, taskID)
	}
	s.pendingMu.Unlock()
	if !ok {
		return
	}
	s.finishCancel(ctx, taskID, pc.nodeID, false)
}

func (s *Scheduler) awaitCancelAck(taskID, nodeID id.ID) {
	timer := time.NewTimer(s.cancelAckTimeout)
	defer timer.Stop()
	<-timer.C

	s.pendingMu.Lock()
	_, stillPending := s.pendingCancel[taskID]
	if stillPending {
		delete(s.pendingCancel, taskID)
	}
	s.pendingMu.Unlock()

	if stillPending {
		// Unacknowledged cancel still transitions to Cancelled and marks
		// the node suspect: an unresponsive node may still be running the
		// task, so it's held back from new dispatch until it proves live.
		s.finishCancel(context.Background(), taskID, nodeID, true)
	}
}

func (s *Scheduler) finishCancel(ctx context.Context, taskID, nodeID id.ID, timedOut bool) {
	task := s.store.Get(taskID)
	if task == nil || task.State.Terminal() {
		return
	}
	_, err := s.store.Transition(ctx, taskID, []types.TaskState{types.TaskStarting, types.TaskRunning}, types.TaskCancelled, store.Patch{ClearAssignedNode: true})
	if err != nil {
		return
	}
	s.registry.IncrementInFlight(nodeID, -1)
	if timedOut {
		s.registry.MarkSuspect(nodeID)
		log.WithComponent("scheduler").Warn().Str("task_id", taskID.String()).Str("node_id", nodeID.String()).Msg("cancel ack timed out, node marked suspect")
	}
}

func (s *Scheduler) removeFromQueue(taskID id.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.queue.Front(); e != nil; e = e.Next() {
		if e.Value.(*queueEntry).taskID == taskID {
			s.queue.Remove(e)
			metrics.QueueDepth.Set(float64(s.queue.Len()))
			return
		}
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkDispatchTimeouts()
			s.dispatchRound()
		case <-s.wakeCh:
			s.dispatchRound()
		}
	}
}

// dispatchRound attempts to pair queued tasks with eligible nodes, applying
// the head-of-line-blocking mitigation: if the head has been blocked longer
// than headBlockSkip, walk further into the queue for a dispatchable task.
func (s *Scheduler) dispatchRound() {
	ctx := context.Background()
	for {
		s.mu.Lock()
		front := s.queue.Front()
		if front == nil {
			s.mu.Unlock()
			return
		}
		entry := front.Value.(*queueEntry)
		task := s.store.Get(entry.taskID)
		if task == nil || task.State != types.TaskQueued {
			// Stale queue entry (e.g. cancelled directly): drop it.
			s.queue.Remove(front)
			s.mu.Unlock()
			continue
		}

		node := s.registry.PickEligible(task.RequiredCapabilities)
		if node != nil {
			s.queue.Remove(front)
			metrics.QueueDepth.Set(float64(s.queue.Len()))
			s.mu.Unlock()
			s.dispatch(ctx, task, node)
			continue
		}

		// No eligible node for the head. Mark head_blocked_since if unset.
		now := time.Now()
		if entry.headBlockedAt == nil {
			entry.headBlockedAt = &now
			s.mu.Unlock()
			return
		}

		if now.Sub(*entry.headBlockedAt) <= s.headBlockSkip {
			s.mu.Unlock()
			return
		}

		// Head-of-line-blocking mitigation: walk further for a dispatchable
		// later task.
		dispatchedAny := s.skipAheadAndDispatch(ctx)
		s.mu.Unlock()
		if !dispatchedAny {
			return
		}
	}
}

// skipAheadAndDispatch must be called with s.mu held. It walks past the
// blocked head looking for any later queue entry whose task is
// dispatchable right now, dispatching at most one such task per call.
func (s *Scheduler) skipAheadAndDispatch(ctx context.Context) bool {
	var next *list.Element
	for e := s.queue.Front().Next(); e != nil; e = next {
		next = e.Next()
		entry := e.Value.(*queueEntry)
		task := s.store.Get(entry.taskID)
		if task == nil || task.State != types.TaskQueued {
			s.queue.Remove(e)
			continue
		}
		node := s.registry.PickEligible(task.RequiredCapabilities)
		if node == nil {
			continue
		}
		s.queue.Remove(e)
		metrics.QueueDepth.Set(float64(s.queue.Len()))
		metrics.HeadOfLineSkipsTotal.Inc()
		// dispatch() performs blocking RPCs and must not hold s.mu, which
		// the caller still holds here, so it runs on its own goroutine.
		go s.dispatch(ctx, task, node)
		return true
	}
	return false
}

// dispatch atomically (from the queue's perspective) claims a node slot,
// transitions Queued -> Starting, and hands the task to the worker-facing
// dispatcher. Must be called without s.mu held.
func (s *Scheduler) dispatch(ctx context.Context, task *types.Task, node *types.Node) {
	timer := metrics.NewTimer()
	s.registry.IncrementInFlight(node.ID, 1)

	nodeID := node.ID
	updated, err := s.store.Transition(ctx, task.ID, []types.TaskState{types.TaskQueued}, types.TaskStarting, store.Patch{AssignedNodeID: &nodeID})
	if err != nil {
		s.registry.IncrementInFlight(node.ID, -1)
		return
	}

	s.pendingMu.Lock()
	s.pendingDispatch[task.ID] = &pendingDispatch{taskID: task.ID, nodeID: node.ID, dispatchedAt: time.Now()}
	s.pendingMu.Unlock()

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, node.Address, updated); err != nil {
			log.WithComponent("scheduler").Error().Err(err).Str("task_id", task.ID.String()).Msg("dispatch failed")
			s.handleDispatchFailure(ctx, task.ID, node.ID)
			return
		}
	}

	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.TasksDispatchedTotal.Inc()
}

// handleDispatchFailure handles a synchronous dispatch failure the same way
// as a timed-out dispatch acknowledgement: immediate requeue, or fail once
// the retry budget is exhausted.
func (s *Scheduler) handleDispatchFailure(ctx context.Context, taskID, nodeID id.ID) {
	s.pendingMu.Lock()
	delete(s.pendingDispatch, taskID)
	s.pendingMu.Unlock()

	s.registry.IncrementInFlight(nodeID, -1)

	task := s.store.Get(taskID)
	if task == nil {
		return
	}
	if task.RetryCount+1 > s.maxRetries {
		_, _ = s.store.Transition(ctx, taskID, []types.TaskState{types.TaskStarting}, types.TaskFailed, store.Patch{
			ClearAssignedNode: true,
			ErrorMessage:      "dispatch failed",
		})
		metrics.TasksFailedTotal.WithLabelValues("dispatch_failed").Inc()
		return
	}
	_, err := s.store.Transition(ctx, taskID, []types.TaskState{types.TaskStarting}, types.TaskQueued, store.Patch{
		ClearAssignedNode: true,
		RetryCountDelta:   1,
	})
	if err == nil {
		metrics.TasksRequeuedTotal.WithLabelValues("dispatch_failed").Inc()
		s.Enqueue(taskID)
	}
}

// checkDispatchTimeouts requeues or fails any task whose dispatch
// acknowledgement (Starting -> Running) hasn't arrived within
// dispatchAckTimeout.
func (s *Scheduler) checkDispatchTimeouts() {
	now := time.Now()
	s.pendingMu.Lock()
	var timedOut []*pendingDispatch
	for taskID, pd := range s.pendingDispatch {
		if now.Sub(pd.dispatchedAt) > s.dispatchAckTimeout {
			timedOut = append(timedOut, pd)
			delete(s.pendingDispatch, taskID)
		}
	}
	s.pendingMu.Unlock()

	ctx := context.Background()
	for _, pd := range timedOut {
		s.handleDispatchFailure(ctx, pd.taskID, pd.nodeID)
	}
}

// AckRunning is called by the worker transport when a task's first event
// after dispatch arrives, confirming the worker picked it up. It clears the
// pending-dispatch tracking; the actual Starting -> Running transition is
// driven by the caller (the transport layer).
func (s *Scheduler) AckRunning(taskID id.ID) {
	s.pendingMu.Lock()
	delete(s.pendingDispatch, taskID)
	s.pendingMu.Unlock()
}
