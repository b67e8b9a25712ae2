package store

import (
	"context"
	"sync"
	"testing"

	"github.com/cuemby/marathon/pkg/events"
	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	mu    sync.Mutex
	saved []*types.Task
	fail  int
}

func (f *fakePersister) SaveTask(ctx context.Context, t *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return assert.AnError
	}
	f.saved = append(f.saved, t.Clone())
	return nil
}

func newTestStore() (*Store, *events.Bus) {
	bus := events.NewBus()
	return New(bus), bus
}

func TestCreate_StartsInQueuedAndEmitsEvent(t *testing.T) {
	s, bus := newTestStore()
	defer bus.Stop()

	userID := id.New()
	task, err := s.Create(context.Background(), userID, types.SubmitTaskRequest{RepoURL: "https://github.com/u/r", Prompt: "fix bug"})
	require.NoError(t, err)

	assert.Equal(t, types.TaskQueued, task.State)
	assert.Equal(t, "main", task.Branch)
	assert.Equal(t, 50, task.MaxIterations)
	assert.Equal(t, 0, bus.SubscriberCount(task.ID))

	sub := bus.Subscribe(task.ID, 0)
	defer bus.Unsubscribe(sub)
	first := <-sub.Events
	assert.Equal(t, types.EventStateChange, first.Kind)
	assert.Equal(t, types.TaskQueued, first.State)
}

func TestCreate_DefaultsApplyOnlyWhenUnset(t *testing.T) {
	s, bus := newTestStore()
	defer bus.Stop()

	task, err := s.Create(context.Background(), id.New(), types.SubmitTaskRequest{Branch: "develop", MaxIterations: 10})
	require.NoError(t, err)

	assert.Equal(t, "develop", task.Branch)
	assert.Equal(t, 10, task.MaxIterations)
}

func TestTransition_RejectsIllegalFromState(t *testing.T) {
	s, bus := newTestStore()
	defer bus.Stop()

	task, err := s.Create(context.Background(), id.New(), types.SubmitTaskRequest{})
	require.NoError(t, err)

	_, err = s.Transition(context.Background(), task.ID, []types.TaskState{types.TaskRunning}, types.TaskCompleted, Patch{})
	require.Error(t, err)
}

func TestTransition_QueuedToStarting_SetsStartedAtAndAssignedNode(t *testing.T) {
	s, bus := newTestStore()
	defer bus.Stop()

	task, err := s.Create(context.Background(), id.New(), types.SubmitTaskRequest{})
	require.NoError(t, err)

	nodeID := id.New()
	updated, err := s.Transition(context.Background(), task.ID, []types.TaskState{types.TaskQueued}, types.TaskStarting, Patch{AssignedNodeID: &nodeID})
	require.NoError(t, err)

	assert.Equal(t, types.TaskStarting, updated.State)
	require.NotNil(t, updated.AssignedNodeID)
	assert.Equal(t, nodeID, *updated.AssignedNodeID)
	require.NotNil(t, updated.StartedAt)
}

func TestTransition_ToTerminalState_SetsCompletedAtAndClearsNode(t *testing.T) {
	s, bus := newTestStore()
	defer bus.Stop()

	task, err := s.Create(context.Background(), id.New(), types.SubmitTaskRequest{})
	require.NoError(t, err)

	nodeID := id.New()
	_, err = s.Transition(context.Background(), task.ID, []types.TaskState{types.TaskQueued}, types.TaskStarting, Patch{AssignedNodeID: &nodeID})
	require.NoError(t, err)
	_, err = s.Transition(context.Background(), task.ID, []types.TaskState{types.TaskStarting}, types.TaskRunning, Patch{})
	require.NoError(t, err)

	completed, err := s.Transition(context.Background(), task.ID, []types.TaskState{types.TaskRunning}, types.TaskCompleted, Patch{ClearAssignedNode: true, PRURL: "https://github.com/u/r/pull/1"})
	require.NoError(t, err)

	assert.Equal(t, types.TaskCompleted, completed.State)
	assert.Nil(t, completed.AssignedNodeID)
	require.NotNil(t, completed.CompletedAt)
	assert.Equal(t, "https://github.com/u/r/pull/1", completed.PRURL)
}

func TestTransition_UnknownTaskReturnsNotFound(t *testing.T) {
	s, bus := newTestStore()
	defer bus.Stop()

	_, err := s.Transition(context.Background(), id.New(), []types.TaskState{types.TaskQueued}, types.TaskStarting, Patch{})
	assert.Error(t, err)
}

func TestTransition_UsagePatchAccumulates(t *testing.T) {
	s, bus := newTestStore()
	defer bus.Stop()

	task, err := s.Create(context.Background(), id.New(), types.SubmitTaskRequest{})
	require.NoError(t, err)
	nodeID := id.New()
	_, _ = s.Transition(context.Background(), task.ID, []types.TaskState{types.TaskQueued}, types.TaskStarting, Patch{AssignedNodeID: &nodeID})
	_, _ = s.Transition(context.Background(), task.ID, []types.TaskState{types.TaskStarting}, types.TaskRunning, Patch{
		Usage: &types.UsageRecord{InputTokens: 100, OutputTokens: 50, ToolCalls: 3},
	})

	updated := s.Get(task.ID)
	assert.Equal(t, int64(100), updated.InputTokens)
	assert.Equal(t, int64(50), updated.OutputTokens)
	assert.Equal(t, int64(3), updated.ToolCalls)
}

func TestApplyUsage_AccumulatesWithoutStateChangeOrPublish(t *testing.T) {
	s, bus := newTestStore()
	defer bus.Stop()

	task, err := s.Create(context.Background(), id.New(), types.SubmitTaskRequest{})
	require.NoError(t, err)
	nodeID := id.New()
	_, _ = s.Transition(context.Background(), task.ID, []types.TaskState{types.TaskQueued}, types.TaskStarting, Patch{AssignedNodeID: &nodeID})
	_, _ = s.Transition(context.Background(), task.ID, []types.TaskState{types.TaskStarting}, types.TaskRunning, Patch{})

	sub := bus.Subscribe(task.ID, 0)
	defer bus.Unsubscribe(sub)

	updated, err := s.ApplyUsage(context.Background(), task.ID, types.UsageRecord{InputTokens: 10, OutputTokens: 5, ToolCalls: 1})
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, updated.State)
	assert.Equal(t, int64(10), updated.InputTokens)

	_, err = s.ApplyUsage(context.Background(), task.ID, types.UsageRecord{InputTokens: 10, OutputTokens: 5, ToolCalls: 1})
	require.NoError(t, err)

	final := s.Get(task.ID)
	assert.Equal(t, int64(20), final.InputTokens)
	assert.Equal(t, int64(10), final.OutputTokens)
	assert.Equal(t, int64(2), final.ToolCalls)
	assert.Equal(t, types.TaskRunning, final.State)

	for {
		select {
		case evt := <-sub.Events:
			assert.NotEqual(t, types.EventStateChange, evt.Kind, "ApplyUsage must not publish a StateChange event")
		default:
			return
		}
	}
}

func TestApplyUsage_UnknownTaskReturnsNotFound(t *testing.T) {
	s, bus := newTestStore()
	defer bus.Stop()

	_, err := s.ApplyUsage(context.Background(), id.New(), types.UsageRecord{InputTokens: 1})
	assert.Error(t, err)
}

func TestList_FiltersByOwnerAndState(t *testing.T) {
	s, bus := newTestStore()
	defer bus.Stop()

	userA := id.New()
	userB := id.New()
	taskA1, _ := s.Create(context.Background(), userA, types.SubmitTaskRequest{})
	_, _ = s.Create(context.Background(), userB, types.SubmitTaskRequest{})
	nodeID := id.New()
	_, _ = s.Transition(context.Background(), taskA1.ID, []types.TaskState{types.TaskQueued}, types.TaskStarting, Patch{AssignedNodeID: &nodeID})

	results := s.List(types.ListFilter{UserID: userA})
	require.Len(t, results, 1)
	assert.Equal(t, taskA1.ID, results[0].ID)

	filtered := s.List(types.ListFilter{UserID: userA, State: types.TaskStarting})
	require.Len(t, filtered, 1)

	none := s.List(types.ListFilter{UserID: userA, State: types.TaskCompleted})
	assert.Len(t, none, 0)
}

func TestWriteThrough_RetriesOnceOnTransientFailure(t *testing.T) {
	persister := &fakePersister{fail: 1}
	bus := events.NewBus()
	defer bus.Stop()
	s := New(bus, WithPersister(persister))

	task, err := s.Create(context.Background(), id.New(), types.SubmitTaskRequest{})
	require.NoError(t, err)

	persister.mu.Lock()
	defer persister.mu.Unlock()
	require.Len(t, persister.saved, 1)
	assert.Equal(t, task.ID, persister.saved[0].ID)
}

func TestWriteThrough_SurfacesErrorAfterRetryExhausted(t *testing.T) {
	persister := &fakePersister{fail: 2}
	bus := events.NewBus()
	defer bus.Stop()
	s := New(bus, WithPersister(persister))

	_, err := s.Create(context.Background(), id.New(), types.SubmitTaskRequest{})
	assert.Error(t, err)
}
