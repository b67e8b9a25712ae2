package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/marathon/pkg/events"
	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/registry"
	"github.com/cuemby/marathon/pkg/store"
	"github.com/cuemby/marathon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	dispatched []id.ID
	cancelled  []id.ID
	failNext   bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, nodeAddress string, task *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return assert.AnError
	}
	f.dispatched = append(f.dispatched, task.ID)
	return nil
}

func (f *fakeDispatcher) Cancel(ctx context.Context, nodeAddress string, taskID id.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func newHarness(t *testing.T, opts ...Option) (*Scheduler, *registry.Registry, *store.Store, *fakeDispatcher, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	st := store.New(bus)
	disp := &fakeDispatcher{}

	var sched *Scheduler
	reg := registry.New(
		registry.WithSweepInterval(time.Hour), // no spontaneous sweeps during the test; OnNodeDead is driven manually
		registry.WithDeadNodeHandler(func(nodeID id.ID) { sched.OnNodeDead(nodeID) }),
	)
	sched = New(reg, st, disp, append([]Option{WithTickInterval(20 * time.Millisecond)}, opts...)...)

	t.Cleanup(func() {
		sched.Stop()
		reg.Stop()
		bus.Stop()
	})
	sched.Start()
	return sched, reg, st, disp, bus
}

func TestHappyPath_QueuedToStartingOnEligibleNode(t *testing.T) {
	sched, reg, st, disp, _ := newHarness(t)

	nodeID := reg.Register(registry.NodeInfo{Address: "node-1:9000", Capabilities: []string{"claude-code"}, Capacity: 1})

	task, err := st.Create(context.Background(), id.New(), types.SubmitTaskRequest{RequiredCapabilities: []string{"claude-code"}})
	require.NoError(t, err)
	sched.Enqueue(task.ID)

	require.Eventually(t, func() bool {
		got := st.Get(task.ID)
		return got.State == types.TaskStarting
	}, time.Second, 5*time.Millisecond)

	updated := st.Get(task.ID)
	require.NotNil(t, updated.AssignedNodeID)
	assert.Equal(t, nodeID, *updated.AssignedNodeID)

	disp.mu.Lock()
	assert.Contains(t, disp.dispatched, task.ID)
	disp.mu.Unlock()
}

func TestNoEligibleNode_StaysQueuedUntilNodeRegisters(t *testing.T) {
	sched, reg, st, _, _ := newHarness(t)

	task, err := st.Create(context.Background(), id.New(), types.SubmitTaskRequest{RequiredCapabilities: []string{"gpu"}})
	require.NoError(t, err)
	sched.Enqueue(task.ID)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, types.TaskQueued, st.Get(task.ID).State)

	reg.Register(registry.NodeInfo{Capabilities: []string{"gpu"}, Capacity: 1})

	require.Eventually(t, func() bool {
		return st.Get(task.ID).State == types.TaskStarting
	}, time.Second, 5*time.Millisecond)
}

func TestCancelQueuedTask_TransitionsDirectlyToCancelled(t *testing.T) {
	sched, _, st, disp, _ := newHarness(t)

	task, err := st.Create(context.Background(), id.New(), types.SubmitTaskRequest{RequiredCapabilities: []string{"gpu"}})
	require.NoError(t, err)
	sched.Enqueue(task.ID)

	require.NoError(t, sched.Cancel(context.Background(), task.ID))

	got := st.Get(task.ID)
	assert.Equal(t, types.TaskCancelled, got.State)

	disp.mu.Lock()
	assert.Empty(t, disp.cancelled, "no cancel should have been sent to a node for a queued cancel")
	disp.mu.Unlock()
}

func TestCancelIdempotent(t *testing.T) {
	sched, _, st, _, _ := newHarness(t)

	task, err := st.Create(context.Background(), id.New(), types.SubmitTaskRequest{})
	require.NoError(t, err)
	sched.Enqueue(task.ID)

	require.NoError(t, sched.Cancel(context.Background(), task.ID))
	firstState := st.Get(task.ID).State
	require.NoError(t, sched.Cancel(context.Background(), task.ID))
	secondState := st.Get(task.ID).State

	assert.Equal(t, firstState, secondState)
	assert.Equal(t, types.TaskCancelled, secondState)
}

func TestNodeLoss_RequeuesThenRetryExhaustionFails(t *testing.T) {
	sched, reg, st, _, _ := newHarness(t, WithMaxRetries(2))

	nodeID := reg.Register(registry.NodeInfo{Capabilities: []string{"claude-code"}, Capacity: 1})
	task, err := st.Create(context.Background(), id.New(), types.SubmitTaskRequest{RequiredCapabilities: []string{"claude-code"}})
	require.NoError(t, err)
	sched.Enqueue(task.ID)

	require.Eventually(t, func() bool {
		return st.Get(task.ID).State == types.TaskStarting
	}, time.Second, 5*time.Millisecond)

	// Simulate repeated node loss: each call to OnNodeDead should requeue
	// under the retry budget, until the budget is exhausted.
	for i := 0; i < 3; i++ {
		current := st.Get(task.ID)
		if current.State.Terminal() {
			break
		}
		sched.OnNodeDead(nodeID)
		if i < 2 {
			require.Eventually(t, func() bool {
				s := st.Get(task.ID)
				return s.State == types.TaskQueued || s.State == types.TaskStarting
			}, time.Second, 5*time.Millisecond)
		}
	}

	require.Eventually(t, func() bool {
		return st.Get(task.ID).State == types.TaskFailed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "worker heartbeat lost", st.Get(task.ID).ErrorMessage)
}
