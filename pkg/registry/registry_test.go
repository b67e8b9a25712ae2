package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/marathon/pkg/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_AddsNodeAsIdle(t *testing.T) {
	r := New()
	defer r.Stop()

	nodeID := r.Register(NodeInfo{Address: "10.0.0.1:9000", Capabilities: []string{"claude-code"}, Capacity: 2})

	n := r.Get(nodeID)
	require.NotNil(t, n)
	assert.Equal(t, "10.0.0.1:9000", n.Address)
	assert.Equal(t, 2, n.Capacity)
	assert.Equal(t, "Idle", n.Status.String())
}

func TestHeartbeat_UnknownNodeReturnsFalse(t *testing.T) {
	r := New()
	defer r.Stop()

	assert.False(t, r.Heartbeat(id.New(), 0))
}

func TestHeartbeat_UpdatesInFlightAndStatus(t *testing.T) {
	r := New()
	defer r.Stop()

	nodeID := r.Register(NodeInfo{Capacity: 1, Capabilities: []string{"claude-code"}})
	ok := r.Heartbeat(nodeID, 1)
	require.True(t, ok)

	n := r.Get(nodeID)
	assert.Equal(t, 1, n.InFlight)
	assert.Equal(t, "Busy", n.Status.String())
}

func TestPickEligible_RequiresCapabilitySuperset(t *testing.T) {
	r := New()
	defer r.Stop()

	dockerNode := r.Register(NodeInfo{Capabilities: []string{"docker"}, Capacity: 1})
	_ = dockerNode

	got := r.PickEligible([]string{"claude-code"})
	assert.Nil(t, got)

	claudeNode := r.Register(NodeInfo{Capabilities: []string{"claude-code", "docker"}, Capacity: 1})
	got = r.PickEligible([]string{"claude-code"})
	require.NotNil(t, got)
	assert.Equal(t, claudeNode, got.ID)
}

func TestPickEligible_TieBreaksByFewerInFlight(t *testing.T) {
	r := New()
	defer r.Stop()

	busier := r.Register(NodeInfo{Capabilities: []string{"claude-code"}, Capacity: 5})
	idler := r.Register(NodeInfo{Capabilities: []string{"claude-code"}, Capacity: 5})

	r.Heartbeat(busier, 3)
	r.Heartbeat(idler, 0)

	got := r.PickEligible([]string{"claude-code"})
	require.NotNil(t, got)
	assert.Equal(t, idler, got.ID)
}

func TestSweep_MarksStaleNodeDeadAndInvokesHandler(t *testing.T) {
	var mu sync.Mutex
	var deadNodes []id.ID

	r := New(
		WithHeartbeatTimeout(10*time.Millisecond),
		WithSweepInterval(5*time.Millisecond),
		WithDeadNodeHandler(func(nodeID id.ID) {
			mu.Lock()
			deadNodes = append(deadNodes, nodeID)
			mu.Unlock()
		}),
	)
	defer r.Stop()

	nodeID := r.Register(NodeInfo{Capabilities: []string{"claude-code"}, Capacity: 1})

	require.Eventually(t, func() bool {
		n := r.Get(nodeID)
		return n != nil && n.Status.String() == "Dead"
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deadNodes) == 1 && deadNodes[0] == nodeID
	}, time.Second, time.Millisecond)
}

func TestSweep_GarbageCollectsDeadNodesAfterGrace(t *testing.T) {
	r := New(
		WithHeartbeatTimeout(5*time.Millisecond),
		WithSweepInterval(5*time.Millisecond),
		WithGCGrace(10*time.Millisecond),
	)
	defer r.Stop()

	nodeID := r.Register(NodeInfo{Capabilities: []string{"claude-code"}, Capacity: 1})

	require.Eventually(t, func() bool {
		return r.Get(nodeID) == nil
	}, time.Second, time.Millisecond)
}

func TestMarkSuspect_ExcludesNodeFromPickEligible(t *testing.T) {
	r := New()
	defer r.Stop()

	nodeID := r.Register(NodeInfo{Capabilities: []string{"claude-code"}, Capacity: 1})
	r.MarkSuspect(nodeID)

	assert.Nil(t, r.PickEligible([]string{"claude-code"}))
}

func TestHeartbeat_ClearsSuspectFlag(t *testing.T) {
	r := New()
	defer r.Stop()

	nodeID := r.Register(NodeInfo{Capabilities: []string{"claude-code"}, Capacity: 1})
	r.MarkSuspect(nodeID)
	r.Heartbeat(nodeID, 0)

	got := r.PickEligible([]string{"claude-code"})
	require.NotNil(t, got)
	assert.Equal(t, nodeID, got.ID)
}

func TestSnapshot_ReturnsIndependentCopies(t *testing.T) {
	r := New()
	defer r.Stop()

	nodeID := r.Register(NodeInfo{Capabilities: []string{"claude-code"}, Capacity: 1})
	snap := r.Snapshot()
	require.Len(t, snap, 1)

	snap[0].Capabilities[0] = "mutated"

	n := r.Get(nodeID)
	assert.Equal(t, "claude-code", n.Capabilities[0])
}
