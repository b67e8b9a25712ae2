// Package registry tracks worker-node liveness, capacity and capability
// tags. It runs the 5s liveness sweeper that marks nodes Dead on heartbeat
// timeout and is the sole source of node eligibility for the scheduler.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/log"
	"github.com/cuemby/marathon/pkg/metrics"
	"github.com/cuemby/marathon/pkg/types"
)

// DefaultHeartbeatTimeout is the interval after which a node with no
// heartbeat is declared Dead.
const DefaultHeartbeatTimeout = 30 * time.Second

// DefaultSweepInterval is how often the liveness sweeper runs.
const DefaultSweepInterval = 5 * time.Second

// DefaultGCGrace is how long a Dead node is retained before garbage
// collection.
const DefaultGCGrace = 5 * time.Minute

// NodeInfo is what a worker presents at registration time.
type NodeInfo struct {
	Address      string
	Capabilities []string
	Capacity     int
}

// DeadNodeHandler is invoked once per node the sweeper just marked Dead, so
// the scheduler can requeue its in-flight tasks. Called outside the
// registry's lock.
type DeadNodeHandler func(nodeID id.ID)

// Registry is the concurrency-safe node table.
type Registry struct {
	mu    sync.Mutex
	nodes map[id.ID]*types.Node

	heartbeatTimeout time.Duration
	sweepInterval    time.Duration
	gcGrace          time.Duration

	onDead DeadNodeHandler

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(r *Registry) { r.heartbeatTimeout = d }
}

func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

func WithGCGrace(d time.Duration) Option {
	return func(r *Registry) { r.gcGrace = d }
}

// WithDeadNodeHandler registers the callback invoked when a node transitions
// to Dead, so the scheduler can requeue its tasks.
func WithDeadNodeHandler(h DeadNodeHandler) Option {
	return func(r *Registry) { r.onDead = h }
}

// New constructs a Registry and starts its liveness sweeper.
func New(opts ...Option) *Registry {
	r := &Registry{
		nodes:            make(map[id.ID]*types.Node),
		heartbeatTimeout: DefaultHeartbeatTimeout,
		sweepInterval:    DefaultSweepInterval,
		gcGrace:          DefaultGCGrace,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.sweepLoop()
	return r
}

// Stop halts the sweeper and blocks until it has exited.
func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Register adds a new node and returns its assigned NodeId.
func (r *Registry) Register(info NodeInfo) id.ID {
	now := time.Now()
	n := &types.Node{
		ID:              id.New(),
		Address:         info.Address,
		Capabilities:    append([]string(nil), info.Capabilities...),
		Capacity:        info.Capacity,
		Status:          types.NodeIdle,
		LastHeartbeatAt: now,
		RegisteredAt:    now,
	}
	if n.Capacity <= 0 {
		n.Capacity = 1
	}

	r.mu.Lock()
	r.nodes[n.ID] = n
	r.mu.Unlock()

	r.updateGauges()
	log.WithComponent("registry").Info().
		Str("node_id", n.ID.String()).
		Str("address", n.Address).
		Strs("capabilities", n.Capabilities).
		Msg("node registered")
	return n.ID
}

// Heartbeat records a liveness beat and status update for nodeID. Returns
// false if the node is unknown.
func (r *Registry) Heartbeat(nodeID id.ID, inFlight int) bool {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	n.LastHeartbeatAt = time.Now()
	n.InFlight = inFlight
	wasSuspect := n.Suspect
	n.Suspect = false
	if n.Status == types.NodeDead {
		n.Status = types.NodeIdle
	}
	if n.InFlight >= n.Capacity {
		n.Status = types.NodeBusy
	} else if n.Status != types.NodeDraining {
		n.Status = types.NodeIdle
	}
	r.mu.Unlock()

	if wasSuspect {
		log.WithComponent("registry").Info().Str("node_id", nodeID.String()).Msg("suspect node cleared by heartbeat")
	}
	r.updateGauges()
	return true
}

// MarkSuspect flags a node as unfit for new dispatch without declaring it
// Dead. Used when a cancel acknowledgement times out: the node may still be
// alive and running the task.
func (r *Registry) MarkSuspect(nodeID id.ID) {
	r.mu.Lock()
	if n, ok := r.nodes[nodeID]; ok {
		n.Suspect = true
	}
	r.mu.Unlock()
}

// Deregister removes a node from the table immediately (a graceful drain,
// not a liveness-timeout death).
func (r *Registry) Deregister(nodeID id.ID) {
	r.mu.Lock()
	delete(r.nodes, nodeID)
	r.mu.Unlock()
	r.updateGauges()
}

// Get returns a copy of the node, or nil if unknown.
func (r *Registry) Get(nodeID id.ID) *types.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return nil
	}
	return n.Clone()
}

// Snapshot returns a copy of every node in the table.
func (r *Registry) Snapshot() []*types.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// IncrementInFlight bumps a node's in_flight counter by delta under the
// registry lock; used by the scheduler on dispatch/requeue.
func (r *Registry) IncrementInFlight(nodeID id.ID, delta int) {
	r.mu.Lock()
	if n, ok := r.nodes[nodeID]; ok {
		n.InFlight += delta
		if n.InFlight < 0 {
			n.InFlight = 0
		}
		if n.InFlight >= n.Capacity {
			n.Status = types.NodeBusy
		} else if n.Status == types.NodeBusy {
			n.Status = types.NodeIdle
		}
	}
	r.mu.Unlock()
	r.updateGauges()
}

// PickEligible selects a node whose capability set is a superset of
// required, tie-breaking by (1) fewest in_flight, (2) earliest
// last_heartbeat_at, (3) lexicographically smallest NodeId. Returns nil if
// none are eligible.
func (r *Registry) PickEligible(required []string) *types.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *types.Node
	for _, n := range r.nodes {
		if !n.Eligible(required) {
			continue
		}
		if best == nil || isBetterCandidate(n, best) {
			best = n
		}
	}
	if best == nil {
		return nil
	}
	return best.Clone()
}

func isBetterCandidate(candidate, current *types.Node) bool {
	if candidate.InFlight != current.InFlight {
		return candidate.InFlight < current.InFlight
	}
	if !candidate.LastHeartbeatAt.Equal(current.LastHeartbeatAt) {
		return candidate.LastHeartbeatAt.Before(current.LastHeartbeatAt)
	}
	return candidate.ID.String() < current.ID.String()
}

func (r *Registry) updateGauges() {
	r.mu.Lock()
	counts := map[types.NodeStatus]int{}
	for _, n := range r.nodes {
		counts[n.Status]++
	}
	r.mu.Unlock()

	for _, status := range []types.NodeStatus{types.NodeIdle, types.NodeBusy, types.NodeDraining, types.NodeDead} {
		metrics.NodesTotal.WithLabelValues(status.String()).Set(float64(counts[status]))
	}
}

func (r *Registry) sweepLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep marks stale nodes Dead and garbage-collects nodes past the GC grace
// window. Dead-node task requeue is delegated to onDead, called outside the
// lock per node newly declared Dead.
func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var newlyDead []id.ID
	var gcTargets []id.ID
	for nodeID, n := range r.nodes {
		switch n.Status {
		case types.NodeDead:
			if now.Sub(n.LastHeartbeatAt) > r.heartbeatTimeout+r.gcGrace {
				gcTargets = append(gcTargets, nodeID)
			}
		default:
			if now.Sub(n.LastHeartbeatAt) > r.heartbeatTimeout {
				n.Status = types.NodeDead
				newlyDead = append(newlyDead, nodeID)
			}
		}
	}
	for _, nodeID := range gcTargets {
		delete(r.nodes, nodeID)
	}
	r.mu.Unlock()

	for _, nodeID := range newlyDead {
		metrics.NodesDeadTotal.Inc()
		log.WithComponent("registry").Warn().Str("node_id", nodeID.String()).Msg("node heartbeat lost, marked dead")
		if r.onDead != nil {
			r.onDead(nodeID)
		}
	}
	for range gcTargets {
		metrics.NodesGCedTotal.Inc()
	}
	if len(gcTargets) > 0 {
		log.WithComponent("registry").Debug().Int("count", len(gcTargets)).Msg("garbage-collected dead nodes past grace window")
	}

	r.updateGauges()
}
