// Package types holds the shared data model: Task, Node, TaskEvent,
// UsageRecord and User, plus their associated enums (Subscription lives in
// pkg/events). Nothing in this
// package talks to storage, the network, or the scheduler — it is pure data
// plus the small validation helpers every owning package needs.
package types

import (
	"time"

	"github.com/cuemby/marathon/pkg/id"
)

// TaskState is the task lifecycle state. The allowed transitions are the
// state machine in the scheduler package; this type only enumerates values.
type TaskState string

const (
	TaskUnspecified TaskState = ""
	TaskQueued      TaskState = "Queued"
	TaskStarting    TaskState = "Starting"
	TaskRunning     TaskState = "Running"
	TaskCompleted   TaskState = "Completed"
	TaskFailed      TaskState = "Failed"
	TaskCancelled   TaskState = "Cancelled"
)

// Terminal reports whether s is one of the three terminal states.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

func (s TaskState) String() string { return string(s) }

// NodeStatus is the worker-node lifecycle status.
type NodeStatus string

const (
	NodeIdle     NodeStatus = "Idle"
	NodeBusy     NodeStatus = "Busy"
	NodeDraining NodeStatus = "Draining"
	NodeDead     NodeStatus = "Dead"
)

func (s NodeStatus) String() string { return string(s) }

// EventKind enumerates the kinds of events carried on a task's topic.
type EventKind string

const (
	EventStateChange EventKind = "StateChange"
	EventLog         EventKind = "Log"
	EventUsage       EventKind = "Usage"
	EventProgress    EventKind = "Progress"
)

func (k EventKind) String() string { return string(k) }

// EnvVar is a single (key, value) environment variable entry on a task
// submission. env_vars is a list, not a map, so ordering (and duplicate
// keys, however unusual) is preserved byte-for-byte from submission through
// dispatch.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Task is the authoritative record for one submitted unit of agent work.
// TaskId and the submission payload are immutable once created; everything
// else mutates only through the task store (pkg/store): its compare-and-set
// transitions, plus ApplyUsage for the usage counters.
type Task struct {
	ID      id.ID     `json:"id"`
	UserID  id.ID     `json:"user_id"`
	State   TaskState `json:"state"`

	// AssignedNodeID is non-nil iff State is Starting or Running.
	AssignedNodeID *id.ID `json:"assigned_node_id,omitempty"`

	// Submission payload, set at create time and never mutated.
	RepoURL            string   `json:"repo_url"`
	Branch             string   `json:"branch"`
	Prompt             string   `json:"prompt"`
	GitHubToken        string   `json:"-"` // encrypted at rest, never serialized back out
	CreatePR           bool     `json:"create_pr"`
	PRTitle            string   `json:"pr_title,omitempty"`
	PRBody             string   `json:"pr_body,omitempty"`
	EnvVars            []EnvVar `json:"-"` // encrypted at rest, never serialized back out
	MaxIterations      int      `json:"max_iterations"`
	CompletionPromise  string   `json:"completion_promise,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	PRURL        string `json:"pr_url,omitempty"`

	InputTokens   int64 `json:"input_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
	ComputeTimeMs int64 `json:"compute_time_ms"`
	ToolCalls     int64 `json:"tool_calls"`

	RetryCount int `json:"retry_count"`

	// HeadBlockedSince is a slot for when this task first became the queue
	// head with no eligible node. The scheduler does not set it; it tracks
	// head-of-line blocking on its own queue entries instead.
	HeadBlockedSince *time.Time `json:"-"`
}

// Clone returns a deep-enough copy of t suitable for handing to a caller
// outside the task store's lock (EnvVars/RequiredCapabilities are copied,
// not shared).
func (t *Task) Clone() *Task {
	c := *t
	if t.AssignedNodeID != nil {
		nodeID := *t.AssignedNodeID
		c.AssignedNodeID = &nodeID
	}
	if t.StartedAt != nil {
		startedAt := *t.StartedAt
		c.StartedAt = &startedAt
	}
	if t.CompletedAt != nil {
		completedAt := *t.CompletedAt
		c.CompletedAt = &completedAt
	}
	if t.HeadBlockedSince != nil {
		blockedSince := *t.HeadBlockedSince
		c.HeadBlockedSince = &blockedSince
	}
	if t.EnvVars != nil {
		c.EnvVars = append([]EnvVar(nil), t.EnvVars...)
	}
	if t.RequiredCapabilities != nil {
		c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	}
	return &c
}

// Node is the registry's record for one worker machine.
type Node struct {
	ID               id.ID      `json:"id"`
	Address          string     `json:"address"`
	Capabilities     []string   `json:"capabilities"`
	Capacity         int        `json:"capacity"`
	InFlight         int        `json:"in_flight"`
	Status           NodeStatus `json:"status"`
	Suspect          bool       `json:"suspect"`
	LastHeartbeatAt  time.Time  `json:"last_heartbeat_at"`
	RegisteredAt     time.Time  `json:"registered_at"`
}

// Clone returns a copy of n safe to hand outside the registry's lock.
func (n *Node) Clone() *Node {
	c := *n
	if n.Capabilities != nil {
		c.Capabilities = append([]string(nil), n.Capabilities...)
	}
	return &c
}

// HasCapabilities reports whether n's capability set is a superset of required.
func (n *Node) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(n.Capabilities))
	for _, c := range n.Capabilities {
		have[c] = struct{}{}
	}
	for _, want := range required {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

// Eligible reports whether n can currently accept one more task.
func (n *Node) Eligible(required []string) bool {
	if n.Suspect {
		return false
	}
	switch n.Status {
	case NodeIdle:
		return n.HasCapabilities(required)
	case NodeBusy:
		return n.InFlight < n.Capacity && n.HasCapabilities(required)
	default:
		return false
	}
}

// TaskEvent is one entry on a task's event-bus topic.
type TaskEvent struct {
	TaskID    id.ID     `json:"task_id"`
	Sequence  uint64    `json:"sequence"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Data      []byte    `json:"data,omitempty"`
	State     TaskState `json:"state,omitempty"`

	// Gap is set when this delivery follows one or more dropped events for
	// the receiving subscription; it names the missing sequence range.
	Gap *SequenceGap `json:"gap,omitempty"`

	// Recovered is the wire slot for a restart marker. Event history isn't
	// recovered after an orchestrator restart, and nothing sets this field,
	// so no event carries a recovered marker.
	Recovered bool `json:"recovered,omitempty"`
}

// SequenceGap names a half-open range of sequence numbers a lagging
// subscriber missed: [From, To).
type SequenceGap struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// UsageRecord holds rolling per-task or per-user usage totals, derived
// from Usage events.
type UsageRecord struct {
	OwnerID       id.ID `json:"owner_id"`
	InputTokens   int64 `json:"input_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
	ComputeTimeMs int64 `json:"compute_time_ms"`
	ToolCalls     int64 `json:"tool_calls"`
}

// Add accumulates delta into r, returning the updated record (UsageRecord is
// small enough to pass by value through the metering aggregator's snapshots).
func (r UsageRecord) Add(delta UsageRecord) UsageRecord {
	r.InputTokens += delta.InputTokens
	r.OutputTokens += delta.OutputTokens
	r.ComputeTimeMs += delta.ComputeTimeMs
	r.ToolCalls += delta.ToolCalls
	return r
}

// User is a registered client account.
type User struct {
	ID           id.ID     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	APIKey       string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// SubmitTaskRequest is the decoded payload of POST /tasks (and of
// DispatchTask's inverse: what a client submits, before ID assignment).
type SubmitTaskRequest struct {
	RepoURL           string   `json:"repo_url"`
	Branch            string   `json:"branch"`
	Prompt            string   `json:"prompt"`
	GitHubToken       string   `json:"github_token,omitempty"`
	CreatePR          bool     `json:"create_pr"`
	PRTitle           string   `json:"pr_title,omitempty"`
	PRBody            string   `json:"pr_body,omitempty"`
	EnvVars           []EnvVar `json:"env_vars,omitempty"`
	MaxIterations     int      `json:"max_iterations"`
	CompletionPromise string   `json:"completion_promise,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// ListFilter scopes GET /tasks results: required owner, optional state
// filter, and cursor pagination by the (created_at, id) tuple.
type ListFilter struct {
	UserID       id.ID
	State        TaskState // zero value means "any state"
	Limit        int
	CursorAfter  *id.ID // exclusive: resume after this task ID
}
