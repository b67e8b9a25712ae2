// Package store implements the authoritative in-memory task table with
// compare-and-set transitions, DB write-through, and StateChange event
// emission. There is one mutex-guarded table, not a replicated log: Marathon
// runs a single orchestrator process, so there's no cross-node consensus to
// maintain here.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/marathon/pkg/apierr"
	"github.com/cuemby/marathon/pkg/events"
	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/log"
	"github.com/cuemby/marathon/pkg/metrics"
	"github.com/cuemby/marathon/pkg/types"
)

// Persister is the durable write-through target. Implemented by
// pkg/storage's Postgres-backed DB; nil means persistence is disabled.
type Persister interface {
	SaveTask(ctx context.Context, t *types.Task) error
}

// SecretSealer encrypts task credential material immediately before it
// crosses into the durable write-through path, so the in-memory table (and
// every consumer of it, e.g. the scheduler's dispatcher) keeps plaintext
// while the persistence layer only ever sees ciphertext. Implemented by
// pkg/crypto.Box.
type SecretSealer interface {
	EncryptSecret(plaintext string) (string, error)
}

// Store is the concurrent-safe task table.
type Store struct {
	mu    sync.Mutex
	tasks map[id.ID]*types.Task

	bus       *events.Bus
	persister Persister
	sealer    SecretSealer
}

// Option configures a Store.
type Option func(*Store)

// WithPersister enables synchronous DB write-through on every transition.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithSecretSealer enables encryption of GithubToken/EnvVars values on the
// snapshot handed to the persister, leaving the in-memory task untouched.
func WithSecretSealer(sealer SecretSealer) Option {
	return func(s *Store) { s.sealer = sealer }
}

// New constructs an empty Store backed by bus for event emission.
func New(bus *events.Bus, opts ...Option) *Store {
	s := &Store{
		tasks: make(map[id.ID]*types.Task),
		bus:   bus,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts a new task in state Queued and emits its first
// StateChange event.
func (s *Store) Create(ctx context.Context, userID id.ID, req types.SubmitTaskRequest) (*types.Task, error) {
	t := &types.Task{
		ID:                   id.New(),
		UserID:               userID,
		State:                types.TaskQueued,
		RepoURL:              req.RepoURL,
		Branch:               req.Branch,
		Prompt:               req.Prompt,
		GitHubToken:          req.GitHubToken,
		CreatePR:             req.CreatePR,
		PRTitle:              req.PRTitle,
		PRBody:               req.PRBody,
		EnvVars:              req.EnvVars,
		MaxIterations:        req.MaxIterations,
		CompletionPromise:    req.CompletionPromise,
		RequiredCapabilities: req.RequiredCapabilities,
		CreatedAt:            time.Now(),
	}
	if t.Branch == "" {
		t.Branch = "main"
	}
	if t.MaxIterations <= 0 {
		t.MaxIterations = 50
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	if err := s.writeThrough(ctx, t); err != nil {
		return nil, err
	}

	metrics.TasksSubmittedTotal.Inc()
	s.bus.Publish(t.ID, types.EventStateChange, types.TaskQueued, nil)
	log.WithComponent("store").Info().Str("task_id", t.ID.String()).Str("user_id", userID.String()).Msg("task created")
	return t.Clone(), nil
}

// Restore inserts a task rehydrated from persistence directly into the
// in-memory table, bypassing write-through and event emission: the
// recovery loader (pkg/recovery) calls this once per non-terminal task on
// startup. Callers are responsible for resetting Starting/Running tasks to
// Queued before calling Restore.
func (s *Store) Restore(t *types.Task) {
	s.mu.Lock()
	s.tasks[t.ID] = t.Clone()
	s.mu.Unlock()
}

// Get returns a copy of the task, or nil if unknown.
func (s *Store) Get(taskID id.ID) *types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	return t.Clone()
}

// List returns tasks matching filter, ordered by (created_at, id), paginated
// by cursor.
func (s *Store) List(filter types.ListFilter) []*types.Task {
	s.mu.Lock()
	matched := make([]*types.Task, 0)
	for _, t := range s.tasks {
		if t.UserID != filter.UserID {
			continue
		}
		if filter.State != types.TaskUnspecified && t.State != filter.State {
			continue
		}
		matched = append(matched, t.Clone())
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	if filter.CursorAfter != nil {
		cut := 0
		for idx, t := range matched {
			if t.ID == *filter.CursorAfter {
				cut = idx + 1
				break
			}
		}
		matched = matched[cut:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched
}

// Patch carries the field updates a transition applies alongside the state
// change itself.
type Patch struct {
	AssignedNodeID *id.ID // nil leaves the assignment unchanged; use ClearAssignedNode to clear it
	ClearAssignedNode bool
	ErrorMessage   string
	PRURL          string
	RetryCountDelta int
	Usage          *types.UsageRecord
}

// Transition performs a compare-and-set state change: the task's current
// state must be one of fromStates, else StateConflict. On success it
// applies patch, stamps StartedAt/CompletedAt, writes through to
// persistence (if enabled) and emits a StateChange event. The mutation
// itself happens under the lock; the DB write and event emission happen
// after the lock is released, on a local snapshot.
func (s *Store) Transition(ctx context.Context, taskID id.ID, fromStates []types.TaskState, toState types.TaskState, patch Patch) (*types.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("task %s not found", taskID))
	}

	if !stateIn(t.State, fromStates) {
		s.mu.Unlock()
		metrics.TaskStateConflictsTotal.Inc()
		return nil, apierr.Newf(apierr.StateConflict, "task %s: cannot transition from %s to %s", taskID, t.State, toState)
	}

	fromState := t.State
	t.State = toState
	now := time.Now()

	switch toState {
	case types.TaskStarting:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case types.TaskCompleted, types.TaskFailed, types.TaskCancelled:
		t.CompletedAt = &now
	}

	if patch.ClearAssignedNode {
		t.AssignedNodeID = nil
	} else if patch.AssignedNodeID != nil {
		nodeID := *patch.AssignedNodeID
		t.AssignedNodeID = &nodeID
	}
	if patch.ErrorMessage != "" {
		t.ErrorMessage = patch.ErrorMessage
	}
	if patch.PRURL != "" {
		t.PRURL = patch.PRURL
	}
	if patch.RetryCountDelta != 0 {
		t.RetryCount += patch.RetryCountDelta
	}
	if patch.Usage != nil {
		t.InputTokens += patch.Usage.InputTokens
		t.OutputTokens += patch.Usage.OutputTokens
		t.ComputeTimeMs += patch.Usage.ComputeTimeMs
		t.ToolCalls += patch.Usage.ToolCalls
	}

	snapshot := t.Clone()
	s.mu.Unlock()

	if err := s.writeThrough(ctx, snapshot); err != nil {
		return nil, err
	}

	metrics.TaskTransitionsTotal.WithLabelValues(fromState.String(), toState.String()).Inc()
	s.bus.Publish(taskID, types.EventStateChange, toState, nil)
	log.WithComponent("store").Info().
		Str("task_id", taskID.String()).
		Str("from", fromState.String()).
		Str("to", toState.String()).
		Msg("task transitioned")

	return snapshot, nil
}

// ApplyUsage adds delta to a task's running usage counters and writes the
// updated snapshot through to persistence, without touching task state and
// without publishing a StateChange event. A running task's agent reports
// usage far more often than it changes state, and Transition's unconditional
// StateChange publication would otherwise emit a spurious event on every one
// of those reports even though nothing transitioned.
func (s *Store) ApplyUsage(ctx context.Context, taskID id.ID, delta types.UsageRecord) (*types.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("task %s not found", taskID))
	}

	t.InputTokens += delta.InputTokens
	t.OutputTokens += delta.OutputTokens
	t.ComputeTimeMs += delta.ComputeTimeMs
	t.ToolCalls += delta.ToolCalls

	snapshot := t.Clone()
	s.mu.Unlock()

	if err := s.writeThrough(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *Store) writeThrough(ctx context.Context, t *types.Task) error {
	if s.persister == nil {
		return nil
	}
	sealed, err := s.sealSecrets(t)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "failed to seal task secrets", err)
	}
	t = sealed
	if err := s.persister.SaveTask(ctx, t); err != nil {
		// One retry with a short backoff for transient DB errors; anything
		// beyond that surfaces to the caller.
		time.Sleep(100 * time.Millisecond)
		if err2 := s.persister.SaveTask(ctx, t); err2 != nil {
			return apierr.Wrap(apierr.Internal, "failed to persist task", err2)
		}
	}
	return nil
}

// sealSecrets returns a clone of t with GithubToken and EnvVars values
// encrypted, or t itself unchanged if no sealer is configured. The original
// t (and the in-memory table entry it came from) is never mutated: the
// scheduler's dispatcher needs the plaintext.
func (s *Store) sealSecrets(t *types.Task) (*types.Task, error) {
	if s.sealer == nil {
		return t, nil
	}
	sealed := t.Clone()
	token, err := s.sealer.EncryptSecret(sealed.GitHubToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal github_token: %w", err)
	}
	sealed.GitHubToken = token
	for i, kv := range sealed.EnvVars {
		encrypted, err := s.sealer.EncryptSecret(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to seal env_vars[%d]: %w", i, err)
		}
		sealed.EnvVars[i].Value = encrypted
	}
	return sealed, nil
}

func stateIn(state types.TaskState, allowed []types.TaskState) bool {
	for _, s := range allowed {
		if state == s {
			return true
		}
	}
	return false
}
