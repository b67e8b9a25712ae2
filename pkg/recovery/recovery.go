// Package recovery implements the startup rehydration loader: on process
// start, if persistence is available, every non-terminal task is loaded
// back into the in-memory task store (with Starting/Running flipped to
// Queued, since the prior generation's workers are assumed lost) and user
// usage aggregates are loaded into the metering aggregator. There's no
// snapshot format here, just a direct re-query of the durable tables;
// event-bus history is never recovered.
package recovery

import (
	"context"
	"time"

	"github.com/cuemby/marathon/pkg/crypto"
	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/log"
	"github.com/cuemby/marathon/pkg/metering"
	"github.com/cuemby/marathon/pkg/metrics"
	"github.com/cuemby/marathon/pkg/scheduler"
	"github.com/cuemby/marathon/pkg/store"
	"github.com/cuemby/marathon/pkg/types"
)

// Source is the durable read side the loader rehydrates from. Implemented
// by pkg/storage.DB.
type Source interface {
	LoadNonTerminalTasks(ctx context.Context) ([]*types.Task, error)
	LoadUserUsageTotals(ctx context.Context) (map[id.ID]types.UsageRecord, error)
}

// Loader rehydrates a Store/Aggregator/Scheduler triad from a Source.
type Loader struct {
	source    Source
	store     *store.Store
	metering  *metering.Aggregator
	scheduler *scheduler.Scheduler
	unsealer  *crypto.Box // nil means secrets were never sealed (no box configured)
}

// New constructs a Loader. unsealer may be nil if the store was run without
// a SecretSealer (e.g. in a development deployment with no JWT_SECRET-derived
// key), in which case loaded tasks' credentials are used as stored.
func New(source Source, st *store.Store, met *metering.Aggregator, sched *scheduler.Scheduler, unsealer *crypto.Box) *Loader {
	return &Loader{source: source, store: st, metering: met, scheduler: sched, unsealer: unsealer}
}

// Run loads non-terminal tasks and usage totals, resetting Starting/Running
// tasks to Queued and re-enqueuing them on the scheduler.
func (l *Loader) Run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.RecoveryDuration.Observe(time.Since(start).Seconds())
	}()

	tasks, err := l.source.LoadNonTerminalTasks(ctx)
	if err != nil {
		return err
	}

	var recovered int
	for _, t := range tasks {
		l.unsealTask(t)
		wasActive := t.State == types.TaskStarting || t.State == types.TaskRunning
		if wasActive {
			t.State = types.TaskQueued
			t.AssignedNodeID = nil
			t.RetryCount++
		}
		l.store.Restore(t)
		if t.State == types.TaskQueued {
			l.scheduler.RequeueFromRecovery(t.ID)
		}
		recovered++
		log.WithComponent("recovery").Info().
			Str("task_id", t.ID.String()).
			Str("state", t.State.String()).
			Bool("was_active", wasActive).
			Msg("task rehydrated from persistence")
	}
	metrics.RecoveredTasksTotal.Set(float64(recovered))

	totals, err := l.source.LoadUserUsageTotals(ctx)
	if err != nil {
		return err
	}
	for userID, record := range totals {
		l.metering.RegisterTask(id.Nil, userID) // ensures the per-user bucket exists
		l.metering.RecordUsage(id.Nil, record)
	}

	log.WithComponent("recovery").Info().
		Int("tasks_recovered", recovered).
		Int("users_recovered", len(totals)).
		Dur("duration", time.Since(start)).
		Msg("startup recovery complete")
	return nil
}

func (l *Loader) unsealTask(t *types.Task) {
	if l.unsealer == nil {
		return
	}
	if plain, err := l.unsealer.DecryptSecret(t.GitHubToken); err == nil {
		t.GitHubToken = plain
	}
	for i, kv := range t.EnvVars {
		if plain, err := l.unsealer.DecryptSecret(kv.Value); err == nil {
			t.EnvVars[i].Value = plain
		}
	}
}
