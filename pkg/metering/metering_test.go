package metering

import (
	"context"
	"sync"
	"testing"

	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	mu      sync.Mutex
	records []types.UsageRecord
}

func (f *fakePersister) SaveUsageRecord(ctx context.Context, taskID, userID id.ID, record types.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func TestRecordUsage_AccumulatesPerTaskAndPerUser(t *testing.T) {
	agg := New(nil)
	userID := id.New()
	taskID := id.New()
	agg.RegisterTask(taskID, userID)

	agg.RecordUsage(taskID, types.UsageRecord{InputTokens: 10, OutputTokens: 2})
	agg.RecordUsage(taskID, types.UsageRecord{InputTokens: 5, ToolCalls: 1})

	taskUsage, ok := agg.GetTaskUsage(taskID)
	require.True(t, ok)
	assert.Equal(t, int64(15), taskUsage.InputTokens)
	assert.Equal(t, int64(2), taskUsage.OutputTokens)
	assert.Equal(t, int64(1), taskUsage.ToolCalls)

	userUsage, ok := agg.GetUserUsage(userID)
	require.True(t, ok)
	assert.Equal(t, int64(15), userUsage.InputTokens)
}

func TestRecordUsage_SeparatesDifferentTasksUnderSameUser(t *testing.T) {
	agg := New(nil)
	userID := id.New()
	taskA := id.New()
	taskB := id.New()
	agg.RegisterTask(taskA, userID)
	agg.RegisterTask(taskB, userID)

	agg.RecordUsage(taskA, types.UsageRecord{InputTokens: 10})
	agg.RecordUsage(taskB, types.UsageRecord{InputTokens: 20})

	usageA, _ := agg.GetTaskUsage(taskA)
	usageB, _ := agg.GetTaskUsage(taskB)
	userUsage, _ := agg.GetUserUsage(userID)

	assert.Equal(t, int64(10), usageA.InputTokens)
	assert.Equal(t, int64(20), usageB.InputTokens)
	assert.Equal(t, int64(30), userUsage.InputTokens)
}

func TestFlushTerminal_PersistsSnapshot(t *testing.T) {
	persister := &fakePersister{}
	agg := New(persister)
	userID := id.New()
	taskID := id.New()
	agg.RegisterTask(taskID, userID)
	agg.RecordUsage(taskID, types.UsageRecord{InputTokens: 42})

	require.NoError(t, agg.FlushTerminal(context.Background(), taskID))

	persister.mu.Lock()
	defer persister.mu.Unlock()
	require.Len(t, persister.records, 1)
	assert.Equal(t, int64(42), persister.records[0].InputTokens)
}

func TestGetTaskUsage_UnknownTaskReturnsFalse(t *testing.T) {
	agg := New(nil)
	_, ok := agg.GetTaskUsage(id.New())
	assert.False(t, ok)
}

func TestRecordUsage_ConcurrentWritesDoNotLoseUpdates(t *testing.T) {
	agg := New(nil)
	userID := id.New()
	taskID := id.New()
	agg.RegisterTask(taskID, userID)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.RecordUsage(taskID, types.UsageRecord{InputTokens: 1})
		}()
	}
	wg.Wait()

	usage, _ := agg.GetTaskUsage(taskID)
	assert.Equal(t, int64(100), usage.InputTokens)
}
