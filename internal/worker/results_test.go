package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazel-ys-lin/serval-run-v2/internal/queue"
	"github.com/hazel-ys-lin/serval-run-v2/internal/worker/storage"
)

func passOutcome() Outcome {
	return Outcome{
		Case: queue.TestCase{
			ResponseID: uuid.New(),
			APIID:      uuid.New(),
			ScenarioID: uuid.New(),
		},
		Pass:        true,
		StatusCode:  200,
		Duration:    10 * time.Millisecond,
		RequestTime: time.Now().UTC(),
	}
}

func failOutcome() Outcome {
	o := passOutcome()
	o.Pass = false
	o.StatusCode = 500
	o.ErrorMessage = "expected status 200, got 500"
	return o
}

func TestResultHandler_ProvisionReport(t *testing.T) {
	store := storage.NewMemory()
	h := NewResultHandler(store, testLogger())

	job := queue.NewJob(queue.LevelScenario, uuid.New(), uuid.New(), queue.TargetConfig{}, testSeedCases(3))

	report, err := h.ProvisionReport(context.Background(), job, 3)
	require.NoError(t, err)
	assert.Equal(t, job.ID, report.JobID)
	assert.Equal(t, job.UserID, report.UserID)
	assert.Equal(t, 3, report.TotalCount)

	stored, err := store.GetReport(context.Background(), report.ID)
	require.NoError(t, err)
	assert.False(t, stored.Finished)
	assert.Equal(t, 0, stored.ResponseCount)
}

func TestResultHandler_FinishExactlyAtTotal(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	h := NewResultHandler(store, testLogger())

	job := queue.NewJob(queue.LevelScenario, uuid.New(), uuid.New(), queue.TargetConfig{}, testSeedCases(3))
	report, err := h.ProvisionReport(ctx, job, 3)
	require.NoError(t, err)

	require.NoError(t, h.Record(ctx, report.ID, passOutcome()))
	require.NoError(t, h.Record(ctx, report.ID, failOutcome()))

	mid, err := store.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.False(t, mid.Finished, "report must stay open until every response is in")

	require.NoError(t, h.Record(ctx, report.ID, passOutcome()))

	final, err := store.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.True(t, final.Finished)
	assert.True(t, final.Calculated)
	assert.Equal(t, 3, final.ResponseCount)
	assert.Equal(t, 2, final.SuccessCount)
	assert.Equal(t, 1, final.FailCount)
	assert.InDelta(t, 66.67, final.PassRate, 0.001)
}

func TestResultHandler_ConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	h := NewResultHandler(store, testLogger())

	const total = 40
	job := queue.NewJob(queue.LevelScenario, uuid.New(), uuid.New(), queue.TargetConfig{}, testSeedCases(total))
	report, err := h.ProvisionReport(ctx, job, total)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(pass bool) {
			defer wg.Done()
			outcome := passOutcome()
			if !pass {
				outcome = failOutcome()
			}
			assert.NoError(t, h.Record(ctx, report.ID, outcome))
		}(i%2 == 0)
	}
	wg.Wait()

	final, err := store.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.True(t, final.Finished)
	assert.Equal(t, total, final.ResponseCount)
	assert.Equal(t, total/2, final.SuccessCount)
	assert.Equal(t, total/2, final.FailCount)
	assert.InDelta(t, 50.0, final.PassRate, 0.001)
	assert.Len(t, store.Responses(report.ID), total)
}

func TestResultHandler_AllFailuresStillFinish(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	h := NewResultHandler(store, testLogger())

	job := queue.NewJob(queue.LevelScenario, uuid.New(), uuid.New(), queue.TargetConfig{}, testSeedCases(2))
	report, err := h.ProvisionReport(ctx, job, 2)
	require.NoError(t, err)

	require.NoError(t, h.Record(ctx, report.ID, failOutcome()))
	require.NoError(t, h.Record(ctx, report.ID, failOutcome()))

	final, err := store.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.True(t, final.Finished)
	assert.InDelta(t, 0.0, final.PassRate, 0.001)
}
