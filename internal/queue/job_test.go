package queue

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCases(n int) []TestCase {
	cases := make([]TestCase, n)
	for i := range cases {
		cases[i] = TestCase{
			ResponseID:     uuid.New(),
			APIID:          uuid.New(),
			ScenarioID:     uuid.New(),
			ExampleIndex:   i,
			Params:         map[string]string{"id": "42"},
			ExpectedStatus: 200,
		}
	}
	return cases
}

func TestNewJob(t *testing.T) {
	userID := uuid.New()
	targetID := uuid.New()
	target := TargetConfig{
		Method:   "GET",
		Domain:   "http://localhost:3000",
		Endpoint: "/users/{id}",
	}

	job := NewJob(LevelScenario, targetID, userID, target, testCases(2))

	assert.NotEqual(t, uuid.Nil, job.ID)
	assert.Equal(t, userID, job.UserID)
	assert.Equal(t, targetID, job.TargetID)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, DefaultMaxRetries, job.MaxRetries)
	assert.Equal(t, 0, job.RetryCount)
	assert.Len(t, job.TestCases, 2)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.False(t, job.IsTerminal())
}

func TestJob_WithMaxRetries(t *testing.T) {
	job := NewJob(LevelScenario, uuid.New(), uuid.New(), TargetConfig{}, testCases(1))
	job.WithMaxRetries(0)

	assert.Equal(t, 0, job.MaxRetries)
}

func TestIsTerminalStatus(t *testing.T) {
	tests := []struct {
		status   string
		terminal bool
	}{
		{JobStatusPending, false},
		{JobStatusRunning, false},
		{JobStatusCompleted, true},
		{JobStatusDead, true},
		{JobStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.terminal, IsTerminalStatus(tt.status))
		})
	}
}

func TestJob_FailRetryLadder(t *testing.T) {
	job := NewJob(LevelScenario, uuid.New(), uuid.New(), TargetConfig{}, testCases(1))
	job.WithMaxRetries(2)
	job.markRunning()

	// First two retryable failures go back to Pending.
	for attempt := 1; attempt <= 2; attempt++ {
		requeue := job.fail("connection refused", true)
		require.True(t, requeue, "attempt %d should requeue", attempt)
		assert.Equal(t, JobStatusPending, job.Status)
		assert.Equal(t, attempt, job.RetryCount)
		assert.Equal(t, "connection refused", job.ErrorMessage)
		assert.Nil(t, job.StartedAt)
		job.markRunning()
	}

	// Retry budget exhausted: the job is Dead.
	requeue := job.fail("connection refused", true)
	assert.False(t, requeue)
	assert.Equal(t, JobStatusDead, job.Status)
	assert.Equal(t, 2, job.RetryCount)
	require.NotNil(t, job.CompletedAt)
	assert.True(t, job.IsTerminal())
}

func TestJob_FailNonRetryable(t *testing.T) {
	job := NewJob(LevelScenario, uuid.New(), uuid.New(), TargetConfig{}, testCases(1))
	job.markRunning()

	requeue := job.fail("unresolved placeholder: id", false)
	assert.False(t, requeue)
	assert.Equal(t, JobStatusDead, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.True(t, job.IsTerminal())
}

func TestJob_Clone(t *testing.T) {
	job := NewJob(LevelAPI, uuid.New(), uuid.New(), TargetConfig{}, testCases(2))
	job.Result = &Result{ReportID: uuid.New(), SuccessCount: 1, FailCount: 1}

	cp := job.clone()
	cp.Result.SuccessCount = 99
	cp.TestCases[0].ExampleIndex = 99

	assert.Equal(t, 1, job.Result.SuccessCount)
	assert.Equal(t, 0, job.TestCases[0].ExampleIndex)
}
