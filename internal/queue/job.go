package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job status constants. A failure is applied together with its retry
// decision in one step, so a failed job is only ever observed as Pending
// (requeued) or Dead.
const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusDead      = "DEAD"
	JobStatusCancelled = "CANCELLED"
)

// Job level constants (how many test cases the job expands to)
const (
	LevelScenario   = "scenario"
	LevelAPI        = "api"
	LevelCollection = "collection"
)

// DefaultMaxRetries is applied when a producer does not set a retry budget.
const DefaultMaxRetries = 3

// IsTerminalStatus reports whether a job in the given status will never
// transition again.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusDead, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// TargetConfig describes the HTTP target every test case of a job runs
// against.
type TargetConfig struct {
	Method         string            `json:"method"`
	Domain         string            `json:"domain"`
	Endpoint       string            `json:"endpoint"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	AuthToken      string            `json:"auth_token,omitempty"`
	BodyTemplate   string            `json:"body_template,omitempty"`
}

// TestCase is one (scenario, example row) pair to execute as a single
// request/response assertion. Immutable once the job is enqueued.
type TestCase struct {
	ResponseID   uuid.UUID         `json:"response_id"`
	APIID        uuid.UUID         `json:"api_id"`
	ScenarioID   uuid.UUID         `json:"scenario_id"`
	ExampleIndex int               `json:"example_index"`
	Params       map[string]string `json:"params,omitempty"`
	ExpectedStatus int             `json:"expected_status"`
	ExpectedBody json.RawMessage   `json:"expected_body,omitempty"`
}

// Result is the payload stored on a job once it completes.
type Result struct {
	ReportID     uuid.UUID `json:"report_id"`
	SuccessCount int       `json:"success_count"`
	FailCount    int       `json:"fail_count"`
}

// Job is the unit of asynchronous test-execution work.
type Job struct {
	ID           uuid.UUID    `json:"id"`
	UserID       uuid.UUID    `json:"user_id"`
	Level        string       `json:"level"`
	TargetID     uuid.UUID    `json:"target_id"`
	Target       TargetConfig `json:"target_config"`
	TestCases    []TestCase   `json:"test_cases"`
	Status       string       `json:"status"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	Result       *Result      `json:"result,omitempty"`
	ErrorMessage string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewJob creates a Pending job with a fresh ID and the default retry budget.
func NewJob(level string, targetID, userID uuid.UUID, target TargetConfig, cases []TestCase) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.New(),
		UserID:     userID,
		Level:      level,
		TargetID:   targetID,
		Target:     target,
		TestCases:  cases,
		Status:     JobStatusPending,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// WithMaxRetries overrides the retry budget.
func (j *Job) WithMaxRetries(maxRetries int) *Job {
	j.MaxRetries = maxRetries
	return j
}

// IsTerminal reports whether the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return IsTerminalStatus(j.Status)
}

// fail applies the failure transition: a retryable failure with retries
// remaining puts the job back to Pending with retry_count+1 and reports
// that it must re-enter the queue tail; otherwise the job is Dead.
func (j *Job) fail(message string, retryable bool) (requeue bool) {
	now := time.Now().UTC()
	j.ErrorMessage = message
	j.UpdatedAt = now

	if retryable && j.RetryCount < j.MaxRetries {
		j.RetryCount++
		j.Status = JobStatusPending
		j.StartedAt = nil
		return true
	}

	j.Status = JobStatusDead
	j.CompletedAt = &now
	return false
}

// markRunning stamps the Running transition performed by Dequeue.
func (j *Job) markRunning() {
	now := time.Now().UTC()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// clone returns a deep enough copy for handing out of a backend.
func (j *Job) clone() *Job {
	cp := *j
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	cp.TestCases = make([]TestCase, len(j.TestCases))
	copy(cp.TestCases, j.TestCases)
	return &cp
}
