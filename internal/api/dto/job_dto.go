package dto

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/hazel-ys-lin/serval-run-v2/internal/queue"
)

// TargetConfigDTO mirrors queue.TargetConfig on the wire.
type TargetConfigDTO struct {
	Method         string            `json:"method" binding:"required"`
	Domain         string            `json:"domain" binding:"required"`
	Endpoint       string            `json:"endpoint" binding:"required"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	AuthToken      string            `json:"auth_token"`
	BodyTemplate   string            `json:"body_template"`
}

// TestCaseDTO is one submitted test case.
type TestCaseDTO struct {
	APIID          uuid.UUID         `json:"api_id" binding:"required"`
	ScenarioID     uuid.UUID         `json:"scenario_id" binding:"required"`
	ExampleIndex   int               `json:"example_index"`
	Params         map[string]string `json:"params"`
	ExpectedStatus int               `json:"expected_status" binding:"required"`
	ExpectedBody   json.RawMessage   `json:"expected_body"`
}

// SubmitTestRunRequest is the body of POST /api/v1/test-runs.
type SubmitTestRunRequest struct {
	Level      string          `json:"level" binding:"required,oneof=scenario api collection"`
	TargetID   uuid.UUID       `json:"target_id" binding:"required"`
	Target     TargetConfigDTO `json:"target_config" binding:"required"`
	TestCases  []TestCaseDTO   `json:"test_cases" binding:"required,min=1,dive"`
	MaxRetries *int            `json:"max_retries"`
}

// SubmitTestRunResponse is returned once the job is queued.
type SubmitTestRunResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status"`
}

// ResultDTO mirrors queue.Result.
type ResultDTO struct {
	ReportID     uuid.UUID `json:"report_id"`
	SuccessCount int       `json:"success_count"`
	FailCount    int       `json:"fail_count"`
}

// JobDTO is the job view returned by the read endpoints.
type JobDTO struct {
	JobID       uuid.UUID  `json:"job_id"`
	UserID      uuid.UUID  `json:"user_id"`
	Level       string     `json:"level"`
	TargetID    uuid.UUID  `json:"target_id"`
	Status      string     `json:"status"`
	TestCases   int        `json:"test_cases"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	Result      *ResultDTO `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   string     `json:"created_at"`
	StartedAt   string     `json:"started_at,omitempty"`
	CompletedAt string     `json:"completed_at,omitempty"`
	UpdatedAt   string     `json:"updated_at"`
}

// ListJobsRequest carries the query parameters of GET /api/v1/jobs.
type ListJobsRequest struct {
	Limit int `form:"limit"`
}

// ListJobsResponse is the body of GET /api/v1/jobs.
type ListJobsResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

// QueueStatsResponse is the body of GET /api/v1/queue/stats.
type QueueStatsResponse struct {
	PendingJobs int64 `json:"pending_jobs"`
}

// ToTargetConfig converts the wire target to the queue type.
func (t *TargetConfigDTO) ToTargetConfig() queue.TargetConfig {
	return queue.TargetConfig{
		Method:         t.Method,
		Domain:         t.Domain,
		Endpoint:       t.Endpoint,
		Headers:        t.Headers,
		TimeoutSeconds: t.TimeoutSeconds,
		AuthToken:      t.AuthToken,
		BodyTemplate:   t.BodyTemplate,
	}
}

// ToTestCases converts submitted cases to queue test cases, assigning
// each a response ID up front.
func ToTestCases(cases []TestCaseDTO) []queue.TestCase {
	out := make([]queue.TestCase, len(cases))
	for i, tc := range cases {
		out[i] = queue.TestCase{
			ResponseID:     uuid.New(),
			APIID:          tc.APIID,
			ScenarioID:     tc.ScenarioID,
			ExampleIndex:   tc.ExampleIndex,
			Params:         tc.Params,
			ExpectedStatus: tc.ExpectedStatus,
			ExpectedBody:   tc.ExpectedBody,
		}
	}
	return out
}

// FromJob builds the read view of a queue job.
func FromJob(job *queue.Job) JobDTO {
	d := JobDTO{
		JobID:      job.ID,
		UserID:     job.UserID,
		Level:      job.Level,
		TargetID:   job.TargetID,
		Status:     job.Status,
		TestCases:  len(job.TestCases),
		RetryCount: job.RetryCount,
		MaxRetries: job.MaxRetries,
		Error:      job.ErrorMessage,
		CreatedAt:  job.CreatedAt.Format(timeFormat),
		UpdatedAt:  job.UpdatedAt.Format(timeFormat),
	}
	if job.Result != nil {
		d.Result = &ResultDTO{
			ReportID:     job.Result.ReportID,
			SuccessCount: job.Result.SuccessCount,
			FailCount:    job.Result.FailCount,
		}
	}
	if job.StartedAt != nil {
		d.StartedAt = job.StartedAt.Format(timeFormat)
	}
	if job.CompletedAt != nil {
		d.CompletedAt = job.CompletedAt.Format(timeFormat)
	}
	return d
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"
