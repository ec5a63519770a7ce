package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hazel-ys-lin/serval-run-v2/internal/queue"
	"github.com/hazel-ys-lin/serval-run-v2/internal/worker/storage"
)

const (
	defaultConcurrency    = 4
	defaultRequestTimeout = 30 * time.Second
)

// ExecutorConfig holds executor dependencies.
type ExecutorConfig struct {
	Logger      *slog.Logger
	Queue       queue.JobQueue
	Results     *ResultHandler
	Cases       storage.CaseSource
	Concurrency int
	// DefaultTimeout bounds each request when the job's target does not
	// set its own timeout.
	DefaultTimeout time.Duration
	HTTPClient     *http.Client
}

// Executor expands a job into concrete test-case executions, issues the
// HTTP requests with bounded parallelism and forwards every outcome to
// the result handler. A failing assertion is a recorded result, never a
// job failure; only job-level faults surface as errors.
type Executor struct {
	logger         *slog.Logger
	queue          queue.JobQueue
	results        *ResultHandler
	cases          storage.CaseSource
	concurrency    int
	defaultTimeout time.Duration
	client         *http.Client
}

// NewExecutor creates an executor.
func NewExecutor(cfg *ExecutorConfig) *Executor {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	defaultTimeout := cfg.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = defaultRequestTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Executor{
		logger:         cfg.Logger,
		queue:          cfg.Queue,
		results:        cfg.Results,
		cases:          cfg.Cases,
		concurrency:    concurrency,
		defaultTimeout: defaultTimeout,
		client:         client,
	}
}

// resolvedCase is a test case with every placeholder already substituted.
type resolvedCase struct {
	testCase queue.TestCase
	url      string
	headers  map[string]string
	body     []byte
}

// Execute runs every test case of the job and returns the aggregate
// result. It returns ErrJobCancelled when a cancellation request was
// observed, a RetryableError for infrastructure faults, and a plain
// error for unprocessable job configuration.
func (e *Executor) Execute(ctx context.Context, job *queue.Job) (*queue.Result, error) {
	cases, err := e.expand(ctx, job)
	if err != nil {
		return nil, NewRetryableError(fmt.Errorf("failed to expand job: %w", err))
	}
	if len(cases) == 0 {
		return nil, ErrNoTestCases
	}

	// Resolve everything before provisioning the report: an unresolved
	// placeholder fails the whole job without leaving a half-filled
	// report behind.
	resolved, err := resolveCases(&job.Target, cases)
	if err != nil {
		return nil, err
	}

	report, err := e.results.ProvisionReport(ctx, job, len(resolved))
	if err != nil {
		return nil, NewRetryableError(err)
	}

	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	var success, fail atomic.Int64

	var recordMu sync.Mutex
	var recordErr error

	cancelled := false
	for _, rc := range resolved {
		// Cooperative cancellation: observed between case launches,
		// in-flight requests are allowed to finish.
		if e.cancelRequested(ctx, job.ID) {
			cancelled = true
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(rc resolvedCase) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := e.runCase(ctx, &job.Target, rc)
			if outcome.Pass {
				success.Add(1)
			} else {
				fail.Add(1)
			}

			if err := e.results.Record(ctx, report.ID, outcome); err != nil {
				recordMu.Lock()
				if recordErr == nil {
					recordErr = err
				}
				recordMu.Unlock()
			}
		}(rc)
	}

	wg.Wait()

	if recordErr != nil {
		return nil, NewRetryableError(recordErr)
	}
	if cancelled {
		e.logger.Info("Job execution halted by cancellation",
			slog.String("job_id", job.ID.String()),
		)
		return nil, ErrJobCancelled
	}

	return &queue.Result{
		ReportID:     report.ID,
		SuccessCount: int(success.Load()),
		FailCount:    int(fail.Load()),
	}, nil
}

// expand resolves the set of test cases for the job's level: Scenario
// jobs carry their cases, Api and Collection jobs take the union of all
// cases provisioned under the target.
func (e *Executor) expand(ctx context.Context, job *queue.Job) ([]queue.TestCase, error) {
	switch job.Level {
	case queue.LevelAPI:
		return e.cases.CasesByAPI(ctx, job.TargetID)
	case queue.LevelCollection:
		return e.cases.CasesByCollection(ctx, job.TargetID)
	default:
		return job.TestCases, nil
	}
}

// cancelRequested checks the queue for a cancellation of this job. A
// failed status read never aborts the batch.
func (e *Executor) cancelRequested(ctx context.Context, jobID uuid.UUID) bool {
	job, err := e.queue.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, queue.ErrJobNotFound) {
			e.logger.Warn("Failed to check job cancellation",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	return job.Status == queue.JobStatusCancelled
}

// runCase issues one HTTP request and validates the response. Transport
// errors and assertion mismatches are recorded in the outcome, never
// returned.
func (e *Executor) runCase(ctx context.Context, target *queue.TargetConfig, rc resolvedCase) Outcome {
	outcome := Outcome{
		Case:        rc.testCase,
		RequestTime: time.Now().UTC(),
	}

	timeout := time.Duration(target.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(rc.body) > 0 {
		bodyReader = bytes.NewReader(rc.body)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(reqCtx, strings.ToUpper(target.Method), rc.url, bodyReader)
	if err != nil {
		outcome.ErrorMessage = fmt.Sprintf("invalid request: %s", err)
		outcome.Duration = time.Since(start)
		return outcome
	}

	for key, value := range rc.headers {
		req.Header.Set(key, value)
	}
	if target.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+target.AuthToken)
	}
	if len(rc.body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	outcome.Duration = time.Since(start)
	if err != nil {
		outcome.ErrorMessage = fmt.Sprintf("request failed: %s", err)
		return outcome
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		outcome.StatusCode = resp.StatusCode
		outcome.ErrorMessage = fmt.Sprintf("failed to read response body: %s", err)
		return outcome
	}

	outcome.StatusCode = resp.StatusCode
	if json.Valid(raw) {
		outcome.Body = json.RawMessage(raw)
	}

	pass, message := validateResponse(&rc.testCase, resp.StatusCode, raw)
	outcome.Pass = pass
	outcome.ErrorMessage = message
	return outcome
}

// validateResponse compares the actual status exactly and, when an
// expected body is present, compares JSON structurally on the expected
// subset of fields.
func validateResponse(tc *queue.TestCase, status int, raw []byte) (bool, string) {
	if status != tc.ExpectedStatus {
		return false, fmt.Sprintf("expected status %d, got %d", tc.ExpectedStatus, status)
	}

	if len(tc.ExpectedBody) == 0 {
		return true, ""
	}

	var actual interface{}
	if err := json.Unmarshal(raw, &actual); err != nil {
		return false, "expected JSON response body, got non-JSON"
	}

	var expected interface{}
	if err := json.Unmarshal(tc.ExpectedBody, &expected); err != nil {
		return false, fmt.Sprintf("malformed expected body: %s", err)
	}

	if !jsonContains(actual, expected) {
		return false, fmt.Sprintf("response body does not contain expected fields: want %s", tc.ExpectedBody)
	}
	return true, ""
}

// jsonContains reports whether actual structurally contains every field
// of expected. Extra actual fields are ignored; missing ones fail.
func jsonContains(actual, expected interface{}) bool {
	switch want := expected.(type) {
	case map[string]interface{}:
		got, ok := actual.(map[string]interface{})
		if !ok {
			return false
		}
		for key, wantValue := range want {
			gotValue, ok := got[key]
			if !ok || !jsonContains(gotValue, wantValue) {
				return false
			}
		}
		return true
	case []interface{}:
		got, ok := actual.([]interface{})
		if !ok {
			return false
		}
		for _, wantItem := range want {
			found := false
			for _, gotItem := range got {
				if jsonContains(gotItem, wantItem) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(actual, expected)
	}
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.-]+)\}`)

// substitute replaces {name} tokens with the matching parameter value.
// Tokens without a parameter are a hard validation error, never left in
// place.
func substitute(template string, params map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := token[1 : len(token)-1]
		if value, ok := params[name]; ok {
			return value
		}
		missing = append(missing, name)
		return token
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedPlaceholder, strings.Join(missing, ", "))
	}
	return out, nil
}

// resolveCases substitutes every case's parameter map into the endpoint,
// headers and body template.
func resolveCases(target *queue.TargetConfig, cases []queue.TestCase) ([]resolvedCase, error) {
	domain := strings.TrimRight(target.Domain, "/")

	resolved := make([]resolvedCase, 0, len(cases))
	for _, tc := range cases {
		endpoint, err := substitute(target.Endpoint, tc.Params)
		if err != nil {
			return nil, fmt.Errorf("endpoint for scenario %s example %d: %w", tc.ScenarioID, tc.ExampleIndex, err)
		}

		var headers map[string]string
		if len(target.Headers) > 0 {
			headers = make(map[string]string, len(target.Headers))
			for key, value := range target.Headers {
				substituted, err := substitute(value, tc.Params)
				if err != nil {
					return nil, fmt.Errorf("header %q for scenario %s example %d: %w", key, tc.ScenarioID, tc.ExampleIndex, err)
				}
				headers[key] = substituted
			}
		}

		var body []byte
		if target.BodyTemplate != "" {
			substituted, err := substitute(target.BodyTemplate, tc.Params)
			if err != nil {
				return nil, fmt.Errorf("body for scenario %s example %d: %w", tc.ScenarioID, tc.ExampleIndex, err)
			}
			body = []byte(substituted)
		}

		resolved = append(resolved, resolvedCase{
			testCase: tc,
			url:      domain + endpoint,
			headers:  headers,
			body:     body,
		})
	}
	return resolved, nil
}
