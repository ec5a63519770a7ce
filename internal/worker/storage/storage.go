package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hazel-ys-lin/serval-run-v2/internal/queue"
)

// Report is the aggregate record of a job's outcomes. total_count is
// provisioned up front; the counters grow as responses are recorded.
type Report struct {
	ID            uuid.UUID `db:"id"`
	JobID         uuid.UUID `db:"job_id"`
	UserID        uuid.UUID `db:"user_id"`
	Level         string    `db:"report_level"`
	TargetID      uuid.UUID `db:"target_id"`
	TotalCount    int       `db:"total_count"`
	SuccessCount  int       `db:"success_count"`
	FailCount     int       `db:"fail_count"`
	ResponseCount int       `db:"response_count"`
	PassRate      float64   `db:"pass_rate"`
	Finished      bool      `db:"finished"`
	Calculated    bool      `db:"calculated"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Response is one row per test case outcome.
type Response struct {
	ID           uuid.UUID       `db:"id"`
	ReportID     uuid.UUID       `db:"report_id"`
	APIID        uuid.UUID       `db:"api_id"`
	ScenarioID   uuid.UUID       `db:"scenario_id"`
	ExampleIndex int             `db:"example_index"`
	StatusCode   int             `db:"response_status"`
	Body         json.RawMessage `db:"response_data"`
	Pass         bool            `db:"pass"`
	ErrorMessage string          `db:"error_message"`
	DurationMs   int64           `db:"request_duration_ms"`
	RequestTime  time.Time       `db:"request_time"`
}

// ResultStore persists reports and responses for the result handler. All
// mutations must be single atomic statements so concurrent test-case
// completions within one job lose nothing.
type ResultStore interface {
	CreateReport(ctx context.Context, report *Report) error
	GetReport(ctx context.Context, reportID uuid.UUID) (*Report, error)
	SaveResponse(ctx context.Context, response *Response) error

	// IncrementCounters bumps success or fail plus response_count in one
	// statement.
	IncrementCounters(ctx context.Context, reportID uuid.UUID, pass bool) error

	// FinishIfComplete marks the report finished and computes its pass
	// rate once response_count has reached total_count. Reports whether
	// this call performed the transition.
	FinishIfComplete(ctx context.Context, reportID uuid.UUID) (bool, error)
}

// CaseSource expands Api- and Collection-level jobs into the union of
// test cases provisioned under the target.
type CaseSource interface {
	CasesByAPI(ctx context.Context, apiID uuid.UUID) ([]queue.TestCase, error)
	CasesByCollection(ctx context.Context, collectionID uuid.UUID) ([]queue.TestCase, error)
}

// Postgres implements ResultStore and CaseSource against the relational
// store.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a Postgres-backed store.
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
	}
}

var (
	_ ResultStore = (*Postgres)(nil)
	_ CaseSource  = (*Postgres)(nil)
)

// CreateReport provisions an unfinished report with its expected total.
func (s *Postgres) CreateReport(ctx context.Context, report *Report) error {
	query := `
		INSERT INTO reports (
			id, job_id, user_id, report_level, target_id,
			total_count, success_count, fail_count, response_count,
			pass_rate, finished, calculated, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, 0, 0, 0,
			0, FALSE, FALSE, NOW(), NOW()
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		report.ID,
		report.JobID,
		report.UserID,
		report.Level,
		report.TargetID,
		report.TotalCount,
	)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}

	s.logger.Info("Report provisioned",
		slog.String("report_id", report.ID.String()),
		slog.Int("total_count", report.TotalCount),
	)
	return nil
}

// GetReport fetches a report row.
func (s *Postgres) GetReport(ctx context.Context, reportID uuid.UUID) (*Report, error) {
	query := `
		SELECT id, job_id, user_id, report_level, target_id,
		       total_count, success_count, fail_count, response_count,
		       pass_rate, finished, calculated, created_at, updated_at
		FROM reports
		WHERE id = $1
	`

	var report Report
	if err := s.db.GetContext(ctx, &report, query, reportID); err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return &report, nil
}

// SaveResponse inserts one test case outcome row.
func (s *Postgres) SaveResponse(ctx context.Context, response *Response) error {
	query := `
		INSERT INTO responses (
			id, report_id, api_id, scenario_id, example_index,
			response_status, response_data, pass, error_message,
			request_duration_ms, request_time
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11
		)
	`

	var body interface{}
	if len(response.Body) > 0 {
		body = []byte(response.Body)
	}

	_, err := s.db.ExecContext(ctx, query,
		response.ID,
		response.ReportID,
		response.APIID,
		response.ScenarioID,
		response.ExampleIndex,
		response.StatusCode,
		body,
		response.Pass,
		response.ErrorMessage,
		response.DurationMs,
		response.RequestTime,
	)
	if err != nil {
		return fmt.Errorf("failed to save response: %w", err)
	}
	return nil
}

// IncrementCounters bumps the pass/fail counter and response_count as one
// statement, so no concurrent increment is lost.
func (s *Postgres) IncrementCounters(ctx context.Context, reportID uuid.UUID, pass bool) error {
	query := `
		UPDATE reports
		SET success_count = success_count + $2,
		    fail_count = fail_count + $3,
		    response_count = response_count + 1,
		    updated_at = NOW()
		WHERE id = $1
	`

	successDelta, failDelta := 0, 1
	if pass {
		successDelta, failDelta = 1, 0
	}

	result, err := s.db.ExecContext(ctx, query, reportID, successDelta, failDelta)
	if err != nil {
		return fmt.Errorf("failed to increment report counters: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("report %s not found", reportID)
	}
	return nil
}

// FinishIfComplete performs the finish transition as one conditional
// UPDATE, guarded on the provisioned total and the finished flag so
// concurrent completions cannot finish a report twice or early.
func (s *Postgres) FinishIfComplete(ctx context.Context, reportID uuid.UUID) (bool, error) {
	query := `
		UPDATE reports
		SET finished = TRUE,
		    calculated = TRUE,
		    pass_rate = ROUND(success_count * 100.0 / NULLIF(success_count + fail_count, 0), 2),
		    updated_at = NOW()
		WHERE id = $1
		  AND NOT finished
		  AND response_count >= total_count
	`

	result, err := s.db.ExecContext(ctx, query, reportID)
	if err != nil {
		return false, fmt.Errorf("failed to finish report: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// scenarioRow is the slice of the scenarios table the expansion reads.
type scenarioRow struct {
	ID       uuid.UUID       `db:"id"`
	APIID    uuid.UUID       `db:"api_id"`
	Examples json.RawMessage `db:"examples"`
}

// scenarioExample is one example row inside a scenario's examples JSON.
type scenarioExample struct {
	Params         map[string]string `json:"params"`
	ExpectedStatus int               `json:"expected_status"`
	ExpectedBody   json.RawMessage   `json:"expected_body,omitempty"`
}

// CasesByAPI unions the examples of every scenario under the API, in
// scenario creation order.
func (s *Postgres) CasesByAPI(ctx context.Context, apiID uuid.UUID) ([]queue.TestCase, error) {
	query := `
		SELECT id, api_id, examples
		FROM scenarios
		WHERE api_id = $1
		ORDER BY created_at
	`

	var rows []scenarioRow
	if err := s.db.SelectContext(ctx, &rows, query, apiID); err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}

	return casesFromScenarios(rows)
}

// CasesByCollection unions CasesByAPI across every API in the collection.
func (s *Postgres) CasesByCollection(ctx context.Context, collectionID uuid.UUID) ([]queue.TestCase, error) {
	query := `
		SELECT id
		FROM apis
		WHERE collection_id = $1
		ORDER BY created_at
	`

	var apiIDs []uuid.UUID
	if err := s.db.SelectContext(ctx, &apiIDs, query, collectionID); err != nil {
		return nil, fmt.Errorf("failed to list apis: %w", err)
	}

	var cases []queue.TestCase
	for _, apiID := range apiIDs {
		apiCases, err := s.CasesByAPI(ctx, apiID)
		if err != nil {
			return nil, err
		}
		cases = append(cases, apiCases...)
	}
	return cases, nil
}

func casesFromScenarios(rows []scenarioRow) ([]queue.TestCase, error) {
	var cases []queue.TestCase
	for _, row := range rows {
		var examples []scenarioExample
		if err := json.Unmarshal(row.Examples, &examples); err != nil {
			return nil, fmt.Errorf("scenario %s has malformed examples: %w", row.ID, err)
		}

		for i, example := range examples {
			cases = append(cases, queue.TestCase{
				ResponseID:     uuid.New(),
				APIID:          row.APIID,
				ScenarioID:     row.ID,
				ExampleIndex:   i,
				Params:         example.Params,
				ExpectedStatus: example.ExpectedStatus,
				ExpectedBody:   example.ExpectedBody,
			})
		}
	}
	return cases, nil
}
