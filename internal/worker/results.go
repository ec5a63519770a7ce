package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hazel-ys-lin/serval-run-v2/internal/queue"
	"github.com/hazel-ys-lin/serval-run-v2/internal/worker/storage"
)

// Outcome is one executed test case forwarded to the result handler.
type Outcome struct {
	Case         queue.TestCase
	Pass         bool
	StatusCode   int
	Body         json.RawMessage
	ErrorMessage string
	Duration     time.Duration
	RequestTime  time.Time
}

// ResultHandler persists per-test outcomes and maintains the owning
// report's aggregate counters. Aggregation is a sum of single-statement
// increments, so outcomes arriving in any order from parallel test cases
// produce the same report.
type ResultHandler struct {
	store  storage.ResultStore
	logger *slog.Logger
}

// NewResultHandler creates a result handler on top of a result store.
func NewResultHandler(store storage.ResultStore, logger *slog.Logger) *ResultHandler {
	return &ResultHandler{
		store:  store,
		logger: logger,
	}
}

// ProvisionReport creates the unfinished report a job's outcomes will be
// recorded against, with the number of expected responses fixed up front.
func (h *ResultHandler) ProvisionReport(ctx context.Context, job *queue.Job, totalCases int) (*storage.Report, error) {
	report := &storage.Report{
		ID:         uuid.New(),
		JobID:      job.ID,
		UserID:     job.UserID,
		Level:      job.Level,
		TargetID:   job.TargetID,
		TotalCount: totalCases,
	}

	if err := h.store.CreateReport(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to provision report: %w", err)
	}
	return report, nil
}

// Record persists one outcome, bumps the report counters and, once every
// provisioned response is in, finishes the report. Safe under concurrent
// calls for the same report.
func (h *ResultHandler) Record(ctx context.Context, reportID uuid.UUID, outcome Outcome) error {
	response := &storage.Response{
		ID:           outcome.Case.ResponseID,
		ReportID:     reportID,
		APIID:        outcome.Case.APIID,
		ScenarioID:   outcome.Case.ScenarioID,
		ExampleIndex: outcome.Case.ExampleIndex,
		StatusCode:   outcome.StatusCode,
		Body:         outcome.Body,
		Pass:         outcome.Pass,
		ErrorMessage: outcome.ErrorMessage,
		DurationMs:   outcome.Duration.Milliseconds(),
		RequestTime:  outcome.RequestTime,
	}

	if err := h.store.SaveResponse(ctx, response); err != nil {
		return fmt.Errorf("failed to record response: %w", err)
	}

	if err := h.store.IncrementCounters(ctx, reportID, outcome.Pass); err != nil {
		return fmt.Errorf("failed to update report counters: %w", err)
	}

	finished, err := h.store.FinishIfComplete(ctx, reportID)
	if err != nil {
		return fmt.Errorf("failed to check report completion: %w", err)
	}
	if finished {
		h.logger.Info("Report finished",
			slog.String("report_id", reportID.String()),
		)
	}
	return nil
}
