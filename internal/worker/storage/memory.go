package storage

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/hazel-ys-lin/serval-run-v2/internal/queue"
)

// Memory is an in-process ResultStore and CaseSource with the same
// contract as the Postgres implementation. It lets the executor and
// result handler run deterministically in tests without a database.
type Memory struct {
	mu              sync.Mutex
	reports         map[uuid.UUID]*Report
	responses       map[uuid.UUID][]*Response
	apiCases        map[uuid.UUID][]queue.TestCase
	collectionCases map[uuid.UUID][]queue.TestCase
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		reports:         make(map[uuid.UUID]*Report),
		responses:       make(map[uuid.UUID][]*Response),
		apiCases:        make(map[uuid.UUID][]queue.TestCase),
		collectionCases: make(map[uuid.UUID][]queue.TestCase),
	}
}

var (
	_ ResultStore = (*Memory)(nil)
	_ CaseSource  = (*Memory)(nil)
)

// SeedAPICases registers the expansion result for an API-level target.
func (s *Memory) SeedAPICases(apiID uuid.UUID, cases []queue.TestCase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiCases[apiID] = cases
}

// SeedCollectionCases registers the expansion result for a
// Collection-level target.
func (s *Memory) SeedCollectionCases(collectionID uuid.UUID, cases []queue.TestCase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectionCases[collectionID] = cases
}

// Responses returns the recorded rows for a report.
func (s *Memory) Responses(reportID uuid.UUID) []*Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Response, len(s.responses[reportID]))
	copy(out, s.responses[reportID])
	return out
}

func (s *Memory) CreateReport(_ context.Context, report *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *report
	s.reports[report.ID] = &cp
	return nil
}

func (s *Memory) GetReport(_ context.Context, reportID uuid.UUID) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.reports[reportID]
	if !ok {
		return nil, fmt.Errorf("report %s not found", reportID)
	}
	cp := *report
	return &cp, nil
}

func (s *Memory) SaveResponse(_ context.Context, response *Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *response
	s.responses[response.ReportID] = append(s.responses[response.ReportID], &cp)
	return nil
}

func (s *Memory) IncrementCounters(_ context.Context, reportID uuid.UUID, pass bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.reports[reportID]
	if !ok {
		return fmt.Errorf("report %s not found", reportID)
	}

	if pass {
		report.SuccessCount++
	} else {
		report.FailCount++
	}
	report.ResponseCount++
	return nil
}

func (s *Memory) FinishIfComplete(_ context.Context, reportID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.reports[reportID]
	if !ok {
		return false, fmt.Errorf("report %s not found", reportID)
	}
	if report.Finished || report.ResponseCount < report.TotalCount {
		return false, nil
	}

	total := report.SuccessCount + report.FailCount
	if total > 0 {
		rate := float64(report.SuccessCount) * 100.0 / float64(total)
		report.PassRate = math.Round(rate*100) / 100
	}
	report.Finished = true
	report.Calculated = true
	return true, nil
}

func (s *Memory) CasesByAPI(_ context.Context, apiID uuid.UUID) ([]queue.TestCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiCases[apiID], nil
}

func (s *Memory) CasesByCollection(_ context.Context, collectionID uuid.UUID) ([]queue.TestCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectionCases[collectionID], nil
}
