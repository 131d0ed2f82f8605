package service

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/doctoknow/kbchat/internal/backend"
	"github.com/doctoknow/kbchat/internal/domain"
)

// MockHistoryBackend mocks the HistoryBackend interface.
type MockHistoryBackend struct {
	mock.Mock
}

func (m *MockHistoryBackend) HistorySummaries(ctx context.Context, mode domain.Mode) ([]domain.HistorySummary, error) {
	args := m.Called(ctx, mode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.HistorySummary), args.Error(1)
}

func (m *MockHistoryBackend) HistoryDetail(ctx context.Context, messageID string) (*domain.HistoryDetail, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.HistoryDetail), args.Error(1)
}

func (m *MockHistoryBackend) SearchHistories(ctx context.Context, text string, mode domain.Mode) ([]domain.HistorySearchResult, error) {
	args := m.Called(ctx, text, mode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.HistorySearchResult), args.Error(1)
}

func (m *MockHistoryBackend) UpdateFeedback(ctx context.Context, messageID string, rating *int, comment *string) error {
	args := m.Called(ctx, messageID, rating, comment)
	return args.Error(0)
}

// stubQueryBackend drives the orchestrator through scripted job statuses.
type stubQueryBackend struct {
	mu          sync.Mutex
	queryID     string
	startErr    error
	startCalls  int
	lastStart   backend.StartQueryRequest
	statusCalls int
	// status returns the job for the given 1-based poll attempt.
	status func(call int) (*domain.QueryJob, error)
}

func (s *stubQueryBackend) StartQuery(ctx context.Context, req backend.StartQueryRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	s.lastStart = req
	if s.startErr != nil {
		return "", s.startErr
	}
	return s.queryID, nil
}

func (s *stubQueryBackend) QueryStatus(ctx context.Context, queryID string) (*domain.QueryJob, error) {
	s.mu.Lock()
	s.statusCalls++
	call := s.statusCalls
	s.mu.Unlock()
	return s.status(call)
}

func (s *stubQueryBackend) polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls
}

// stubFilterBuilder returns canned pairs.
type stubFilterBuilder struct {
	pairs []domain.FilterPair
	err   error
	calls int
}

func (s *stubFilterBuilder) Build(ctx context.Context, sel domain.CollectionSelection) ([]domain.FilterPair, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.pairs, nil
}
