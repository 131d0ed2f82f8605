package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/doctoknow/kbchat/internal/backend"
	"github.com/doctoknow/kbchat/internal/domain"
)

const (
	// DefaultPollInterval is the delay between status reads.
	DefaultPollInterval = 3 * time.Second
	// DefaultMaxPollAttempts bounds the poll loop (~180s at the default
	// interval). Bounding resource use beats waiting forever on a backend
	// job that may never finish.
	DefaultMaxPollAttempts = 60
)

// QueryBackend is the slice of the backend client the orchestrator uses.
type QueryBackend interface {
	StartQuery(ctx context.Context, req backend.StartQueryRequest) (string, error)
	QueryStatus(ctx context.Context, queryID string) (*domain.QueryJob, error)
}

// FilterBuilder derives search-scoping pairs from a collection selection.
type FilterBuilder interface {
	Build(ctx context.Context, sel domain.CollectionSelection) ([]domain.FilterPair, error)
}

// QueryService drives a question through the backend's asynchronous job
// lifecycle: submit, then poll under a bounded budget to a terminal state.
// At most one query is in flight per session.
type QueryService struct {
	backend      QueryBackend
	filters      FilterBuilder
	sessions     *SessionService
	clock        clockwork.Clock
	pollInterval time.Duration
	maxPolls     int

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewQueryService creates a query orchestrator.
func NewQueryService(qb QueryBackend, filters FilterBuilder, sessions *SessionService, clock clockwork.Clock, pollInterval time.Duration, maxPolls int) *QueryService {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPollAttempts
	}
	return &QueryService{
		backend:      qb,
		filters:      filters,
		sessions:     sessions,
		clock:        clock,
		pollInterval: pollInterval,
		maxPolls:     maxPolls,
		inflight:     make(map[string]struct{}),
	}
}

// AskRequest is one question against a session.
type AskRequest struct {
	SessionID    string
	Query        string
	Selection    domain.CollectionSelection
	JobReference string
}

// Ask validates locally, submits the question, and polls to a terminal state.
// Completed and backend-failed and timed-out outcomes come back as a
// QueryResult; validation problems, the in-flight guard, and authentication
// failures come back as errors.
func (s *QueryService) Ask(ctx context.Context, req AskRequest) (*domain.QueryResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, domain.ErrEmptyQuery
	}

	session, err := s.sessions.Session(req.SessionID)
	if err != nil {
		return nil, err
	}

	// Everything checked locally before any network call.
	var pairs []domain.FilterPair
	if req.JobReference == "" {
		pairs, err = s.filters.Build(ctx, req.Selection)
		if err != nil {
			return nil, err
		}
	}

	if err := s.acquire(session.ID); err != nil {
		return nil, err
	}
	defer s.release(session.ID)

	if !req.Selection.Empty() {
		if err := s.sessions.SetSelection(session.ID, req.Selection); err != nil {
			return nil, err
		}
	}

	queryID, err := s.backend.StartQuery(ctx, backend.StartQueryRequest{
		Query:        query,
		FilterPairs:  pairs,
		SessionID:    session.ID,
		Mode:         session.Mode,
		JobReference: req.JobReference,
	})
	if err != nil {
		// Submit failure is terminal immediately; no polling.
		if errors.Is(err, domain.ErrSessionExpired) {
			return nil, err
		}
		log.Error().Err(err).Str("session_id", session.ID).Msg("query submit failed")
		return &domain.QueryResult{State: domain.QueryStateFailed, Error: err.Error()}, nil
	}

	log.Info().
		Str("session_id", session.ID).
		Str("query_id", queryID).
		Str("mode", string(session.Mode)).
		Msg("query submitted, polling")

	if err := s.sessions.AppendMessage(session.ID, domain.Message{
		Role:    domain.RoleUser,
		Content: query,
	}); err != nil {
		return nil, err
	}

	result, err := s.poll(ctx, queryID)
	if err != nil {
		return nil, err
	}

	if result.State == domain.QueryStateCompleted {
		if err := s.sessions.AppendMessage(session.ID, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   result.Answer,
			Sources:   result.Sources,
			MessageID: result.MessageID,
		}); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// poll reads the job status at a fixed interval until a terminal status or
// the attempt budget runs out. A timed-out loop stops polling; it does not
// try to cancel the backend job.
func (s *QueryService) poll(ctx context.Context, queryID string) (*domain.QueryResult, error) {
	for attempt := 1; attempt <= s.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(s.pollInterval):
		}

		job, err := s.backend.QueryStatus(ctx, queryID)
		if err != nil {
			if errors.Is(err, domain.ErrSessionExpired) {
				return nil, err
			}
			// A flaky status read burns an attempt but does not end the
			// query; the next tick re-reads.
			log.Warn().Err(err).Str("query_id", queryID).Int("attempt", attempt).Msg("status poll failed")
			continue
		}

		switch job.Status {
		case domain.JobStatusCompleted:
			return &domain.QueryResult{
				State:     domain.QueryStateCompleted,
				Answer:    job.Answer,
				Sources:   job.Sources,
				MessageID: job.MessageID,
				Attempts:  attempt,
			}, nil
		case domain.JobStatusFailed:
			return &domain.QueryResult{
				State:    domain.QueryStateFailed,
				Error:    job.Error,
				Attempts: attempt,
			}, nil
		}
	}

	log.Warn().Str("query_id", queryID).Int("attempts", s.maxPolls).Msg("query poll budget exhausted")
	return &domain.QueryResult{
		State:    domain.QueryStateTimedOut,
		Error:    domain.ErrQueryTimeout.Error(),
		Attempts: s.maxPolls,
	}, nil
}

// InFlight reports whether the session currently has a running query. The UI
// disables its submit affordance while this is true.
func (s *QueryService) InFlight(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[sessionID]
	return ok
}

func (s *QueryService) acquire(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[sessionID]; ok {
		return domain.ErrQueryInFlight
	}
	s.inflight[sessionID] = struct{}{}
	return nil
}

func (s *QueryService) release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, sessionID)
}
