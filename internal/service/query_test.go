package service

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doctoknow/kbchat/internal/domain"
)

func processing(call int) (*domain.QueryJob, error) {
	return &domain.QueryJob{Status: domain.JobStatusProcessing}, nil
}

func completedAfter(n int, answer string) func(int) (*domain.QueryJob, error) {
	return func(call int) (*domain.QueryJob, error) {
		if call < n {
			return &domain.QueryJob{Status: domain.JobStatusProcessing}, nil
		}
		return &domain.QueryJob{
			Status:    domain.JobStatusCompleted,
			Answer:    answer,
			MessageID: "m-1",
			Sources:   []domain.Source{{FileName: "doc.pdf"}},
		}, nil
	}
}

func newTestSessionService(clock clockwork.Clock) *SessionService {
	return NewSessionService(new(MockHistoryBackend), clock, 100*time.Millisecond, time.Hour)
}

// drainPolls advances the fake clock through n poll intervals, waiting for
// the orchestrator to park on each one.
func drainPolls(t *testing.T, clock *clockwork.FakeClock, n int, interval time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		clock.BlockUntil(1)
		clock.Advance(interval)
	}
}

func TestQueryService_Ask_Validation(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	sessions := newTestSessionService(clock)
	session := sessions.Reset("tab-1", domain.ModeGeneral)

	qb := &stubQueryBackend{queryID: "q-1", status: processing}
	svc := NewQueryService(qb, &stubFilterBuilder{}, sessions, clock, time.Second, 5)

	t.Run("empty query rejected before any network call", func(t *testing.T) {
		_, err := svc.Ask(ctx, AskRequest{SessionID: session.ID, Query: "   "})
		assert.ErrorIs(t, err, domain.ErrEmptyQuery)
		assert.Equal(t, 0, qb.startCalls)
	})

	t.Run("unknown session rejected", func(t *testing.T) {
		_, err := svc.Ask(ctx, AskRequest{SessionID: "nope", Query: "hi"})
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("filter errors propagate without submission", func(t *testing.T) {
		failing := NewQueryService(qb, &stubFilterBuilder{err: domain.ErrNoCollectionSelected}, sessions, clock, time.Second, 5)
		_, err := failing.Ask(ctx, AskRequest{SessionID: session.ID, Query: "hi"})
		assert.ErrorIs(t, err, domain.ErrNoCollectionSelected)
		assert.Equal(t, 0, qb.startCalls)
	})
}

func TestQueryService_Ask_CompletesAfterPolling(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	sessions := newTestSessionService(clock)
	session := sessions.Reset("tab-1", domain.ModePlanning)

	qb := &stubQueryBackend{queryID: "q-1", status: completedAfter(3, "the answer")}
	filters := &stubFilterBuilder{pairs: []domain.FilterPair{{Path: "A", GenerationID: "g1"}}}
	svc := NewQueryService(qb, filters, sessions, clock, DefaultPollInterval, DefaultMaxPollAttempts)

	done := make(chan struct{})
	var result *domain.QueryResult
	var askErr error
	go func() {
		defer close(done)
		result, askErr = svc.Ask(ctx, AskRequest{
			SessionID: session.ID,
			Query:     "what changed?",
			Selection: domain.CollectionSelection{Paths: []string{"A"}},
		})
	}()

	drainPolls(t, clock, 3, DefaultPollInterval)
	<-done

	require.NoError(t, askErr)
	assert.Equal(t, domain.QueryStateCompleted, result.State)
	assert.Equal(t, "the answer", result.Answer)
	assert.Equal(t, "m-1", result.MessageID)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, qb.polls())

	// Mode and filter pass through to the backend unmodified.
	assert.Equal(t, domain.ModePlanning, qb.lastStart.Mode)
	assert.Equal(t, filters.pairs, qb.lastStart.FilterPairs)
	assert.Equal(t, session.ID, qb.lastStart.SessionID)

	// Transcript holds the user question and the assistant answer, in order.
	transcript, err := sessions.Transcript(session.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, domain.RoleUser, transcript[0].Role)
	assert.Equal(t, "what changed?", transcript[0].Content)
	assert.Equal(t, domain.RoleAssistant, transcript[1].Role)
	assert.Equal(t, "m-1", transcript[1].MessageID)
}

func TestQueryService_Ask_BoundedPolling(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	sessions := newTestSessionService(clock)
	session := sessions.Reset("tab-1", domain.ModeGeneral)

	qb := &stubQueryBackend{queryID: "q-1", status: processing}
	svc := NewQueryService(qb, &stubFilterBuilder{pairs: []domain.FilterPair{{Path: "A", GenerationID: "g1"}}}, sessions, clock, DefaultPollInterval, DefaultMaxPollAttempts)

	done := make(chan struct{})
	var result *domain.QueryResult
	var askErr error
	go func() {
		defer close(done)
		result, askErr = svc.Ask(ctx, AskRequest{
			SessionID: session.ID,
			Query:     "never finishes",
			Selection: domain.CollectionSelection{Paths: []string{"A"}},
		})
	}()

	drainPolls(t, clock, DefaultMaxPollAttempts, DefaultPollInterval)
	<-done

	require.NoError(t, askErr)
	assert.Equal(t, domain.QueryStateTimedOut, result.State)
	assert.Equal(t, DefaultMaxPollAttempts, result.Attempts)
	assert.Equal(t, DefaultMaxPollAttempts, qb.polls(), "exactly 60 poll attempts")

	// No assistant message was appended for a timed-out query.
	transcript, err := sessions.Transcript(session.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, domain.RoleUser, transcript[0].Role)
}

func TestQueryService_Ask_BackendFailure(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	sessions := newTestSessionService(clock)
	session := sessions.Reset("tab-1", domain.ModeGeneral)

	qb := &stubQueryBackend{queryID: "q-1", status: func(call int) (*domain.QueryJob, error) {
		return &domain.QueryJob{Status: domain.JobStatusFailed, Error: "model unavailable"}, nil
	}}
	svc := NewQueryService(qb, &stubFilterBuilder{pairs: []domain.FilterPair{{Path: "A", GenerationID: "g1"}}}, sessions, clock, DefaultPollInterval, DefaultMaxPollAttempts)

	done := make(chan struct{})
	var result *domain.QueryResult
	go func() {
		defer close(done)
		result, _ = svc.Ask(ctx, AskRequest{
			SessionID: session.ID,
			Query:     "hi",
			Selection: domain.CollectionSelection{Paths: []string{"A"}},
		})
	}()

	drainPolls(t, clock, 1, DefaultPollInterval)
	<-done

	assert.Equal(t, domain.QueryStateFailed, result.State)
	assert.Equal(t, "model unavailable", result.Error)
}

func TestQueryService_Ask_SubmitFailureSkipsPolling(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	sessions := newTestSessionService(clock)
	session := sessions.Reset("tab-1", domain.ModeGeneral)

	qb := &stubQueryBackend{startErr: assert.AnError, status: processing}
	svc := NewQueryService(qb, &stubFilterBuilder{pairs: []domain.FilterPair{{Path: "A", GenerationID: "g1"}}}, sessions, clock, DefaultPollInterval, DefaultMaxPollAttempts)

	result, err := svc.Ask(ctx, AskRequest{
		SessionID: session.ID,
		Query:     "hi",
		Selection: domain.CollectionSelection{Paths: []string{"A"}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStateFailed, result.State)
	assert.Equal(t, 0, qb.polls(), "no polling after a failed submit")
}

func TestQueryService_Ask_SingleInFlightPerSession(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	sessions := newTestSessionService(clock)
	session := sessions.Reset("tab-1", domain.ModeGeneral)

	qb := &stubQueryBackend{queryID: "q-1", status: completedAfter(2, "done")}
	svc := NewQueryService(qb, &stubFilterBuilder{pairs: []domain.FilterPair{{Path: "A", GenerationID: "g1"}}}, sessions, clock, DefaultPollInterval, DefaultMaxPollAttempts)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Ask(ctx, AskRequest{
			SessionID: session.ID,
			Query:     "first",
			Selection: domain.CollectionSelection{Paths: []string{"A"}},
		})
	}()

	// Wait until the first query is parked on its poll delay, then try a
	// concurrent submit on the same session.
	clock.BlockUntil(1)
	assert.True(t, svc.InFlight(session.ID))

	_, err := svc.Ask(ctx, AskRequest{
		SessionID: session.ID,
		Query:     "second",
		Selection: domain.CollectionSelection{Paths: []string{"A"}},
	})
	assert.ErrorIs(t, err, domain.ErrQueryInFlight)

	drainPolls(t, clock, 2, DefaultPollInterval)
	<-done

	assert.False(t, svc.InFlight(session.ID))
	assert.Equal(t, 1, qb.startCalls, "only one query id active per session")
}

func TestQueryService_Ask_JobReferenceBypassesFilter(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	sessions := newTestSessionService(clock)
	session := sessions.Reset("tab-1", domain.ModeGeneral)

	qb := &stubQueryBackend{queryID: "q-1", status: completedAfter(1, "done")}
	filters := &stubFilterBuilder{}
	svc := NewQueryService(qb, filters, sessions, clock, DefaultPollInterval, DefaultMaxPollAttempts)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Ask(ctx, AskRequest{
			SessionID:    session.ID,
			Query:        "hi",
			JobReference: "20251120120000",
		})
	}()

	drainPolls(t, clock, 1, DefaultPollInterval)
	<-done

	assert.Equal(t, 0, filters.calls, "explicit job reference skips filter building")
	assert.Equal(t, "20251120120000", qb.lastStart.JobReference)
	assert.Empty(t, qb.lastStart.FilterPairs)
}
