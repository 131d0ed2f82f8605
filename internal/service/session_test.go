package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/doctoknow/kbchat/internal/domain"
)

func TestSessionService_Begin(t *testing.T) {
	t.Run("first load issues a new session and opens selection", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		svc := NewSessionService(new(MockHistoryBackend), clock, 100*time.Millisecond, time.Hour)

		res := svc.Begin("tab-1", domain.ModeGeneral, nil)
		assert.NotEmpty(t, res.Session.ID)
		assert.False(t, res.Resumed)
		assert.True(t, res.NeedsSelection)
	})

	t.Run("reload within threshold keeps the session id", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		svc := NewSessionService(new(MockHistoryBackend), clock, 100*time.Millisecond, time.Hour)

		first := svc.Begin("tab-1", domain.ModeGeneral, nil)
		clock.Advance(50 * time.Millisecond)
		second := svc.Begin("tab-1", domain.ModeGeneral, nil)

		assert.Equal(t, first.Session.ID, second.Session.ID)
		assert.True(t, second.Resumed)
	})

	t.Run("fresh navigation without selection issues a new id", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		svc := NewSessionService(new(MockHistoryBackend), clock, 100*time.Millisecond, time.Hour)

		first := svc.Begin("tab-1", domain.ModeGeneral, nil)
		clock.Advance(5 * time.Second)
		second := svc.Begin("tab-1", domain.ModeGeneral, nil)

		assert.NotEqual(t, first.Session.ID, second.Session.ID)
		assert.False(t, second.Resumed)
		assert.True(t, second.NeedsSelection)
	})

	t.Run("fresh navigation with resumed selection continues the session", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		svc := NewSessionService(new(MockHistoryBackend), clock, 100*time.Millisecond, time.Hour)

		first := svc.Begin("tab-1", domain.ModeGeneral, nil)
		clock.Advance(5 * time.Second)
		second := svc.Begin("tab-1", domain.ModeGeneral, &domain.CollectionSelection{Paths: []string{"A"}})

		assert.Equal(t, first.Session.ID, second.Session.ID)
		assert.True(t, second.Resumed)
		assert.False(t, second.NeedsSelection)
	})

	t.Run("mode change never reuses the session", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		svc := NewSessionService(new(MockHistoryBackend), clock, 100*time.Millisecond, time.Hour)

		first := svc.Begin("tab-1", domain.ModeGeneral, nil)
		clock.Advance(50 * time.Millisecond)
		second := svc.Begin("tab-1", domain.ModePlanning, nil)

		assert.NotEqual(t, first.Session.ID, second.Session.ID)
	})
}

func TestSessionService_ModePrefixes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := NewSessionService(new(MockHistoryBackend), clock, 100*time.Millisecond, time.Hour)

	general := svc.Reset("tab-1", domain.ModeGeneral)
	planning := svc.Reset("tab-2", domain.ModePlanning)
	spec := svc.Reset("tab-3", domain.ModeSpecification)

	assert.False(t, strings.HasPrefix(general.ID, "planning_"))
	assert.False(t, strings.HasPrefix(general.ID, "specification_"))
	assert.True(t, strings.HasPrefix(planning.ID, "planning_"))
	assert.True(t, strings.HasPrefix(spec.ID, "specification_"))
}

func TestSessionService_Reset_AbandonsOldSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := NewSessionService(new(MockHistoryBackend), clock, 100*time.Millisecond, time.Hour)

	first := svc.Reset("tab-1", domain.ModeGeneral)
	require.NoError(t, svc.AppendMessage(first.ID, domain.Message{Role: domain.RoleUser, Content: "hi"}))

	second := svc.Reset("tab-1", domain.ModeGeneral)
	assert.NotEqual(t, first.ID, second.ID)

	// The old transcript is abandoned, not deleted.
	old, err := svc.Transcript(first.ID)
	require.NoError(t, err)
	assert.Len(t, old, 1)
}

func TestSessionService_AppendMessage(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := NewSessionService(new(MockHistoryBackend), clock, 100*time.Millisecond, time.Hour)
	session := svc.Reset("tab-1", domain.ModeGeneral)

	t.Run("assistant message without id gets a local fallback", func(t *testing.T) {
		require.NoError(t, svc.AppendMessage(session.ID, domain.Message{
			Role:    domain.RoleAssistant,
			Content: "answer",
		}))

		transcript, err := svc.Transcript(session.ID)
		require.NoError(t, err)
		last := transcript[len(transcript)-1]
		assert.True(t, strings.HasPrefix(last.MessageID, "local-"))
	})

	t.Run("server id preserved", func(t *testing.T) {
		require.NoError(t, svc.AppendMessage(session.ID, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   "answer",
			MessageID: "m-42",
		}))

		transcript, err := svc.Transcript(session.ID)
		require.NoError(t, err)
		assert.Equal(t, "m-42", transcript[len(transcript)-1].MessageID)
	})

	t.Run("unknown session rejected", func(t *testing.T) {
		err := svc.AppendMessage("nope", domain.Message{Role: domain.RoleUser, Content: "hi"})
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})
}

func TestSessionService_HistoryDetail(t *testing.T) {
	ctx := context.Background()

	detail := &domain.HistoryDetail{
		SessionID: "planning_old",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "old question"},
			{Role: domain.RoleAssistant, Content: "old answer", MessageID: "m-1"},
		},
		SelectedPaths: []string{"A"},
	}

	t.Run("active unsaved session requires confirmation", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		history := new(MockHistoryBackend)
		svc := NewSessionService(history, clock, 100*time.Millisecond, time.Hour)

		session := svc.Reset("tab-1", domain.ModeGeneral)
		require.NoError(t, svc.AppendMessage(session.ID, domain.Message{Role: domain.RoleUser, Content: "unsaved"}))

		_, err := svc.HistoryDetail(ctx, "m-1", "tab-1", false)
		assert.ErrorIs(t, err, domain.ErrActiveSession)
		history.AssertNotCalled(t, "HistoryDetail", mock.Anything, mock.Anything)
	})

	t.Run("confirmed load rebinds the tab to the stored session", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		history := new(MockHistoryBackend)
		history.On("HistoryDetail", mock.Anything, "m-1").Return(detail, nil)
		svc := NewSessionService(history, clock, 100*time.Millisecond, time.Hour)

		session := svc.Reset("tab-1", domain.ModeGeneral)
		require.NoError(t, svc.AppendMessage(session.ID, domain.Message{Role: domain.RoleUser, Content: "unsaved"}))

		got, err := svc.HistoryDetail(ctx, "m-1", "tab-1", true)
		require.NoError(t, err)
		assert.Equal(t, "planning_old", got.SessionID)

		// The tab now continues the resumed session.
		res := svc.Begin("tab-1", domain.ModePlanning, &domain.CollectionSelection{Paths: []string{"A"}})
		assert.Equal(t, "planning_old", res.Session.ID)

		transcript, err := svc.Transcript("planning_old")
		require.NoError(t, err)
		assert.Len(t, transcript, 2)

		sel, err := svc.Selection("planning_old")
		require.NoError(t, err)
		require.NotNil(t, sel)
		assert.Equal(t, []string{"A"}, sel.Paths)
	})

	t.Run("clean tab loads without confirmation", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		history := new(MockHistoryBackend)
		history.On("HistoryDetail", mock.Anything, "m-1").Return(detail, nil)
		svc := NewSessionService(history, clock, 100*time.Millisecond, time.Hour)

		_, err := svc.HistoryDetail(ctx, "m-1", "tab-1", false)
		assert.NoError(t, err)
	})
}

func TestSessionService_SubmitFeedback(t *testing.T) {
	ctx := context.Background()

	t.Run("rating out of range rejected locally", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		history := new(MockHistoryBackend)
		svc := NewSessionService(history, clock, 100*time.Millisecond, time.Hour)

		rating := 11
		err := svc.SubmitFeedback(ctx, "m-1", &rating, nil)
		assert.Error(t, err)
		history.AssertNotCalled(t, "UpdateFeedback", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("local state updated only after server success", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		history := new(MockHistoryBackend)
		svc := NewSessionService(history, clock, 100*time.Millisecond, time.Hour)

		session := svc.Reset("tab-1", domain.ModeGeneral)
		require.NoError(t, svc.AppendMessage(session.ID, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   "answer",
			MessageID: "m-1",
		}))

		rating := 4
		history.On("UpdateFeedback", mock.Anything, "m-1", &rating, (*string)(nil)).Return(assert.AnError).Once()
		err := svc.SubmitFeedback(ctx, "m-1", &rating, nil)
		assert.Error(t, err)

		transcript, _ := svc.Transcript(session.ID)
		assert.Nil(t, transcript[0].Rating, "no optimistic local state on failure")

		history.On("UpdateFeedback", mock.Anything, "m-1", &rating, (*string)(nil)).Return(nil)
		require.NoError(t, svc.SubmitFeedback(ctx, "m-1", &rating, nil))

		transcript, _ = svc.Transcript(session.ID)
		require.NotNil(t, transcript[0].Rating)
		assert.Equal(t, 4, *transcript[0].Rating)
	})

	t.Run("resubmission leaves the last value", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		history := new(MockHistoryBackend)
		history.On("UpdateFeedback", mock.Anything, "m-1", mock.Anything, mock.Anything).Return(nil)
		svc := NewSessionService(history, clock, 100*time.Millisecond, time.Hour)

		session := svc.Reset("tab-1", domain.ModeGeneral)
		require.NoError(t, svc.AppendMessage(session.ID, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   "answer",
			MessageID: "m-1",
		}))

		first, second := 7, 9
		require.NoError(t, svc.SubmitFeedback(ctx, "m-1", &first, nil))
		require.NoError(t, svc.SubmitFeedback(ctx, "m-1", &second, nil))
		require.NoError(t, svc.SubmitFeedback(ctx, "m-1", &second, nil))

		transcript, _ := svc.Transcript(session.ID)
		require.NotNil(t, transcript[0].Rating)
		assert.Equal(t, 9, *transcript[0].Rating)
		history.AssertNumberOfCalls(t, "UpdateFeedback", 3)
	})
}

func TestSessionService_SearchHistories(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	history := new(MockHistoryBackend)
	svc := NewSessionService(history, clock, 100*time.Millisecond, time.Hour)

	_, err := svc.SearchHistories(ctx, "  ", domain.ModeGeneral)
	assert.Error(t, err, "blank search rejected locally")

	expected := []domain.HistorySearchResult{{SessionID: "s-1", FirstQuestion: "q"}}
	history.On("SearchHistories", mock.Anything, "report", domain.ModeGeneral).Return(expected, nil)

	got, err := svc.SearchHistories(ctx, "report", domain.ModeGeneral)
	require.NoError(t, err)
	assert.Equal(t, expected, got)
}
