package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/doctoknow/kbchat/internal/domain"
)

// DefaultReloadThreshold separates an in-page reload from a fresh navigation.
// A load arriving within this window of the previous one continues the same
// session.
const DefaultReloadThreshold = 100 * time.Millisecond

// HistoryBackend is the slice of the backend client the session manager uses.
type HistoryBackend interface {
	HistorySummaries(ctx context.Context, mode domain.Mode) ([]domain.HistorySummary, error)
	HistoryDetail(ctx context.Context, messageID string) (*domain.HistoryDetail, error)
	SearchHistories(ctx context.Context, text string, mode domain.Mode) ([]domain.HistorySearchResult, error)
	UpdateFeedback(ctx context.Context, messageID string, rating *int, comment *string) error
}

// tabState is the volatile per-tab record used for hard-reload detection.
type tabState struct {
	sessionID string
	lastLoad  time.Time
}

// sessionState is the in-memory transcript of one active session. History is
// durably owned by the backend; this is the working copy.
type sessionState struct {
	session   domain.ChatSession
	messages  []domain.Message
	selection *domain.CollectionSelection
}

// SessionService owns session identity, message ordering, history access, and
// per-message feedback. It holds no rendering concerns; UI intents arrive as
// plain method calls.
type SessionService struct {
	history         HistoryBackend
	clock           clockwork.Clock
	reloadThreshold time.Duration
	tabs            *gocache.Cache

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewSessionService creates a session manager. tabTTL bounds how long an idle
// tab binding survives.
func NewSessionService(history HistoryBackend, clock clockwork.Clock, reloadThreshold, tabTTL time.Duration) *SessionService {
	if reloadThreshold <= 0 {
		reloadThreshold = DefaultReloadThreshold
	}
	return &SessionService{
		history:         history,
		clock:           clock,
		reloadThreshold: reloadThreshold,
		tabs:            gocache.New(tabTTL, 2*tabTTL),
		sessions:        make(map[string]*sessionState),
	}
}

// BeginResult reports how a load was resolved.
type BeginResult struct {
	Session        domain.ChatSession `json:"session"`
	Resumed        bool               `json:"resumed"`
	NeedsSelection bool               `json:"needs_selection"`
}

// Begin resolves a tab load to a session. A load within the hard-reload
// threshold of the previous one continues the tab's session. A fresh
// navigation that carries a resumed collection selection also continues it.
// A fresh navigation without one abandons the old session and issues a new
// id, and the caller is told to open the collection-selection dialog.
func (s *SessionService) Begin(tabID string, mode domain.Mode, resume *domain.CollectionSelection) BeginResult {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.tabs.Get(tabID); ok {
		tab := cached.(*tabState)
		state, exists := s.sessions[tab.sessionID]

		if exists && state.session.Mode == mode {
			sameLoad := now.Sub(tab.lastLoad) < s.reloadThreshold
			if sameLoad || resume != nil {
				tab.lastLoad = now
				if resume != nil {
					state.selection = resume
				}
				s.tabs.SetDefault(tabID, tab)
				return BeginResult{
					Session:        state.session,
					Resumed:        true,
					NeedsSelection: state.selection == nil,
				}
			}
		}
	}

	state := s.newSessionLocked(mode, resume)
	s.tabs.SetDefault(tabID, &tabState{sessionID: state.session.ID, lastLoad: now})

	return BeginResult{
		Session:        state.session,
		NeedsSelection: resume == nil,
	}
}

// Reset abandons the tab's current session and issues a fresh one in the same
// mode. The old session's history stays in durable storage untouched.
func (s *SessionService) Reset(tabID string, mode domain.Mode) domain.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.newSessionLocked(mode, nil)
	s.tabs.SetDefault(tabID, &tabState{sessionID: state.session.ID, lastLoad: s.clock.Now()})

	log.Info().Str("session_id", state.session.ID).Str("mode", string(mode)).Msg("session reset")
	return state.session
}

// newSessionLocked creates a session with a mode-namespaced random id.
// Callers hold s.mu.
func (s *SessionService) newSessionLocked(mode domain.Mode, selection *domain.CollectionSelection) *sessionState {
	session := domain.ChatSession{
		ID:        mode.SessionPrefix() + uuid.NewString(),
		Mode:      mode,
		CreatedAt: s.clock.Now(),
	}
	state := &sessionState{session: session, selection: selection}
	s.sessions[session.ID] = state
	return state
}

// Session returns the active session for id.
func (s *SessionService) Session(sessionID string) (domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return domain.ChatSession{}, domain.ErrSessionNotFound
	}
	return state.session, nil
}

// Selection returns the collection selection recorded for the session, if any.
func (s *SessionService) Selection(sessionID string) (*domain.CollectionSelection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return state.selection, nil
}

// SetSelection records the user's collection selection on the session. Only
// explicit user action changes it.
func (s *SessionService) SetSelection(sessionID string, sel domain.CollectionSelection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	state.selection = &sel
	return nil
}

// Transcript returns the session's messages in append order.
func (s *SessionService) Transcript(sessionID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	out := make([]domain.Message, len(state.messages))
	copy(out, state.messages)
	return out, nil
}

// AppendMessage appends one message in strict arrival order. Assistant
// messages without a server-supplied id get a locally generated fallback id
// so feedback always has a stable key.
func (s *SessionService) AppendMessage(sessionID string, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}

	if msg.Role == domain.RoleAssistant && msg.MessageID == "" {
		msg.MessageID = "local-" + uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock.Now()
	}

	state.messages = append(state.messages, msg)
	return nil
}

// HistorySummaries lists stored conversations for the mode, newest first.
func (s *SessionService) HistorySummaries(ctx context.Context, mode domain.Mode) ([]domain.HistorySummary, error) {
	return s.history.HistorySummaries(ctx, mode)
}

// SearchHistories finds stored conversations containing text.
func (s *SessionService) SearchHistories(ctx context.Context, text string, mode domain.Mode) ([]domain.HistorySearchResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrEmptyQuery
	}
	return s.history.SearchHistories(ctx, text, mode)
}

// HistoryDetail loads a stored conversation. If the tab still holds an active
// session with unsaved messages, the caller must pass confirm=true — history
// is never switched to silently. On success the tab is re-bound to the loaded
// session so the conversation resumes where it left off.
func (s *SessionService) HistoryDetail(ctx context.Context, messageID, tabID string, confirm bool) (*domain.HistoryDetail, error) {
	if tabID != "" && !confirm && s.tabHasActiveSession(tabID) {
		return nil, domain.ErrActiveSession
	}

	detail, err := s.history.HistoryDetail(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if tabID != "" {
		s.resumeFromDetail(tabID, detail)
	}
	return detail, nil
}

func (s *SessionService) tabHasActiveSession(tabID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached, ok := s.tabs.Get(tabID)
	if !ok {
		return false
	}
	state, ok := s.sessions[cached.(*tabState).sessionID]
	return ok && len(state.messages) > 0
}

// resumeFromDetail binds the tab to the stored session, seeding the working
// transcript and selection from the history record.
func (s *SessionService) resumeFromDetail(tabID string, detail *domain.HistoryDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var selection *domain.CollectionSelection
	if len(detail.SelectedPaths) > 0 || detail.SelectedGenerationID != "" {
		selection = &domain.CollectionSelection{
			Paths:                detail.SelectedPaths,
			ExplicitGenerationID: detail.SelectedGenerationID,
		}
	}

	messages := make([]domain.Message, len(detail.Messages))
	copy(messages, detail.Messages)

	s.sessions[detail.SessionID] = &sessionState{
		session: domain.ChatSession{
			ID:        detail.SessionID,
			Mode:      modeFromSessionID(detail.SessionID),
			CreatedAt: s.clock.Now(),
		},
		messages:  messages,
		selection: selection,
	}
	s.tabs.SetDefault(tabID, &tabState{sessionID: detail.SessionID, lastLoad: s.clock.Now()})
}

// modeFromSessionID recovers the mode from a session id's namespace prefix.
func modeFromSessionID(sessionID string) domain.Mode {
	switch {
	case strings.HasPrefix(sessionID, domain.ModePlanning.SessionPrefix()):
		return domain.ModePlanning
	case strings.HasPrefix(sessionID, domain.ModeSpecification.SessionPrefix()):
		return domain.ModeSpecification
	default:
		return domain.ModeGeneral
	}
}

// SubmitFeedback stores a rating and/or comment for an assistant message.
// The local copy is updated only after the backend confirms, so unsaved
// feedback is never shown as saved. Last submitted value wins.
func (s *SessionService) SubmitFeedback(ctx context.Context, messageID string, rating *int, comment *string) error {
	if messageID == "" {
		return domain.ErrMessageNotFound
	}
	if rating == nil && comment == nil {
		return fmt.Errorf("nothing to update: rating or comment is required")
	}
	if rating != nil && (*rating < 1 || *rating > 10) {
		return fmt.Errorf("rating must be between 1 and 10")
	}

	if err := s.history.UpdateFeedback(ctx, messageID, rating, comment); err != nil {
		return err
	}

	s.applyFeedback(messageID, rating, comment)
	return nil
}

func (s *SessionService) applyFeedback(messageID string, rating *int, comment *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range s.sessions {
		for i := range state.messages {
			msg := &state.messages[i]
			if msg.MessageID != messageID || msg.Role != domain.RoleAssistant {
				continue
			}
			if rating != nil {
				msg.Rating = rating
			}
			if comment != nil {
				msg.Comment = *comment
			}
			return
		}
	}
}
