// Package backend is the typed client for the knowledge/inference backend.
// Every call goes through the authenticated transport client; no other
// package talks to the backend directly.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doctoknow/kbchat/internal/domain"
	"github.com/doctoknow/kbchat/internal/transport"
)

// Client calls the backend's query, history, and default-filter endpoints.
type Client struct {
	baseURL   string
	transport *transport.Client
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, transport *transport.Client) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		transport: transport,
	}
}

// StartQueryRequest is the payload for the asynchronous query start endpoint.
type StartQueryRequest struct {
	Query        string              `json:"query"`
	FilterPairs  []domain.FilterPair `json:"filter_pairs"`
	SessionID    string              `json:"session_id"`
	Mode         domain.Mode         `json:"mode"`
	JobReference string              `json:"job_reference,omitempty"`
}

type startQueryResponse struct {
	QueryID string `json:"query_id"`
	Status  string `json:"status"`
}

// StartQuery submits a question and returns the backend's opaque query id for
// polling.
func (c *Client) StartQuery(ctx context.Context, req StartQueryRequest) (string, error) {
	var resp startQueryResponse
	if err := c.transport.DoJSON(ctx, http.MethodPost, c.baseURL+"/query/start", req, &resp); err != nil {
		return "", err
	}
	if resp.QueryID == "" {
		return "", fmt.Errorf("backend returned no query id")
	}
	return resp.QueryID, nil
}

type queryStatusResponse struct {
	Status    domain.JobStatus `json:"status"`
	Answer    string           `json:"answer,omitempty"`
	Sources   []sourceRecord   `json:"sources,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// QueryStatus reads the current state of a submitted query job.
func (c *Client) QueryStatus(ctx context.Context, queryID string) (*domain.QueryJob, error) {
	var resp queryStatusResponse
	u := c.baseURL + "/query/status/" + url.PathEscape(queryID)
	if err := c.transport.DoJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}
	return &domain.QueryJob{
		QueryID:   queryID,
		Status:    resp.Status,
		Answer:    resp.Answer,
		Sources:   toSources(resp.Sources),
		MessageID: resp.MessageID,
		Error:     resp.Error,
	}, nil
}

// History API actions. One POST endpoint, multiplexed by action, mirroring
// the storage service's contract.
const (
	actionGetHistory       = "get-history"
	actionGetHistoryDetail = "get-history-detail"
	actionSearch           = "search"
	actionUpdateFeedback   = "update-feedback"
)

type historyRequest struct {
	Action    string  `json:"action"`
	SessionID string  `json:"session_id,omitempty"`
	Mode      string  `json:"mode,omitempty"`
	MessageID string  `json:"message_id,omitempty"`
	Search    string  `json:"search,omitempty"`
	Rating    *int    `json:"rating,omitempty"`
	Comment   *string `json:"comment,omitempty"`
}

type sourceRecord struct {
	FileName string `json:"file_name"`
	Key      string `json:"key,omitempty"`
	URL      string `json:"url,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
}

type messageRecord struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Sources   []sourceRecord `json:"sources,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Rating    *int           `json:"rating,omitempty"`
	Comment   string         `json:"comment,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type historySummaryRecord struct {
	SessionID     string    `json:"session_id"`
	FirstQuestion string    `json:"first_question"`
	MessageID     string    `json:"message_id"`
	MessageCount  int       `json:"message_count"`
	Timestamp     time.Time `json:"timestamp"`
}

type historyDetailRecord struct {
	SessionID            string          `json:"session_id"`
	Messages             []messageRecord `json:"messages"`
	Sources              []sourceRecord  `json:"sources,omitempty"`
	SelectedPaths        []string        `json:"selected_paths,omitempty"`
	SelectedGenerationID string          `json:"selected_generation_id,omitempty"`
}

type historySearchRecord struct {
	SessionID      string    `json:"session_id"`
	FirstQuestion  string    `json:"first_question"`
	MessageID      string    `json:"message_id"`
	MatchedContent string    `json:"matched_content,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type historyResponse struct {
	Histories []historySummaryRecord `json:"histories,omitempty"`
	History   *historyDetailRecord   `json:"history,omitempty"`
	Results   []historySearchRecord  `json:"results,omitempty"`
	Success   bool                   `json:"success"`
	Message   string                 `json:"message,omitempty"`
}

// HistorySummaries lists past conversations, newest first, filtered by mode.
func (c *Client) HistorySummaries(ctx context.Context, mode domain.Mode) ([]domain.HistorySummary, error) {
	resp, err := c.history(ctx, historyRequest{Action: actionGetHistory, Mode: string(mode)})
	if err != nil {
		return nil, err
	}
	summaries := make([]domain.HistorySummary, 0, len(resp.Histories))
	for _, h := range resp.Histories {
		summaries = append(summaries, domain.HistorySummary(h))
	}
	return summaries, nil
}

// HistoryDetail loads the full transcript of the conversation containing
// messageID.
func (c *Client) HistoryDetail(ctx context.Context, messageID string) (*domain.HistoryDetail, error) {
	resp, err := c.history(ctx, historyRequest{Action: actionGetHistoryDetail, MessageID: messageID})
	if err != nil {
		return nil, err
	}
	if resp.History == nil {
		return nil, domain.ErrMessageNotFound
	}

	detail := &domain.HistoryDetail{
		SessionID:            resp.History.SessionID,
		Sources:              toSources(resp.History.Sources),
		SelectedPaths:        resp.History.SelectedPaths,
		SelectedGenerationID: resp.History.SelectedGenerationID,
	}
	for _, m := range resp.History.Messages {
		detail.Messages = append(detail.Messages, domain.Message{
			Role:      domain.MessageRole(m.Role),
			Content:   m.Content,
			Sources:   toSources(m.Sources),
			MessageID: m.MessageID,
			Rating:    m.Rating,
			Comment:   m.Comment,
			Timestamp: m.Timestamp,
		})
	}
	return detail, nil
}

// SearchHistories finds conversations whose messages contain text.
func (c *Client) SearchHistories(ctx context.Context, text string, mode domain.Mode) ([]domain.HistorySearchResult, error) {
	resp, err := c.history(ctx, historyRequest{Action: actionSearch, Search: text, Mode: string(mode)})
	if err != nil {
		return nil, err
	}
	results := make([]domain.HistorySearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, domain.HistorySearchResult(r))
	}
	return results, nil
}

// UpdateFeedback stores a rating and/or comment against a message. Last write
// wins; resubmitting the same value is a no-op on the record.
func (c *Client) UpdateFeedback(ctx context.Context, messageID string, rating *int, comment *string) error {
	resp, err := c.history(ctx, historyRequest{
		Action:    actionUpdateFeedback,
		MessageID: messageID,
		Rating:    rating,
		Comment:   comment,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		if resp.Message != "" {
			return fmt.Errorf("feedback update rejected: %s", resp.Message)
		}
		return fmt.Errorf("feedback update rejected")
	}
	return nil
}

func (c *Client) history(ctx context.Context, req historyRequest) (*historyResponse, error) {
	var resp historyResponse
	if err := c.transport.DoJSON(ctx, http.MethodPost, c.baseURL+"/history", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type defaultFilterResponse struct {
	GenerationID string `json:"generation_id,omitempty"`
	Registered   bool   `json:"registered"`
}

// DefaultGenerationID looks up the default generation id for one collection
// path. ok is false when the collection has never been processed.
func (c *Client) DefaultGenerationID(ctx context.Context, path string) (string, bool, error) {
	var resp defaultFilterResponse
	u := c.baseURL + "/default-filter?path=" + url.QueryEscape(path)
	if err := c.transport.DoJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return "", false, err
	}
	if resp.GenerationID == "" {
		return "", false, nil
	}
	return resp.GenerationID, true, nil
}

func toSources(records []sourceRecord) []domain.Source {
	if len(records) == 0 {
		return nil
	}
	sources := make([]domain.Source, 0, len(records))
	for _, r := range records {
		sources = append(sources, domain.Source(r))
	}
	return sources
}
