package domain

// QueryState tracks a query through the orchestrator's lifecycle.
type QueryState string

const (
	QueryStateIdle      QueryState = "idle"
	QueryStateSubmitted QueryState = "submitted"
	QueryStatePolling   QueryState = "polling"
	QueryStateCompleted QueryState = "completed"
	QueryStateFailed    QueryState = "failed"
	QueryStateTimedOut  QueryState = "timed_out"
)

// Terminal reports whether the state ends the query lifecycle.
func (s QueryState) Terminal() bool {
	return s == QueryStateCompleted || s == QueryStateFailed || s == QueryStateTimedOut
}

// JobStatus is the backend-reported status of an asynchronous query job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// QueryJob is the backend's view of one submitted question. It is created by
// a start call, mutated only by polling reads, and forgotten once terminal.
type QueryJob struct {
	QueryID   string    `json:"query_id"`
	Status    JobStatus `json:"status"`
	Answer    string    `json:"answer,omitempty"`
	Sources   []Source  `json:"sources,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// QueryResult is the orchestrator's terminal outcome for one question.
type QueryResult struct {
	State     QueryState `json:"state"`
	Answer    string     `json:"answer,omitempty"`
	Sources   []Source   `json:"sources,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
	Error     string     `json:"error,omitempty"`
	Attempts  int        `json:"attempts"`
}
