package domain

import "errors"

var (
	// ErrNoCredential is returned when no usable credential is available and
	// the caller should route the user to sign-in.
	ErrNoCredential = errors.New("no credential available")

	// ErrSessionExpired is returned after the single refresh-and-resend on a
	// 401 still fails. The caller must route the user to re-authentication.
	ErrSessionExpired = errors.New("session expired, please sign in again")

	// ErrRefreshTokenInvalid indicates the identity provider rejected the
	// refresh token itself. Stored credentials are cleared when this happens.
	ErrRefreshTokenInvalid = errors.New("refresh token is invalid")

	// ErrEmptyQuery rejects a submission with no question text.
	ErrEmptyQuery = errors.New("query text is required")

	// ErrNoCollectionSelected rejects a submission with neither a collection
	// selection nor an explicit job reference.
	ErrNoCollectionSelected = errors.New("no collection selected")

	// ErrNoIndexedCollections is returned when every selected collection was
	// dropped from the filter because it has no default generation id. The
	// user sees an explicit "no sources" message instead of a silent
	// full-corpus search.
	ErrNoIndexedCollections = errors.New("none of the selected collections have been processed yet")

	// ErrQueryInFlight enforces the one-query-per-session rule.
	ErrQueryInFlight = errors.New("a query is already in progress for this session")

	// ErrQueryTimeout is the terminal state of a poll loop that exhausted its
	// attempt budget. Distinct from a backend-reported failure.
	ErrQueryTimeout = errors.New("the query timed out, please try again later")

	// ErrActiveSession guards history detail loads: switching away from a
	// session that still holds unsaved messages requires confirmation.
	ErrActiveSession = errors.New("an active session exists, confirm before loading history")

	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMessageNotFound is returned when a feedback target does not exist.
	ErrMessageNotFound = errors.New("message not found")
)
