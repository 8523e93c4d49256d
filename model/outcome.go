package model

import "net/http"

// Response headers the proxy uses to tag what happened to a submission.
const (
	OutcomeHeader   = "X-Submission-Outcome"
	ErrorKindHeader = "X-Submission-Error-Kind"
)

// OutcomeKind tags a SubmissionOutcome.
type OutcomeKind string

const (
	OutcomeDelivered OutcomeKind = "delivered"
	OutcomePending   OutcomeKind = "pending"
	OutcomeFailed    OutcomeKind = "failed"
)

// PendingReason is reported when a submission is kept for a later retry.
const PendingReason = "stored locally"

// Outcome is the result of a submission attempt. Callers branch on Kind,
// never on StatusCode: a stored submission is framed as an HTTP success.
type Outcome struct {
	Kind OutcomeKind

	// StatusCode, Header and Body hold the analysis service response, when there was one.
	StatusCode int
	Header     http.Header
	Body       []byte

	// Reason explains a pending outcome.
	Reason string
	// Pending describes the stored submission of a pending outcome.
	Pending *PendingMetadata

	// Err is set for failed outcomes.
	Err error
}

// Delivered reports a submission the analysis service accepted.
func Delivered(status int, header http.Header, body []byte) Outcome {
	return Outcome{Kind: OutcomeDelivered, StatusCode: status, Header: header, Body: body}
}

// Pending reports a submission stored locally for a later retry.
func Pending(reason string, meta *PendingMetadata) Outcome {
	return Outcome{Kind: OutcomePending, StatusCode: http.StatusOK, Reason: reason, Pending: meta}
}

// Failed reports a submission that was neither delivered nor stored.
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// ClientState is the state of the foreground submission flow.
type ClientState int

const (
	StateIdle ClientState = iota
	StateSubmitting
	StateDelivered
	StatePendingStored
	StateRetryingPending
	StateStillPending
)

func (s ClientState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateDelivered:
		return "delivered"
	case StatePendingStored:
		return "pending_stored"
	case StateRetryingPending:
		return "retrying_pending"
	case StateStillPending:
		return "still_pending"
	default:
		return "unknown"
	}
}

// Busy reports whether a submission is in flight.
func (s ClientState) Busy() bool {
	return s == StateSubmitting || s == StateRetryingPending
}

// PendingResponse is the HTTP body of a pending outcome.
type PendingResponse struct {
	Pending  bool   `json:"pending"`
	Message  string `json:"message"`
	Filename string `json:"filename,omitempty"`
}

// ErrorResponse is the HTTP body of a failed outcome the proxy produced itself.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
