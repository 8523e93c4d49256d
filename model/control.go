package model

// ControlType names a control channel request.
type ControlType string

const (
	// ControlGetPending asks for the pending submission metadata.
	ControlGetPending ControlType = "GET_PENDING"
	// ControlFetchPending asks for the full pending submission, payload included.
	ControlFetchPending ControlType = "FETCH_PENDING"
	// ControlClearPending deletes the pending submission.
	ControlClearPending ControlType = "CLEAR_PENDING"
)

// Valid reports whether t is a known request type.
func (t ControlType) Valid() bool {
	switch t {
	case ControlGetPending, ControlFetchPending, ControlClearPending:
		return true
	}
	return false
}

// ControlMessage is a control channel request. ID correlates the reply.
type ControlMessage struct {
	ID   string      `json:"id"`
	Type ControlType `json:"type"`
}

// ControlReply answers exactly one ControlMessage.
// Pending is null when nothing is stored; Submission is only set for FETCH_PENDING.
type ControlReply struct {
	ID         string             `json:"id"`
	Type       ControlType        `json:"type"`
	Pending    *PendingMetadata   `json:"pending"`
	Submission *PendingSubmission `json:"submission,omitempty"`
	Error      string             `json:"error,omitempty"`
	Kind       string             `json:"kind,omitempty"`
}

// Err rebuilds the error carried by the reply, if any.
func (r ControlReply) Err() error {
	if r.Error == "" && r.Kind == "" {
		return nil
	}
	return KindError(r.Kind, r.Error)
}
