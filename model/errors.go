package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransportFailure means the analysis service could not be reached at all.
	ErrTransportFailure = errors.New("analysis service unreachable")
	// ErrApplication means the analysis service answered with a failure.
	ErrApplication = errors.New("analysis service rejected the submission")
	// ErrStoreUnavailable means the local pending store could not be opened or written.
	ErrStoreUnavailable = errors.New("pending store unavailable")
	// ErrProtocol means a control channel exchange was malformed.
	ErrProtocol = errors.New("control protocol error")
	// ErrPayloadExtraction means the document could not be read out of the request.
	ErrPayloadExtraction = errors.New("submission payload could not be extracted")
	// ErrSubmissionBlocked is returned while another submission is unresolved.
	ErrSubmissionBlocked = errors.New("a pending submission must be resolved first")
	// ErrNothingPending is returned by a retry when no submission is stored.
	ErrNothingPending = errors.New("no pending submission")
	// ErrProxyStopped is returned when the proxy loop is no longer serving requests.
	ErrProxyStopped = errors.New("interception proxy stopped")
	// ErrUnauthorized means the proxy refused the caller's credentials.
	ErrUnauthorized = errors.New("proxy refused the credentials")
	// ErrRateLimited means the proxy throttled the caller.
	ErrRateLimited = errors.New("proxy rate limit exceeded")
)

// Wire names for the error taxonomy.
const (
	KindTransport         = "transport"
	KindApplication       = "application"
	KindStoreUnavailable  = "store_unavailable"
	KindProtocol          = "protocol"
	KindPayloadExtraction = "payload_extraction"
	KindInternal          = "internal"
	KindUnauthorized      = "unauthorized"
	KindRateLimited       = "rate_limited"
)

// ErrorKind maps an error onto its wire name.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrPayloadExtraction):
		return KindPayloadExtraction
	case errors.Is(err, ErrApplication):
		return KindApplication
	case errors.Is(err, ErrTransportFailure):
		return KindTransport
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindInternal
	}
}

// KindError rebuilds an error of the given wire kind carrying a remote message.
func KindError(kind, message string) error {
	var base error
	switch kind {
	case KindStoreUnavailable:
		base = ErrStoreUnavailable
	case KindPayloadExtraction:
		base = ErrPayloadExtraction
	case KindApplication:
		base = ErrApplication
	case KindTransport:
		base = ErrTransportFailure
	case KindProtocol:
		base = ErrProtocol
	case KindUnauthorized:
		base = ErrUnauthorized
	case KindRateLimited:
		base = ErrRateLimited
	default:
		if message == "" {
			return errors.New("unknown failure")
		}
		return errors.New(message)
	}
	message = strings.TrimPrefix(message, base.Error()+": ")
	if message == "" || message == base.Error() {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}
