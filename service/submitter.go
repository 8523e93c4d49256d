package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/config"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/pkg/logger"
)

// Document is what the user submits.
type Document struct {
	Filename     string
	MimeType     string
	LastModified time.Time
	Data         []byte
}

// defaultControlTimeout bounds each control channel call made by a Submitter.
const defaultControlTimeout = 10 * time.Second

type SubmitterOption func(*Submitter)

// WithControlTimeout bounds each control channel call. The HTTP leg of a
// submission is bounded separately by the client timeout.
func WithControlTimeout(d time.Duration) SubmitterOption {
	return func(s *Submitter) { s.controlTimeout = d }
}

// WithStateListener calls fn on every state transition.
func WithStateListener(fn func(model.ClientState)) SubmitterOption {
	return func(s *Submitter) { s.onChange = fn }
}

// Submitter drives submissions through a proxy and the retry of whatever
// the proxy stored. At most one submission is unresolved at a time.
type Submitter struct {
	http           *resty.Client
	control        ControlClient
	controlTimeout time.Duration
	endpoint       string
	onChange       func(model.ClientState)

	mu      sync.Mutex
	state   model.ClientState
	pending string
}

func NewSubmitter(cfg *config.ClientConfig, control ControlClient, opts ...SubmitterOption) *Submitter {
	client := resty.New().
		SetBaseURL(cfg.ProxyURL).
		SetTimeout(cfg.Timeout)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	s := &Submitter{
		http:           client,
		control:        control,
		controlTimeout: defaultControlTimeout,
		endpoint:       cfg.Endpoint,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Submitter) State() model.ClientState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingFilename names the stored submission, or "" when there is none.
func (s *Submitter) PendingFilename() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Submitter) setState(state model.ClientState, pending string) {
	s.mu.Lock()
	s.state = state
	s.pending = pending
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange(state)
	}
}

// claim moves from a resting state to next, or reports why it cannot.
func (s *Submitter) claim(next model.ClientState, allowPending bool) (string, error) {
	s.mu.Lock()
	state, pending := s.state, s.pending
	switch {
	case state.Busy():
		s.mu.Unlock()
		return pending, fmt.Errorf("%w: a submission is in progress", model.ErrSubmissionBlocked)
	case state == model.StatePendingStored && !allowPending:
		s.mu.Unlock()
		return pending, fmt.Errorf("%w: %s", model.ErrSubmissionBlocked, pending)
	}
	s.state = next
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(next)
	}
	return pending, nil
}

func (s *Submitter) controlContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.controlTimeout)
}

// controlErr reports a control call that ran out its own timeout, while ctx
// is still live, as a protocol failure.
func controlErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: control channel did not answer: %w", model.ErrProtocol, err)
	}
	return err
}

// Start learns about a submission left behind by an earlier session.
// A broken or silent control channel is logged and treated as nothing
// pending. Cancelling ctx is still reported.
func (s *Submitter) Start(ctx context.Context) error {
	cctx, cancel := s.controlContext(ctx)
	meta, err := s.control.GetPending(cctx)
	cancel()
	err = controlErr(ctx, err)
	if errors.Is(err, model.ErrProtocol) || errors.Is(err, context.DeadlineExceeded) {
		logger.Warn(ctx, "Control channel unavailable, assuming nothing pending", "error", err)
		return nil
	}
	if err != nil {
		return err
	}

	if meta != nil {
		logger.Info(logger.WithFilename(ctx, meta.Filename), "Pending submission found", "stored_at", meta.StoredAt)
		s.setState(model.StatePendingStored, meta.Filename)
	}
	return nil
}

// Submit sends doc through the proxy. The error is only set when the
// submission was refused locally; delivery problems are in the outcome.
func (s *Submitter) Submit(ctx context.Context, doc Document) (model.Outcome, error) {
	if _, err := s.claim(model.StateSubmitting, false); err != nil {
		return model.Outcome{}, err
	}
	ctx = logger.WithFilename(ctx, doc.Filename)

	outcome := s.send(ctx, doc)
	switch outcome.Kind {
	case model.OutcomeDelivered:
		s.setState(model.StateDelivered, "")
		s.setState(model.StateIdle, "")
	case model.OutcomePending:
		s.setState(model.StatePendingStored, pendingName(outcome, doc.Filename))
		logger.Info(ctx, "Submission stored by the proxy for a later retry")
	default:
		s.setState(model.StateIdle, "")
		logger.Warn(ctx, "Submission failed", "error", outcome.Err)
	}
	return outcome, nil
}

// Retry resubmits the stored document. The error is set when no retry
// could be attempted; ErrNothingPending when nothing is stored.
func (s *Submitter) Retry(ctx context.Context) (model.Outcome, error) {
	previous, err := s.claim(model.StateRetryingPending, true)
	if err != nil {
		return model.Outcome{}, err
	}
	restore := func() {
		if previous != "" {
			s.setState(model.StatePendingStored, previous)
		} else {
			s.setState(model.StateIdle, "")
		}
	}

	cctx, cancel := s.controlContext(ctx)
	sub, err := s.control.FetchPending(cctx)
	cancel()
	err = controlErr(ctx, err)
	if err != nil {
		restore()
		return model.Outcome{}, err
	}
	if sub == nil {
		s.setState(model.StateIdle, "")
		return model.Outcome{}, model.ErrNothingPending
	}
	ctx = logger.WithFilename(ctx, sub.Filename)

	outcome := s.send(ctx, Document{
		Filename:     sub.Filename,
		MimeType:     sub.MimeType,
		LastModified: sub.LastModified,
		Data:         sub.Payload,
	})
	switch outcome.Kind {
	case model.OutcomeDelivered:
		cctx, cancel := s.controlContext(ctx)
		err := controlErr(ctx, s.control.ClearPending(cctx))
		cancel()
		if err != nil {
			logger.Warn(ctx, "Failed to clear pending submission after retry", "error", err)
		}
		logger.Info(ctx, "Pending submission delivered")
		s.setState(model.StateDelivered, "")
		s.setState(model.StateIdle, "")
	case model.OutcomePending:
		logger.Info(ctx, "Analysis service still unreachable")
		s.setState(model.StateStillPending, sub.Filename)
		s.setState(model.StatePendingStored, pendingName(outcome, sub.Filename))
	default:
		logger.Warn(ctx, "Retry failed", "error", outcome.Err)
		s.setState(model.StatePendingStored, sub.Filename)
	}
	return outcome, nil
}

func (s *Submitter) send(ctx context.Context, doc Document) model.Outcome {
	req := s.http.R().
		SetContext(ctx).
		SetMultipartField(FileField, doc.Filename, doc.MimeType, bytes.NewReader(doc.Data))
	if !doc.LastModified.IsZero() {
		req.SetFormData(map[string]string{
			LastModifiedField: strconv.FormatInt(doc.LastModified.UnixMilli(), 10),
		})
	}

	resp, err := req.Post(s.endpoint)
	if err != nil {
		return model.Failed(fmt.Errorf("%w: proxy unreachable: %w", model.ErrTransportFailure, err))
	}
	return InterpretResponse(resp.StatusCode(), resp.Header(), resp.Body())
}

// InterpretResponse turns a proxy HTTP response into an outcome. The
// outcome header decides; without it the body shape and status are used.
func InterpretResponse(status int, header http.Header, body []byte) model.Outcome {
	switch model.OutcomeKind(header.Get(model.OutcomeHeader)) {
	case model.OutcomeDelivered:
		return model.Delivered(status, header, body)
	case model.OutcomePending:
		return pendingOutcome(body)
	case model.OutcomeFailed:
		return failedOutcome(status, header, body)
	}

	var pending model.PendingResponse
	if json.Unmarshal(body, &pending) == nil && pending.Pending {
		return pendingOutcome(body)
	}
	if status >= 200 && status < 300 {
		return model.Delivered(status, header, body)
	}
	return failedOutcome(status, header, body)
}

func pendingOutcome(body []byte) model.Outcome {
	var resp model.PendingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.Pending(model.PendingReason, nil)
	}
	reason := resp.Message
	if reason == "" {
		reason = model.PendingReason
	}
	var meta *model.PendingMetadata
	if resp.Filename != "" {
		meta = &model.PendingMetadata{ID: model.PendingID, Filename: resp.Filename}
	}
	return model.Pending(reason, meta)
}

func failedOutcome(status int, header http.Header, body []byte) model.Outcome {
	var errResp model.ErrorResponse
	decoded := json.Unmarshal(body, &errResp) == nil && errResp.Error != ""

	kind := header.Get(model.ErrorKindHeader)
	if kind == "" && decoded {
		kind = errResp.Kind
	}
	if kind == "" || kind == model.KindApplication {
		outcome := model.Failed(fmt.Errorf("%w: status %d", model.ErrApplication, status))
		outcome.StatusCode = status
		outcome.Header = header
		outcome.Body = body
		return outcome
	}

	message := errResp.Error
	if !decoded {
		message = http.StatusText(status)
	}
	outcome := model.Failed(model.KindError(kind, message))
	outcome.StatusCode = status
	return outcome
}

func pendingName(o model.Outcome, fallback string) string {
	if o.Pending != nil && o.Pending.Filename != "" {
		return o.Pending.Filename
	}
	if fallback == "" {
		return model.DefaultFilename
	}
	return fallback
}
