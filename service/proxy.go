package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/pkg/logger"
)

// Forwarder sends an intercepted request to the analysis service.
type Forwarder interface {
	Forward(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error)
}

type storeOp string

const (
	opGet   storeOp = "get"
	opStat  storeOp = "stat"
	opPut   storeOp = "put"
	opClear storeOp = "clear"
)

type storeRequest struct {
	ctx   context.Context
	op    storeOp
	sub   *model.PendingSubmission
	reply chan storeReply
}

type storeReply struct {
	sub  *model.PendingSubmission
	meta *model.PendingMetadata
	err  error
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// WithRetention discards pending submissions older than d. Zero keeps them forever.
func WithRetention(d time.Duration) ProxyOption {
	return func(p *Proxy) { p.retention = d }
}

func WithMetrics(m *Metrics) ProxyOption {
	return func(p *Proxy) { p.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ProxyOption {
	return func(p *Proxy) { p.now = now }
}

// Proxy is the interception proxy. It owns the pending store: every store
// operation runs on the Run goroutine, one at a time, in arrival order.
type Proxy struct {
	store     PendingStore
	upstream  Forwarder
	retention time.Duration
	metrics   *Metrics
	now       func() time.Time

	requests chan storeRequest
	stopped  chan struct{}
	running  atomic.Bool
}

func NewProxy(store PendingStore, upstream Forwarder, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		store:    store,
		upstream: upstream,
		now:      time.Now,
		requests: make(chan storeRequest),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run serves store requests until ctx is cancelled. It may be called once.
func (p *Proxy) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("proxy is already running")
	}
	defer close(p.stopped)

	if r := p.handle(storeRequest{ctx: ctx, op: opStat}); r.err != nil {
		logger.Warn(ctx, "Pending store not readable at startup", "error", r.err)
	} else if r.meta != nil {
		logger.Info(logger.WithFilename(ctx, r.meta.Filename), "Pending submission left by a previous session",
			"stored_at", r.meta.StoredAt, "size", r.meta.Size)
	}

	logger.Info(ctx, "Interception proxy started", "retention", p.retention)
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Interception proxy stopped")
			return nil
		case req := <-p.requests:
			req.reply <- p.handle(req)
		}
	}
}

// Done is closed once Run has returned.
func (p *Proxy) Done() <-chan struct{} {
	return p.stopped
}

func (p *Proxy) handle(req storeRequest) storeReply {
	switch req.op {
	case opGet:
		sub, err := p.store.Get(req.ctx)
		if err != nil {
			p.metrics.storeError(string(opGet))
			return storeReply{err: err}
		}
		if sub != nil {
			purged, err := p.purgeExpired(req.ctx, sub.Metadata())
			if err != nil {
				return storeReply{err: err}
			}
			if purged {
				sub = nil
			}
		}
		p.metrics.setPending(sub != nil)
		return storeReply{sub: sub, meta: sub.Metadata()}

	case opStat:
		meta, err := p.store.Stat(req.ctx)
		if err != nil {
			p.metrics.storeError(string(opStat))
			return storeReply{err: err}
		}
		if meta != nil {
			purged, err := p.purgeExpired(req.ctx, meta)
			if err != nil {
				return storeReply{err: err}
			}
			if purged {
				meta = nil
			}
		}
		p.metrics.setPending(meta != nil)
		return storeReply{meta: meta}

	case opPut:
		if err := p.store.Put(req.ctx, req.sub); err != nil {
			p.metrics.storeError(string(opPut))
			return storeReply{err: err}
		}
		p.metrics.setPending(true)
		return storeReply{}

	case opClear:
		if err := p.store.Clear(req.ctx); err != nil {
			p.metrics.storeError(string(opClear))
			return storeReply{err: err}
		}
		p.metrics.setPending(false)
		return storeReply{}
	}
	return storeReply{err: fmt.Errorf("unknown store operation %q", req.op)}
}

func (p *Proxy) expired(storedAt time.Time) bool {
	return p.retention > 0 && p.now().Sub(storedAt) > p.retention
}

// purgeExpired clears the slot when meta is past retention.
func (p *Proxy) purgeExpired(ctx context.Context, meta *model.PendingMetadata) (bool, error) {
	if !p.expired(meta.StoredAt) {
		return false, nil
	}
	logger.Info(logger.WithFilename(ctx, meta.Filename), "Discarding expired pending submission",
		"stored_at", meta.StoredAt, "retention", p.retention)
	if err := p.store.Clear(ctx); err != nil {
		p.metrics.storeError(string(opClear))
		return false, err
	}
	return true, nil
}

// call hands req to the Run goroutine and waits for its single reply.
// Once accepted, a request always completes.
func (p *Proxy) call(ctx context.Context, op storeOp, sub *model.PendingSubmission) storeReply {
	req := storeRequest{ctx: ctx, op: op, sub: sub, reply: make(chan storeReply, 1)}
	select {
	case p.requests <- req:
	case <-ctx.Done():
		return storeReply{err: ctx.Err()}
	case <-p.stopped:
		return storeReply{err: model.ErrProxyStopped}
	}
	return <-req.reply
}

// Deliver forwards an intercepted submission. A transport failure is
// absorbed: the document is stored and a pending outcome returned.
// Delivery is detached from ctx cancellation so a caller that goes away
// mid-flight does not lose its document.
func (p *Proxy) Deliver(ctx context.Context, req *ForwardRequest) model.Outcome {
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	resp, err := p.upstream.Forward(ctx, req)
	p.metrics.observeDelivery(time.Since(start), err)

	outcome := p.settle(ctx, req, resp, err)
	p.metrics.observeOutcome(outcome)
	return outcome
}

func (p *Proxy) settle(ctx context.Context, req *ForwardRequest, resp *ForwardResponse, err error) model.Outcome {
	switch {
	case err == nil && resp.OK():
		if err := p.ClearPending(ctx); err != nil {
			logger.Warn(ctx, "Failed to clear pending submission after delivery", "error", err)
		}
		logger.Info(ctx, "Submission delivered", "status", resp.StatusCode)
		return model.Delivered(resp.StatusCode, resp.Header, resp.Body)

	case err == nil:
		logger.Info(ctx, "Analysis service rejected submission", "status", resp.StatusCode)
		outcome := model.Failed(fmt.Errorf("%w: status %d", model.ErrApplication, resp.StatusCode))
		outcome.StatusCode = resp.StatusCode
		outcome.Header = resp.Header
		outcome.Body = resp.Body
		return outcome

	case errors.Is(err, model.ErrTransportFailure):
		return p.storeForRetry(ctx, req, err)

	default:
		logger.Error(ctx, "Failed to forward submission", "error", err)
		return model.Failed(err)
	}
}

func (p *Proxy) storeForRetry(ctx context.Context, req *ForwardRequest, cause error) model.Outcome {
	sub, err := ExtractSubmission(req.Header.Get("Content-Type"), req.Body, p.now())
	if err != nil {
		logger.Error(ctx, "Analysis service unreachable and submission unreadable", "cause", cause, "error", err)
		return model.Failed(err)
	}
	ctx = logger.WithFilename(ctx, sub.Filename)

	if err := p.call(ctx, opPut, sub).err; err != nil {
		if !errors.Is(err, model.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
		}
		logger.Error(ctx, "Analysis service unreachable and submission could not be stored", "cause", cause, "error", err)
		return model.Failed(err)
	}

	logger.Warn(ctx, "Analysis service unreachable, submission stored for retry",
		"cause", cause, "size", len(sub.Payload))
	return model.Pending(model.PendingReason, sub.Metadata())
}

// Passthrough forwards a request that is not a submission. Nothing is stored.
func (p *Proxy) Passthrough(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error) {
	return p.upstream.Forward(ctx, req)
}
