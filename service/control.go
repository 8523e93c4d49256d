package service

import (
	"context"
	"fmt"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
)

// ControlClient queries and clears the pending submission held by a proxy.
// *Proxy implements it in-process and *WSControl over a websocket.
type ControlClient interface {
	// GetPending returns nil when nothing is stored.
	GetPending(ctx context.Context) (*model.PendingMetadata, error)
	// FetchPending returns the stored submission including its payload.
	FetchPending(ctx context.Context) (*model.PendingSubmission, error)
	// ClearPending returns once the submission is gone.
	ClearPending(ctx context.Context) error
}

var (
	_ ControlClient = (*Proxy)(nil)
	_ ControlClient = (*WSControl)(nil)
)

// GetPending reads the metadata only; the payload stays in the store.
func (p *Proxy) GetPending(ctx context.Context) (*model.PendingMetadata, error) {
	r := p.call(ctx, opStat, nil)
	return r.meta, r.err
}

func (p *Proxy) FetchPending(ctx context.Context) (*model.PendingSubmission, error) {
	r := p.call(ctx, opGet, nil)
	return r.sub, r.err
}

func (p *Proxy) ClearPending(ctx context.Context) error {
	return p.call(ctx, opClear, nil).err
}

// Handle answers one control message. The reply always echoes msg.ID.
func (p *Proxy) Handle(ctx context.Context, msg model.ControlMessage) model.ControlReply {
	reply := model.ControlReply{ID: msg.ID, Type: msg.Type}

	var err error
	switch msg.Type {
	case model.ControlGetPending:
		reply.Pending, err = p.GetPending(ctx)
	case model.ControlFetchPending:
		reply.Submission, err = p.FetchPending(ctx)
		reply.Pending = reply.Submission.Metadata()
	case model.ControlClearPending:
		err = p.ClearPending(ctx)
	default:
		err = fmt.Errorf("%w: unknown request type %q", model.ErrProtocol, msg.Type)
	}
	if msg.Type.Valid() {
		p.metrics.controlRequest(msg.Type)
	}

	if err != nil {
		reply.Error = err.Error()
		reply.Kind = model.ErrorKind(err)
	}
	return reply
}
