package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/pkg/logger"
)

// DefaultReplyTimeout bounds the wait for a correlated control reply.
const DefaultReplyTimeout = 10 * time.Second

type ControlOption func(*WSControl)

// WithReplyTimeout sets how long a request waits for its reply before the
// exchange counts as malformed.
func WithReplyTimeout(d time.Duration) ControlOption {
	return func(c *WSControl) { c.replyTimeout = d }
}

// WSControl talks to a proxy's control endpoint over a websocket. Requests
// may be issued concurrently; replies are matched by correlation id.
type WSControl struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	replyTimeout time.Duration

	mu      sync.Mutex
	waiting map[string]chan model.ControlReply

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// DialControl connects to url (ws:// or wss://). header carries credentials.
func DialControl(ctx context.Context, url string, header http.Header, opts ...ControlOption) (*WSControl, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: status %d: %w", model.ErrProtocol, url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", model.ErrProtocol, url, err)
	}

	c := &WSControl{
		conn:         conn,
		replyTimeout: DefaultReplyTimeout,
		waiting:      make(map[string]chan model.ControlReply),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

func (c *WSControl) readLoop() {
	defer close(c.done)
	ctx := context.Background()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.err = fmt.Errorf("%w: control channel closed: %w", model.ErrProtocol, err)
			return
		}

		var reply model.ControlReply
		if err := json.Unmarshal(data, &reply); err != nil || reply.ID == "" {
			logger.Warn(ctx, "Discarding malformed control reply", "error", err, "size", len(data))
			continue
		}

		c.mu.Lock()
		ch, ok := c.waiting[reply.ID]
		delete(c.waiting, reply.ID)
		c.mu.Unlock()
		if !ok {
			logger.Warn(ctx, "Discarding control reply nobody waits for", "id", reply.ID)
			continue
		}
		ch <- reply
	}
}

func (c *WSControl) roundTrip(ctx context.Context, t model.ControlType) (model.ControlReply, error) {
	msg := model.ControlMessage{ID: uuid.NewString(), Type: t}
	ch := make(chan model.ControlReply, 1)

	c.mu.Lock()
	c.waiting[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, msg.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return model.ControlReply{}, fmt.Errorf("%w: send %s: %w", model.ErrProtocol, t, err)
	}

	// Uncorrelated frames are dropped by the reader, so a reply may never come.
	timer := time.NewTimer(c.replyTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Type != t {
			return reply, fmt.Errorf("%w: %s answered with %q", model.ErrProtocol, t, reply.Type)
		}
		return reply, reply.Err()
	case <-c.done:
		return model.ControlReply{}, c.err
	case <-timer.C:
		return model.ControlReply{}, fmt.Errorf("%w: no reply to %s within %s", model.ErrProtocol, t, c.replyTimeout)
	case <-ctx.Done():
		return model.ControlReply{}, ctx.Err()
	}
}

func (c *WSControl) GetPending(ctx context.Context) (*model.PendingMetadata, error) {
	reply, err := c.roundTrip(ctx, model.ControlGetPending)
	if err != nil {
		return nil, err
	}
	return reply.Pending, nil
}

func (c *WSControl) FetchPending(ctx context.Context) (*model.PendingSubmission, error) {
	reply, err := c.roundTrip(ctx, model.ControlFetchPending)
	if err != nil {
		return nil, err
	}
	return reply.Submission, nil
}

func (c *WSControl) ClearPending(ctx context.Context) error {
	_, err := c.roundTrip(ctx, model.ControlClearPending)
	return err
}

// Close says goodbye to the proxy and waits for the reader to exit.
func (c *WSControl) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}
