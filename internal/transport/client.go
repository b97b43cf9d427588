package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

var ErrClientClosed = errors.New("client closed")

type DialOptions struct {
	Token           string
	MaxMessageBytes int64
	// EventBuffer bounds pushed batches not yet read from Events.
	EventBuffer int
}

// Client speaks the request/response protocol of Server.
type Client struct {
	ws     *websocket.Conn
	nextID atomic.Uint64
	events chan []relaychat.Event

	mu      sync.Mutex
	pending map[string]chan Frame
	err     error
	done    chan struct{}
}

func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultSendBuffer
	}
	ws.SetReadLimit(opts.MaxMessageBytes)

	c := &Client{
		ws:      ws,
		events:  make(chan []relaychat.Event, opts.EventBuffer),
		pending: map[string]chan Frame{},
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events yields pushed broadcast batches. It is closed when the connection
// ends.
func (c *Client) Events() <-chan []relaychat.Event {
	return c.events
}

// Done is closed when the connection ends; Err reports why.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.fail(err)
		close(c.events)
	}()
	for {
		var data []byte
		_, data, err = c.ws.Read(context.Background())
		if err != nil {
			return
		}
		var frame Frame
		if decodeErr := json.Unmarshal(data, &frame); decodeErr != nil {
			continue
		}
		if frame.ID == "" && len(frame.Events) > 0 {
			batch := make([]relaychat.Event, 0, len(frame.Events))
			for _, w := range frame.Events {
				batch = append(batch, w.Event)
			}
			select {
			case c.events <- batch:
			case <-c.done:
				return
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	if err == nil {
		err = ErrClientClosed
	}
	c.err = err
	close(c.done)
}

// Call sends one request and decodes its result into out, which may be nil.
// Server side failures come back as *relaychat.APIError.
func (c *Client) Call(ctx context.Context, method string, params any, queryID string, out any) error {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = encoded
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(Request{ID: id, Method: method, Params: raw, QueryID: queryID})
	if err != nil {
		return err
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}

	select {
	case frame := <-ch:
		if frame.Error != nil {
			return frame.Error
		}
		if out == nil || len(frame.Result) == 0 {
			return nil
		}
		return json.Unmarshal(frame.Result, out)
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Event(ctx context.Context, ev relaychat.Event) (relaychat.EventResult, error) {
	payload, err := relaychat.Marshal(ev)
	if err != nil {
		return relaychat.EventResult{}, err
	}
	var result relaychat.EventResult
	err = c.Call(ctx, MethodEvent, json.RawMessage(payload), "", &result)
	return result, err
}

func (c *Client) FindMessages(ctx context.Context, params relaychat.FindMessagesParams, queryID string) ([]relaychat.Message, error) {
	var out []relaychat.Message
	err := c.Call(ctx, MethodFindMessages, params, queryID, &out)
	return out, err
}

func (c *Client) FindNotificationContexts(ctx context.Context, params relaychat.FindNotificationContextParams, queryID string) ([]relaychat.NotificationContext, error) {
	var out []relaychat.NotificationContext
	err := c.Call(ctx, MethodFindNotificationContexts, params, queryID, &out)
	return out, err
}

func (c *Client) FindNotifications(ctx context.Context, params relaychat.FindNotificationsParams, queryID string) ([]relaychat.Notification, error) {
	var out []relaychat.Notification
	err := c.Call(ctx, MethodFindNotifications, params, queryID, &out)
	return out, err
}

func (c *Client) SubscribeCard(ctx context.Context, cardID, subscriptionID string) error {
	return c.Call(ctx, MethodSubscribeCard, CardSubscription{CardID: cardID, SubscriptionID: subscriptionID}, "", nil)
}

func (c *Client) UnsubscribeCard(ctx context.Context, cardID, subscriptionID string) error {
	return c.Call(ctx, MethodUnsubscribeCard, CardSubscription{CardID: cardID, SubscriptionID: subscriptionID}, "", nil)
}

func (c *Client) UnsubscribeQuery(ctx context.Context, queryID string) error {
	return c.Call(ctx, MethodUnsubscribeQuery, QueryRef{QueryID: queryID}, "", nil)
}

func (c *Client) Ping(ctx context.Context) error {
	var pong string
	if err := c.Call(ctx, MethodPing, nil, "", &pong); err != nil {
		return err
	}
	if pong != "pong" {
		return fmt.Errorf("unexpected ping reply %q", pong)
	}
	return nil
}

func (c *Client) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	c.fail(ErrClientClosed)
	return err
}
