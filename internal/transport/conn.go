package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

type conn struct {
	ws      *websocket.Conn
	session *relaychat.Session
	limiter *rate.Limiter
	send    chan []byte

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *conn) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.ctx.Done():
		return false
	default:
		return false
	}
}

// reply queues a response. Responses wait for buffer space rather than
// dropping the session.
func (c *conn) reply(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *conn) pingLoop(interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, interval)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				logger.Debug("ping failed, closing session", zap.Error(err))
				c.cancel()
				return
			}
		}
	}
}

type pendingKey struct{}

// pendingAsync collects cascades registered while a request is handled.
type pendingAsync struct {
	mu  sync.Mutex
	fns []func(context.Context) error
}

func (p *pendingAsync) add(fn func(context.Context) error) {
	p.mu.Lock()
	p.fns = append(p.fns, fn)
	p.mu.Unlock()
}

func (p *pendingAsync) take() []func(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fns := p.fns
	p.fns = nil
	return fns
}

func withPending(ctx context.Context, pending *pendingAsync) context.Context {
	return context.WithValue(ctx, pendingKey{}, pending)
}

func pendingFrom(ctx context.Context) *pendingAsync {
	pending, _ := ctx.Value(pendingKey{}).(*pendingAsync)
	return pending
}
