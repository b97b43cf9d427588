package fanout

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// Hub connects in-process buses. Payloads go through the wire encoding so
// nodes never share event values.
type Hub struct {
	mu    sync.RWMutex
	nodes map[*MemoryBus]struct{}
}

func NewHub() *Hub {
	return &Hub{nodes: map[*MemoryBus]struct{}{}}
}

// Node returns a bus attached to the hub for one instance.
func (h *Hub) Node(origin, workspace string, logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &MemoryBus{
		hub:       h,
		origin:    origin,
		workspace: workspace,
		logger:    logger,
		inbox:     make(chan []byte, 256),
		done:      make(chan struct{}),
	}
	h.mu.Lock()
	h.nodes[b] = struct{}{}
	h.mu.Unlock()
	return b
}

type MemoryBus struct {
	hub       *Hub
	origin    string
	workspace string
	logger    *zap.Logger

	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (b *MemoryBus) Publish(ctx context.Context, events []relaychat.Event) error {
	if len(events) == 0 {
		return nil
	}
	payload, err := encode(b.origin, b.workspace, events)
	if err != nil {
		return err
	}
	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for node := range b.hub.nodes {
		if node == b || node.workspace != b.workspace {
			continue
		}
		select {
		case node.inbox <- payload:
		case <-node.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Run(ctx context.Context, deliver func(ctx context.Context, events []relaychat.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		case payload := <-b.inbox:
			_, events, err := decode(payload)
			if err != nil {
				b.logger.Warn("dropping malformed fanout payload", zap.Error(err))
				continue
			}
			deliver(ctx, events)
		}
	}
}

func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		b.hub.mu.Lock()
		delete(b.hub.nodes, b)
		b.hub.mu.Unlock()
		close(b.done)
	})
	return nil
}
