package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const DefaultChannelPrefix = "relaychat:events"

type RedisOptions struct {
	// Channel defaults to DefaultChannelPrefix + ":" + Workspace.
	Channel   string
	Origin    string
	Workspace string
	Logger    *zap.Logger
}

// Redis fans out over one pub/sub channel per workspace.
type Redis struct {
	client    *redis.Client
	channel   string
	origin    string
	workspace string
	logger    *zap.Logger
	ownClient bool
}

func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	channel := opts.Channel
	if channel == "" {
		channel = fmt.Sprintf("%s:%s", DefaultChannelPrefix, opts.Workspace)
	}
	return &Redis{
		client:    client,
		channel:   channel,
		origin:    opts.Origin,
		workspace: opts.Workspace,
		logger:    opts.Logger,
	}
}

// DialRedis parses a redis:// URL and owns the resulting client.
func DialRedis(url string, opts RedisOptions) (*Redis, error) {
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	r := NewRedis(redis.NewClient(parsed), opts)
	r.ownClient = true
	return r, nil
}

func (r *Redis) Channel() string {
	return r.channel
}

func (r *Redis) Publish(ctx context.Context, events []relaychat.Event) error {
	if len(events) == 0 {
		return nil
	}
	payload, err := encode(r.origin, r.workspace, events)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *Redis) Run(ctx context.Context, deliver func(ctx context.Context, events []relaychat.Event)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	// Wait for the subscription so nothing published after Run starts is lost.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("fanout subscribed", zap.String("channel", r.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return ErrClosed
			}
			r.handle(ctx, []byte(msg.Payload), deliver)
		}
	}
}

func (r *Redis) handle(ctx context.Context, payload []byte, deliver func(ctx context.Context, events []relaychat.Event)) {
	env, events, err := decode(payload)
	if err != nil {
		r.logger.Warn("dropping malformed fanout payload", zap.String("channel", r.channel), zap.Error(err))
		return
	}
	if env.Origin == r.origin || env.Workspace != r.workspace || len(events) == 0 {
		return
	}
	deliver(ctx, events)
}

func (r *Redis) Close() error {
	if !r.ownClient {
		return nil
	}
	if err := r.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
