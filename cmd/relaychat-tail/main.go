package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/agentworkforce/relaychat/internal/transport"
)

var errConnectionClosed = errors.New("connection closed")

func main() {
	url := flag.String("url", envOrDefault("RELAYCHAT_URL", "ws://127.0.0.1:8080/ws"), "relaychat websocket URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RELAYCHAT_TOKEN")), "bearer token")
	cards := flag.String("cards", strings.TrimSpace(os.Getenv("RELAYCHAT_TAIL_CARDS")), "comma separated card ids to follow")
	ping := flag.Duration("ping", durationEnv("RELAYCHAT_TAIL_PING", 30*time.Second), "keepalive ping interval")
	maxDelay := flag.Duration("max-retry-delay", durationEnv("RELAYCHAT_TAIL_MAX_RETRY_DELAY", 30*time.Second), "upper bound between reconnect attempts")
	jitter := flag.Float64("retry-jitter", floatEnv("RELAYCHAT_TAIL_RETRY_JITTER", 0.5), "reconnect jitter ratio (0.0-1.0)")
	flag.Parse()

	if *token == "" {
		log.Fatalf("token is required (--token or RELAYCHAT_TOKEN)")
	}
	cardIDs := splitCards(*cards)
	if len(cardIDs) == 0 {
		log.Fatalf("at least one card is required (--cards or RELAYCHAT_TAIL_CARDS)")
	}
	if *ping <= 0 {
		*ping = 30 * time.Second
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t := &tailer{
		url:          *url,
		token:        *token,
		cards:        cardIDs,
		pingInterval: *ping,
		out:          os.Stdout,
		logger:       log.Default(),
	}
	if err := t.run(ctx, reconnectPolicy(*maxDelay, *jitter)); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("tail stopped: %v", err)
	}
}

type tailer struct {
	url          string
	token        string
	cards        []string
	pingInterval time.Duration
	out          io.Writer
	logger       *log.Logger
}

// run keeps a session open until ctx ends, reconnecting with policy. The
// policy is reset once a session has subscribed to every card.
func (t *tailer) run(ctx context.Context, policy backoff.BackOff) error {
	policy = backoff.WithContext(policy, ctx)
	return backoff.RetryNotify(func() error {
		err := t.session(ctx, policy.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		t.logger.Printf("tail session ended: %v, reconnecting in %s", err, wait.Round(time.Millisecond))
	})
}

// session prints every pushed event as one JSON line until the connection
// drops.
func (t *tailer) session(ctx context.Context, connected func()) error {
	client, err := transport.Dial(ctx, t.url, transport.DialOptions{Token: t.token})
	if err != nil {
		return err
	}
	defer client.Close()

	subscriptionID := uuid.NewString()
	for _, card := range t.cards {
		if err := client.SubscribeCard(ctx, card, subscriptionID); err != nil {
			return err
		}
	}
	t.logger.Printf("following %d card(s)", len(t.cards))
	connected()

	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-client.Events():
			if !ok {
				if err := client.Err(); err != nil {
					return err
				}
				return errConnectionClosed
			}
			if err := t.print(batch); err != nil {
				return backoff.Permanent(err)
			}
		case <-ticker.C:
			if err := client.Ping(ctx); err != nil {
				return err
			}
		}
	}
}

func (t *tailer) print(batch []relaychat.Event) error {
	for _, ev := range batch {
		data, err := relaychat.Marshal(ev)
		if err != nil {
			t.logger.Printf("skipping %s event: %v", ev.Type(), err)
			continue
		}
		if _, err := t.out.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func reconnectPolicy(maxDelay time.Duration, jitter float64) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.RandomizationFactor = clampJitterRatio(jitter)
	if maxDelay > 0 {
		policy.MaxInterval = maxDelay
	}
	policy.MaxElapsedTime = 0
	return policy
}

func splitCards(raw string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
