package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/agentworkforce/relaychat/internal/transport"
)

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYCHAT_TEST_FLOAT", "0.35")
	got := floatEnv("RELAYCHAT_TEST_FLOAT", 0.1)
	if got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("RELAYCHAT_TEST_FLOAT_BAD", "oops")
	got := floatEnv("RELAYCHAT_TEST_FLOAT_BAD", 0.25)
	if got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestSplitCardsTrimsAndDeduplicates(t *testing.T) {
	assert.Equal(t, []string{"card-1", "card-2"}, splitCards(" card-1, ,card-2,card-1 "))
	assert.Empty(t, splitCards(""))
}

func TestReconnectPolicyNeverGivesUp(t *testing.T) {
	policy := reconnectPolicy(5*time.Second, 2)
	assert.Equal(t, time.Duration(0), policy.MaxElapsedTime)
	assert.Equal(t, 5*time.Second, policy.MaxInterval)
	assert.Equal(t, 1.0, policy.RandomizationFactor)
}

// fakeServer acknowledges every request and pushes one label event per
// connection before hanging up.
type fakeServer struct {
	connections atomic.Int32

	mu         sync.Mutex
	subscribed []string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()
	n := f.connections.Add(1)
	ctx := r.Context()

	_, data, err := ws.Read(ctx)
	if err != nil {
		return
	}
	var req transport.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	var sub transport.CardSubscription
	_ = json.Unmarshal(req.Params, &sub)
	f.mu.Lock()
	f.subscribed = append(f.subscribed, sub.CardID)
	f.mu.Unlock()

	reply, _ := json.Marshal(transport.Frame{ID: req.ID, Result: json.RawMessage(`{}`)})
	if err := ws.Write(ctx, websocket.MessageText, reply); err != nil {
		return
	}
	push, _ := json.Marshal(transport.Frame{Events: []relaychat.WireEvent{{Event: &relaychat.CreateLabel{
		Base:     relaychat.Base{Date: time.Unix(int64(n), 0).UTC()},
		LabelID:  "label-" + string(rune('0'+n)),
		CardID:   sub.CardID,
		CardType: "task",
		Account:  "alice",
		SocialID: "alice",
	}}}})
	_ = ws.Write(ctx, websocket.MessageText, push)
	ws.Close(websocket.StatusNormalClosure, "bye")
}

type lineWriter struct {
	lines chan string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	select {
	case w.lines <- strings.TrimSpace(string(p)):
	default:
	}
	return len(p), nil
}

func TestTailerPrintsEventsAndReconnects(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	out := &lineWriter{lines: make(chan string, 8)}
	tl := &tailer{
		url:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		token:        "token",
		cards:        []string{"card-1"},
		pingInterval: time.Minute,
		out:          out,
		logger:       log.New(io.Discard, "", 0),
	}
	policy := backoff.NewConstantBackOff(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tl.run(ctx, policy) }()

	var labels []string
	for len(labels) < 2 {
		select {
		case line := <-out.lines:
			var decoded map[string]any
			require.NoError(t, json.Unmarshal([]byte(line), &decoded))
			assert.Equal(t, string(relaychat.EventCreateLabel), decoded["type"])
			assert.Equal(t, "card-1", decoded["cardId"])
			labels = append(labels, decoded["labelId"].(string))
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for events, got %v", labels)
		}
	}
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("tailer did not stop")
	}
	assert.Equal(t, []string{"label-1", "label-2"}, labels)
	assert.GreaterOrEqual(t, fake.connections.Load(), int32(2))
	fake.mu.Lock()
	assert.Equal(t, "card-1", fake.subscribed[0])
	fake.mu.Unlock()
}

func TestTailerStopsOnCancelledContext(t *testing.T) {
	tl := &tailer{
		url:          "ws://127.0.0.1:1/ws",
		cards:        []string{"card-1"},
		pingInterval: time.Minute,
		out:          io.Discard,
		logger:       log.New(io.Discard, "", 0),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tl.run(ctx, backoff.NewConstantBackOff(time.Millisecond))
	require.ErrorIs(t, err, context.Canceled)
}
