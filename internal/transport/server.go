// Package transport serves the pipeline to clients over WebSocket. Every
// connection is one session; requests are answered in order and broadcasts
// are pushed as they are committed.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaychat/internal/accounts"
	"github.com/agentworkforce/relaychat/internal/metrics"
	"github.com/agentworkforce/relaychat/internal/middleware"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const (
	defaultMaxMessageBytes = 1 << 20
	defaultPingInterval    = 25 * time.Second
	defaultSendBuffer      = 256
	writeTimeout           = 10 * time.Second
)

type ServerConfig struct {
	Workspace       string
	JWTSecret       string
	MaxMessageBytes int64
	PingInterval    time.Duration
	// RateLimit is requests per second per connection; zero disables it.
	RateLimit      float64
	RateBurst      int
	SendBuffer     int
	OriginPatterns []string
	Logger         *zap.Logger
	Metrics        *metrics.Pipeline
}

type Server struct {
	cfg      ServerConfig
	logger   *zap.Logger
	pipeline middleware.Middleware

	mu    sync.RWMutex
	conns map[string]*conn

	async sync.WaitGroup
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		conns:  map[string]*conn{},
	}
}

// Callbacks connect a pipeline built for this server. With async set,
// trigger cascades run after the triggering request has been answered.
func (s *Server) Callbacks(async bool) middleware.Callbacks {
	callbacks := middleware.Callbacks{Broadcast: s.Broadcast}
	if async {
		callbacks.RegisterAsyncRequest = s.RegisterAsyncRequest
	}
	return callbacks
}

// Attach sets the pipeline requests are served from. It must be called
// before the server handles traffic.
func (s *Server) Attach(pipeline middleware.Middleware) {
	s.pipeline = pipeline
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.sessionCount()})
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.cfg.Metrics.Handler().ServeHTTP(w, r)
	case r.URL.Path == "/ws" && r.Method == http.MethodGet:
		s.handleWebsocket(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	claims, err := accounts.ParseToken(s.cfg.JWTSecret, raw, s.cfg.Workspace)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", strings.TrimPrefix(err.Error(), accounts.ErrInvalidToken.Error()+": "))
		return
	}
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "pipeline not ready")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	limit := rate.Inf
	if s.cfg.RateLimit > 0 {
		limit = rate.Limit(s.cfg.RateLimit)
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		ws:      ws,
		session: relaychat.NewSession(uuid.NewString(), claims.AccountOf()),
		limiter: rate.NewLimiter(limit, s.cfg.RateBurst),
		send:    make(chan []byte, s.cfg.SendBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	logger := s.logger.With(zap.String("session", c.session.ID), zap.String("account", c.session.Account.UUID))

	s.register(c)
	s.cfg.Metrics.ConnectionOpened()
	logger.Debug("session opened")
	defer func() {
		cancel()
		s.unregister(c)
		s.pipeline.CloseSession(c.session.ID)
		s.cfg.Metrics.ConnectionClosed()
		_ = ws.Close(websocket.StatusNormalClosure, "")
		logger.Debug("session closed")
	}()

	go c.writeLoop()
	go c.pingLoop(s.cfg.PingInterval, logger)
	s.readLoop(c, logger)
}

func (s *Server) readLoop(c *conn, logger *zap.Logger) {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && c.ctx.Err() == nil {
				logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(Frame{Error: relaychat.BadRequest("invalid request frame")})
			continue
		}
		if !c.limiter.Allow() {
			c.reply(Frame{ID: req.ID, Error: &relaychat.APIError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "rate limit exceeded"}})
			continue
		}

		pending := &pendingAsync{}
		result, err := s.handleRequest(withPending(c.ctx, pending), c.session, req)
		frame := Frame{ID: req.ID}
		if err != nil {
			frame.Error = relaychat.AsAPIError(err)
			if frame.Error.Status >= http.StatusInternalServerError {
				logger.Error("request failed", zap.String("method", req.Method), zap.Error(err))
			}
		} else if result != nil {
			encoded, err := json.Marshal(result)
			if err != nil {
				logger.Error("failed to encode result", zap.String("method", req.Method), zap.Error(err))
				frame.Error = relaychat.AsAPIError(err)
			} else {
				frame.Result = encoded
			}
		}
		c.reply(frame)
		s.runAsync(c.ctx, pending.take())
	}
}

func (s *Server) handleRequest(ctx context.Context, session *relaychat.Session, req Request) (any, error) {
	p := s.pipeline
	switch req.Method {
	case MethodEvent:
		ev, err := relaychat.Decode(req.Params)
		if err != nil {
			return nil, relaychat.BadRequest("invalid event: %v", err)
		}
		return p.Event(ctx, session, ev, false)
	case MethodFindMessages:
		return find(ctx, session, req, p.FindMessages)
	case MethodFindMessagesGroups:
		return find(ctx, session, req, p.FindMessagesGroups)
	case MethodFindNotificationContexts:
		return find(ctx, session, req, p.FindNotificationContexts)
	case MethodFindNotifications:
		return find(ctx, session, req, p.FindNotifications)
	case MethodFindLabels:
		return find(ctx, session, req, p.FindLabels)
	case MethodFindCollaborators:
		return find(ctx, session, req, p.FindCollaborators)
	case MethodFindPeers:
		return find(ctx, session, req, p.FindPeers)
	case MethodFindThreads:
		return find(ctx, session, req, p.FindThreads)
	case MethodSubscribeCard, MethodUnsubscribeCard:
		var sub CardSubscription
		if err := decodeParams(req.Params, &sub); err != nil {
			return nil, err
		}
		if sub.CardID == "" {
			return nil, relaychat.BadRequest("cardId is required")
		}
		if req.Method == MethodSubscribeCard {
			p.SubscribeCard(session, sub.CardID, sub.SubscriptionID)
		} else {
			p.UnsubscribeCard(session, sub.CardID, sub.SubscriptionID)
		}
		return nil, nil
	case MethodUnsubscribeQuery:
		var ref QueryRef
		if err := decodeParams(req.Params, &ref); err != nil {
			return nil, err
		}
		p.UnsubscribeQuery(session, ref.QueryID)
		return nil, nil
	case MethodPing:
		return "pong", nil
	}
	return nil, relaychat.BadRequest("unknown method %q", req.Method)
}

func find[P, R any](ctx context.Context, session *relaychat.Session, req Request, fn func(context.Context, *relaychat.Session, P, string) ([]R, error)) (any, error) {
	var params P
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, err
	}
	items, err := fn(ctx, session, params, req.QueryID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []R{}
	}
	return items, nil
}

// Broadcast pushes events to the connected sessions. A session whose send
// buffer is full is disconnected; it re-reads state when it reconnects.
func (s *Server) Broadcast(_ context.Context, events map[string][]relaychat.Event) error {
	var errs []error
	for sessionID, batch := range events {
		c := s.lookup(sessionID)
		if c == nil || len(batch) == 0 {
			continue
		}
		frame, err := eventsFrame(batch)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !c.enqueue(frame) {
			s.logger.Warn("dropping slow session", zap.String("session", sessionID), zap.Int("events", len(batch)))
			c.cancel()
		}
	}
	return errors.Join(errs...)
}

// RegisterAsyncRequest defers fn until the response of the request that
// registered it has been queued. Outside a request fn starts right away.
func (s *Server) RegisterAsyncRequest(ctx context.Context, fn func(ctx context.Context) error) {
	if pending := pendingFrom(ctx); pending != nil {
		pending.add(fn)
		return
	}
	s.runAsync(ctx, []func(context.Context) error{fn})
}

func (s *Server) runAsync(ctx context.Context, fns []func(context.Context) error) {
	if len(fns) == 0 {
		return
	}
	// Cascades outlive the connection that started them.
	ctx = withPending(context.WithoutCancel(ctx), nil)
	s.async.Add(1)
	go func() {
		defer s.async.Done()
		for _, fn := range fns {
			if err := fn(ctx); err != nil {
				s.logger.Error("async request failed", zap.Error(err))
			}
		}
	}()
}

// Shutdown disconnects every session and waits for running cascades.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, c := range s.conns {
		c.cancel()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.async.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c.session.ID] = c
	s.mu.Unlock()
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.session.ID)
	s.mu.Unlock()
}

func (s *Server) lookup(sessionID string) *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[sessionID]
}

func (s *Server) sessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
