package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fasthttp/router"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"github.com/simons-freedom/X-monitor/internal/audit"
	"github.com/simons-freedom/X-monitor/internal/monitor"
	"github.com/simons-freedom/X-monitor/internal/observability"
	"github.com/simons-freedom/X-monitor/internal/risk"
	"github.com/simons-freedom/X-monitor/internal/scanner"
)

// ---------------------------------------------------------------------------
// HTTP surface: webhook intake, operator search, health, stats, control
// ---------------------------------------------------------------------------

// Submitter accepts messages for asynchronous processing.
type Submitter interface {
	Submit(msg monitor.Message) error
}

// Searcher answers operator symbol lookups.
type Searcher interface {
	SearchToken(ctx context.Context, symbol string) (*scanner.SearchResult, error)
}

// Config configures the HTTP server.
type Config struct {
	Listen        string        `yaml:"listen"`
	JWTSecret     string        `yaml:"jwt_secret"` // empty leaves /post/tweet and /control open
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	SearchTimeout time.Duration `yaml:"search_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:        ":9092",
		ReadTimeout:   10 * time.Second,
		SearchTimeout: 30 * time.Second,
	}
}

// Deps groups the components exposed over HTTP. Nil members disable their
// routes' features: a nil Health reports ok, a nil Searcher answers 503.
type Deps struct {
	Intake   Submitter
	Searcher Searcher
	Policy   *risk.Policy
	Health   *observability.HealthMonitor
	Exporter *observability.PrometheusExporter
	Journal  *audit.Journal
	Stats    func() map[string]any
}

// Server is the fasthttp front end.
type Server struct {
	config Config
	deps   Deps
	router *router.Router
	srv    *fasthttp.Server

	requests     atomic.Int64
	unauthorized atomic.Int64
	accepted     atomic.Int64
	rejected     atomic.Int64
}

// New creates a server and registers its routes.
func New(config Config, deps Deps) *Server {
	def := DefaultConfig()
	if config.Listen == "" {
		config.Listen = def.Listen
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.SearchTimeout <= 0 {
		config.SearchTimeout = def.SearchTimeout
	}

	s := &Server{config: config, deps: deps, router: router.New()}
	s.routes()
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		Name:         "x-monitor",
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.SearchTimeout + 5*time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)
	r.GET("/metrics", s.handleMetrics)
	r.GET("/journal", s.handleJournal)
	r.GET("/search/{symbol}", s.handleSearch)
	r.POST("/control/pause", s.requireToken(s.handlePause))
	r.POST("/control/resume", s.requireToken(s.handleResume))
	r.POST("/post/tweet", s.requireToken(s.handleTweet))
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() fasthttp.RequestHandler {
	next := s.router.Handler
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		s.requests.Add(1)
		next(ctx)
		log.Debug().
			Bytes("method", ctx.Method()).
			Bytes("path", ctx.Path()).
			Int("status", ctx.Response.StatusCode()).
			Dur("took", time.Since(start)).
			Msg("server: request")
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.config.Listen).Bool("auth", s.config.JWTSecret != "").Msg("server: listening")
		errCh <- s.srv.ListenAndServe(s.config.Listen)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	log.Info().Msg("server: stopped")
	return nil
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	body := map[string]any{"status": observability.StatusHealthy}
	status := fasthttp.StatusOK
	if s.deps.Health != nil {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		h := s.deps.Health.Check(cctx)
		cancel()
		body["status"] = h.Status
		body["components"] = h.Components
		body["uptime_s"] = int64(h.Uptime.Seconds())
		if h.Status == observability.StatusUnhealthy {
			status = fasthttp.StatusServiceUnavailable
		}
	}
	if s.deps.Policy != nil {
		body["paused"] = !s.deps.Policy.IsActive()
	}
	writeJSON(ctx, status, body)
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	out := map[string]any{
		"server": map[string]int64{
			"requests":     s.requests.Load(),
			"unauthorized": s.unauthorized.Load(),
			"accepted":     s.accepted.Load(),
			"rejected":     s.rejected.Load(),
		},
	}
	if s.deps.Stats != nil {
		for k, v := range s.deps.Stats() {
			out[k] = v
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func (s *Server) handleMetrics(ctx *fasthttp.RequestCtx) {
	if s.deps.Exporter == nil {
		ctx.Error("metrics disabled", fasthttp.StatusNotFound)
		return
	}
	ctx.SetContentType(observability.ContentType)
	ctx.SetBodyString(s.deps.Exporter.Format())
}

func (s *Server) handleJournal(ctx *fasthttp.RequestCtx) {
	if s.deps.Journal == nil {
		writeJSON(ctx, fasthttp.StatusOK, []audit.Entry{})
		return
	}
	n := 50
	if raw := string(ctx.QueryArgs().Peek("n")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(ctx, fasthttp.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = v
	}
	if id := string(ctx.QueryArgs().Peek("trace_id")); id != "" {
		writeJSON(ctx, fasthttp.StatusOK, s.deps.Journal.Query(id))
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, s.deps.Journal.Recent(n))
}

func (s *Server) handleSearch(ctx *fasthttp.RequestCtx) {
	if s.deps.Searcher == nil {
		writeError(ctx, fasthttp.StatusServiceUnavailable, "search disabled")
		return
	}
	symbol, _ := ctx.UserValue("symbol").(string)
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "symbol required")
		return
	}

	cctx, cancel := context.WithTimeout(context.Background(), s.config.SearchTimeout)
	defer cancel()
	res, err := s.deps.Searcher.SearchToken(cctx, symbol)
	switch {
	case errors.Is(err, scanner.ErrNoResult):
		writeError(ctx, fasthttp.StatusNotFound, err.Error())
	case err != nil:
		log.Error().Err(err).Str("symbol", symbol).Msg("server: search failed")
		writeError(ctx, fasthttp.StatusBadGateway, err.Error())
	default:
		writeJSON(ctx, fasthttp.StatusOK, res)
	}
}

func (s *Server) handlePause(ctx *fasthttp.RequestCtx) {
	if s.deps.Policy == nil {
		writeError(ctx, fasthttp.StatusServiceUnavailable, "trading policy not configured")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if body := ctx.PostBody(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	s.deps.Policy.Pause(req.Reason)
	log.Warn().Str("reason", req.Reason).Msg("[CONTROL] trading PAUSED")
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "paused", "reason": req.Reason})
}

func (s *Server) handleResume(ctx *fasthttp.RequestCtx) {
	if s.deps.Policy == nil {
		writeError(ctx, fasthttp.StatusServiceUnavailable, "trading policy not configured")
		return
	}
	s.deps.Policy.Resume()
	log.Info().Msg("[CONTROL] trading RESUMED")
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleTweet(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()
	if len(body) == 0 {
		s.rejected.Add(1)
		writeError(ctx, fasthttp.StatusBadRequest, "invalid or missing json data")
		return
	}
	var msg monitor.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		s.rejected.Add(1)
		writeError(ctx, fasthttp.StatusBadRequest, "failed to parse tweet data")
		return
	}
	if s.deps.Intake == nil {
		writeError(ctx, fasthttp.StatusServiceUnavailable, "intake disabled")
		return
	}

	err := s.deps.Intake.Submit(msg)
	switch {
	case errors.Is(err, monitor.ErrInvalidMessage):
		s.rejected.Add(1)
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
	case errors.Is(err, monitor.ErrQueueFull), errors.Is(err, monitor.ErrPoolStopped):
		s.rejected.Add(1)
		writeError(ctx, fasthttp.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.rejected.Add(1)
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
	default:
		s.accepted.Add(1)
		log.Info().Str("author", msg.Author()).Str("push_type", msg.PushType).Msg("server: message accepted")
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{
			"status":  "success",
			"message": "tweet received, analysis started asynchronously",
		})
	}
}

// ---------------------------------------------------------------------------
// Auth and helpers
// ---------------------------------------------------------------------------

// requireToken checks an HS256 bearer token when a secret is configured.
func (s *Server) requireToken(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if s.config.JWTSecret == "" {
		return next
	}
	secret := []byte(s.config.JWTSecret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())

	return func(ctx *fasthttp.RequestCtx) {
		raw := string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))
		tokenStr, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || tokenStr == "" {
			s.unauthorized.Add(1)
			writeError(ctx, fasthttp.StatusUnauthorized, "missing bearer token")
			return
		}
		_, err := parser.Parse(tokenStr, func(*jwt.Token) (any, error) { return secret, nil })
		if err != nil {
			s.unauthorized.Add(1)
			log.Warn().Err(err).Msg("server: rejected token")
			writeError(ctx, fasthttp.StatusUnauthorized, "invalid token")
			return
		}
		next(ctx)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		log.Error().Err(err).Msg("server: failed to encode response")
	}
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"status": "error", "message": msg})
}
