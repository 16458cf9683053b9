// Package admin serves the HTTP control and status endpoints.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"throttleq/internal/task/engine"
	"throttleq/internal/task/trigger"
	logx "throttleq/pkg/logx"
)

const shutdownTimeout = 5 * time.Second

// Scheduler is the scheduler surface the endpoints use.
type Scheduler interface {
	Snapshot() engine.Snapshot
	Pending() []string
	Stop()
}

// Config controls the server.
type Config struct {
	Addr  string
	Token string
	Pprof bool
}

// Deps are the components behind the endpoints. Nil fields disable the
// matching endpoint.
type Deps struct {
	Scheduler Scheduler
	// RunJob enqueues a job by name. Unknown names must return an error
	// wrapping ErrNotFound.
	RunJob    func(name string) error
	Schedules func() []trigger.ScheduleInfo
	History   HistoryReader
	Metrics   http.Handler
}

var ErrNotFound = errors.New("not found")

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	engine *gin.Engine
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.requestLog(), gin.Recovery())

	// healthz stays open so probes do not need the token.
	r.GET("/healthz", s.healthz)

	api := r.Group("/")
	api.Use(s.auth())
	{
		api.GET("/status", s.status)
		api.GET("/history", s.history)
		api.POST("/jobs/:name/run", s.runJob)
		api.POST("/stop", s.stop)
		if s.deps.Metrics != nil {
			api.GET("/metrics", gin.WrapH(s.deps.Metrics))
		}
		if s.cfg.Pprof {
			api.GET("/debug/pprof/*profile", pprofHandler)
		}
	}
	return r
}

// pprofHandler serves net/http/pprof under one catch-all route.
func pprofHandler(c *gin.Context) {
	switch name := strings.Trim(c.Param("profile"), "/"); name {
	case "":
		pprof.Index(c.Writer, c.Request)
	case "cmdline":
		pprof.Cmdline(c.Writer, c.Request)
	case "profile":
		pprof.Profile(c.Writer, c.Request)
	case "symbol":
		pprof.Symbol(c.Writer, c.Request)
	case "trace":
		pprof.Trace(c.Writer, c.Request)
	default:
		pprof.Handler(name).ServeHTTP(c.Writer, c.Request)
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("admin request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("client", c.ClientIP()),
		)
	}
}

// auth requires "Authorization: Bearer <token>" when a token is configured.
func (s *Server) auth() gin.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Run serves on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:9180"
	}
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("admin listening without token on non-loopback addr", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("admin server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
		return err
	}
	s.log.Info("admin server stopped")
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
