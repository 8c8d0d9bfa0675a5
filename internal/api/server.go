package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"CrewRelay/internal/observability/metrics"
	"CrewRelay/internal/relay"
	"CrewRelay/pkg/logger"
)

// Options 描述 HTTP 服务的可选项。
type Options struct {
	Address     string
	CORSOrigins []string
	// CrewURL 与 WebhookURL 仅用于 /health 展示。
	CrewURL    string
	WebhookURL string
	Metrics    *metrics.Metrics
	// MountMetrics 为 true 时在主路由上暴露 /metrics。
	MountMetrics bool
	Now          func() time.Time
}

// Server 负责暴露中继的 REST 接口与 webhook 回调入口。
type Server struct {
	opts   Options
	relay  *relay.Service
	router chi.Router
	log    *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(svc *relay.Service, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	s := &Server{opts: opts, relay: svc, log: logger.Named("api")}
	s.router = s.setupRouter()
	return s
}

// Handler 返回完整的路由，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}).Handler)

	r.Get("/health", s.handleHealth)
	if s.opts.MountMetrics && s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/inputs", s.handleInputs)
		r.Post("/kickoff", s.handleKickoff)
		r.Get("/status/{kickoffID}", s.handleStatus)
		r.Get("/pending-tasks/{kickoffID}", s.handlePendingTasks)
		r.Post("/feedback", s.handleFeedback)
		r.Get("/events/{kickoffID}", s.handleEvents)

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/task", s.handleTaskWebhook)
			r.Post("/step", s.handleStepWebhook)
			r.Post("/crew", s.handleCrewWebhook)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("HTTP 服务已启动", slog.String("address", s.opts.Address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware 记录请求日志并上报指标。
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			s.opts.Metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
			s.log.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
