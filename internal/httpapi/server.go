// Package httpapi exposes webhook ingestion, provisioning and replies over
// HTTP.
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/integrations/internal/bus"
	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/lifecycle"
	"github.com/matheus3301/integrations/internal/metrics"
	"github.com/matheus3301/integrations/internal/outbox"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultMaxBody = 5 << 20

// Deps are the services the HTTP surface delegates to.
type Deps struct {
	DB       *store.DB
	Registry *channel.Registry
	Resolver *resolver.Resolver
	Sender   *outbox.Sender
	Remover  *lifecycle.Remover
	Bus      *bus.Bus
	Metrics  *metrics.Metrics
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	// MaxBody caps webhook and request bodies in bytes.
	MaxBody int64
}

// Server holds the HTTP handlers.
type Server struct {
	Deps
	validate *validator.Validate
}

// New creates a server.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.MaxBody <= 0 {
		d.MaxBody = defaultMaxBody
	}
	v := validator.New()
	// Subjects end up in mail headers.
	_ = v.RegisterValidation("singleline", func(fl validator.FieldLevel) bool {
		return !strings.ContainsAny(fl.Field().String(), "\r\n")
	})
	return &Server{Deps: d, validate: v}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))

	r.Post("/accounts", s.handle(s.handleCreateAccount))
	r.Post("/accounts/{id}/remove", s.handle(s.handleRemoveAccount))
	r.Post("/integrations/{id}/remove", s.handle(s.handleRemoveIntegration))
	r.Get("/conversations/{id}/messages", s.handle(s.handleListMessages))

	r.Post("/webhook/{integrationId}/webhook", s.handleGenericWebhook)

	r.Route("/{channel}", func(r chi.Router) {
		r.Get("/webhook", s.handleVerify)
		r.Post("/webhook", s.handleWebhook)
		r.Post("/create-integration", s.handle(s.handleCreateIntegration))
		r.Post("/reply", s.handle(s.handleReply))
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.DB.PingContext(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
