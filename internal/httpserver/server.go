package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dotpay/backend/internal/apikey"
	"github.com/dotpay/backend/internal/config"
	"github.com/dotpay/backend/internal/idempotency"
	"github.com/dotpay/backend/internal/jwtauth"
	"github.com/dotpay/backend/internal/logger"
	"github.com/dotpay/backend/internal/metrics"
	"github.com/dotpay/backend/internal/orchestrator"
	"github.com/dotpay/backend/internal/ratelimit"
	"github.com/dotpay/backend/internal/reconcile"
	"github.com/dotpay/backend/internal/webhook"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg              *config.Config
	orchestrator     *orchestrator.Service
	webhooks         *webhook.Service
	reconciler       *reconcile.Service
	idempotencyStore idempotency.Store
	metrics          *metrics.Metrics
	logger           zerolog.Logger
}

// Deps bundles the services ConfigureRouter wires into handlers, one field
// per bounded context (quote/orchestrator, webhook demux, reconciler) plus
// the ambient services every route depends on.
type Deps struct {
	Config           *config.Config
	Orchestrator     *orchestrator.Service
	Webhooks         *webhook.Service
	Reconciler       *reconcile.Service
	JWTVerifier      *jwtauth.Verifier
	IdempotencyStore idempotency.Store
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// New builds the HTTP server with a configured router.
func New(deps Deps) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:              deps.Config,
			orchestrator:     deps.Orchestrator,
			webhooks:         deps.Webhooks,
			reconciler:       deps.Reconciler,
			idempotencyStore: deps.IdempotencyStore,
			metrics:          deps.Metrics,
			logger:           deps.Logger,
		},
		httpServer: &http.Server{
			Addr:         deps.Config.Server.Address,
			ReadTimeout:  deps.Config.Server.ReadTimeout.Duration,
			WriteTimeout: deps.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  deps.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, deps)

	return s
}

// ConfigureRouter attaches DotPay routes to an existing router.
func ConfigureRouter(router chi.Router, deps Deps) {
	if router == nil {
		return
	}
	cfg := deps.Config

	handler := handlers{
		cfg:              cfg,
		orchestrator:     deps.Orchestrator,
		webhooks:         deps.Webhooks,
		reconciler:       deps.Reconciler,
		idempotencyStore: deps.IdempotencyStore,
		metrics:          deps.Metrics,
		logger:           deps.Logger,
	}

	// jwtauth's 401s go through the same {success,error,timestamp} envelope
	// as every other handler in this package.
	jwtauth.SetErrorResponder(writeError)

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)

	// Structured logging middleware (BEFORE RequestID for context propagation)
	router.Use(logger.Middleware(deps.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// API key tiering middleware (BEFORE rate limiting). Extracts X-API-Key
	// and stores the tier in context for rate-limit exemptions; never rejects.
	apiKeyCfg := apikey.Config{
		Enabled: cfg.APIKey.Enabled,
		APIKeys: make(map[string]apikey.Tier),
	}
	for key, tierStr := range cfg.APIKey.Keys {
		apiKeyCfg.APIKeys[key] = apikey.Tier(tierStr)
	}
	router.Use(apikey.Middleware(apiKeyCfg))

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled:    cfg.RateLimit.GlobalEnabled,
		GlobalLimit:      cfg.RateLimit.GlobalLimit,
		GlobalWindow:     cfg.RateLimit.GlobalWindow.Duration,
		GlobalBurst:      cfg.RateLimit.GlobalLimit / 10,
		PerWalletEnabled: cfg.RateLimit.PerWalletEnabled,
		PerWalletLimit:   cfg.RateLimit.PerWalletLimit,
		PerWalletWindow:  cfg.RateLimit.PerWalletWindow.Duration,
		PerWalletBurst:   cfg.RateLimit.PerWalletLimit / 6,
		PerIPEnabled:     cfg.RateLimit.PerIPEnabled,
		PerIPLimit:       cfg.RateLimit.PerIPLimit,
		PerIPWindow:      cfg.RateLimit.PerIPWindow.Duration,
		PerIPBurst:       cfg.RateLimit.PerIPLimit / 6,
		Metrics:          deps.Metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.WalletLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix
	jwtMW := jwtauth.Middleware(deps.JWTVerifier)
	idempotencyMW := idempotency.Middleware(deps.IdempotencyStore, 24*time.Hour)

	// Lightweight endpoints: health check and the Prometheus scrape target.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", handler.health)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Payment-processing endpoints: quoting, authorization, funding
	// confirmation, mobile-money submission; all may block on an external
	// RPC node or the Daraja API, so they get the longer timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(jwtMW)

		r.Post(prefix+"/api/mpesa/quotes", handler.quotes)
		r.With(idempotencyMW).Post(prefix+"/api/mpesa/onramp/stk/initiate", handler.initiateOnramp)
		r.With(idempotencyMW).Post(prefix+"/api/mpesa/offramp/initiate", handler.initiateOfframp)
		r.With(idempotencyMW).Post(prefix+"/api/mpesa/merchant/paybill/initiate", handler.initiatePaybill)
		r.With(idempotencyMW).Post(prefix+"/api/mpesa/merchant/buygoods/initiate", handler.initiateBuygoods)
		r.Post(prefix+"/api/mpesa/transactions/{id}/confirm-funding", handler.confirmFunding)
		r.Get(prefix+"/api/mpesa/transactions/{id}", handler.getTransaction)
		r.Get(prefix+"/api/mpesa/transactions", handler.listTransactions)
	})

	// Internal operator endpoint, gated by a shared internal API key instead
	// of a wallet JWT.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(internalKeyMiddleware(cfg.Auth.InternalAPIKey))
		r.Post(prefix+"/api/mpesa/internal/reconcile", handler.reconcileNow)
	})

	// Webhooks: unauthenticated except for an optional shared secret, and
	// always ack 200 regardless of internal outcome.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post(prefix+"/api/mpesa/webhooks/stk", handler.webhookSTK)
		r.Post(prefix+"/api/mpesa/webhooks/b2c/result", handler.webhookB2CResult)
		r.Post(prefix+"/api/mpesa/webhooks/b2c/timeout", handler.webhookB2CTimeout)
		r.Post(prefix+"/api/mpesa/webhooks/b2b/result", handler.webhookB2BResult)
		r.Post(prefix+"/api/mpesa/webhooks/b2b/timeout", handler.webhookB2BTimeout)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
