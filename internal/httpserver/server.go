// Package httpserver exposes the facilitator's HTTP surface: the
// supported/verify/settle endpoints the x402 protocol defines, refund-claim
// intake, and a reference paywall-protected resource route.
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

	"github.com/chainfacilitator/x402fac/internal/apikey"
	"github.com/chainfacilitator/x402fac/internal/config"
	"github.com/chainfacilitator/x402fac/internal/logger"
	"github.com/chainfacilitator/x402fac/internal/metrics"
	"github.com/chainfacilitator/x402fac/internal/paywall"
	"github.com/chainfacilitator/x402fac/internal/ratelimit"
	"github.com/chainfacilitator/x402fac/internal/refundintake"
	"github.com/chainfacilitator/x402fac/pkg/x402"
	"github.com/chainfacilitator/x402fac/pkg/x402/schema"
)

// Server wires the engine, refund intake, and metrics collector into a
// listening HTTP server.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg     *config.Config
	engine  *x402.Engine
	refunds *refundintake.Intake
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New builds the facilitator HTTP server. refunds may be nil when
// cfg.Refunds.Enabled is false.
func New(cfg *config.Config, engine *x402.Engine, refunds *refundintake.Intake, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:     cfg,
			engine:  engine,
			refunds: refunds,
			metrics: metricsCollector,
			logger:  appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, engine, refunds, metricsCollector, appLogger)

	return s
}

// ConfigureRouter attaches the facilitator's routes to an existing router,
// so the same handlers can be mounted under a larger service if needed.
func ConfigureRouter(router chi.Router, cfg *config.Config, engine *x402.Engine, refunds *refundintake.Intake, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	h := handlers{cfg: cfg, engine: engine, refunds: refunds, metrics: metricsCollector, logger: appLogger}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-PAYMENT-RESPONSE"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	apiKeyCfg := apikey.Config{Enabled: cfg.APIKey.Enabled, APIKeys: make(map[string]apikey.Tier)}
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
		Metrics:          metricsCollector,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.WalletLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", h.health)
		r.Get(prefix+"/supported", h.supported)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post(prefix+"/verify", h.verify)
		r.Post(prefix+"/settle", h.settle)
		r.Post(prefix+"/gasless/build", h.gaslessBuild)
		r.Post(prefix+"/claims/report-failure", h.reportFailure)

		r.With(paywall.MiddlewareWithMetrics(engine, demoRequirementsProvider(cfg, engine), refunds, metricsCollector)).
			Get(prefix+"/demo/resource", h.demoResource)
	})
}

// demoRequirementsProvider advertises one Requirements entry per chain this
// facilitator serves, every entry priced in cfg.X402.TokenMint. It stands in for the quote logic a real resource server
// would run; this facilitator only ships it so internal/paywall has a
// concrete caller to exercise end to end.
func demoRequirementsProvider(cfg *config.Config, engine *x402.Engine) paywall.RequirementsProvider {
	return func(r *http.Request) ([]schema.Requirements, error) {
		supported := engine.Supported()
		reqs := make([]schema.Requirements, 0, len(supported.Kinds))
		seen := make(map[string]bool)
		for _, kind := range supported.Kinds {
			if kind.X402Version != 1 || seen[kind.Network] {
				continue
			}
			seen[kind.Network] = true
			reqs = append(reqs, schema.Requirements{
				Scheme:            "exact",
				Network:           kind.Network,
				MaxAmountRequired: "10000",
				Resource:          "/demo/resource",
				Asset:             cfg.X402.TokenMint,
				Description:       "facilitator demo resource",
				MaxTimeoutSeconds: 60,
			})
		}
		return reqs, nil
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
