package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/imagerelay/internal/api"
	"github.com/gaspardpetit/imagerelay/internal/config"
	"github.com/gaspardpetit/imagerelay/internal/imagegen"
	"github.com/gaspardpetit/imagerelay/internal/inflight"
	"github.com/gaspardpetit/imagerelay/internal/logx"
	"github.com/gaspardpetit/imagerelay/internal/metrics"
	"github.com/gaspardpetit/imagerelay/internal/rewrite"
	"github.com/gaspardpetit/imagerelay/internal/upstream"
)

// Deps carries collaborators that tests or main may override.
type Deps struct {
	// Ctx bounds background work such as the rate limiter sweeper.
	Ctx     context.Context
	Version string
	// Generator defaults to an upstream client built from the config.
	Generator imagegen.Generator
	// Transport is used for upstream calls and the dev proxy; nil uses the default.
	Transport http.RoundTripper
}

// New constructs the HTTP handler for the server.
func New(cfg config.ServerConfig, deps Deps) http.Handler {
	ctx := deps.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	inflight.Drainable().Observe(metrics.SetGenerationsInflight)

	gen := deps.Generator
	if gen == nil {
		gen = upstream.New(upstream.Config{
			Endpoint:   cfg.Endpoint(),
			Credential: cfg.APIKey,
			Model:      cfg.ModelID,
			HTTPClient: &http.Client{Transport: deps.Transport},
		})
	}
	generate := imagegen.New(gen, imagegen.Options{
		Model:          cfg.ModelID,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		CacheImmutable: cfg.CacheImmutable,
		Timeout:        cfg.RequestTimeout,
	})

	r.Get("/healthz", api.GetHealthz)

	r.Group(func(g chi.Router) {
		g.Use(inflight.DrainableMiddleware())
		if cfg.RateLimit > 0 {
			rl := api.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
			go rl.Run(ctx.Done())
			g.Use(rl.Middleware)
		}
		// all methods reach the handler so it can answer 405 itself
		g.Handle("/api/generate-image", generate)
	})

	if cfg.DevProxy {
		mountDevProxy(r, cfg, deps.Transport)
	}

	state := &api.StateHandler{InstanceID: cfg.InstanceID, Model: cfg.ModelID, DevProxy: cfg.DevProxy}
	r.Route("/api", func(ar chi.Router) {
		if doc, err := api.BuildOpenAPI(ctx, deps.Version); err != nil {
			logx.Log.Error().Err(err).Msg("openapi document")
		} else {
			ar.Get("/openapi.json", api.OpenAPIHandler(doc))
		}
		ar.Group(func(g chi.Router) {
			if cfg.AdminKey != "" {
				g.Use(api.BearerSecretMiddleware(cfg.AdminKey))
			}
			g.Get("/state", state.GetState)
			g.Get("/state/stream", state.GetStateStream)
		})
	})

	if cfg.MetricsOnAPIPort() {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	return r
}

// NewHTTPServer returns a server listening on port whose request contexts
// derive from ctx, so cancelling ctx ends long-lived streams and lets
// Shutdown complete.
func NewHTTPServer(ctx context.Context, port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     h,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
}

// MetricsHandler serves the process metrics on a separate listener.
func MetricsHandler() http.Handler {
	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	return promhttp.HandlerFor(preg, promhttp.HandlerOpts{})
}

func mountDevProxy(r chi.Router, cfg config.ServerConfig, transport http.RoundTripper) {
	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		logx.Log.Error().Err(err).Str("upstream", cfg.UpstreamURL).Msg("dev proxy disabled")
		return
	}
	proxy := rewrite.NewProxy(rewrite.Options{
		Target:     target,
		Rules:      rewrite.Rules{rewrite.ModelsRule(cfg.DevProxyPrefix)},
		Credential: cfg.APIKey,
		Transport:  transport,
	})
	r.Handle(cfg.DevProxyPrefix, proxy)
	r.Handle(cfg.DevProxyPrefix+"/*", proxy)
	logx.Log.Warn().Str("prefix", cfg.DevProxyPrefix).Str("target", target.Host).Msg("dev rewrite proxy enabled")
}
