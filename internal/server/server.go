package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/livetraffic/api"
)

// RouterOptions wires the transports and ambient endpoints into the router.
type RouterOptions struct {
	// Exclude lists paths that are never recorded as arrivals.
	Exclude []string
	// StaticDir is served at / with index.html fallback. Empty disables it.
	StaticDir string
	// Stream serves /live.
	Stream http.Handler
	// WebSocket serves /ws. Nil disables the route.
	WebSocket http.Handler
	// ConnectLimiter bounds new stream connections. Nil allows all.
	ConnectLimiter *rate.Limiter
	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
}

func NewRouter(server *Server, opts RouterOptions, logger *zap.Logger) (http.Handler, error) {
	// Load OpenAPI spec for validation
	swagger, err := api.Load()
	if err != nil {
		return nil, err
	}
	swagger.Servers = nil // Allow any host

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(noStoreMiddleware)
	r.Use(zapLoggerMiddleware(logger))
	r.Use(observeMiddleware(server.counter, server.clock, opts.Exclude, logger))

	// Non-validated routes
	r.Get("/openapi.yaml", openapiHandler)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// Stream routes
	r.Group(func(streamRouter chi.Router) {
		if opts.ConnectLimiter != nil {
			streamRouter.Use(connectLimitMiddleware(opts.ConnectLimiter, logger))
		}
		streamRouter.Method(http.MethodGet, "/live", opts.Stream)
		if opts.WebSocket != nil {
			streamRouter.Method(http.MethodGet, "/ws", opts.WebSocket)
		}
	})

	// JSON API routes with OpenAPI validation
	r.Group(func(apiRouter chi.Router) {
		apiRouter.Use(oapimiddleware.OapiRequestValidator(swagger))
		apiRouter.Get("/healthz", server.GetHealth)
		apiRouter.Get("/api/snapshot", server.GetSnapshot)
	})

	if opts.StaticDir != "" {
		r.Handle("/*", gzhttp.GzipHandler(staticHandler(opts.StaticDir, logger)))
	}

	return r, nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("requestID", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(api.OpenAPISpec)
}
