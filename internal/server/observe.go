package server

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/livetraffic/internal/clock"
	"github.com/dgnsrekt/livetraffic/internal/window"
)

// pathMatcher reports whether a request path is one of the excluded paths or
// below one of them.
type pathMatcher []string

func (m pathMatcher) match(p string) bool {
	for _, ex := range m {
		ex = strings.TrimSuffix(ex, "/")
		if p == ex || strings.HasPrefix(p, ex+"/") {
			return true
		}
	}
	return false
}

// observeMiddleware records one arrival per request, except on excluded
// paths so the stream's own traffic doesn't show up in its rate.
func observeMiddleware(counter *window.Counter, clk clock.Clock, exclude []string, logger *zap.Logger) func(http.Handler) http.Handler {
	excluded := pathMatcher(exclude)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !excluded.match(r.URL.Path) {
				if err := counter.RecordArrival(clk.Now().UnixMilli()); err != nil {
					logger.Warn("arrival rejected", zap.Error(err))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// connectLimitMiddleware rejects stream connections beyond the limiter's rate.
func connectLimitMiddleware(limiter *rate.Limiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.Debug("stream connect rate limited", zap.String("remote_addr", r.RemoteAddr))
				w.Header().Set("Retry-After", "1")
				http.Error(w, "too many stream connections", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func noStoreMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
