package api

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"fileconverter/ratelimit"
)

// retryAfterSeconds is advertised on 429 responses; it matches the limiter
// window.
const retryAfterSeconds = "60"

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newStatusRecorder(w)
			next.ServeHTTP(wrapped, r)

			level := slog.LevelInfo
			switch {
			case wrapped.statusCode >= 500:
				level = slog.LevelError
			case wrapped.statusCode >= 400:
				level = slog.LevelWarn
			case r.URL.Path == "/metrics" || r.URL.Path == "/health/live":
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "HTTP request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Int64("bytes", wrapped.bytes),
				slog.String("duration", time.Since(start).String()),
				slog.String("client", clientID(r)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// rateLimit rejects requests once the per-client limiter or the optional
// process-wide bucket says no.
func rateLimit(limiter ratelimit.Limiter, global *ratelimit.Global, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !global.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, CodeRateLimited, "server is busy, try again shortly")
				return
			}
			id := clientID(r)
			if limiter != nil && !limiter.Allow(r.Context(), id) {
				logger.Warn("Rate limit exceeded", slog.String("client", id))
				w.Header().Set("Retry-After", retryAfterSeconds)
				writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded, try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientID is the peer IP without port. RemoteAddr only carries a
// forwarded address when the router was built with TrustProxyHeaders.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
