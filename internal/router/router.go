package router

import (
	"net/http"
	"time"

	"github.com/carevisit/carevisit/internal/config"
	"github.com/carevisit/carevisit/internal/handler"
	"github.com/carevisit/carevisit/internal/middleware"
)

// Refresh runs on every app resume, so it gets its own, looser limit
var refreshLimit = middleware.RateLimitConfig{Name: "refresh", Limit: 30, Window: time.Minute, KeyFn: middleware.IPKey}

func ipLimit(name string, cfg config.RateLimitingConfig) middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		Name:   name,
		Limit:  cfg.DefaultLimit,
		Window: cfg.DefaultWindow,
		KeyFn:  middleware.IPKey,
	}
}

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, authn middleware.Authenticator, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints (no auth required)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	// Device activation (public, rate limited)
	activateLimit := ipLimit("activate", cfg.Security.RateLimiting)
	redeemLimit := ipLimit("redeem", cfg.Security.RateLimiting)

	mux.Handle("POST /api/v1/devices/activations", mw.RateLimit(activateLimit)(http.HandlerFunc(h.Activate)))
	mux.Handle("POST /api/v1/devices/activations/redeem", mw.RateLimit(redeemLimit)(http.HandlerFunc(h.Redeem)))
	mux.Handle("POST /api/v1/devices/sessions/refresh", mw.RateLimit(refreshLimit)(http.HandlerFunc(h.Refresh)))

	// Device session routes (require a device access token)
	authMw := mw.Auth(authn, h.WriteError)

	mux.Handle("POST /api/v1/devices/sessions/current/unlock", authMw(http.HandlerFunc(h.Unlock)))
	mux.Handle("DELETE /api/v1/devices/sessions/current", authMw(http.HandlerFunc(h.Logout)))
	mux.Handle("GET /api/v1/devices/sessions", authMw(http.HandlerFunc(h.ListSessions)))
	mux.Handle("POST /api/v1/devices/sessions/{id}/revoke", authMw(http.HandlerFunc(h.RevokeSession)))
	mux.Handle("GET /api/v1/me", authMw(http.HandlerFunc(h.Me)))

	// Apply middleware stack
	var handler http.Handler = mux

	handler = mw.CORS(cfg.Server.CORSOrigins)(handler)
	handler = mw.SecurityHeaders(handler)
	handler = mw.Logger(handler)
	handler = mw.Timeout(handler)
	handler = mw.RequestID(handler)
	handler = mw.RealIP(handler)

	// Panic recovery (outermost)
	handler = mw.Recover(handler)

	return handler
}
