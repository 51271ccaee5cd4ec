package carevisit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type contextKey struct{}

// Middleware requires a valid device access token on every request and
// stores the resolved caller in the request context.
func (c *Client) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		me, err := c.ValidateToken(r.Context(), token)
		if err != nil {
			status, code := http.StatusBadGateway, "upstream_error"
			if errors.Is(err, ErrNoToken) || errors.Is(err, ErrTokenInvalid) {
				status, code = http.StatusUnauthorized, "unauthorized"
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": code, "message": err.Error()},
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, me)))
	})
}

// FromContext returns the caller stored by Middleware
func FromContext(ctx context.Context) (*Me, bool) {
	me, ok := ctx.Value(contextKey{}).(*Me)
	return me, ok
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
