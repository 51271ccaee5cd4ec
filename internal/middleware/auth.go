package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/carevisit/carevisit/internal/service"
)

const (
	principalKey     contextKey = "principal"
	deviceSessionKey contextKey = "device_session"
)

// Authenticator resolves device access tokens. Implemented by
// *service.SessionService.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*service.AuthenticatedUser, *service.DeviceSessionContext, error)
	Touch(ctx context.Context, deviceSessionID string)
}

// ErrorWriter renders a service error as an HTTP response
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Auth requires a valid device access token in the Authorization header and
// stores the caller and its device session in the request context.
func (m *Middleware) Auth(a Authenticator, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				onError(w, r, service.ErrUnauthenticated)
				return
			}

			principal, device, err := a.Authenticate(r.Context(), token)
			if err != nil {
				m.log.Debug().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("device authentication failed")
				onError(w, r, err)
				return
			}
			// Last-seen bookkeeping runs off the request path.
			go a.Touch(context.WithoutCancel(r.Context()), device.DeviceSessionID)

			ctx := context.WithValue(r.Context(), principalKey, principal)
			ctx = context.WithValue(ctx, deviceSessionKey, device)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Principal returns the authenticated user, or nil outside Auth
func Principal(ctx context.Context) *service.AuthenticatedUser {
	p, _ := ctx.Value(principalKey).(*service.AuthenticatedUser)
	return p
}

// DeviceSession returns the caller's device session, or nil outside Auth
func DeviceSession(ctx context.Context) *service.DeviceSessionContext {
	d, _ := ctx.Value(deviceSessionKey).(*service.DeviceSessionContext)
	return d
}

// WithPrincipal returns ctx carrying an authenticated caller. Used by tests
// of handlers behind Auth.
func WithPrincipal(ctx context.Context, p *service.AuthenticatedUser, d *service.DeviceSessionContext) context.Context {
	ctx = context.WithValue(ctx, principalKey, p)
	return context.WithValue(ctx, deviceSessionKey, d)
}
