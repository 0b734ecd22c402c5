package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"chatrelay/internal/api/respond"
	"chatrelay/internal/session"
	"chatrelay/pkg/types"
)

// Authorizer runs the session gate.
type Authorizer interface {
	Authorize(ctx context.Context, creds session.Credentials) (session.Decision, error)
}

// Authenticate runs the gate for every request. Accepted requests carry
// the identity in their context; a rotated pair is written back as cookies
// before the handler runs.
func Authenticate(gate Authorizer, cookies session.CookieConfig, logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := session.FromRequest(r)
			d, err := gate.Authorize(r.Context(), creds)
			if err != nil {
				respond.Error(w, logger, err)
				return
			}
			if d.Rotation != nil {
				cookies.SetTokenCookies(w, d.Rotation.AccessToken, d.Rotation.RefreshToken)
				creds = session.Credentials{AccessToken: d.Rotation.AccessToken, RefreshToken: d.Rotation.RefreshToken}
			}
			ctx := session.WithIdentity(r.Context(), d.Identity)
			ctx = context.WithValue(ctx, credentialsKey, creds)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CredentialsFrom returns the tokens in force for this request: the rotated
// pair when the gate rotated, otherwise what the caller presented.
func CredentialsFrom(ctx context.Context) session.Credentials {
	c, _ := ctx.Value(credentialsKey).(session.Credentials)
	return c
}

// RequireRole must run after Authenticate.
func RequireRole(logger *slog.Logger, roles ...types.Role) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := session.IdentityFrom(r.Context())
			if !ok {
				respond.Error(w, logger, types.Unauthenticated(types.ReasonMissingToken, types.MessageLoginRequired, nil))
				return
			}
			if err := session.RequireRole(id, roles...); err != nil {
				respond.Error(w, logger, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
