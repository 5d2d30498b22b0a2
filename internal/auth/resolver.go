package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/phc-his/his/internal/shared"
)

// Resolver attaches the caller's principal id to the request context from a
// bearer token or the session cookie. It never rejects: requests without a
// usable credential reach the gate as unauthenticated.
type Resolver struct {
	Tokens *TokenIssuer
	Logger *slog.Logger
}

// Middleware implements the resolver as chi middleware.
func (res Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if raw, ok := bearerToken(r); ok {
			if res.Tokens != nil {
				claims, err := res.Tokens.Parse(raw, TokenAccess)
				if err == nil {
					if id, err := claims.PrincipalID(); err == nil {
						ctx = shared.ContextWithPrincipalID(ctx, id, shared.AuthBearer)
					}
				} else if res.Logger != nil {
					res.Logger.Debug("bearer token rejected", slog.Any("error", err))
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if sess := shared.SessionFromContext(ctx); sess != nil && sess.PrincipalID() > 0 {
			ctx = shared.ContextWithPrincipalID(ctx, sess.PrincipalID(), shared.AuthSession)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
