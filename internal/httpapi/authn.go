package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"carelock.org/internal/audit"
	"carelock.org/internal/identity"
	"carelock.org/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// withAuth resolves the bearer token to an Identity before the mux runs.
// Public paths pass through untouched; everything else requires a live
// session bound to an active identity.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a.deps.Sessions == nil || a.deps.Identities == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			a.recordUnauthorized(r)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.deps.Sessions.Validate(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrExpired):
				a.recordUnauthorized(r)
				writeError(w, r, http.StatusUnauthorized, "session expired")
			case errors.Is(err, session.ErrRevoked), errors.Is(err, session.ErrMalformed):
				a.recordUnauthorized(r)
				writeError(w, r, http.StatusUnauthorized, "invalid session token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		actor, err := a.deps.Identities.Find(r.Context(), claims.Subject)
		if err != nil || !actor.Active {
			a.recordUnauthorized(r)
			writeError(w, r, http.StatusUnauthorized, "invalid session token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyIdentity, actor)
		ctx = context.WithValue(ctx, ctxKeyToken, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recordUnauthorized logs a pre-authentication rejection so the detector can
// see probing. Best effort; the request is being rejected either way.
func (a *API) recordUnauthorized(r *http.Request) {
	if a.deps.Audit == nil {
		return
	}
	resource := strings.TrimPrefix(r.URL.Path, "/v1/")
	resource = strings.Trim(resource, "/")
	if resource == "" {
		resource = r.URL.Path
	}
	_ = a.deps.Audit.Record(r.Context(), &audit.Event{
		Action:    audit.ActionUnauthorized,
		Resource:  resource,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
}

func identityFromContext(ctx context.Context) (*identity.Identity, bool) {
	actor, ok := ctx.Value(ctxKeyIdentity).(*identity.Identity)
	return actor, ok
}

func tokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(ctxKeyToken).(string)
	return token
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
