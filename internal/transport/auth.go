package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthorized indicates invalid or missing credentials.
var ErrUnauthorized = errors.New("unauthorized")

type ownerKey struct{}

// KeyResolver resolves the owner of an API key.
type KeyResolver interface {
	ResolveKey(ctx context.Context, token string) (string, error)
}

// OwnerFromContext returns the API key owner from context, if present.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok
}

// AuthMiddleware enforces bearer token authentication.
func AuthMiddleware(resolver KeyResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			if token == "" || token == auth {
				w.Header().Set("WWW-Authenticate", `Bearer realm="imgclass"`)
				writeError(w, nil, fmt.Errorf("%w: missing bearer token", ErrUnauthorized))
				return
			}

			owner, err := resolver.ResolveKey(r.Context(), token)
			if err != nil || owner == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="imgclass", error="invalid_token"`)
				writeError(w, nil, fmt.Errorf("%w: invalid bearer token", ErrUnauthorized))
				return
			}

			if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
				info.owner = owner
			}
			ctx := context.WithValue(r.Context(), ownerKey{}, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
