package mcp

import (
	"context"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

type ownerKey struct{}

func getOwner(ctx context.Context) string {
	v, _ := ctx.Value(ownerKey{}).(string)
	return v
}

// KeyResolver resolves the owner of an API key.
type KeyResolver interface {
	ResolveKey(ctx context.Context, token string) (string, error)
}

// openMethods may be called before a client has presented a key.
var openMethods = map[string]bool{
	"initialize":                true,
	"notifications/initialized": true,
	"ping":                      true,
}

func unauthorized(msg string) error {
	return &APIError{Code: "UNAUTHORIZED", Message: msg, RecoveryHint: "Send Authorization: Bearer <api key>"}
}

// bearerToken returns the token from an Authorization header value, or ""
// when the header carries some other scheme.
func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ownerMiddleware attaches the caller's owner to every request. With a
// resolver the owner comes from the request's bearer token; without one
// every request runs as fallback.
func ownerMiddleware(resolver KeyResolver, fallback string) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			if resolver == nil {
				return next(context.WithValue(ctx, ownerKey{}, fallback), method, req)
			}
			if openMethods[method] {
				return next(ctx, method, req)
			}

			extra := req.GetExtra()
			if extra == nil || extra.Header == nil {
				return nil, unauthorized("request carries no headers")
			}
			token := bearerToken(extra.Header.Get("Authorization"))
			if token == "" {
				return nil, unauthorized("missing bearer token")
			}
			owner, err := resolver.ResolveKey(ctx, token)
			if err != nil || owner == "" {
				return nil, unauthorized("api key not recognised")
			}
			return next(context.WithValue(ctx, ownerKey{}, owner), method, req)
		}
	}
}
