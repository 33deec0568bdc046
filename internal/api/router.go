package api

import (
	"net/http"
	"net/netip"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/pairsend/internal/identity"
	"github.com/ashureev/pairsend/internal/middleware"
)

// GlobalMiddleware returns the router-wide stack in order. Forwarding headers
// are honoured only from peers inside trustedProxies.
func GlobalMiddleware(trustedProxies []netip.Prefix, allowedOrigins []string) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		chiMiddleware.RequestID,
		identity.ProxyHeaders(trustedProxies),
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		chiMiddleware.Heartbeat("/ping"),
		middleware.CORS(allowedOrigins),
		identity.Middleware,
	}
}
