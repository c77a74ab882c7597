package auth

import (
	"log/slog"
	"net/http"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/observability"
	"github.com/rhuss/chatrelay/pkg/storage"
	"github.com/rhuss/chatrelay/pkg/transport"
)

// DefaultBypassEndpoints skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}

// Middleware authenticates every request whose path is not in bypass. The
// principal and its owner are stored in the request context. limiter may be
// nil.
func Middleware(chain *Chain, limiter Limiter, bypass []string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	skip := make(map[string]struct{}, len(bypass))
	for _, p := range bypass {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			res := chain.Authenticate(r.Context(), r)
			if res.Decision != Accept || res.Principal == nil {
				logger.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", res.Err,
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="chatrelay"`)
				transport.WriteErrorResponse(w, api.NewError(api.KindUnauthorized, "authentication required"), http.StatusUnauthorized)
				return
			}

			p := res.Principal
			if p.Subject == "" {
				logger.Error("authenticator accepted a principal without subject", "path", r.URL.Path)
				transport.WriteErrorResponse(w, api.NewInternalError("internal authentication error"), http.StatusInternalServerError)
				return
			}

			if limiter != nil {
				if err := limiter.Allow(r.Context(), p); err != nil {
					tier := p.Tier
					if tier == "" {
						tier = "default"
					}
					logger.Warn("rate limit exceeded", "subject", p.Subject, "tier", tier)
					observability.RateLimitRejectedTotal.WithLabelValues(tier).Inc()
					transport.WriteErrorResponse(w, api.NewError(api.KindRateLimited, "rate limit exceeded"), http.StatusTooManyRequests)
					return
				}
			}

			logger.Debug("authenticated", "subject", p.Subject, "owner", p.Owner(), "path", r.URL.Path)

			ctx := WithPrincipal(r.Context(), p)
			ctx = storage.SetOwner(ctx, p.Owner())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
