package middleware

import (
	"net/http"

	"github.com/arbiterhq/arbiter/pkg/authz"
	"github.com/arbiterhq/arbiter/pkg/httputil"
	"github.com/arbiterhq/arbiter/pkg/observability"
)

// RequirePermission enforces a permission code on the route. Denials and
// resolution failures both answer 403 so a storage outage never widens
// access; failures are additionally logged with request context.
func RequirePermission(resolver *authz.Resolver, code authz.PermissionCode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUser(r)
			if user == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			org := GetOrgContext(r)

			allowed, err := resolver.HasPermission(r.Context(), *user, code, org)
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
					"user_id":    user.ID,
					"permission": code.String(),
				}).Warn("permission check failed")
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}
			if !allowed {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
