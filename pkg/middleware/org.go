package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/arbiterhq/arbiter/pkg/authz"
	"github.com/arbiterhq/arbiter/pkg/httputil"
)

// WithOrgContext adds an organization context to the request context
func WithOrgContext(ctx context.Context, org authz.OrgContext) context.Context {
	return context.WithValue(ctx, orgKey, org)
}

// GetOrgContext retrieves the organization context from the request. The
// zero value is returned when no organization was established; permission
// checks against it are denied.
func GetOrgContext(r *http.Request) authz.OrgContext {
	if org, ok := r.Context().Value(orgKey).(authz.OrgContext); ok {
		return org
	}
	return authz.OrgContext{}
}

// OrgContextMiddleware derives the organization context from the org_id
// route variable. Routes without the variable pass through with no
// organization established.
func OrgContextMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			vars := mux.Vars(r)
			orgIDStr, ok := vars["org_id"]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			orgID, err := strconv.ParseInt(orgIDStr, 10, 64)
			if err != nil || orgID <= 0 {
				httputil.WriteBadRequest(w, "invalid organization ID")
				return
			}

			ctx := WithOrgContext(r.Context(), authz.InOrg(orgID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
