package middleware

import (
	"context"
	"net/http"

	"github.com/arbiterhq/arbiter/pkg/authz"
	"github.com/arbiterhq/arbiter/pkg/httputil"
	"github.com/arbiterhq/arbiter/pkg/store"
)

// UserHeader names the authenticated principal. Authentication itself is
// handled upstream (gateway or reverse proxy); this layer only loads the
// account.
const UserHeader = "X-Arbiter-User"

type contextKey string

const (
	userKey contextKey = "user"
	orgKey  contextKey = "organization"
)

// WithUser adds the authenticated user to the context
func WithUser(ctx context.Context, user *authz.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// GetUser retrieves the authenticated user from the request, or nil.
func GetUser(r *http.Request) *authz.User {
	if user, ok := r.Context().Value(userKey).(*authz.User); ok {
		return user
	}
	return nil
}

// AuthMiddleware resolves the principal named by the user header against
// the store and injects it into the request context. Requests without a
// known principal are rejected.
func AuthMiddleware(users *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username := r.Header.Get(UserHeader)
			if username == "" {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			account, err := users.GetUserByUsername(r.Context(), username)
			if err != nil {
				httputil.WriteUnauthorized(w, "unknown user")
				return
			}

			user := &authz.User{
				ID:          account.ID,
				Username:    account.Username,
				IsSuperuser: account.IsSuperuser,
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
