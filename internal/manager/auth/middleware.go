package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/vulcan-sh/vulcan/internal/apierr"
)

type principalKey struct{}

// Authenticate is chi middleware that extracts a bearer token from the
// Authorization header, verifies it against iss, and attaches the
// resulting Principal to the request context. ErrWriter is called (instead
// of writing directly) so the Manager's shared error-rendering path stays
// the single place that maps apierr.Error to an HTTP body.
func Authenticate(iss *Issuer, errWriter func(http.ResponseWriter, *apierr.Error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				errWriter(w, apierr.New(apierr.AuthRequired, "missing bearer token", nil))
				return
			}

			p, err := iss.Verify(r.Context(), token)
			if err != nil {
				ae, _ := apierr.As(err)
				errWriter(w, ae)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey{}, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext recovers the Principal attached by Authenticate.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Require returns a per-handler guard that checks the authenticated
// Principal against the RBAC matrix before calling next.
func Require(action Action, errWriter func(http.ResponseWriter, *apierr.Error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				errWriter(w, apierr.New(apierr.AuthRequired, "no principal on request", nil))
				return
			}
			if !Allowed(p.Role, action) {
				errWriter(w, apierr.New(apierr.Forbidden, "role does not permit this action", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
