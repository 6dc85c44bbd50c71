package httpapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/featherbone/server/internal/access"
)

// claims is the subset of a bearer token's payload featherbone cares
// about: the subject (used as created_by/updated_by and lock owner) and
// the role list IsAuthorized checks grants against.
type claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// authMiddleware parses a Bearer JWT (HS256, signed with signingKey) off
// every request and attaches an *access.Authorization built from its
// claims to the request context. A missing or malformed token is not
// itself an error here — anonymous/public feathers are decided by
// access.Service, the way the teacher defers authorization to its own
// collection handlers rather than to request-parsing middleware.
//
// A request whose context already carries an Authorization is left
// alone: a loop-back apiclient.Client built with WithAuthorization sets
// one directly (no Bearer header exists to parse, since the call never
// leaves the process), and this middleware must not stomp it.
func authMiddleware(signingKey []byte, superUserRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if access.FromContext(r.Context()) != nil {
				next.ServeHTTP(w, r)
				return
			}
			auth := &access.Authorization{}
			if token := bearerToken(r); token != "" {
				parsed := &claims{}
				_, err := jwt.ParseWithClaims(token, parsed, func(*jwt.Token) (any, error) {
					return signingKey, nil
				})
				if err == nil {
					auth.UserID = parsed.Subject
					auth.Roles = parsed.Roles
					auth.IsSuperUser = superUserRole != "" && auth.HasRole(superUserRole)
				}
			}
			ctx := access.ContextWithAuthorization(r.Context(), auth)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}
