package adminapi

import (
	"net/http"
	"strings"

	"chatgate/pkg/middleware"
	"chatgate/pkg/problems"
)

// AdminRole is the identity-provider role required on admin bearers.
const AdminRole = "gateway_admin"

const devHeader = "X-Admin-Dev"

// cors returns a middleware that sets CORS headers and handles preflight requests.
// allowed may contain exact origins (e.g., http://localhost:3001) or "*" to allow all.
func cors(allowed []string) func(http.Handler) http.Handler {
	match := func(origin string) (string, bool) {
		if origin == "" {
			return "", false
		}
		for _, a := range allowed {
			a = strings.TrimSpace(a)
			if a == "*" || a == origin {
				return a, true
			}
		}
		return "", false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ao, ok := match(r.Header.Get("Origin")); ok {
				w.Header().Set("Access-Control-Allow-Origin", ao)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+devHeader)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// adminAuth validates an admin bearer carrying AdminRole, or admits the dev
// header when no identity provider is configured.
func (a *App) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if a.idp == nil {
			if a.cfg.DevHeader && r.Header.Get(devHeader) == "1" {
				next.ServeHTTP(w, r.WithContext(middleware.WithIdentity(r.Context(), middleware.Identity{AccountID: "dev-admin", Role: AdminRole})))
				return
			}
			problems.Write(w, problems.Wrap(problems.ErrUnauthorized, "admin identity provider not configured"))
			return
		}
		raw := middleware.BearerToken(r)
		if raw == "" {
			problems.Write(w, problems.Wrap(problems.ErrUnauthorized, "missing bearer"))
			return
		}
		id, err := a.idp.Verify(r.Context(), raw)
		if err != nil {
			problems.Write(w, err)
			return
		}
		if id.Role != AdminRole {
			problems.Write(w, problems.Wrap(problems.ErrForbidden, "role %q is not %s", id.Role, AdminRole))
			return
		}
		next.ServeHTTP(w, r.WithContext(middleware.WithIdentity(r.Context(), id)))
	})
}
