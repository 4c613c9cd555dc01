package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/marutha-support/portal/internal/auth"
	"github.com/marutha-support/portal/internal/guard"
	"github.com/marutha-support/portal/internal/models"
)

type contextKey string

const RoleKey contextKey = "role"

// RoleFrom returns the verified role the Guard middleware stored, if any.
func RoleFrom(ctx context.Context) models.Role {
	role, _ := ctx.Value(RoleKey).(models.Role)
	return role
}

// Guard applies the route guard to page loads. Only HTML pages and
// directory paths are checked; scripts, styles and images pass through so
// the login page can load them.
func Guard(signer *auth.Signer, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var role models.Role
			if v, err := signer.Read(r, auth.RoleCookie); err == nil {
				role = models.Role(v)
			}
			ctx := context.WithValue(r.Context(), RoleKey, role)

			if !isPage(r.URL.Path) {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			d := guard.Check(r.URL.Path, role)
			if !d.Allowed() {
				logger.Info("Page redirected", "path", r.URL.Path, "role", role, "to", d.Redirect, "reason", d.Reason)
				http.Redirect(w, r, "/"+d.Redirect, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isPage(p string) bool {
	return strings.HasSuffix(p, "/") || path.Ext(p) == ".html"
}
