package policy

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/dropDatabas3/campusauth/internal/domain/types"
	"github.com/dropDatabas3/campusauth/internal/httperr"
	"github.com/dropDatabas3/campusauth/internal/observability/logger"
	"github.com/dropDatabas3/campusauth/internal/session"
	"github.com/dropDatabas3/campusauth/internal/tabsync"
)

// DecisionKind resultado del guard.
type DecisionKind int

const (
	// Loading: el primer chequeo todavía no terminó; no se renderiza ni se redirige.
	Loading DecisionKind = iota
	Allow
	Redirect
)

func (k DecisionKind) String() string {
	switch k {
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	default:
		return "loading"
	}
}

// Decision del guard. Location solo aplica a Redirect.
type Decision struct {
	Kind     DecisionKind
	Location string
	User     *types.UserProfile
}

// StateSource expone el estado sincronizado (tabsync.Synchronizer).
type StateSource interface {
	State() tabsync.State
}

// Guard decide el acceso a rutas protegidas a partir del estado sincronizado.
type Guard struct {
	src       StateSource
	loginPath string
	roles     types.RoleSet
}

// NewGuard crea un guard. roles vacío acepta cualquier usuario logueado.
func NewGuard(src StateSource, loginPath string, roles types.RoleSet) *Guard {
	if loginPath == "" {
		loginPath = "/login"
	}
	return &Guard{src: src, loginPath: loginPath, roles: roles}
}

// Check decide para path.
func (g *Guard) Check(path string) Decision {
	if isLoginPath(path, g.loginPath) {
		return Decision{Kind: Allow}
	}
	st := g.src.State()
	switch st.Status {
	case tabsync.StatusLoggedIn:
		if st.User != nil && g.roles.Allows(st.User.Role) {
			return Decision{Kind: Allow, User: st.User}
		}
		return Decision{Kind: Redirect, Location: LoginLocation(g.loginPath, path)}
	case tabsync.StatusLoggedOut:
		return Decision{Kind: Redirect, Location: LoginLocation(g.loginPath, path)}
	}
	return Decision{Kind: Loading}
}

// LoginLocation arma "<login>?next=<path>".
func LoginLocation(loginPath, next string) string {
	if next == "" || isLoginPath(next, loginPath) {
		return loginPath
	}
	return loginPath + "?next=" + url.QueryEscape(next)
}

func isLoginPath(path, loginPath string) bool {
	p := path
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return strings.TrimSuffix(p, "/") == strings.TrimSuffix(loginPath, "/")
}

// Middleware es el tipo de los middlewares HTTP (chi).
type Middleware func(http.Handler) http.Handler

// Checker resuelve el estado en el request. session.Service lo implementa.
type Checker interface {
	GetAuthWithCache(ctx context.Context) session.AuthResult
}

// RequireAuth aplica la decisión del guard a paneles renderizados en server.
// GET/HEAD sin sesión redirigen al login con next; el resto responde 401 JSON.
// Un fallo transitorio responde 503 sin tocar la sesión.
func RequireAuth(c Checker, loginPath string, roles types.RoleSet) Middleware {
	if loginPath == "" {
		loginPath = "/login"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := c.GetAuthWithCache(r.Context())
			switch v := res.(type) {
			case session.AuthSuccess:
				if roles.Allows(v.User.Role) {
					u := v.User
					next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), &u)))
					return
				}
				httperr.Write(w, httperr.ErrForbidden.WithDetail("role not allowed: "+string(v.User.Role)))
				return
			case session.AuthFailure:
				if v.Transient() {
					logger.From(r.Context()).Warn("auth check unavailable", logger.Layer("policy"), logger.Err(v))
					httperr.Write(w, httperr.ErrServiceUnavailable)
					return
				}
			}
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				http.Redirect(w, r, LoginLocation(loginPath, r.URL.RequestURI()), http.StatusFound)
				return
			}
			httperr.Write(w, httperr.ErrUnauthorized)
		})
	}
}

type userCtxKey struct{}

// WithUser guarda el usuario autenticado en el contexto.
func WithUser(ctx context.Context, u *types.UserProfile) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFrom retorna el usuario puesto por RequireAuth.
func UserFrom(ctx context.Context) *types.UserProfile {
	u, _ := ctx.Value(userCtxKey{}).(*types.UserProfile)
	return u
}
