package authmock

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dropDatabas3/campusauth/internal/httperr"
	"github.com/dropDatabas3/campusauth/internal/metrics"
	"github.com/dropDatabas3/campusauth/internal/observability/logger"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodySize = 64 * 1024

// Middleware envuelve un handler.
type Middleware func(http.Handler) http.Handler

// RouterOptions configura el router.
type RouterOptions struct {
	// Gatherer para /metrics. nil => sin endpoint.
	Gatherer prometheus.Gatherer
	// Base path de la API. Default: /api/auth.
	BasePath string
}

// Router monta los endpoints de auth sobre chi.
func (s *Server) Router(opts RouterOptions) http.Handler {
	if opts.BasePath == "" {
		opts.BasePath = "/api/auth"
	}
	c := &controller{srv: s}

	r := chi.NewRouter()
	r.Use(withRecover(), withRequestLog())

	r.Route(opts.BasePath, func(r chi.Router) {
		r.Use(withNoStore())
		r.Post("/login", c.Login)
		r.Post("/refresh", c.Refresh)
		r.Post("/logout", c.Logout)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ─── controllers ───

type controller struct {
	srv *Server
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Login maneja POST /login
func (c *controller) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(
		logger.Layer("controller"),
		logger.Component("authmock"),
		logger.Op("Login"),
	)

	// 1. Parse request
	var req loginRequest
	if err := readJSON(w, r, &req); err != nil {
		log.Debug("invalid request body", logger.Err(err))
		httperr.Write(w, httperr.ErrInvalidJSON.WithCause(err))
		return
	}

	// 2. Validar campos requeridos
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		httperr.Write(w, httperr.ErrBadRequest.WithDetail("email and password are required"))
		return
	}

	// 3. Rate limit por email
	if l := c.srv.cfg.LoginLimiter; l != nil {
		res, err := l.Allow(ctx, "login:"+normEmail(req.Email))
		if err != nil {
			// Sin limiter no bloqueamos el login.
			log.Warn("rate limiter failed", logger.Err(err))
		} else if !res.Allowed {
			log.Info("login rate limited", logger.Email(req.Email))
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Round(time.Second).Seconds())))
			httperr.Write(w, httperr.ErrTooManyRequests)
			return
		}
	}

	// 4. Llamar al servicio
	out, err := c.srv.Login(ctx, req.Email, req.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	// 5. Responder
	log.Info("login ok", logger.UserID(out.User.ID), logger.Role(string(out.User.Role)))
	writeJSON(w, http.StatusOK, out)
}

// Refresh maneja POST /refresh
func (c *controller) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(
		logger.Layer("controller"),
		logger.Component("authmock"),
		logger.Op("Refresh"),
	)

	// 1. Parse request
	var req refreshRequest
	if err := readJSON(w, r, &req); err != nil {
		httperr.Write(w, httperr.ErrInvalidJSON.WithCause(err))
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		httperr.Write(w, httperr.ErrBadRequest.WithDetail("refreshToken is required"))
		return
	}

	// 2. Rotar
	out, err := c.srv.Refresh(ctx, req.RefreshToken)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	log.Debug("refresh ok", logger.UserID(out.User.ID))
	writeJSON(w, http.StatusOK, out)
}

// Logout maneja POST /logout. Siempre 204: revocar un token desconocido no es error.
func (c *controller) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req refreshRequest
	if r.ContentLength != 0 {
		// Body opcional; si está roto igual respondemos 204.
		_ = readJSON(w, r, &req)
	}
	c.srv.Logout(ctx, req.RefreshToken)

	logger.From(ctx).Debug("logout",
		logger.Layer("controller"),
		logger.Op("Logout"),
		logger.Bool("bearer", strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ")),
	)
	w.WriteHeader(http.StatusNoContent)
}

// writeAuthError mapea errores del servicio a AppError.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		httperr.Write(w, httperr.ErrInvalidCredentials)
	case errors.Is(err, ErrInvalidRefreshToken):
		httperr.Write(w, httperr.ErrInvalidRefreshToken)
	case errors.Is(err, ErrUserDisabled):
		httperr.Write(w, httperr.ErrForbidden.WithDetail("user disabled"))
	default:
		httperr.Write(w, httperr.ErrInternal.WithCause(err))
	}
}

// ─── helpers ───

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if ct != "" && !strings.Contains(ct, "application/json") {
		return errors.New("Content-Type debe ser application/json")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ─── middlewares ───

// withNoStore agrega Cache-Control: no-store. Las respuestas llevan tokens.
func withNoStore() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Pragma", "no-cache")
			next.ServeHTTP(w, r)
		})
	}
}

// withRecover captura panics y devuelve un 500 en lugar de crashear.
func withRecover() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.From(r.Context()).Error("panic recovered",
						logger.Op("recover"),
						zap.Any("panic", rec),
					)
					httperr.Write(w, httperr.ErrInternal.WithDetail("panic recovered"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withRequestLog asigna request id, inyecta el logger en el contexto y cuenta
// el request por ruta y status.
func withRequestLog() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := r.Header.Get("X-Request-ID")
			if rid == "" {
				rid = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", rid)

			log := logger.L().With(zap.String("request_id", rid))
			r = r.WithContext(logger.ToContext(r.Context(), log))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			metrics.MockRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			log.Debug("request",
				logger.String("method", r.Method),
				logger.String("route", route),
				zap.Int("status", rec.status),
				logger.Duration(time.Since(start)),
			)
		})
	}
}
