// Package session es el Token Lifecycle Service: resuelve el estado de
// autenticación con cache, refresca tokens (a lo sumo un refresh en vuelo),
// mantiene el auto-refresh y es el único que escribe en el Credential Store.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dropDatabas3/campusauth/internal/authapi"
	"github.com/dropDatabas3/campusauth/internal/cache"
	"github.com/dropDatabas3/campusauth/internal/clock"
	"github.com/dropDatabas3/campusauth/internal/domain/types"
	"github.com/dropDatabas3/campusauth/internal/events"
	"github.com/dropDatabas3/campusauth/internal/metrics"
	"github.com/dropDatabas3/campusauth/internal/observability/logger"
	"github.com/dropDatabas3/campusauth/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrInvalidCredentials el backend rechazó email/contraseña.
	ErrInvalidCredentials = errors.New("session: invalid credentials")
	// ErrRoleNotAllowed el usuario no tiene un rol aceptado por este panel.
	ErrRoleNotAllowed = errors.New("session: role not allowed")
	// ErrInvalidInput token o usuario vacíos.
	ErrInvalidInput = errors.New("session: token and user are required")
)

// Config del servicio.
type Config struct {
	// Panel nombre para logs ("admin", "user").
	Panel string
	// Freshness ventana del Auth Cache. Default 3m.
	Freshness time.Duration
	// RefreshInterval período del auto-refresh. Default 2m.
	RefreshInterval time.Duration
	// RefreshLeeway el auto-refresh renueva si faltan menos de esto para el vencimiento. Default 5m.
	RefreshLeeway time.Duration
	// TokenTTL vida asumida para tokens opacos (sin claim exp), contada desde
	// IssuedAt. 0 = los tokens opacos no vencen localmente.
	TokenTTL time.Duration
	// LogoutTimeout límite para la llamada best-effort a /logout. Default 5s.
	LogoutTimeout time.Duration
}

// Defaults completa los campos vacíos.
func (c Config) Defaults() Config {
	if c.Freshness == 0 {
		c.Freshness = 3 * time.Minute
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 2 * time.Minute
	}
	if c.RefreshLeeway <= 0 {
		c.RefreshLeeway = 5 * time.Minute
	}
	if c.LogoutTimeout <= 0 {
		c.LogoutTimeout = 5 * time.Second
	}
	return c
}

// Deps del servicio. Store y API son obligatorios.
type Deps struct {
	Store     *store.Store
	Cache     *cache.AuthCache
	API       authapi.Client
	Bus       *events.Bus
	Scheduler clock.Scheduler
	Clock     clock.Clock
	Roles     types.RoleSet
	Config    Config
	// InstanceID identifica esta instancia (pestaña) en eventos. Default: uuid.
	InstanceID string
}

// ExpiredHandler se invoca una vez por sesión vencida (refresh rechazado o
// vencida sin refresh token), después de limpiar las credenciales.
type ExpiredHandler func(ctx context.Context, reason Reason)

// Service es el Token Lifecycle Service de una instancia de panel.
type Service struct {
	store *store.Store
	cache *cache.AuthCache
	api   authapi.Client
	bus   *events.Bus
	sched clock.Scheduler
	now   clock.Clock
	roles types.RoleSet
	cfg   Config
	id    string
	log   *zap.Logger

	sf singleflight.Group

	// writeMu serializa escrituras al store; gen cambia en cada SetTokens /
	// ClearTokens para que un refresh iniciado antes no pise el resultado.
	writeMu sync.Mutex
	gen     uint64

	autoMu  sync.Mutex
	auto    clock.Task
	autoSeq uint64
	autoID  uint64

	hookMu  sync.Mutex
	hookSeq int
	hooks   map[int]ExpiredHandler
}

// New construye el servicio.
func New(d Deps) (*Service, error) {
	if d.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if d.API == nil {
		return nil, errors.New("session: auth api client is required")
	}
	cfg := d.Config.Defaults()
	if d.Clock == nil {
		d.Clock = clock.System
	}
	if d.Scheduler == nil {
		d.Scheduler = clock.NewScheduler()
	}
	if d.Cache == nil {
		d.Cache = cache.New(cfg.Freshness, d.Clock)
	}
	if d.Bus == nil {
		d.Bus = events.NewBus()
	}
	if d.InstanceID == "" {
		d.InstanceID = uuid.NewString()
	}
	return &Service{
		store: d.Store,
		cache: d.Cache,
		api:   d.API,
		bus:   d.Bus,
		sched: d.Scheduler,
		now:   d.Clock,
		roles: d.Roles,
		cfg:   cfg,
		id:    d.InstanceID,
		log: logger.L().With(logger.Layer("session"), logger.Panel(cfg.Panel),
			logger.InstanceID(d.InstanceID)),
		hooks: make(map[int]ExpiredHandler),
	}, nil
}

// InstanceID retorna el id de esta instancia.
func (s *Service) InstanceID() string { return s.id }

// Cache retorna el Auth Cache del servicio.
func (s *Service) Cache() *cache.AuthCache { return s.cache }

// Store retorna el Credential Store.
func (s *Service) Store() *store.Store { return s.store }

// Bus retorna el bus de eventos.
func (s *Service) Bus() *events.Bus { return s.bus }

// Roles retorna los roles aceptados.
func (s *Service) Roles() types.RoleSet { return s.roles }

// GetAuthWithCache resuelve el estado de autenticación. Dentro de la ventana de
// frescura responde desde memoria; si no, lee el store y, si el access token
// venció, intenta un único refresh compartido entre llamadas concurrentes.
//
// Los fallos transitorios (store o red caídos) no se cachean ni borran tokens.
func (s *Service) GetAuthWithCache(ctx context.Context) AuthResult {
	if e, ok := s.cache.Get(); ok {
		res := fromEntry(e)
		observe(res)
		return res
	}

	res := s.resolve(ctx)
	observe(res)
	return res
}

// resolve lee el store y refresca si corresponde. El resultado se cachea solo
// si nadie invalidó el cache durante la lectura; el refresh cachea el suyo.
func (s *Service) resolve(ctx context.Context) AuthResult {
	gen := s.cache.Gen()
	rec, err := s.store.Read(ctx)
	if err != nil {
		s.op(ctx, "GetAuthWithCache").Warn("credential store unavailable", logger.Err(err))
		return AuthFailure{Reason: ReasonUnavailable, Source: types.SourceStorage, Err: err, CheckedAt: s.now()}
	}
	if rec == nil {
		return s.remember(gen, AuthFailure{Reason: ReasonNoToken, Source: types.SourceStorage, CheckedAt: s.now()})
	}
	if !s.expired(rec) {
		return s.remember(gen, AuthSuccess{User: rec.User, Source: types.SourceStorage, CheckedAt: s.now()})
	}
	return s.refreshShared(ctx, 0)
}

// remember cachea res si no es transitorio y el cache sigue en gen.
func (s *Service) remember(gen uint64, res AuthResult) AuthResult {
	if f, ok := res.(AuthFailure); ok && f.Transient() {
		return res
	}
	s.cache.SetIf(gen, toEntry(res))
	return res
}

// IsTokenExpired indica si el access token guardado venció. Sin credenciales
// se considera vencido. Nunca llama a la red.
func (s *Service) IsTokenExpired(ctx context.Context) bool {
	rec, reason, err := s.store.Peek(ctx)
	if err != nil {
		s.op(ctx, "IsTokenExpired").Warn("credential store unavailable", logger.Err(err))
		return true
	}
	if rec == nil || reason != "" {
		return true
	}
	return s.expired(rec)
}

// SetTokens valida y persiste una sesión nueva. Retorna false sin escribir
// nada si token o user son inválidos, o si el rol no está permitido.
// El Auth Cache queda invalidado antes de retornar.
func (s *Service) SetTokens(ctx context.Context, token string, user types.UserProfile, refreshToken string) bool {
	return s.setTokens(ctx, token, user, refreshToken, "")
}

// setTokens con src != "" deja cacheado el éxito dentro del mismo lock que la
// escritura, así un ClearTokens posterior siempre gana.
func (s *Service) setTokens(ctx context.Context, token string, user types.UserProfile, refreshToken string, src types.Source) bool {
	log := s.op(ctx, "SetTokens")
	token = strings.TrimSpace(token)
	user.Role = types.ParseRole(string(user.Role))
	if token == "" || !user.Valid() {
		log.Warn("rejecting incomplete session", logger.Bool("has_token", token != ""), logger.Bool("user_valid", user.Valid()))
		return false
	}
	if !s.roles.Allows(user.Role) {
		log.Warn("rejecting session for role", logger.Role(string(user.Role)))
		return false
	}

	s.writeMu.Lock()
	err := s.writeLocked(ctx, types.CredentialRecord{
		AccessToken:  token,
		RefreshToken: strings.TrimSpace(refreshToken),
		User:         user,
	})
	if err == nil && src != "" {
		s.cache.Set(toEntry(AuthSuccess{User: user, Source: src, CheckedAt: s.now()}))
	}
	s.writeMu.Unlock()
	if err != nil {
		log.Error("could not persist session", logger.Err(err))
		return false
	}

	log.Info("session stored", logger.UserID(user.ID), logger.Role(string(user.Role)), logger.Fingerprint(token))
	s.publish(ctx, true, &user)
	return true
}

// writeLocked requiere writeMu.
func (s *Service) writeLocked(ctx context.Context, rec types.CredentialRecord) error {
	s.gen++
	s.cache.Invalidate()
	return s.store.Write(ctx, rec)
}

// ClearTokens borra las credenciales e invalida el Auth Cache. Llamarlo sin
// sesión es un no-op.
func (s *Service) ClearTokens(ctx context.Context) error {
	s.writeMu.Lock()
	removed, err := s.clearLocked(ctx)
	s.writeMu.Unlock()
	if err != nil {
		s.op(ctx, "ClearTokens").Error("could not clear credentials", logger.Err(err))
		return err
	}
	if removed {
		s.publish(ctx, false, nil)
	}
	return nil
}

// clearLocked requiere writeMu.
func (s *Service) clearLocked(ctx context.Context) (bool, error) {
	s.gen++
	s.cache.Invalidate()
	return s.store.Clear(ctx)
}

// Login autentica contra el backend y guarda la sesión.
func (s *Service) Login(ctx context.Context, email, password string) AuthResult {
	log := s.op(ctx, "Login")
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return AuthFailure{Reason: ReasonInvalidCredentials, Source: types.SourceNetwork, Err: ErrInvalidCredentials, CheckedAt: s.now()}
	}

	resp, err := s.api.Login(ctx, email, password)
	switch {
	case errors.Is(err, authapi.ErrRejected):
		log.Info("login rejected", logger.Email(email), logger.Err(err))
		return AuthFailure{Reason: ReasonInvalidCredentials, Source: types.SourceNetwork, Err: ErrInvalidCredentials, CheckedAt: s.now()}
	case err != nil:
		log.Warn("login unavailable", logger.Err(err))
		return AuthFailure{Reason: ReasonUnavailable, Source: types.SourceNetwork, Err: err, CheckedAt: s.now()}
	}

	if !s.roles.Allows(types.ParseRole(string(resp.User.Role))) {
		log.Info("login role not allowed for panel", logger.Role(string(resp.User.Role)))
		return AuthFailure{Reason: ReasonRoleNotAllowed, Source: types.SourceNetwork, Err: ErrRoleNotAllowed, CheckedAt: s.now()}
	}
	if !s.setTokens(ctx, resp.Token, resp.User, resp.RefreshToken, types.SourceNetwork) {
		return AuthFailure{Reason: ReasonUnavailable, Source: types.SourceStorage, Err: store.ErrUnavailable, CheckedAt: s.now()}
	}

	user := resp.User
	user.Role = types.ParseRole(string(user.Role))
	return AuthSuccess{User: user, Source: types.SourceNetwork, CheckedAt: s.now()}
}

// Logout borra la sesión local y, si callBackend, avisa al backend. El aviso
// es best-effort: si falla se loguea y la limpieza local ya está hecha.
func (s *Service) Logout(ctx context.Context, callBackend bool) error {
	log := s.op(ctx, "Logout")
	rec, _, perr := s.store.Peek(ctx)
	if perr != nil {
		log.Warn("could not read credentials before logout", logger.Err(perr))
	}

	if err := s.ClearTokens(ctx); err != nil {
		return err
	}

	if callBackend && rec != nil {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LogoutTimeout)
		defer cancel()
		if err := s.api.Logout(bctx, rec.AccessToken, rec.RefreshToken); err != nil {
			// Log but don't fail
			log.Warn("backend logout failed", logger.Err(err), logger.Fingerprint(rec.AccessToken))
		}
	}
	return nil
}

// OnSessionExpired registra h para las sesiones vencidas. Cada rechazo de
// refresh dispara cada handler exactamente una vez.
func (s *Service) OnSessionExpired(h ExpiredHandler) events.Subscription {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hookSeq++
	id := s.hookSeq
	s.hooks[id] = h
	return &hookSub{fn: func() {
		s.hookMu.Lock()
		defer s.hookMu.Unlock()
		delete(s.hooks, id)
	}}
}

type hookSub struct {
	once sync.Once
	fn   func()
}

func (h *hookSub) Unsubscribe() { h.once.Do(h.fn) }

func (s *Service) fireExpired(ctx context.Context, reason Reason) {
	s.hookMu.Lock()
	hs := make([]ExpiredHandler, 0, len(s.hooks))
	for i := 1; i <= s.hookSeq; i++ {
		if h, ok := s.hooks[i]; ok {
			hs = append(hs, h)
		}
	}
	s.hookMu.Unlock()
	for _, h := range hs {
		h(ctx, reason)
	}
}

// Close detiene el auto-refresh y suelta los hooks. El store lo cierra quien lo creó.
func (s *Service) Close() {
	s.StopAutoRefresh()
	s.hookMu.Lock()
	s.hooks = make(map[int]ExpiredHandler)
	s.hookMu.Unlock()
}

func (s *Service) publish(ctx context.Context, authenticated bool, user *types.UserProfile) {
	ev := events.AuthState{IsAuthenticated: authenticated, Timestamp: s.now(), Origin: s.id}
	if user != nil {
		u := *user
		ev.User = &u
	}
	s.bus.Publish(ctx, events.AuthStateChanged, ev)
}

func (s *Service) op(ctx context.Context, op string) *zap.Logger {
	return logger.From(ctx).With(logger.Layer("session"), logger.Op(op))
}

// background es el contexto de las tareas programadas.
func (s *Service) background() context.Context {
	return logger.ToContext(context.Background(), s.log)
}

func observe(res AuthResult) {
	switch v := res.(type) {
	case AuthSuccess:
		metrics.AuthChecks.WithLabelValues(string(v.Source), "success").Inc()
	case AuthFailure:
		metrics.AuthChecks.WithLabelValues(string(v.Source), string(v.Reason)).Inc()
	}
}
