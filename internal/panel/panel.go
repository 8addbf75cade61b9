// Package panel arma una instancia de panel (admin o user): backend de
// credenciales, Token Lifecycle Service, sincronizador y política de sesión,
// todo a partir de config.Config. Cada Panel equivale a una pestaña.
package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dropDatabas3/campusauth/internal/authapi"
	"github.com/dropDatabas3/campusauth/internal/clock"
	"github.com/dropDatabas3/campusauth/internal/config"
	"github.com/dropDatabas3/campusauth/internal/domain/types"
	"github.com/dropDatabas3/campusauth/internal/events"
	"github.com/dropDatabas3/campusauth/internal/observability/logger"
	"github.com/dropDatabas3/campusauth/internal/policy"
	"github.com/dropDatabas3/campusauth/internal/session"
	"github.com/dropDatabas3/campusauth/internal/store"
	"github.com/dropDatabas3/campusauth/internal/tabsync"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	// Registrar todos los drivers de credenciales (memory, fs, redis)
	_ "github.com/dropDatabas3/campusauth/internal/store/adapters/dal"
)

// Options permite reemplazar piezas armadas desde la config (tests, CLI).
type Options struct {
	// Backend si no es nil reemplaza al driver de cfg.Storage.
	Backend store.Backend
	// API si no es nil reemplaza al cliente HTTP de cfg.API.
	API authapi.Client
	// Bus compartido entre panels del mismo proceso. nil => uno propio.
	Bus *events.Bus
	// NATS si no es nil se usa en lugar de discar cfg.Events.NATS.URL.
	NATS events.Publisher

	Scheduler clock.Scheduler
	Clock     clock.Clock

	Notifier  policy.Notifier
	Navigator policy.Navigator
	Confirmer policy.Confirmer

	InstanceID string
}

// Panel es una instancia de panel lista para usar.
type Panel struct {
	cfg   *config.Config
	id    string
	roles types.RoleSet
	log   *zap.Logger

	store   *store.Store
	svc     *session.Service
	sync    *tabsync.Synchronizer
	policy  *policy.Policy
	guard   *policy.Guard
	idle    *policy.InactivityTracker
	bridge  *events.NATSBridge
	natsCon *nats.Conn

	mu      sync.Mutex
	started bool
	closed  bool
}

// Open arma el panel. No arranca timers ni watchers hasta Start.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Panel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	if opts.Scheduler == nil {
		opts.Scheduler = clock.NewScheduler()
	}

	log := logger.L().With(logger.Panel(cfg.Panel.Name), logger.InstanceID(opts.InstanceID))
	ctx = logger.ToContext(ctx, log)
	roles := types.ParseRoleSet(cfg.Panel.Roles)

	// 1. Backend de credenciales
	backend := opts.Backend
	if backend == nil {
		b, err := store.OpenBackend(ctx, store.BackendConfig{
			Driver:        cfg.Storage.Driver,
			Namespace:     cfg.Storage.Namespace,
			Dir:           cfg.Storage.Dir,
			EncryptionKey: cfg.Storage.EncryptionKey,
			RedisAddr:     cfg.Storage.Redis.Addr,
			RedisPassword: cfg.Storage.Redis.Password,
			RedisDB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("panel: open %s backend: %w", cfg.Storage.Driver, err)
		}
		backend = b
	}

	st := store.New(backend, store.Options{
		Keys:       store.DefaultKeys(cfg.Panel.KeyPrefix),
		Roles:      roles,
		SessionTTL: config.Dur(cfg.Storage.SessionLayerTTL, 0),
		Clock:      opts.Clock,
	})

	// 2. Cliente del Auth API
	api := opts.API
	if api == nil {
		api = authapi.New(cfg.API.BaseURL, config.Dur(cfg.API.Timeout, 0))
	}

	// 3. Token Lifecycle Service
	scfg := session.Config{
		Panel:           cfg.Panel.Name,
		Freshness:       config.Dur(cfg.Session.Freshness, 0),
		RefreshInterval: config.Dur(cfg.Session.RefreshInterval, 0),
		RefreshLeeway:   config.Dur(cfg.Session.RefreshLeeway, 0),
		TokenTTL:        config.Dur(cfg.Session.TokenTTL, 0),
		LogoutTimeout:   config.Dur(cfg.Session.LogoutTimeout, 0),
	}
	svc, err := session.New(session.Deps{
		Store:      st,
		API:        api,
		Bus:        opts.Bus,
		Scheduler:  opts.Scheduler,
		Clock:      opts.Clock,
		Roles:      roles,
		Config:     scfg,
		InstanceID: opts.InstanceID,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	// 4. Sincronizador y política
	p := &Panel{
		cfg:   cfg,
		id:    opts.InstanceID,
		roles: roles,
		log:   log,
		store: st,
		svc:   svc,
		sync: tabsync.New(svc, tabsync.Options{
			Coalesce:  config.Dur(cfg.Session.CoalesceWindow, 0),
			Scheduler: opts.Scheduler,
			Clock:     opts.Clock,
		}),
		policy: policy.New(svc, policy.Options{
			Notifier:      opts.Notifier,
			Navigator:     opts.Navigator,
			Confirmer:     opts.Confirmer,
			LoginPath:     cfg.Panel.LoginPath,
			ConfirmManual: cfg.Panel.ConfirmLogout,
		}),
	}
	p.guard = policy.NewGuard(p.sync, cfg.Panel.LoginPath, roles)

	if cfg.Session.Inactivity.Enabled {
		p.idle = p.policy.TrackInactivity(policy.InactivityOptions{
			Timeout:    config.Dur(cfg.Session.Inactivity.Timeout, 0),
			WarnBefore: config.Dur(cfg.Session.Inactivity.WarnBefore, 0),
			Scheduler:  opts.Scheduler,
			Clock:      opts.Clock,
		})
	}

	// 5. Bridge NATS (opcional)
	conn := opts.NATS
	if conn == nil && cfg.Events.NATS.URL != "" {
		nc, err := events.DialNATS(cfg.Events.NATS.URL, "campusauth-"+cfg.Panel.Name)
		if err != nil {
			p.closeParts()
			return nil, fmt.Errorf("panel: nats: %w", err)
		}
		p.natsCon = nc
		conn = nc
	}
	if conn != nil {
		p.bridge = events.NewNATSBridge(svc.Bus(), conn, cfg.Events.NATS.Subject, opts.InstanceID)
	}

	log.Debug("panel opened", logger.String("driver", backend.Name()))
	return p, nil
}

// Start arranca sincronizador, auto-refresh, inactividad y bridge.
func (p *Panel) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("panel: closed")
	}
	if p.started {
		return nil
	}
	ctx = logger.ToContext(ctx, p.log)

	if p.bridge != nil {
		if err := p.bridge.Start(ctx); err != nil {
			return err
		}
	}
	if err := p.sync.Start(ctx); err != nil {
		return err
	}
	if !p.cfg.Session.DisableAutoRefresh {
		p.svc.StartAutoRefresh()
	}
	if p.idle != nil {
		p.idle.Start()
	}
	p.started = true
	return nil
}

// Close detiene todo y cierra el backend. Idempotente.
func (p *Panel) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.closeParts()
}

func (p *Panel) closeParts() error {
	if p.idle != nil {
		p.idle.Stop()
	}
	if p.bridge != nil {
		p.bridge.Stop()
	}
	p.sync.Stop()
	p.policy.Close()
	p.svc.Close()
	if p.natsCon != nil {
		p.natsCon.Close()
	}
	return p.store.Close()
}

// Name del panel ("admin" | "user").
func (p *Panel) Name() string { return p.cfg.Panel.Name }

// InstanceID de esta instancia.
func (p *Panel) InstanceID() string { return p.id }

// Session retorna el Token Lifecycle Service.
func (p *Panel) Session() *session.Service { return p.svc }

// Sync retorna el sincronizador entre instancias.
func (p *Panel) Sync() *tabsync.Synchronizer { return p.sync }

func (p *Panel) Policy() *policy.Policy { return p.policy }

func (p *Panel) Guard() *policy.Guard { return p.guard }

func (p *Panel) Store() *store.Store { return p.store }

func (p *Panel) Config() *config.Config { return p.cfg }

// Inactivity es nil si session.inactivity.enabled es false.
func (p *Panel) Inactivity() *policy.InactivityTracker { return p.idle }

// Context retorna ctx con el logger del panel.
func (p *Panel) Context(ctx context.Context) context.Context {
	return logger.ToContext(ctx, p.log)
}

// Login autentica contra el backend y guarda la sesión.
func (p *Panel) Login(ctx context.Context, email, password string) session.AuthResult {
	res := p.svc.Login(p.Context(ctx), email, password)
	if res.Authenticated() && p.idle != nil {
		p.idle.Touch()
	}
	return res
}

// IsAuthenticated indica si hay una sesión válida para este panel.
func (p *Panel) IsAuthenticated(ctx context.Context) bool {
	return p.svc.GetAuthWithCache(p.Context(ctx)).Authenticated()
}

// IsAdminAuthenticated es IsAuthenticated con rol admin.
func (p *Panel) IsAdminAuthenticated(ctx context.Context) bool {
	u, ok := session.UserOf(p.svc.GetAuthWithCache(p.Context(ctx)))
	return ok && u.Role == types.RoleAdmin
}

// CurrentUser retorna el usuario autenticado, si hay.
func (p *Panel) CurrentUser(ctx context.Context) (types.UserProfile, bool) {
	return session.UserOf(p.svc.GetAuthWithCache(p.Context(ctx)))
}

// Logout ejecuta una variante de logout sin confirmación.
func (p *Panel) Logout(ctx context.Context, variant policy.Variant) error {
	_, err := p.policy.Logout(p.Context(ctx), policy.LogoutRequest{Variant: variant, SkipConfirm: true})
	return err
}

// LogoutAdmin es el logout del panel admin: acepta la variante como string
// ("manual", "silent", "forced", "expired"). done=false si el usuario canceló.
func (p *Panel) LogoutAdmin(ctx context.Context, variant string) (done bool, err error) {
	v, err := policy.ParseVariant(variant)
	if err != nil {
		return false, err
	}
	return p.policy.Logout(p.Context(ctx), policy.LogoutRequest{Variant: v})
}

// Touch registra actividad del usuario (reinicia el timer de inactividad).
func (p *Panel) Touch() {
	if p.idle != nil {
		p.idle.Touch()
	}
}

// Health combina el HealthCheck del servicio con el estado del sincronizador.
type Health struct {
	session.Health
	SyncStatus string `json:"syncStatus"`
}

// HealthCheck no tiene side effects.
func (p *Panel) HealthCheck(ctx context.Context) Health {
	return Health{
		Health:     p.svc.HealthCheck(p.Context(ctx)),
		SyncStatus: p.sync.State().Status.String(),
	}
}
