package policy

import (
	"context"
	"sync"
	"time"

	"github.com/dropDatabas3/campusauth/internal/clock"
	"github.com/dropDatabas3/campusauth/internal/observability/logger"
)

// InactivityOptions configura el logout por inactividad.
type InactivityOptions struct {
	// Timeout de inactividad hasta el logout. Default 30m.
	Timeout time.Duration
	// WarnBefore cuánto antes del logout se avisa. 0 = sin aviso.
	WarnBefore time.Duration
	// CheckEvery período del chequeo. Default 15s.
	CheckEvery time.Duration
	Scheduler  clock.Scheduler
	Clock      clock.Clock
}

// WarningNotice se muestra WarnBefore antes del logout.
var WarningNotice = Notice{Level: LevelInfo, Title: "Tu sesión está por expirar", Description: "Por inactividad se cerrará tu sesión en breve."}

// TimerState es el estado del tracker. Solo vive entre Start y Stop.
// Sin sesión el contador queda en cero: LastActivity sigue al reloj.
type TimerState struct {
	LastActivity time.Time
	WarningShown bool
}

// InactivityTracker cierra la sesión (variante expired) tras un período sin
// actividad. Cada Touch reinicia el contador. La tarea sobrevive a los
// logouts: después de un nuevo login vuelve a contar.
type InactivityTracker struct {
	p    *Policy
	opts InactivityOptions

	mu    sync.Mutex
	state *TimerState
	task  clock.Task
}

// TrackInactivity crea un tracker sobre la política. No arranca hasta Start.
func (p *Policy) TrackInactivity(opts InactivityOptions) *InactivityTracker {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.WarnBefore >= opts.Timeout {
		opts.WarnBefore = 0
	}
	if opts.CheckEvery <= 0 {
		opts.CheckEvery = 15 * time.Second
	}
	if opts.Scheduler == nil {
		opts.Scheduler = clock.NewScheduler()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	return &InactivityTracker{p: p, opts: opts}
}

// Start arranca el seguimiento. Idempotente.
func (t *InactivityTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.task != nil {
		return
	}
	t.state = &TimerState{LastActivity: t.opts.Clock()}
	var task clock.Task
	task = t.opts.Scheduler.Every(t.opts.CheckEvery, func() { t.check(task) })
	t.task = task
}

// Stop detiene el seguimiento y descarta el estado.
func (t *InactivityTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.task != nil {
		t.task.Stop()
		t.task = nil
	}
	t.state = nil
}

// Touch registra actividad del usuario.
func (t *InactivityTracker) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return
	}
	t.state.LastActivity = t.opts.Clock()
	t.state.WarningShown = false
}

// State retorna una copia del estado, o nil si no está corriendo.
func (t *InactivityTracker) State() *TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return nil
	}
	cp := *t.state
	return &cp
}

func (t *InactivityTracker) check(task clock.Task) {
	ctx := context.Background()
	// Fuera del lock: el store puede ser remoto.
	active := t.p.hasSession(ctx)

	t.mu.Lock()
	if t.task != task || t.state == nil {
		t.mu.Unlock()
		return
	}
	now := t.opts.Clock()
	if !active {
		t.state.LastActivity = now
		t.state.WarningShown = false
		t.mu.Unlock()
		return
	}
	idle := now.Sub(t.state.LastActivity)

	if idle >= t.opts.Timeout {
		t.state.LastActivity = now
		t.state.WarningShown = false
		t.mu.Unlock()
		logger.From(ctx).Info("logging out after inactivity", logger.Layer("policy"), logger.Duration(idle))
		if _, err := t.p.Logout(ctx, LogoutRequest{Variant: VariantExpired}); err != nil {
			logger.From(ctx).Warn("inactivity logout failed", logger.Layer("policy"), logger.Err(err))
		}
		return
	}

	warn := t.opts.WarnBefore > 0 && idle >= t.opts.Timeout-t.opts.WarnBefore && !t.state.WarningShown
	if warn {
		t.state.WarningShown = true
	}
	t.mu.Unlock()

	if warn {
		t.p.opts.Notifier.Notify(ctx, WarningNotice)
	}
}
