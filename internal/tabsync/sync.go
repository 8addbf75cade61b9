// Package tabsync mantiene alineado el estado de autenticación entre
// instancias del panel que comparten el mismo Credential Store.
//
// Escucha dos canales: los cambios del store hechos por otras instancias y el
// bus in-process (auth-state-changed). Una remoción de credenciales desloguea
// de inmediato sin tocar la red; cualquier otro cambio se revalida a través de
// session.Service.GetAuthWithCache, coalesciendo ráfagas.
package tabsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dropDatabas3/campusauth/internal/clock"
	"github.com/dropDatabas3/campusauth/internal/events"
	"github.com/dropDatabas3/campusauth/internal/metrics"
	"github.com/dropDatabas3/campusauth/internal/observability/logger"
	"github.com/dropDatabas3/campusauth/internal/session"
	"github.com/dropDatabas3/campusauth/internal/store"
	"go.uber.org/zap"
)

// ErrAlreadyStarted Start llamado dos veces sin Stop.
var ErrAlreadyStarted = errors.New("tabsync: already started")

// Listener recibe cada transición de estado.
type Listener func(State)

// Options del sincronizador.
type Options struct {
	// Coalesce ventana para agrupar ráfagas de eventos. Default 100ms.
	Coalesce  time.Duration
	Scheduler clock.Scheduler
	Clock     clock.Clock
}

// Synchronizer es el Cross-Context Synchronizer de una instancia.
type Synchronizer struct {
	svc      *session.Service
	keys     store.Keys
	sched    clock.Scheduler
	now      clock.Clock
	coalesce time.Duration
	log      *zap.Logger

	mu        sync.Mutex
	state     State
	seq       int
	listeners map[int]Listener
	pending   clock.Task

	runMu  sync.Mutex
	cancel context.CancelFunc
	busSub events.Subscription
	done   chan struct{}
}

// New crea el sincronizador para svc.
func New(svc *session.Service, opts Options) *Synchronizer {
	if opts.Coalesce <= 0 {
		opts.Coalesce = 100 * time.Millisecond
	}
	if opts.Scheduler == nil {
		opts.Scheduler = clock.NewScheduler()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	return &Synchronizer{
		svc:       svc,
		keys:      svc.Store().Keys(),
		sched:     opts.Scheduler,
		now:       opts.Clock,
		coalesce:  opts.Coalesce,
		log:       logger.L().With(logger.Layer("tabsync"), logger.InstanceID(svc.InstanceID())),
		listeners: make(map[int]Listener),
	}
}

// State retorna el estado actual.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registra l para las transiciones siguientes.
func (s *Synchronizer) Subscribe(l Listener) events.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := s.seq
	s.listeners[id] = l
	return &listenerSub{fn: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}}
}

type listenerSub struct {
	once sync.Once
	fn   func()
}

func (l *listenerSub) Unsubscribe() { l.once.Do(l.fn) }

// Start se suscribe al store y al bus, y resuelve el estado inicial.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	wctx, cancel := context.WithCancel(ctx)
	changes, err := s.svc.Store().Watch(wctx)
	if err != nil {
		cancel()
		return err
	}
	// El goroutine cierra su propio done: Stop puede limpiar s.done antes de
	// que arranque.
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.busSub = s.svc.Bus().Subscribe(events.AuthStateChanged, s.handleBusEvent)

	go func() {
		defer close(done)
		for c := range changes {
			s.HandleStorageChange(wctx, c)
		}
	}()

	s.setState(State{Status: StatusChecking})
	s.Revalidate(ctx)
	return nil
}

// Stop desuscribe todo y cancela la revalidación pendiente. Idempotente.
func (s *Synchronizer) Stop() {
	s.runMu.Lock()
	cancel, done, sub := s.cancel, s.done, s.busSub
	s.cancel, s.done, s.busSub = nil, nil, nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	sub.Unsubscribe()
	cancel()
	<-done

	s.mu.Lock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.mu.Unlock()
}

// HandleStorageChange procesa un cambio del store hecho por otra instancia.
func (s *Synchronizer) HandleStorageChange(ctx context.Context, c store.Change) {
	if !s.keys.Has(c.Key) {
		return
	}
	s.svc.Cache().Invalidate()

	if c.Removed && s.keys.IsIdentity(c.Key) {
		metrics.SyncEvents.WithLabelValues("storage_removed").Inc()
		s.log.Debug("credentials removed by another instance", logger.Key(c.Key))
		s.cancelPending()
		s.setState(State{Status: StatusLoggedOut, Reason: "storage_removed"})
		return
	}
	metrics.SyncEvents.WithLabelValues("storage_updated").Inc()
	s.schedule()
}

// NotifyVisible revalida una vez al volver a estar activa la instancia.
func (s *Synchronizer) NotifyVisible() {
	metrics.SyncEvents.WithLabelValues("visible").Inc()
	s.schedule()
}

// Revalidate resuelve el estado ahora mismo. Un fallo transitorio deja el
// estado como estaba.
func (s *Synchronizer) Revalidate(ctx context.Context) State {
	metrics.SyncEvents.WithLabelValues("revalidate").Inc()
	res := s.svc.GetAuthWithCache(ctx)

	switch v := res.(type) {
	case session.AuthSuccess:
		u := v.User
		s.setState(State{Status: StatusLoggedIn, User: &u, Source: v.Source})
	case session.AuthFailure:
		if v.Transient() {
			s.log.Warn("revalidation failed, keeping state", logger.Err(v))
			// Solo el primer chequeo pasa a Unknown; un estado resuelto se conserva.
			if cur := s.State(); cur.Status == StatusChecking {
				cur.Status = StatusUnknown
				cur.Reason = string(v.Reason)
				s.setState(cur)
			}
			break
		}
		s.setState(State{Status: StatusLoggedOut, Source: v.Source, Reason: string(v.Reason)})
	}
	return s.State()
}

func (s *Synchronizer) handleBusEvent(ctx context.Context, ev events.AuthState) {
	metrics.SyncEvents.WithLabelValues("bus").Inc()
	if ev.Remote {
		// Otro proceso: lo que diga el store manda.
		s.svc.Cache().Invalidate()
	}
	if !ev.IsAuthenticated {
		s.cancelPending()
		s.setState(State{Status: StatusLoggedOut, Reason: "logged_out"})
		if ev.Remote {
			s.schedule()
		}
		return
	}
	s.schedule()
}

// schedule programa una revalidación; las llamadas dentro de la ventana se
// agrupan en la ya programada.
func (s *Synchronizer) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		metrics.SyncEvents.WithLabelValues("coalesced").Inc()
		return
	}
	var task clock.Task
	task = s.sched.After(s.coalesce, func() {
		s.mu.Lock()
		if s.pending != task {
			s.mu.Unlock()
			return
		}
		s.pending = nil
		s.mu.Unlock()
		s.Revalidate(logger.ToContext(context.Background(), s.log))
	})
	s.pending = task
}

func (s *Synchronizer) cancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

func (s *Synchronizer) setState(next State) {
	next.UpdatedAt = s.now()
	s.mu.Lock()
	changed := !s.state.sameAs(next)
	s.state = next.clone()
	ls := make([]Listener, 0, len(s.listeners))
	for i := 1; i <= s.seq; i++ {
		if l, ok := s.listeners[i]; ok {
			ls = append(ls, l)
		}
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	s.log.Debug("auth state changed", logger.String("status", next.Status.String()), logger.Reason(next.Reason))
	for _, l := range ls {
		l(next.clone())
	}
}
