// Package events es el bus in-process por el que los flujos de login/logout
// anuncian cambios de estado a todos los listeners montados, sin recargar.
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dropDatabas3/campusauth/internal/domain/types"
	"github.com/dropDatabas3/campusauth/internal/observability/logger"
)

// AuthStateChanged es el nombre del evento de cambio de sesión.
const AuthStateChanged = "auth-state-changed"

// AuthState es el payload de AuthStateChanged.
type AuthState struct {
	IsAuthenticated bool               `json:"isAuthenticated"`
	User            *types.UserProfile `json:"user,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`

	// Origin identifica la instancia que lo emitió.
	Origin string `json:"origin"`
	// Remote es true si llegó por un bridge desde otro proceso.
	Remote bool `json:"-"`
}

// Handler recibe eventos. Se ejecuta en el goroutine del publisher.
type Handler func(ctx context.Context, ev AuthState)

// Subscription se cancela con Unsubscribe (idempotente).
type Subscription interface {
	Unsubscribe()
}

// Bus reparte eventos por nombre.
type Bus struct {
	mu       sync.RWMutex
	seq      int
	handlers map[string]map[int]Handler
}

// NewBus crea un bus vacío. Cada panel.Panel tiene el suyo.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[int]Handler)}
}

type subscription struct {
	once sync.Once
	fn   func()
}

func (s *subscription) Unsubscribe() { s.once.Do(s.fn) }

// Subscribe registra h para name.
func (b *Bus) Subscribe(name string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := b.seq
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[int]Handler)
	}
	b.handlers[name][id] = h
	return &subscription{fn: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[name], id)
	}}
}

// Publish entrega ev a los handlers de name, en orden de suscripción. Un
// handler que entra en pánico no impide que los demás reciban el evento.
func (b *Bus) Publish(ctx context.Context, name string, ev AuthState) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers[name]))
	for id := range b.handlers[name] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, b.handlers[name][id])
	}
	b.mu.RUnlock()

	for _, h := range hs {
		dispatch(ctx, name, h, ev)
	}
}

func dispatch(ctx context.Context, name string, h Handler, ev AuthState) {
	defer func() {
		if r := recover(); r != nil {
			logger.From(ctx).Error("event handler panicked",
				logger.Component("events"), logger.String("event", name), logger.String("panic", toString(r)))
		}
	}()
	h(ctx, ev)
}

// Count retorna la cantidad de handlers para name.
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "non-string panic value"
}
