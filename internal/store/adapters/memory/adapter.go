// Package memory implementa un backend en memoria compartido entre instancias
// del mismo proceso. Cada instancia (pestaña) ve los cambios de las demás vía
// Watch, nunca los propios.
package memory

import (
	"context"
	"sync"
	"time"

	store "github.com/dropDatabas3/campusauth/internal/store"
	"github.com/google/uuid"
)

func init() {
	store.RegisterAdapter(&memoryAdapter{})
}

type memoryAdapter struct{}

func (a *memoryAdapter) Name() string { return "memory" }

var (
	spacesMu sync.Mutex
	spaces   = make(map[string]*Space)
)

// Open abre una instancia sobre el espacio compartido del Namespace.
func (a *memoryAdapter) Open(ctx context.Context, cfg store.BackendConfig) (store.Backend, error) {
	name := cfg.Namespace
	if name == "" {
		name = "default"
	}
	spacesMu.Lock()
	sp, ok := spaces[name]
	if !ok {
		sp = NewSpace()
		spaces[name] = sp
	}
	spacesMu.Unlock()
	return sp.Tab(), nil
}

// Space es el storage compartido (el "localStorage" del origen).
type Space struct {
	mu   sync.RWMutex
	data map[string]string
	tabs map[string]*Backend
}

// NewSpace crea un espacio vacío. Los tests crean uno por caso.
func NewSpace() *Space {
	return &Space{
		data: make(map[string]string),
		tabs: make(map[string]*Backend),
	}
}

// Tab crea una nueva instancia conectada al espacio.
func (sp *Space) Tab() *Backend {
	b := &Backend{
		space: sp,
		id:    uuid.NewString(),
		bc:    store.NewBroadcaster(),
	}
	sp.mu.Lock()
	sp.tabs[b.id] = b
	sp.mu.Unlock()
	return b
}

// Snapshot retorna una copia del contenido (tests, diagnóstico).
func (sp *Space) Snapshot() map[string]string {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	out := make(map[string]string, len(sp.data))
	for k, v := range sp.data {
		out[k] = v
	}
	return out
}

// notify entrega cambios a todas las instancias excepto origin.
// Se llama con sp.mu tomado.
func (sp *Space) notify(origin string, changes []store.Change) {
	if len(changes) == 0 {
		return
	}
	for id, tab := range sp.tabs {
		if id == origin {
			continue
		}
		tab.bc.Publish(changes...)
	}
}

// Backend es una instancia sobre un Space.
type Backend struct {
	space *Space
	id    string
	bc    *store.Broadcaster

	closeOnce sync.Once
}

// ID identifica la instancia.
func (b *Backend) ID() string { return b.id }

func (b *Backend) Name() string { return "memory" }

func (b *Backend) Get(ctx context.Context, key string) (string, bool, error) {
	b.space.mu.RLock()
	defer b.space.mu.RUnlock()
	v, ok := b.space.data[key]
	return v, ok, nil
}

func (b *Backend) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	b.space.mu.RLock()
	defer b.space.mu.RUnlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := b.space.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (b *Backend) SetMany(ctx context.Context, kv map[string]string) error {
	now := time.Now().UTC()
	b.space.mu.Lock()
	defer b.space.mu.Unlock()

	changes := make([]store.Change, 0, len(kv))
	for k, v := range kv {
		if old, ok := b.space.data[k]; ok && old == v {
			continue
		}
		b.space.data[k] = v
		changes = append(changes, store.Change{Key: k, At: now})
	}
	b.space.notify(b.id, changes)
	return nil
}

func (b *Backend) DeleteMany(ctx context.Context, keys ...string) (int, error) {
	now := time.Now().UTC()
	b.space.mu.Lock()
	defer b.space.mu.Unlock()

	var changes []store.Change
	for _, k := range keys {
		if _, ok := b.space.data[k]; !ok {
			continue
		}
		delete(b.space.data, k)
		changes = append(changes, store.Change{Key: k, Removed: true, At: now})
	}
	b.space.notify(b.id, changes)
	return len(changes), nil
}

func (b *Backend) Watch(ctx context.Context) (<-chan store.Change, error) {
	return b.bc.Subscribe(ctx)
}

func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.space.mu.Lock()
		delete(b.space.tabs, b.id)
		b.space.mu.Unlock()
		b.bc.Close()
	})
	return nil
}
