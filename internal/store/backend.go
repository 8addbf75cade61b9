package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Backend es el almacenamiento clave/valor persistente que comparten todas las
// instancias de un panel (equivalente a localStorage entre pestañas).
type Backend interface {
	// Name retorna el driver.
	Name() string

	// Get lee una clave. ok=false si no existe.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// GetMany lee las claves en una sola operación: el resultado es una foto
	// consistente, nunca la mitad de un SetMany. Las ausentes no aparecen.
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)

	// SetMany escribe todas las claves en una sola operación: ningún lector
	// observa un subconjunto.
	SetMany(ctx context.Context, kv map[string]string) error

	// DeleteMany borra las claves (las ausentes se ignoran) y retorna
	// cuántas existían.
	DeleteMany(ctx context.Context, keys ...string) (int, error)

	// Watch entrega los cambios hechos por OTRAS instancias. El canal se
	// cierra cuando ctx termina o el backend se cierra.
	Watch(ctx context.Context) (<-chan Change, error)

	// Close libera recursos (watchers, conexiones).
	Close() error
}

// Change es una notificación de cambio de una clave hecha por otra instancia.
type Change struct {
	Key     string
	Removed bool
	At      time.Time
}

// Errores del store.
var (
	// ErrUnavailable indica que el backend no respondió (I/O, red). Es transitorio:
	// nunca debe provocar un logout.
	ErrUnavailable = errors.New("store: backend unavailable")

	// ErrClosed indica uso de un backend ya cerrado.
	ErrClosed = errors.New("store: backend closed")
)

const watchBuffer = 256

// Broadcaster reparte Changes a múltiples suscriptores Watch.
// Los envíos nunca bloquean: si un suscriptor tiene el buffer lleno el cambio
// se descarta y se cuenta en Dropped.
type Broadcaster struct {
	mu     sync.Mutex
	seq    int
	subs   map[int]chan Change
	closed bool

	dropped atomic.Int64
}

// NewBroadcaster crea un Broadcaster vacío.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Change)}
}

// Subscribe registra un suscriptor que vive hasta que ctx termina.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Change, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.seq++
	id := b.seq
	ch := make(chan Change, watchBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(id)
	}()
	return ch, nil
}

func (b *Broadcaster) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish entrega los cambios a todos los suscriptores.
func (b *Broadcaster) Publish(changes ...Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		for _, c := range changes {
			select {
			case ch <- c:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Subscribers retorna la cantidad de suscriptores activos.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped retorna la cantidad de cambios descartados por buffers llenos.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// Close cierra todos los canales. Idempotente.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
