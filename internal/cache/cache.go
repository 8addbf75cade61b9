// Package cache implementa el Auth State Cache: el último resultado de
// autenticación validado, confiable durante una ventana de frescura.
//
// Es una vista derivada y descartable del Credential Store: se invalida en
// logout, en SetTokens y ante cambios de storage hechos por otra instancia.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dropDatabas3/campusauth/internal/clock"
	"github.com/dropDatabas3/campusauth/internal/domain/types"
	gocache "github.com/patrickmn/go-cache"
)

const entryKey = "auth"

// Entry es el resultado cacheado.
type Entry struct {
	Success   bool
	User      *types.UserProfile
	Source    types.Source
	Reason    string
	CheckedAt time.Time
}

// Stats contiene estadísticas del cache.
type Stats struct {
	Hits          int64
	Misses        int64
	Invalidations int64
}

// AuthCache guarda una única entrada con TTL = ventana de frescura.
//
// gen avanza en cada Invalidate. Quien resuelve el estado toma Gen() antes de
// leer el store y guarda con SetIf: si hubo una invalidación en el medio el
// resultado ya es viejo y se descarta.
type AuthCache struct {
	c         *gocache.Cache
	freshness time.Duration
	now       clock.Clock

	mu  sync.Mutex
	gen uint64

	hits, misses, invalidations atomic.Int64
}

// New crea el cache. freshness <= 0 deshabilita el cache (siempre miss).
func New(freshness time.Duration, now clock.Clock) *AuthCache {
	if now == nil {
		now = clock.System
	}
	return &AuthCache{
		// La expiración real se chequea contra now(); go-cache solo limpia.
		c:         gocache.New(gocache.NoExpiration, 0),
		freshness: freshness,
		now:       now,
	}
}

// Freshness retorna la ventana configurada.
func (a *AuthCache) Freshness() time.Duration { return a.freshness }

// Get retorna la entrada si sigue fresca.
func (a *AuthCache) Get() (Entry, bool) {
	if a.freshness <= 0 {
		a.misses.Add(1)
		return Entry{}, false
	}
	v, ok := a.c.Get(entryKey)
	if !ok {
		a.misses.Add(1)
		return Entry{}, false
	}
	e := v.(Entry)
	if a.now().Sub(e.CheckedAt) >= a.freshness {
		a.c.Delete(entryKey)
		a.misses.Add(1)
		return Entry{}, false
	}
	a.hits.Add(1)
	if e.User != nil {
		u := *e.User
		e.User = &u
	}
	return e, true
}

// Gen retorna la generación actual.
func (a *AuthCache) Gen() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen
}

// Set guarda la entrada sin chequear generación. Si CheckedAt está vacío usa now().
func (a *AuthCache) Set(e Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLocked(e)
}

// SetIf guarda la entrada solo si no hubo Invalidate desde gen.
func (a *AuthCache) SetIf(gen uint64, e Entry) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen != gen {
		return false
	}
	a.setLocked(e)
	return true
}

func (a *AuthCache) setLocked(e Entry) {
	if a.freshness <= 0 {
		return
	}
	if e.CheckedAt.IsZero() {
		e.CheckedAt = a.now()
	}
	if e.User != nil {
		u := *e.User
		e.User = &u
	}
	a.c.Set(entryKey, e, gocache.NoExpiration)
}

// Invalidate descarta la entrada de forma síncrona.
func (a *AuthCache) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	a.invalidations.Add(1)
	a.c.Delete(entryKey)
}

// Fresh indica si hay una entrada dentro de la ventana, sin contar hit/miss.
func (a *AuthCache) Fresh() bool {
	v, ok := a.c.Get(entryKey)
	if !ok {
		return false
	}
	return a.now().Sub(v.(Entry).CheckedAt) < a.freshness
}

// Stats retorna contadores acumulados.
func (a *AuthCache) Stats() Stats {
	return Stats{
		Hits:          a.hits.Load(),
		Misses:        a.misses.Load(),
		Invalidations: a.invalidations.Load(),
	}
}
