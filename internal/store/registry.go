// Package store implementa el Credential Store: persistencia local del access
// token, refresh token, perfil cacheado y timestamp de último login, sobre un
// backend intercambiable (memory, fs, redis) más una capa de sesión in-process.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Adapter crea backends de un driver concreto.
type Adapter interface {
	// Name retorna el nombre del driver (ej: "memory", "fs", "redis").
	Name() string

	// Open crea un backend para una instancia (pestaña/proceso).
	Open(ctx context.Context, cfg BackendConfig) (Backend, error)
}

// BackendConfig configuración para abrir un backend.
type BackendConfig struct {
	// Driver: "memory" | "fs" | "redis"
	Driver string

	// Namespace separa perfiles/paneles: nombre del espacio en memoria,
	// nombre de archivo en fs, prefijo + canal en redis.
	Namespace string

	// Dir directorio para el driver fs.
	Dir string

	// EncryptionKey si no es vacía, el driver fs cifra el archivo (AES-256-GCM).
	EncryptionKey string

	// Redis settings.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// ─── Registry Global ───

var (
	registryMu sync.RWMutex
	adapters   = make(map[string]Adapter)
)

// RegisterAdapter registra un adapter en el registry global.
// Llamar en init() de cada adapter.
func RegisterAdapter(a Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := a.Name()
	if _, exists := adapters[name]; exists {
		panic(fmt.Sprintf("store: adapter %q already registered", name))
	}
	adapters[name] = a
}

// GetAdapter obtiene un adapter por nombre.
func GetAdapter(name string) (Adapter, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := adapters[name]
	return a, ok
}

// ListAdapters retorna los nombres registrados, ordenados.
func ListAdapters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenBackend abre un backend usando el driver especificado en la config.
func OpenBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "fs"
	}
	a, ok := GetAdapter(driver)
	if !ok {
		return nil, fmt.Errorf("store: adapter %q not registered (have %v)", driver, ListAdapters())
	}
	return a.Open(ctx, cfg)
}
