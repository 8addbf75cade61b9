// Package fs implementa el backend de credenciales sobre un archivo JSON.
// Todas las claves viven en un único archivo que se reescribe de forma atómica,
// así un lector nunca ve el token sin el perfil. Los cambios de otros procesos
// se detectan con fsnotify sobre el directorio.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dropDatabas3/campusauth/internal/observability/logger"
	"github.com/dropDatabas3/campusauth/internal/security/secretbox"
	store "github.com/dropDatabas3/campusauth/internal/store"
	"github.com/fsnotify/fsnotify"
)

func init() {
	store.RegisterAdapter(&fsAdapter{})
}

// debounceDelay agrupa las ráfagas de eventos de un rename atómico.
const debounceDelay = 25 * time.Millisecond

type fsAdapter struct{}

func (a *fsAdapter) Name() string { return "fs" }

func (a *fsAdapter) Open(ctx context.Context, cfg store.BackendConfig) (store.Backend, error) {
	dir := cfg.Dir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("fs: resolve config dir: %w", err)
		}
		dir = filepath.Join(base, "campusauth")
	}
	name := cfg.Namespace
	if name == "" {
		name = "session"
	}
	var opts []Option
	if cfg.EncryptionKey != "" {
		box, err := secretbox.New(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("fs: encryption key: %w", err)
		}
		opts = append(opts, WithEncryption(box))
	}
	return Open(filepath.Join(dir, name+".json"), opts...)
}

// Option configura un Backend.
type Option func(*Backend)

// WithEncryption cifra el contenido del archivo con box.
func WithEncryption(box *secretbox.Box) Option {
	return func(b *Backend) { b.box = box }
}

// Backend guarda las claves en path.
type Backend struct {
	path string
	box  *secretbox.Box

	// mu serializa read-modify-write dentro del proceso.
	mu sync.Mutex

	snapMu   sync.Mutex
	snapshot map[string]string

	bc *store.Broadcaster

	watchOnce sync.Once
	watchErr  error
	watcher   *fsnotify.Watcher

	pendingMu sync.Mutex
	pending   *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// Open crea el directorio si hace falta y toma el contenido actual como
// snapshot inicial.
func Open(path string, opts ...Option) (*Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("fs: mkdir %s: %w", filepath.Dir(path), err)
	}
	b := &Backend{
		path: path,
		bc:   store.NewBroadcaster(),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	cur, err := b.readFile()
	if err != nil {
		return nil, err
	}
	b.snapshot = cur
	return b, nil
}

// Path retorna la ruta del archivo.
func (b *Backend) Path() string { return b.path }

func (b *Backend) Name() string { return "fs" }

func (b *Backend) Get(ctx context.Context, key string) (string, bool, error) {
	cur, err := b.readFile()
	if err != nil {
		return "", false, err
	}
	v, ok := cur[key]
	return v, ok, nil
}

// GetMany lee el archivo una sola vez.
func (b *Backend) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	cur, err := b.readFile()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := cur[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (b *Backend) SetMany(ctx context.Context, kv map[string]string) error {
	return b.mutate(func(m map[string]string) int {
		n := 0
		for k, v := range kv {
			if old, ok := m[k]; ok && old == v {
				continue
			}
			m[k] = v
			n++
		}
		return n
	})
}

func (b *Backend) DeleteMany(ctx context.Context, keys ...string) (int, error) {
	removed := 0
	err := b.mutate(func(m map[string]string) int {
		for _, k := range keys {
			if _, ok := m[k]; ok {
				delete(m, k)
				removed++
			}
		}
		return removed
	})
	return removed, err
}

// mutate aplica fn sobre el contenido actual y lo reescribe si cambió.
// Los cambios externos que aún no se habían observado se publican antes de
// actualizar el snapshot, así no se pierden.
func (b *Backend) mutate(fn func(map[string]string) int) error {
	select {
	case <-b.done:
		return store.ErrClosed
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cur, err := b.readFile()
	if err != nil {
		return err
	}
	b.observe(cur)

	next := make(map[string]string, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	if fn(next) == 0 {
		return nil
	}

	data, err := b.encode(next)
	if err != nil {
		return err
	}

	// El snapshot se actualiza antes del rename: el evento fsnotify del propio
	// write no produce diff.
	b.snapMu.Lock()
	b.snapshot = next
	b.snapMu.Unlock()

	if err := writeAtomic(b.path, data, 0o600); err != nil {
		b.snapMu.Lock()
		b.snapshot = cur
		b.snapMu.Unlock()
		return err
	}
	return nil
}

// observe publica la diferencia entre el snapshot y cur, y avanza el snapshot.
func (b *Backend) observe(cur map[string]string) {
	b.snapMu.Lock()
	changes := diff(b.snapshot, cur)
	b.snapshot = cur
	b.snapMu.Unlock()
	if len(changes) > 0 {
		b.bc.Publish(changes...)
	}
}

func diff(old, cur map[string]string) []store.Change {
	now := time.Now().UTC()
	var out []store.Change
	for k, v := range cur {
		if ov, ok := old[k]; !ok || ov != v {
			out = append(out, store.Change{Key: k, At: now})
		}
	}
	for k := range old {
		if _, ok := cur[k]; !ok {
			out = append(out, store.Change{Key: k, Removed: true, At: now})
		}
	}
	return out
}

func (b *Backend) encode(m map[string]string) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("fs: encode: %w", err)
	}
	if b.box == nil {
		return data, nil
	}
	sealed, err := b.box.Seal(data)
	if err != nil {
		return nil, fmt.Errorf("fs: encrypt: %w", err)
	}
	return []byte(sealed), nil
}

func (b *Backend) readFile() (map[string]string, error) {
	out := make(map[string]string)
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fs: read %s: %w", b.path, err)
	}
	if len(data) == 0 {
		return out, nil
	}
	if b.box != nil {
		plain, err := b.box.Open(string(data))
		if err != nil {
			// Clave distinta o archivo manipulado: igual que un archivo corrupto.
			logger.L().Warn("fs: credential file cannot be decrypted, treating as empty",
				logger.Component("store.fs"), logger.Err(err))
			return out, nil
		}
		data = plain
	}
	if err := json.Unmarshal(data, &out); err != nil {
		// Archivo corrupto: se trata como vacío. El Store decide limpiar.
		logger.L().Warn("fs: credential file unparsable, treating as empty",
			logger.Component("store.fs"), logger.Err(err))
		return make(map[string]string), nil
	}
	return out, nil
}

// Watch arranca (una sola vez) el watcher fsnotify sobre el directorio.
func (b *Backend) Watch(ctx context.Context) (<-chan store.Change, error) {
	b.watchOnce.Do(func() {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			b.watchErr = fmt.Errorf("fs: watcher: %w", err)
			return
		}
		// Se vigila el directorio: el rename atómico reemplaza el inode del archivo.
		if err := w.Add(filepath.Dir(b.path)); err != nil {
			_ = w.Close()
			b.watchErr = fmt.Errorf("fs: watch %s: %w", filepath.Dir(b.path), err)
			return
		}
		b.watcher = w
		go b.processEvents()
	})
	if b.watchErr != nil {
		return nil, b.watchErr
	}
	return b.bc.Subscribe(ctx)
}

func (b *Backend) processEvents() {
	base := filepath.Base(b.path)
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			b.schedule()
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			logger.L().Warn("fs: watcher error", logger.Component("store.fs"), logger.Err(err))
		}
	}
}

func (b *Backend) schedule() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	if b.pending != nil {
		b.pending.Stop()
	}
	b.pending = time.AfterFunc(debounceDelay, b.reload)
}

func (b *Backend) reload() {
	select {
	case <-b.done:
		return
	default:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, err := b.readFile()
	if err != nil {
		logger.L().Warn("fs: reload failed", logger.Component("store.fs"), logger.Err(err))
		return
	}
	b.observe(cur)
}

func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.pendingMu.Lock()
		if b.pending != nil {
			b.pending.Stop()
		}
		b.pendingMu.Unlock()
		if b.watcher != nil {
			err = b.watcher.Close()
		}
		b.bc.Close()
	})
	return err
}
