package fs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// writeAtomic escribe data a path: tmp → Sync → Close → Chmod → Rename.
//
// En Windows, os.Rename puede fallar si el destino existe/está bloqueado.
// En ese caso intenta remove+rename, que preserva el archivo viejo si el
// primer rename falla.
func writeAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("fs: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("fs: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fs: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fs: close temp: %w", err)
	}
	_ = os.Chmod(tmpPath, perm)

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(path)
		if err2 := os.Rename(tmpPath, path); err2 != nil {
			return fmt.Errorf("fs: rename: %v (after remove: %v)", err, err2)
		}
	}
	return nil
}
