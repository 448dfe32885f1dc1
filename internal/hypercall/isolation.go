package hypercall

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

var errNotIsolated = errors.New("hypercall: file isolation needs at least one mount")

// Isolation lists the host paths the hypervisor process keeps once it is
// confined. Descriptors opened earlier are not affected.
type Isolation struct {
	ReadWriteDirs  []string
	ReadWriteFiles []string
	ReadOnlyFiles  []string
}

// Isolation returns the paths a confined process needs to serve the guest:
// every mount and the private temporary directory read-write, readOnly as
// read-only files. The temporary directory is created now because nothing
// outside the mounts can be created later.
func (m *FileMap) Isolation(readOnly ...string) (Isolation, error) {
	if !m.Isolated() {
		return Isolation{}, errNotIsolated
	}
	var iso Isolation
	for _, host := range m.mounts {
		p, err := existingMountPath(host)
		if err != nil {
			return Isolation{}, err
		}
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			iso.ReadWriteFiles = append(iso.ReadWriteFiles, p)
		} else {
			iso.ReadWriteDirs = append(iso.ReadWriteDirs, p)
		}
	}

	tmp, err := m.tempDir()
	if err != nil {
		return Isolation{}, err
	}
	iso.ReadWriteDirs = append(iso.ReadWriteDirs, tmp)

	for _, p := range readOnly {
		abs, err := filepath.Abs(p)
		if err != nil {
			return Isolation{}, fmt.Errorf("hypercall: isolation path %q: %w", p, err)
		}
		iso.ReadOnlyFiles = append(iso.ReadOnlyFiles, abs)
	}
	return iso, nil
}

// existingMountPath returns host, or its parent when a mounted file does
// not exist yet and the guest is expected to create it.
func existingMountPath(host string) (string, error) {
	if _, err := os.Stat(host); err == nil {
		return host, nil
	}
	parent := filepath.Dir(host)
	if _, err := os.Stat(parent); err != nil {
		return "", fmt.Errorf("hypercall: mount %s: neither it nor its parent exists: %w", host, err)
	}
	return parent, nil
}

// Confine restricts the whole process to the paths returned by Isolation.
// It cannot be undone.
func (m *FileMap) Confine(readOnly ...string) error {
	iso, err := m.Isolation(readOnly...)
	if err != nil {
		return err
	}
	if err := restrict(iso); err != nil {
		return err
	}
	m.mu.Lock()
	m.confined = true
	m.mu.Unlock()
	slog.Info("hypercall: file system confined",
		"read_write", len(iso.ReadWriteDirs)+len(iso.ReadWriteFiles),
		"read_only", len(iso.ReadOnlyFiles))
	return nil
}

// removeContents empties dir but leaves it in place.
func removeContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		errs = append(errs, os.RemoveAll(filepath.Join(dir, e.Name())))
	}
	return errors.Join(errs...)
}
