package hypercall

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// FileMap decides which host path a guest path refers to. An empty map
// passes guest paths through. A non-empty map confines the guest to the
// mounted paths plus a private temporary directory.
type FileMap struct {
	mounts map[string]string // guest -> host

	mu       sync.Mutex
	tmpDir   string
	confined bool
}

// ParseMount splits a "host:guest" mount description.
func ParseMount(mount string) (host, guest string, err error) {
	host, guest, ok := strings.Cut(mount, ":")
	if !ok || host == "" || guest == "" {
		return "", "", fmt.Errorf("hypercall: invalid mount %q (want host:guest)", mount)
	}
	return host, guest, nil
}

// NewFileMap builds a map from "host:guest" mount descriptions. Host paths
// are made absolute.
func NewFileMap(mounts []string) (*FileMap, error) {
	m := &FileMap{mounts: make(map[string]string, len(mounts))}
	for _, mount := range mounts {
		host, guest, err := ParseMount(mount)
		if err != nil {
			return nil, err
		}
		if abs, err := filepath.Abs(host); err == nil {
			host = abs
		}
		if resolved, err := filepath.EvalSymlinks(host); err == nil {
			host = resolved
		}
		m.mounts[cleanGuestPath(guest)] = host
	}
	return m, nil
}

// Isolated reports whether guest paths are confined.
func (m *FileMap) Isolated() bool { return m != nil && len(m.mounts) > 0 }

func cleanGuestPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Resolve returns the host path for a guest path.
func (m *FileMap) Resolve(guest string) (string, error) {
	if !m.Isolated() {
		return guest, nil
	}

	clean := cleanGuestPath(guest)
	if host, ok := m.mounts[clean]; ok {
		return host, nil
	}

	for dir := path.Dir(clean); ; dir = path.Dir(dir) {
		if host, ok := m.mounts[dir]; ok {
			rel := strings.TrimPrefix(clean, dir)
			return filepath.Join(host, filepath.FromSlash(rel)), nil
		}
		if dir == "/" {
			break
		}
	}

	tmp, err := m.tempDir()
	if err != nil {
		return "", err
	}
	host := filepath.Join(tmp, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(host), 0o700); err != nil {
		return "", fmt.Errorf("hypercall: create temp parent: %w", err)
	}
	slog.Debug("hypercall: unmapped guest path redirected", "guest", guest, "host", host)
	return host, nil
}

func (m *FileMap) tempDir() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tmpDir != "" {
		return m.tmpDir, nil
	}
	dir, err := os.MkdirTemp("", "ukvm-")
	if err != nil {
		return "", fmt.Errorf("hypercall: create temp dir: %w", err)
	}
	m.tmpDir = dir
	return dir, nil
}

// TempDir returns the private directory if one has been created.
func (m *FileMap) TempDir() string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tmpDir
}

// Close removes the private temporary directory.
func (m *FileMap) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tmpDir == "" {
		return nil
	}
	if m.confined {
		// The parent of the temp dir is out of reach once confined.
		err := removeContents(m.tmpDir)
		m.tmpDir = ""
		return err
	}
	err := os.RemoveAll(m.tmpDir)
	m.tmpDir = ""
	return err
}
