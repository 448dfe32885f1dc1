package hypercall

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileMapResolve(t *testing.T) {
	hostDir := t.TempDir()
	hostFile := filepath.Join(t.TempDir(), "config.txt")
	if err := os.WriteFile(hostFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	hostDir, _ = filepath.EvalSymlinks(hostDir)
	hostFile, _ = filepath.EvalSymlinks(hostFile)

	m, err := NewFileMap([]string{hostDir + ":/mnt/data", hostFile + ":/etc/config"})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	tests := []struct {
		guest string
		want  string
	}{
		{"/etc/config", hostFile},
		{"etc/config", hostFile},
		{"/mnt/data", hostDir},
		{"/mnt/data/a/b.txt", filepath.Join(hostDir, "a", "b.txt")},
		{"/mnt/data/../data/c", filepath.Join(hostDir, "c")},
	}
	for _, tt := range tests {
		got, err := m.Resolve(tt.guest)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.guest, err)
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.guest, got, tt.want)
		}
	}

	if m.TempDir() != "" {
		t.Fatalf("temp dir created before an unmapped path was used")
	}
}

func TestFileMapUnmappedGoesToTempDir(t *testing.T) {
	m, err := NewFileMap([]string{t.TempDir() + ":/mnt"})
	if err != nil {
		t.Fatal(err)
	}

	for _, guest := range []string{"/tmp/out.log", "/../../etc/passwd"} {
		host, err := m.Resolve(guest)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", guest, err)
		}
		tmp := m.TempDir()
		if tmp == "" || !strings.HasPrefix(host, tmp+string(filepath.Separator)) {
			t.Fatalf("Resolve(%q) = %q, want a path inside %q", guest, host, tmp)
		}
	}

	tmp := m.TempDir()
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatalf("temp dir %q still exists after Close: %v", tmp, err)
	}
}

func TestFileMapEmptyPassesThrough(t *testing.T) {
	var m *FileMap
	if got, _ := m.Resolve("relative/path"); got != "relative/path" {
		t.Fatalf("nil map Resolve = %q", got)
	}

	m, err := NewFileMap(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Resolve("/etc/hosts"); got != "/etc/hosts" {
		t.Fatalf("empty map Resolve = %q", got)
	}
}

func TestParseMount(t *testing.T) {
	for _, bad := range []string{"nohost", ":/guest", "/host:"} {
		if _, _, err := ParseMount(bad); err == nil {
			t.Errorf("ParseMount(%q) succeeded", bad)
		}
	}
	host, guest, err := ParseMount("./a:/b")
	if err != nil || host != "./a" || guest != "/b" {
		t.Fatalf("ParseMount = %q, %q, %v", host, guest, err)
	}
}

func TestConsoleSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")

	c, err := NewConsole("file:" + path)
	if err != nil {
		t.Fatal(err)
	}
	c.Stdout().Write([]byte("out "))
	c.Stderr().Write([]byte("err"))
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "out err" {
		t.Fatalf("file console = %q", data)
	}

	if _, err := NewConsole("file:" + path); err == nil {
		t.Fatal("file sink overwrote an existing file")
	}
	if _, err := NewConsole("serial"); err == nil {
		t.Fatal("unknown sink accepted")
	}

	none, err := NewConsole("none")
	if err != nil {
		t.Fatal(err)
	}
	if n, err := none.Stdout().Write([]byte("dropped")); n != 7 || err != nil {
		t.Fatalf("none sink write = %d, %v", n, err)
	}
}
