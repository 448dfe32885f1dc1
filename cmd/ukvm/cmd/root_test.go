package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/ukvm/internal/config"
	"github.com/tinyrange/ukvm/internal/hv"
)

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ukvm.yaml")
	content := "kernel: /srv/from-file\nmemoryMB: 128\ncpus: 2\nnetwork:\n  mode: user\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.GDBPortEnv, "")

	if err := rootCmd.Flags().Parse([]string{
		"--config", path,
		"--cpus", "4",
		"--host", "db=10.0.0.5",
		"--stats",
		"--mount", "/srv/data:/data",
		"--file-isolation",
	}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := loadConfig(rootCmd, []string{"/srv/hello", "a", "b"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Kernel != "/srv/hello" || len(cfg.Args) != 2 || cfg.Args[0] != "a" {
		t.Errorf("kernel %q args %q", cfg.Kernel, cfg.Args)
	}
	if cfg.MemoryMB != 128 {
		t.Errorf("memory = %d, want the file value 128", cfg.MemoryMB)
	}
	if cfg.CPUs != 4 {
		t.Errorf("cpus = %d, want the flag value 4", cfg.CPUs)
	}
	if cfg.Network.Mode != config.NetworkUser || cfg.Network.Hosts["db"] != "10.0.0.5" {
		t.Errorf("network = %+v", cfg.Network)
	}
	if !cfg.Stats {
		t.Error("--stats not applied")
	}
	if !cfg.FileIsolation || len(cfg.Mounts) != 1 {
		t.Errorf("isolation %v mounts %q", cfg.FileIsolation, cfg.Mounts)
	}

	hosts = []string{"broken"}
	defer func() { hosts = nil }()
	if _, err := loadConfig(rootCmd, nil); !errors.Is(err, hv.ErrConfiguration) {
		t.Errorf("loadConfig with bad --host = %v", err)
	}
}
