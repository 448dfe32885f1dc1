package api

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tinyrange/ukvm/internal/config"
	"github.com/tinyrange/ukvm/internal/hv"
)

// Option configures an Instance. Options are matched by the methods they
// implement so callers can define their own.
type Option interface {
	IsOption()
}

// instanceConfig holds the parsed options on top of the file configuration.
type instanceConfig struct {
	config.Config

	env     []string
	timeout time.Duration
	logger  *slog.Logger

	stdin  io.Reader
	stdout io.Writer

	packetCapture io.Writer

	hypervisor hv.Hypervisor
}

func parseInstanceOptions(base config.Config, opts []Option) instanceConfig {
	cfg := instanceConfig{Config: base}

	for _, opt := range opts {
		switch o := opt.(type) {
		case interface{ SizeMB() uint64 }:
			cfg.MemoryMB = o.SizeMB()
		case interface{ CPUs() int }:
			cfg.CPUs = o.CPUs()
		case interface{ Args() []string }:
			cfg.Args = o.Args()
		case interface{ Env() []string }:
			cfg.env = o.Env()
		case interface{ Mounts() []string }:
			cfg.Mounts = append(cfg.Mounts, o.Mounts()...)
		case interface{ FileIsolation() bool }:
			cfg.FileIsolation = o.FileIsolation()
		case interface{ Output() string }:
			cfg.Output = o.Output()
		case interface{ Duration() time.Duration }:
			cfg.timeout = o.Duration()
		case interface{ Logger() *slog.Logger }:
			cfg.logger = o.Logger()
		case interface{ Stdin() io.Reader }:
			cfg.Interactive = true
			cfg.stdin = o.Stdin()
		case interface{ Stdout() io.Writer }:
			cfg.stdout = o.Stdout()
		case interface{ DemandPaging() bool }:
			cfg.DemandPaging = o.DemandPaging()
		case interface{ Stats() bool }:
			cfg.Stats = o.Stats()
		case interface{ GDBPort() int }:
			cfg.GDBPort = o.GDBPort()
		case interface{ Network() config.Network }:
			cfg.Network = o.Network()
		case interface{ PacketCapture() io.Writer }:
			cfg.packetCapture = o.PacketCapture()
		case interface{ Hypervisor() hv.Hypervisor }:
			cfg.hypervisor = o.Hypervisor()
		}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.env == nil {
		cfg.env = os.Environ()
	}
	return cfg
}
