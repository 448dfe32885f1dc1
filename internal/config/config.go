// Package config loads the YAML description of a VM run. Command line flags
// are applied on top of the loaded values by the caller.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/ukvm/internal/hv"
	"github.com/tinyrange/ukvm/internal/hypercall"
	"github.com/tinyrange/ukvm/internal/loader"
	"github.com/tinyrange/ukvm/internal/vmm"
)

const (
	DefaultMemoryMB = 64
	DefaultCPUs     = 1
	DefaultOutput   = "stdio"

	// GDBPortEnv names the environment variable that enables the debug
	// bridge when no port is configured.
	GDBPortEnv = "HERMIT_GDB_PORT"
)

// Network modes.
const (
	NetworkNone = "none"
	NetworkUser = "user"
	NetworkTap  = "tap"
)

type Config struct {
	Kernel   string   `yaml:"kernel"`
	Args     []string `yaml:"args,omitempty"`
	MemoryMB uint64   `yaml:"memoryMB,omitempty"`
	CPUs     int      `yaml:"cpus,omitempty"`

	// GDBPort starts the debug bridge on 127.0.0.1:GDBPort. Zero disables it.
	GDBPort int `yaml:"gdbPort,omitempty"`

	// Mounts are "host:guest" pairs. A non-empty list isolates the guest
	// file system.
	Mounts []string `yaml:"mounts,omitempty"`
	// FileIsolation also confines the hypervisor process to the mounts
	// with Landlock.
	FileIsolation bool `yaml:"fileIsolation,omitempty"`

	// Output selects the console sink: stdio, none, buffer or file:<path>.
	Output string `yaml:"output,omitempty"`

	Network Network `yaml:"network,omitempty"`

	DemandPaging bool `yaml:"demandPaging,omitempty"`
	Stats        bool `yaml:"stats,omitempty"`
	Interactive  bool `yaml:"interactive,omitempty"`
}

type Network struct {
	Mode string `yaml:"mode,omitempty"`
	// Tap is the host interface name in tap mode.
	Tap string `yaml:"tap,omitempty"`
	// MAC is the guest address. Empty picks a random one.
	MAC string `yaml:"mac,omitempty"`
	// Hosts are answered by the user-mode DNS responder.
	Hosts map[string]string `yaml:"hosts,omitempty"`
	// Upstream resolves names missing from Hosts in user mode.
	Upstream string `yaml:"upstream,omitempty"`
	// Capture writes every frame to a pcap file.
	Capture string `yaml:"capture,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.CPUs == 0 {
		c.CPUs = DefaultCPUs
	}
	if c.Output == "" {
		c.Output = DefaultOutput
	}
	if c.Network.Mode == "" {
		c.Network.Mode = NetworkNone
	}
}

// Load reads a YAML configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w: %w", hv.ErrConfiguration, err)
	}
	c.normalize()
	return c, nil
}

// ApplyEnv fills settings that can come from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if c.GDBPort != 0 {
		return nil
	}
	v, ok := lookup(GDBPortEnv)
	if !ok || v == "" {
		return nil
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", GDBPortEnv, v, hv.ErrConfiguration)
	}
	c.GDBPort = port
	return nil
}

// MemorySize is the guest memory size in bytes.
func (c *Config) MemorySize() uint64 { return c.MemoryMB << 20 }

// GuestMAC parses Network.MAC. It returns nil when unset.
func (c *Config) GuestMAC() (net.HardwareAddr, error) {
	if c.Network.MAC == "" {
		return nil, nil
	}
	mac, err := net.ParseMAC(c.Network.MAC)
	if err != nil {
		return nil, fmt.Errorf("config: network mac: %w: %w", hv.ErrConfiguration, err)
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("config: network mac %q: %w: not an Ethernet address", c.Network.MAC, hv.ErrConfiguration)
	}
	return mac, nil
}

// Validate checks the configuration without touching the host.
func (c *Config) Validate() error {
	c.normalize()

	if c.Kernel == "" {
		return fmt.Errorf("config: %w: no kernel given", hv.ErrConfiguration)
	}
	if c.MemoryMB > (^uint64(0) >> 20) {
		return fmt.Errorf("config: %w: memory size %d MiB overflows", hv.ErrConfiguration, c.MemoryMB)
	}
	if err := loader.CheckMemorySize(c.MemorySize()); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.CPUs < 1 || c.CPUs > vmm.MaxCPUs {
		return fmt.Errorf("config: %w: cpus must be between 1 and %d, got %d", hv.ErrConfiguration, vmm.MaxCPUs, c.CPUs)
	}
	if c.GDBPort < 0 || c.GDBPort > 65535 {
		return fmt.Errorf("config: %w: gdb port %d", hv.ErrConfiguration, c.GDBPort)
	}
	for _, m := range c.Mounts {
		if _, _, err := hypercall.ParseMount(m); err != nil {
			return fmt.Errorf("config: mount %q: %w: %w", m, hv.ErrConfiguration, err)
		}
	}
	if c.FileIsolation && len(c.Mounts) == 0 {
		return fmt.Errorf("config: %w: file isolation needs at least one mount", hv.ErrConfiguration)
	}
	if c.Output != DefaultOutput && c.Output != "none" && c.Output != "buffer" {
		if path, ok := strings.CutPrefix(c.Output, "file:"); !ok || path == "" {
			return fmt.Errorf("config: %w: unknown output %q", hv.ErrConfiguration, c.Output)
		}
	}

	switch c.Network.Mode {
	case NetworkNone:
	case NetworkUser:
		for name, addr := range c.Network.Hosts {
			if ip := net.ParseIP(addr); ip == nil || ip.To4() == nil {
				return fmt.Errorf("config: host %s: %w: %q is not an IPv4 address", name, hv.ErrConfiguration, addr)
			}
		}
	case NetworkTap:
		if c.Network.Tap == "" {
			return fmt.Errorf("config: %w: tap mode needs an interface name", hv.ErrConfiguration)
		}
	default:
		return fmt.Errorf("config: %w: unknown network mode %q", hv.ErrConfiguration, c.Network.Mode)
	}
	if _, err := c.GuestMAC(); err != nil {
		return err
	}
	return nil
}
