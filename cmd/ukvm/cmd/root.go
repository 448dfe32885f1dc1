// Package cmd implements the ukvm command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/ukvm"
	"github.com/tinyrange/ukvm/internal/config"
	"github.com/tinyrange/ukvm/internal/hv"
)

var (
	configPath   string
	memoryMB     uint64
	cpus         int
	gdbPort      int
	mounts       []string
	output       string
	networkMode  string
	tapName      string
	guestMAC     string
	hosts        []string
	upstreamDNS  string
	captureFile  string
	demandPaging bool
	isolateFiles bool
	stats        bool
	interactive  bool
	verbose      bool
)

// exitCode is what the process exits with once the command returns.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "ukvm [flags] KERNEL [-- ARGS...]",
	Short: "Run a unikernel directly on KVM",
	Long: `Boot a unikernel image on KVM and wait for it to exit.

The process exits with the guest's exit code, or 255 when the guest
faulted or the hypervisor failed. Arguments after the kernel are passed
to the guest application.

Settings can be read from a YAML file with --config. Flags given on the
command line take precedence. HERMIT_GDB_PORT enables the debugger when
--gdb-port is not set.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runKernel,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	f.Uint64VarP(&memoryMB, "memory", "m", config.DefaultMemoryMB, "Guest memory in MiB (multiple of 2)")
	f.IntVarP(&cpus, "cpus", "p", config.DefaultCPUs, "Number of vCPUs")
	f.IntVarP(&gdbPort, "gdb-port", "s", 0, "Wait for a GDB connection on this port before booting")
	f.StringArrayVar(&mounts, "mount", nil, "Map a host path into the guest (host:guest, repeatable)")
	f.BoolVar(&isolateFiles, "file-isolation", false, "Confine the hypervisor to the mounted paths with Landlock")
	f.StringVar(&output, "output", config.DefaultOutput, "Console sink: stdio, none, buffer or file:<path>")
	f.StringVar(&networkMode, "network", config.NetworkNone, "Network backend: none, user or tap")
	f.StringVar(&tapName, "tap", "", "Host TAP interface for --network=tap")
	f.StringVar(&guestMAC, "mac", "", "Guest MAC address (random when empty)")
	f.StringArrayVar(&hosts, "host", nil, "Resolve name to an IPv4 address in user networking (name=ip, repeatable)")
	f.StringVar(&upstreamDNS, "dns", "", "Upstream resolver (host:port) for user networking")
	f.StringVar(&captureFile, "capture", "", "Write guest network traffic to a pcap file")
	f.BoolVar(&demandPaging, "demand-paging", false, "Map guest memory on first touch")
	f.BoolVar(&stats, "stats", false, "Log exit and hypercall counters when the guest stops")
	f.BoolVarP(&interactive, "interactive", "i", false, "Forward stdin to the guest console")
	f.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ukvm: %v\n", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

func setupLogging() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(l)
	return l
}

// loadConfig builds the run configuration: the file first, then every flag
// the user set explicitly.
func loadConfig(cmd *cobra.Command, args []string) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return cfg, err
		}
	}

	if len(args) > 0 {
		cfg.Kernel = args[0]
		cfg.Args = args[1:]
	}

	f := cmd.Flags()
	if f.Changed("memory") || configPath == "" {
		cfg.MemoryMB = memoryMB
	}
	if f.Changed("cpus") || configPath == "" {
		cfg.CPUs = cpus
	}
	if f.Changed("gdb-port") {
		cfg.GDBPort = gdbPort
	}
	if f.Changed("mount") {
		cfg.Mounts = append(cfg.Mounts, mounts...)
	}
	if f.Changed("output") || configPath == "" {
		cfg.Output = output
	}
	if f.Changed("network") {
		cfg.Network.Mode = networkMode
	}
	if f.Changed("tap") {
		cfg.Network.Tap = tapName
	}
	if f.Changed("mac") {
		cfg.Network.MAC = guestMAC
	}
	if f.Changed("dns") {
		cfg.Network.Upstream = upstreamDNS
	}
	if f.Changed("capture") {
		cfg.Network.Capture = captureFile
	}
	for _, h := range hosts {
		name, addr, ok := strings.Cut(h, "=")
		if !ok || name == "" {
			return cfg, fmt.Errorf("%w: --host %q: want name=ip", hv.ErrConfiguration, h)
		}
		if cfg.Network.Hosts == nil {
			cfg.Network.Hosts = make(map[string]string)
		}
		cfg.Network.Hosts[name] = addr
	}
	cfg.DemandPaging = cfg.DemandPaging || demandPaging
	cfg.FileIsolation = cfg.FileIsolation || isolateFiles
	cfg.Stats = cfg.Stats || stats
	cfg.Interactive = cfg.Interactive || interactive

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runKernel(cmd *cobra.Command, args []string) error {
	log := setupLogging()

	cfg, err := loadConfig(cmd, args)
	if err != nil {
		exitCode = hv.ExitCodeFatal
		return err
	}
	if cfg.Kernel == "" {
		exitCode = 2
		return errors.New("no kernel given")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := ukvm.NewFromConfig(cfg, ukvm.WithLogger(log))
	if err != nil {
		exitCode = hv.ExitCodeFatal
		if errors.Is(err, ukvm.ErrHypervisorUnavailable) {
			return fmt.Errorf("%w (run \"ukvm check\" for details)", err)
		}
		return err
	}
	defer inst.Close()

	if cfg.Interactive && term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			exitCode = hv.ExitCodeFatal
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	code, err := inst.Run(ctx)
	if cfg.Output == "buffer" {
		fmt.Print(inst.Output())
	}
	exitCode = code
	return err
}
