package vmm

import (
	"bufio"
	"errors"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/tinyrange/ukvm/internal/hv"
)

// hostRoot is where host frequency files are read from.
var hostRoot fs.FS = os.DirFS("/")

// detectTSCKHz returns the TSC frequency published in the boot information.
// The backend's view of vCPU 0 wins since it is what the guest reads; the
// host's cpufreq data and /proc/cpuinfo are fallbacks. Zero means unknown.
func detectTSCKHz(vm hv.VirtualMachine, log *slog.Logger) uint32 {
	var khz uint32
	err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		r, ok := vcpu.(hv.TSCReporter)
		if !ok {
			return errors.ErrUnsupported
		}
		var err error
		khz, err = r.TSCKHz()
		return err
	})
	if err == nil && khz > 0 {
		log.Debug("vmm: tsc frequency from backend", "khz", khz)
		return khz
	}
	log.Debug("vmm: backend did not report a tsc frequency", "error", err)

	khz, source := hostFreqKHz(hostRoot)
	if khz == 0 {
		log.Warn("vmm: unable to determine processor frequency")
		return 0
	}
	log.Debug("vmm: cpu frequency from host", "khz", khz, "source", source)
	return khz
}

// hostFreqKHz reads the first usable frequency of cpu0 from fsys, a view of
// the host root. It returns the file it came from.
func hostFreqKHz(fsys fs.FS) (uint32, string) {
	for _, name := range []string{
		"sys/devices/system/cpu/cpu0/cpufreq/base_frequency",
		"sys/devices/system/cpu/cpu0/cpufreq/cpuinfo_max_freq",
	} {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			continue
		}
		khz, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
		if err == nil && khz > 0 {
			return uint32(khz), name
		}
	}

	const cpuinfo = "proc/cpuinfo"
	if khz := cpuinfoKHz(fsys, cpuinfo); khz > 0 {
		return khz, cpuinfo
	}
	return 0, ""
}

// cpuinfoKHz parses the first "cpu MHz" line.
func cpuinfoKHz(fsys fs.FS, name string) uint32 {
	f, err := fsys.Open(name)
	if err != nil {
		return 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "cpu MHz" {
			continue
		}
		mhz, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || mhz <= 0 {
			return 0
		}
		return uint32(math.Round(mhz * 1000))
	}
	return 0
}
