package hypercall

import (
	"fmt"

	"github.com/landlock-lsm/go-landlock/landlock"
	"golang.org/x/sys/unix"
)

// restrict confines every thread of the process to the paths in iso using
// Landlock. Kernels without Landlock, or with an older ABI, enforce as much
// as they support.
func restrict(iso Isolation) error {
	err := landlock.V5.BestEffort().RestrictPaths(
		landlock.RWDirs(iso.ReadWriteDirs...),
		landlock.RWFiles(iso.ReadWriteFiles...),
		landlock.ROFiles(iso.ReadOnlyFiles...),
	)
	if err != nil {
		return fmt.Errorf("hypercall: landlock: %w", err)
	}
	return nil
}

// LandlockABI returns the Landlock ABI version of the running kernel.
func LandlockABI() (int, error) {
	v, _, errno := unix.Syscall(unix.SYS_LANDLOCK_CREATE_RULESET, 0, 0, unix.LANDLOCK_CREATE_RULESET_VERSION)
	if errno != 0 {
		return 0, errno
	}
	return int(v), nil
}
