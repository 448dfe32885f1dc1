//go:build linux && amd64

package kvm

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/ukvm/internal/hv"
	"golang.org/x/sys/unix"
)

// defaultMemorySlots is used when the host does not report KVM_CAP_NR_MEMSLOTS.
const defaultMemorySlots = 32

type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte

	// tid of the locked OS thread serving runQueue, 0 until it started.
	tid atomic.Int32
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v.tid.Store(int32(unix.Gettid()))

	for fn := range v.runQueue {
		fn()
	}
}

func (v *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

// RequestExit implements hv.VirtualCPU.
//
// immediate_exit makes the next KVM_RUN return EINTR straight away, the
// signal knocks a KVM_RUN that is already executing guest code out of the
// guest. SIGUSR1 is received by the Go runtime and otherwise ignored.
func (v *virtualCPU) RequestExit() {
	v.runData().immediate_exit = 1

	tid := v.tid.Load()
	if tid == 0 {
		return
	}
	if err := unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1); err != nil {
		slog.Debug("kvm: request immediate exit", "vcpu", v.id, "error", err)
	}
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv    *hypervisor
	vmFd  int
	vcpus map[int]*virtualCPU
	mem   *hv.GuestAddressSpace

	slotMu   sync.Mutex
	nextSlot uint32
	maxSlots int

	callMu sync.RWMutex
	closed bool
}

// implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor     { return v.hv }
func (v *virtualMachine) Memory() *hv.GuestAddressSpace { return v.mem }
func (v *virtualMachine) CPUCount() int                 { return len(v.vcpus) }
func (v *virtualMachine) MemorySlots() int              { return v.maxSlots }

// MapMemory implements hv.VirtualMachine.
func (v *virtualMachine) MapMemory(addr, size uint64) error {
	if size == 0 {
		return fmt.Errorf("kvm: map memory: empty range at 0x%x", addr)
	}
	if _, err := v.mem.Slice(addr, size); err != nil {
		return fmt.Errorf("kvm: map memory: %w", err)
	}
	host, err := v.mem.Translate(addr)
	if err != nil {
		return fmt.Errorf("kvm: map memory: %w", err)
	}

	v.slotMu.Lock()
	defer v.slotMu.Unlock()

	if int(v.nextSlot) >= v.maxSlots {
		return fmt.Errorf("kvm: map memory at 0x%x: all %d memory slots in use", addr, v.maxSlots)
	}

	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          v.nextSlot,
		Flags:         0,
		GuestPhysAddr: addr,
		MemorySize:    size,
		UserspaceAddr: uint64(host),
	}); err != nil {
		return fmt.Errorf("kvm: set user memory region [0x%x, 0x%x): %w", addr, addr+size, err)
	}
	v.nextSlot++

	return nil
}

// Close implements hv.VirtualMachine. Guest memory belongs to the caller and
// is left mapped.
func (v *virtualMachine) Close() error {
	v.callMu.Lock()
	if v.closed {
		v.callMu.Unlock()
		return nil
	}
	v.closed = true
	vcpus := v.vcpus
	for _, vcpu := range vcpus {
		close(vcpu.runQueue)
	}
	v.callMu.Unlock()

	for _, vcpu := range vcpus {
		if err := unix.Munmap(vcpu.run); err != nil {
			slog.Error("kvm: munmap vcpu run", "error", err)
		}
		if err := unix.Close(vcpu.fd); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
	}

	if v.vmFd >= 0 {
		if err := unix.Close(v.vmFd); err != nil {
			slog.Error("kvm: close vm fd", "error", err)
		}
		v.vmFd = -1
	}

	return nil
}

// VirtualCPUCall implements hv.VirtualMachine.
func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vcpu, ok := v.vcpus[id]
	if !ok {
		return fmt.Errorf("kvm: no vCPU %d found", id)
	}

	done := make(chan error, 1)

	v.callMu.RLock()
	if v.closed {
		v.callMu.RUnlock()
		return fmt.Errorf("kvm: vCPU %d call after close", id)
	}
	vcpu.runQueue <- func() {
		done <- f(vcpu)
	}
	v.callMu.RUnlock()

	return <-done
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int

	cpuidOnce sync.Once
	cpuid     *supportedCPUID
	cpuidErr  error
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

func (h *hypervisor) supportedCPUID() (*supportedCPUID, error) {
	h.cpuidOnce.Do(func() {
		h.cpuid, h.cpuidErr = getSupportedCpuId(h.fd)
	})
	return h.cpuid, h.cpuidErr
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	mem := config.Memory()
	if mem == nil || mem.Size() == 0 {
		return nil, fmt.Errorf("kvm: %w: guest memory is required", hv.ErrConfiguration)
	}
	if config.CPUCount() < 1 {
		return nil, fmt.Errorf("kvm: %w: need at least one vCPU, got %d", hv.ErrConfiguration, config.CPUCount())
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm := &virtualMachine{
		hv:       h,
		vmFd:     vmFd,
		vcpus:    make(map[int]*virtualCPU),
		mem:      mem,
		maxSlots: defaultMemorySlots,
	}

	fail := func(err error) (hv.VirtualMachine, error) {
		vm.Close()
		return nil, err
	}

	if slots, err := checkExtension(h.fd, kvmCapNrMemslots); err == nil && slots > 0 {
		vm.maxSlots = slots
	}

	if err := h.archVMInit(vm); err != nil {
		return fail(fmt.Errorf("initialize VM: %w", err))
	}

	if !config.LazyMemory() {
		if err := vm.MapMemory(0, mem.Size()); err != nil {
			return fail(err)
		}
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		return fail(fmt.Errorf("get kvm_run mmap size: %w", err))
	}

	for i := range config.CPUCount() {
		vcpuFd, err := createVCPU(vm.vmFd, i)
		if err != nil {
			return fail(fmt.Errorf("create vCPU %d: %w", i, err))
		}

		run, err := unix.Mmap(
			vcpuFd,
			0,
			mmapSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
		)
		if err != nil {
			unix.Close(vcpuFd)
			return fail(fmt.Errorf("mmap vCPU %d kvm_run: %w", i, err))
		}

		vcpu := &virtualCPU{
			vm:       vm,
			id:       i,
			fd:       vcpuFd,
			run:      run,
			runQueue: make(chan func(), 16),
		}

		vm.vcpus[i] = vcpu

		go vcpu.start()

		if err := h.archVCPUInit(vm, vcpu); err != nil {
			return fail(fmt.Errorf("initialize vCPU %d: %w", i, err))
		}
	}

	// Set finalizer to catch VMs that are garbage collected without being closed
	runtime.SetFinalizer(vm, func(v *virtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: %w: open /dev/kvm: %w", hv.ErrHypervisorUnsupported, err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: %w: API version %d, want %d", hv.ErrHypervisorUnsupported, version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}

// APIVersion reports the KVM API version of /dev/kvm together with the
// number of memory slots and whether guest debugging is available.
func APIVersion() (version int, slots int, guestDebug bool, err error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return 0, 0, false, fmt.Errorf("kvm: %w: open /dev/kvm: %w", hv.ErrHypervisorUnsupported, err)
	}
	defer unix.Close(fd)

	if version, err = getApiVersion(fd); err != nil {
		return 0, 0, false, fmt.Errorf("get KVM API version: %w", err)
	}
	slots, _ = checkExtension(fd, kvmCapNrMemslots)
	dbg, _ := checkExtension(fd, kvmCapSetGuestDebug)
	return version, slots, dbg > 0, nil
}
