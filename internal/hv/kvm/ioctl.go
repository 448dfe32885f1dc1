//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl issues one request. It does not retry: KVM_RUN must surface EINTR
// so a kicked vCPU returns to its run loop.
func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if errno != 0 {
		return 0, errno
	}
	return v, nil
}

// request is a named KVM ioctl. Calls retry on EINTR and name the request
// in their errors.
type request struct {
	name string
	nr   uint64
}

var (
	reqGetAPIVersion   = request{"KVM_GET_API_VERSION", kvmGetApiVersion}
	reqCreateVM        = request{"KVM_CREATE_VM", kvmCreateVm}
	reqCheckExtension  = request{"KVM_CHECK_EXTENSION", kvmCheckExtension}
	reqVCPUMmapSize    = request{"KVM_GET_VCPU_MMAP_SIZE", kvmGetVcpuMmapSize}
	reqSupportedCPUID  = request{"KVM_GET_SUPPORTED_CPUID", kvmGetSupportedCpuid}
	reqCreateVCPU      = request{"KVM_CREATE_VCPU", kvmCreateVcpu}
	reqSetTSSAddr      = request{"KVM_SET_TSS_ADDR", kvmSetTssAddr}
	reqSetIdentityMap  = request{"KVM_SET_IDENTITY_MAP_ADDR", kvmSetIdentityMapAddr}
	reqSetMemoryRegion = request{"KVM_SET_USER_MEMORY_REGION", kvmSetUserMemoryRegion}
	reqGetRegs         = request{"KVM_GET_REGS", kvmGetRegs}
	reqSetRegs         = request{"KVM_SET_REGS", kvmSetRegs}
	reqGetSregs        = request{"KVM_GET_SREGS", kvmGetSregs}
	reqSetSregs        = request{"KVM_SET_SREGS", kvmSetSregs}
	reqSetCPUID        = request{"KVM_SET_CPUID2", kvmSetCpuid2}
	reqSetGuestDebug   = request{"KVM_SET_GUEST_DEBUG", kvmSetGuestDebug}
	reqGetTSCKHz       = request{"KVM_GET_TSC_KHZ", kvmGetTscKhz}
)

func (r request) call(fd int, arg uintptr) (int, error) {
	for {
		v, err := ioctl(uintptr(fd), r.nr, arg)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("%s: %w", r.name, err)
		}
		return int(v), nil
	}
}

// ptr passes a pointer to a kernel struct.
func ptr[T any](r request, fd int, p *T) error {
	_, err := r.call(fd, uintptr(unsafe.Pointer(p)))
	return err
}

func getApiVersion(fd int) (int, error)   { return reqGetAPIVersion.call(fd, 0) }
func createVm(fd int) (int, error)        { return reqCreateVM.call(fd, 0) }
func getVcpuMmapSize(fd int) (int, error) { return reqVCPUMmapSize.call(fd, 0) }

// checkExtension returns the KVM_CHECK_EXTENSION value for capability, 0
// meaning unsupported.
func checkExtension(fd int, capability int) (int, error) {
	return reqCheckExtension.call(fd, uintptr(capability))
}

func createVCPU(vmFd int, id int) (int, error) { return reqCreateVCPU.call(vmFd, uintptr(id)) }

func setUserMemoryRegion(vmFd int, region *kvmUserspaceMemoryRegion) error {
	return ptr(reqSetMemoryRegion, vmFd, region)
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, err := reqSetTSSAddr.call(vmFd, uintptr(addr))
	return err
}

func setIdentityMapAddr(vmFd int, addr uint64) error { return ptr(reqSetIdentityMap, vmFd, &addr) }

func getRegisters(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs
	err := ptr(reqGetRegs, vcpuFd, &regs)
	return regs, err
}

func setRegisters(vcpuFd int, regs *kvmRegs) error { return ptr(reqSetRegs, vcpuFd, regs) }

func getSRegs(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs
	err := ptr(reqGetSregs, vcpuFd, &sregs)
	return sregs, err
}

func setSRegs(vcpuFd int, sregs *kvmSRegs) error { return ptr(reqSetSregs, vcpuFd, sregs) }

func setGuestDebug(vcpuFd int, dbg *kvmGuestDebug) error {
	return ptr(reqSetGuestDebug, vcpuFd, dbg)
}

const maxCPUIDEntries = 256

// supportedCPUID holds a kvm_cpuid2 header followed by its entries.
type supportedCPUID struct {
	buf []byte
}

func (c *supportedCPUID) header() *kvmCPUID2 {
	return (*kvmCPUID2)(unsafe.Pointer(&c.buf[0]))
}

func (c *supportedCPUID) entries() []kvmCPUIDEntry2 {
	first := unsafe.Pointer(&c.buf[unsafe.Sizeof(kvmCPUID2{})])
	return unsafe.Slice((*kvmCPUIDEntry2)(first), c.header().Nr)
}

func getSupportedCpuId(fd int) (*supportedCPUID, error) {
	size := unsafe.Sizeof(kvmCPUID2{}) + unsafe.Sizeof(kvmCPUIDEntry2{})*maxCPUIDEntries
	c := &supportedCPUID{buf: make([]byte, size)}
	c.header().Nr = maxCPUIDEntries
	if err := ptr(reqSupportedCPUID, fd, c.header()); err != nil {
		return nil, err
	}
	return c, nil
}

func setVCPUID(vcpuFd int, cpuid *supportedCPUID) error {
	return ptr(reqSetCPUID, vcpuFd, cpuid.header())
}
