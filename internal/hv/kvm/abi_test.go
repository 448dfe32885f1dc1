//go:build linux && amd64

package kvm

import (
	"errors"
	"strings"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestRequestNamesIoctl(t *testing.T) {
	_, err := reqGetAPIVersion.call(-1, 0)
	if !errors.Is(err, unix.EBADF) {
		t.Fatalf("call on a bad fd = %v, want EBADF", err)
	}
	if !strings.HasPrefix(err.Error(), "KVM_GET_API_VERSION: ") {
		t.Errorf("error %q does not name the request", err)
	}
}

func TestABISizes(t *testing.T) {
	for _, tc := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"kvm_userspace_memory_region", unsafe.Sizeof(kvmUserspaceMemoryRegion{}), 32},
		{"kvm_regs", unsafe.Sizeof(kvmRegs{}), 144},
		{"kvm_segment", unsafe.Sizeof(kvmSegment{}), 24},
		{"kvm_dtable", unsafe.Sizeof(kvmDTable{}), 16},
		{"kvm_sregs", unsafe.Sizeof(kvmSRegs{}), 312},
		{"kvm_cpuid_entry2", unsafe.Sizeof(kvmCPUIDEntry2{}), 40},
		{"kvm_guest_debug", unsafe.Sizeof(kvmGuestDebug{}), 72},
	} {
		if tc.got != tc.want {
			t.Errorf("sizeof(%s) = %d, want %d", tc.name, tc.got, tc.want)
		}
	}
	if off := unsafe.Offsetof(kvmRunData{}.anon0); off != 32 {
		t.Errorf("kvm_run exit union at %d, want 32", off)
	}
}

func TestInternalErrorReason(t *testing.T) {
	if got := internalErrorReason(1).String(); got != "emulation" {
		t.Errorf("reason 1 = %q", got)
	}
	if got := internalErrorReason(9).String(); got != "suberror 9" {
		t.Errorf("reason 9 = %q", got)
	}
}
