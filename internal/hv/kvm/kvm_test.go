//go:build linux && amd64

package kvm

import (
	"testing"

	"github.com/tinyrange/ukvm/internal/hv"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	hv, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func newTestMemory(t testing.TB, size uint64) *hv.GuestAddressSpace {
	t.Helper()

	mem, err := hv.NewGuestAddressSpace(size)
	if err != nil {
		t.Fatalf("allocate guest memory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return mem
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	hv, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}

	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestAPIVersion(t *testing.T) {
	checkKVMAvailable(t)

	version, slots, _, err := APIVersion()
	if err != nil {
		t.Fatalf("APIVersion: %v", err)
	}
	if version != kvmApiVersion {
		t.Fatalf("version = %d, want %d", version, kvmApiVersion)
	}
	if slots <= 0 {
		t.Fatalf("memory slots = %d, want > 0", slots)
	}
}

func TestNewVirtualMachine(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		Mem:     newTestMemory(t, 0x200000),
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}

	if err := vm.Close(); err != nil {
		t.Fatalf("Close KVM virtual machine: %v", err)
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNewVirtualMachineMultiCPU(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	for _, numCPUs := range []int{2, 4, 8} {
		t.Run("CPUs="+string(rune('0'+numCPUs)), func(t *testing.T) {
			vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
				NumCPUs: numCPUs,
				Mem:     newTestMemory(t, 0x200000),
			})
			if err != nil {
				t.Fatalf("Create KVM virtual machine with %d CPUs: %v", numCPUs, err)
			}
			defer vm.Close()

			if vm.CPUCount() != numCPUs {
				t.Fatalf("CPUCount = %d, want %d", vm.CPUCount(), numCPUs)
			}

			// Verify each vCPU exists and has correct ID
			for i := 0; i < numCPUs; i++ {
				err := vm.VirtualCPUCall(i, func(vcpu hv.VirtualCPU) error {
					if vcpu.ID() != i {
						t.Errorf("vCPU %d has wrong ID: got %d", i, vcpu.ID())
					}
					return nil
				})
				if err != nil {
					t.Errorf("VirtualCPUCall(%d) failed: %v", i, err)
				}
			}
		})
	}
}

func TestNewVirtualMachineRequiresMemory(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	if _, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: 1}); err == nil {
		t.Fatalf("NewVirtualMachine without memory succeeded")
	}
}
