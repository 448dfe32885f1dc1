//go:build linux && amd64

package kvm

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/tinyrange/ukvm/internal/hv"
	"github.com/tinyrange/ukvm/internal/paging"
)

const (
	testCodeAddr  = 0x100000
	testStackAddr = 0x200000
)

type testGuest struct {
	vm  hv.VirtualMachine
	mem *hv.GuestAddressSpace
}

// newTestGuest boots a single vCPU in long mode at testCodeAddr with code
// copied there.
func newTestGuest(t *testing.T, memSize uint64, lazy bool, code []byte) *testGuest {
	t.Helper()
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	t.Cleanup(func() { kvm.Close() })

	mem := newTestMemory(t, memSize)
	state, err := paging.Setup(mem)
	if err != nil {
		t.Fatalf("paging setup: %v", err)
	}
	if err := mem.Write(testCodeAddr, code); err != nil {
		t.Fatalf("write code: %v", err)
	}

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: 1, Mem: mem, Lazy: lazy})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })

	if lazy {
		if err := vm.MapMemory(0, 0x200000); err != nil {
			t.Fatalf("map boot memory: %v", err)
		}
	}

	state.Entry = testCodeAddr
	state.Stack = testStackAddr
	if err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		return vcpu.Boot(state)
	}); err != nil {
		t.Fatalf("boot vCPU: %v", err)
	}

	return &testGuest{vm: vm, mem: mem}
}

func (g *testGuest) step(t *testing.T, ctx context.Context) hv.ExitEvent {
	t.Helper()

	var exit hv.ExitEvent
	if err := g.vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		var err error
		exit, err = vcpu.RunStep(ctx)
		return err
	}); err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	return exit
}

func TestRunStepHalt(t *testing.T) {
	g := newTestGuest(t, 4<<20, false, []byte{0xF4})

	if exit := g.step(t, context.Background()); exit.Kind() != hv.ExitKindHalt {
		t.Fatalf("exit = %#v, want halt", exit)
	}
}

func TestRunStepPortWrite(t *testing.T) {
	code := []byte{
		0x66, 0xBA, 0x00, 0x04, // mov dx, 0x400
		0xB8, 0x78, 0x56, 0x34, 0x12, // mov eax, 0x12345678
		0xEF, // out dx, eax
		0xF4, // hlt
	}
	g := newTestGuest(t, 4<<20, false, code)

	exit := g.step(t, context.Background())
	io, ok := exit.(hv.ExitIO)
	if !ok {
		t.Fatalf("exit = %#v, want ExitIO", exit)
	}
	if io.Port != 0x400 || !io.Write || io.Size != 4 {
		t.Fatalf("unexpected I/O exit %+v", io)
	}
	if !bytes.Equal(io.Data, []byte{0x78, 0x56, 0x34, 0x12}) {
		t.Fatalf("I/O data = % x", io.Data)
	}

	if exit := g.step(t, context.Background()); exit.Kind() != hv.ExitKindHalt {
		t.Fatalf("exit after out = %#v, want halt", exit)
	}
}

func TestRunStepUnmappedMemory(t *testing.T) {
	code := []byte{
		0x8A, 0x04, 0x25, 0x00, 0x00, 0x30, 0x00, // mov al, [0x300000]
		0xF4, // hlt
	}
	g := newTestGuest(t, 4<<20, true, code)

	exit := g.step(t, context.Background())
	fault, ok := exit.(hv.ExitMemoryFault)
	if !ok {
		t.Fatalf("exit = %#v, want ExitMemoryFault", exit)
	}
	if fault.Addr != 0x300000 || fault.Write || len(fault.Data) != 1 {
		t.Fatalf("unexpected fault %+v", fault)
	}

	if err := g.vm.MapMemory(0x200000, 0x200000); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	fault.Data[0] = 0x5A

	if exit := g.step(t, context.Background()); exit.Kind() != hv.ExitKindHalt {
		t.Fatalf("exit after mapping = %#v, want halt", exit)
	}

	regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rax: nil}
	if err := g.vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		return vcpu.GetRegisters(regs)
	}); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if al := uint64(regs[hv.RegisterAMD64Rax].(hv.Register64)) & 0xff; al != 0x5A {
		t.Fatalf("al = 0x%x, want 0x5a", al)
	}
}

func TestRunStepFetchFromUnregisteredMemory(t *testing.T) {
	code := []byte{
		// mov rax, 0x300000
		0x48, 0xC7, 0xC0, 0x00, 0x00, 0x30, 0x00,
		// jmp rax
		0xFF, 0xE0,
	}
	g := newTestGuest(t, 4<<20, true, code)
	if err := g.mem.Write(0x300000, []byte{0xF4}); err != nil {
		t.Fatal(err)
	}

	exit := g.step(t, context.Background())
	unknown, ok := exit.(hv.ExitUnknown)
	if !ok || !unknown.EmulationFailure {
		t.Fatalf("exit = %#v, want an emulation failure", exit)
	}

	if err := g.vm.MapMemory(0x200000, 0x200000); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	if exit := g.step(t, context.Background()); exit.Kind() != hv.ExitKindHalt {
		t.Fatalf("exit after mapping = %#v, want halt", exit)
	}
}

func TestRunStepSoftwareBreakpoint(t *testing.T) {
	g := newTestGuest(t, 4<<20, false, []byte{0x90, 0x90, 0xF4})

	if err := g.vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		return vcpu.SetDebug(hv.DebugControl{Enable: true, SoftwareBreakpoints: true})
	}); err != nil {
		t.Fatalf("SetDebug: %v", err)
	}
	if _, err := g.mem.PatchByte(testCodeAddr+1, 0xCC); err != nil {
		t.Fatal(err)
	}

	exit := g.step(t, context.Background())
	dbg, ok := exit.(hv.ExitDebug)
	if !ok {
		t.Fatalf("exit = %#v, want ExitDebug", exit)
	}
	if dbg.PC != testCodeAddr+1 || dbg.Exception != exceptionBreakpoint {
		t.Fatalf("unexpected debug exit %+v", dbg)
	}
}

func TestRunStepSingleStep(t *testing.T) {
	g := newTestGuest(t, 4<<20, false, []byte{0x90, 0x90, 0xF4})

	if err := g.vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		return vcpu.SetDebug(hv.DebugControl{Enable: true, SingleStep: true})
	}); err != nil {
		t.Fatalf("SetDebug: %v", err)
	}

	exit := g.step(t, context.Background())
	dbg, ok := exit.(hv.ExitDebug)
	if !ok || dbg.Exception != exceptionDebug {
		t.Fatalf("exit = %#v, want single step trap", exit)
	}
	if dbg.PC != testCodeAddr+1 {
		t.Fatalf("pc after one step = 0x%x, want 0x%x", dbg.PC, testCodeAddr+1)
	}
}

func TestRequestExitInterruptsGuest(t *testing.T) {
	g := newTestGuest(t, 4<<20, false, []byte{0xEB, 0xFE}) // jmp $

	var vcpu hv.VirtualCPU
	g.vm.VirtualCPUCall(0, func(v hv.VirtualCPU) error {
		vcpu = v
		return nil
	})

	timer := time.AfterFunc(50*time.Millisecond, vcpu.RequestExit)
	defer timer.Stop()

	if exit := g.step(t, context.Background()); exit.Kind() != hv.ExitKindInterrupted {
		t.Fatalf("exit = %#v, want interrupted", exit)
	}
}

func TestRunStepContextCancel(t *testing.T) {
	g := newTestGuest(t, 4<<20, false, []byte{0xEB, 0xFE}) // jmp $

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if exit := g.step(t, ctx); exit.Kind() != hv.ExitKindInterrupted {
		t.Fatalf("exit = %#v, want interrupted", exit)
	}
}

func TestMapMemoryRejectsOutOfBounds(t *testing.T) {
	g := newTestGuest(t, 4<<20, true, []byte{0xF4})

	if err := g.vm.MapMemory(4<<20, 0x1000); err == nil {
		t.Fatalf("MapMemory beyond guest memory succeeded")
	}
}
