package hypercall

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/ukvm/internal/hv"
	"golang.org/x/sys/unix"
)

const testMemSize = 1 << 20

type fakeMachine struct {
	cpus    int
	mu      sync.Mutex
	started map[int][2]uint64
	woken   []int
}

func (m *fakeMachine) CPUCount() int { return m.cpus }

func (m *fakeMachine) StartCPU(id int, entry, stack uint64) error {
	if id <= 0 || id >= m.cpus {
		return fmt.Errorf("no cpu %d", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started == nil {
		m.started = make(map[int][2]uint64)
	}
	m.started[id] = [2]uint64{entry, stack}
	return nil
}

func (m *fakeMachine) WakeCPU(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.woken = append(m.woken, id)
	return nil
}

// failWriter fails the test on any write.
type failWriter struct{ t *testing.T }

func (w failWriter) Write(p []byte) (int, error) {
	w.t.Errorf("unexpected host write of %d bytes", len(p))
	return len(p), nil
}

type testEnv struct {
	mem     *hv.GuestAddressSpace
	d       *Dispatcher
	machine *fakeMachine
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	mem := hv.NewGuestAddressSpaceFromBytes(make([]byte, testMemSize))
	m := &fakeMachine{cpus: 4}
	d := New(mem, m, cfg)
	t.Cleanup(func() { d.Close() })
	return &testEnv{mem: mem, d: d, machine: m}
}

// params packs little endian fields into a parameter block.
func params(fields ...any) []byte {
	var buf bytes.Buffer
	for _, f := range fields {
		binary.Write(&buf, binary.LittleEndian, f)
	}
	return buf.Bytes()
}

func (e *testEnv) call(t *testing.T, cpu int, port Port, addr uint64, block []byte) (Result, error) {
	t.Helper()
	if block != nil {
		if err := e.mem.Write(addr, block); err != nil {
			t.Fatalf("write parameter block: %v", err)
		}
	}
	return e.d.Handle(context.Background(), cpu, hv.ExitIO{Port: uint16(port), Write: true, Size: 4, Data: binary.LittleEndian.AppendUint32(nil, uint32(addr))})
}

func (e *testEnv) i32(t *testing.T, addr uint64) int32 {
	t.Helper()
	v, err := e.mem.Uint32(addr)
	if err != nil {
		t.Fatal(err)
	}
	return int32(v)
}

func (e *testEnv) i64(t *testing.T, addr uint64) int64 {
	t.Helper()
	v, err := e.mem.Uint64(addr)
	if err != nil {
		t.Fatal(err)
	}
	return int64(v)
}

func (e *testEnv) putString(t *testing.T, addr uint64, s string) {
	t.Helper()
	if err := e.mem.Write(addr, append([]byte(s), 0)); err != nil {
		t.Fatal(err)
	}
}

func TestWriteZeroLengthPerformsNoIO(t *testing.T) {
	e := newTestEnv(t, Config{Console: NewConsoleWriter(failWriter{t})})

	for _, fd := range []int32{1, 2, 0, 77} {
		for _, buf := range []uint64{0x2000, testMemSize * 4} {
			if _, err := e.call(t, 0, PortWrite, 0x1000, params(fd, buf, uint64(0), int64(-99))); err != nil {
				t.Fatalf("Write(fd=%d, len=0): %v", fd, err)
			}
			if ret := e.i64(t, 0x1000+writeRetOffset); ret != 0 {
				t.Fatalf("Write(fd=%d, len=0) ret = %d, want 0", fd, ret)
			}
		}
	}
}

func TestWriteConsole(t *testing.T) {
	console, err := NewConsole("buffer")
	if err != nil {
		t.Fatal(err)
	}
	e := newTestEnv(t, Config{Console: console})

	e.putString(t, 0x2000, "hello")
	if _, err := e.call(t, 0, PortWrite, 0x1000, params(int32(1), uint64(0x2000), uint64(5), int64(0))); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if ret := e.i64(t, 0x1000+writeRetOffset); ret != 5 {
		t.Fatalf("ret = %d, want 5", ret)
	}

	// The uart port carries the byte itself instead of a block address.
	if _, err := e.call(t, 0, PortUart, '!', nil); err != nil {
		t.Fatalf("uart: %v", err)
	}

	e.putString(t, 0x3000, "??")
	if _, err := e.call(t, 0, PortSerialWrite, 0x1000, params(uint64(0x3000), uint64(2))); err != nil {
		t.Fatalf("SerialWrite: %v", err)
	}
	if got := console.Buffered(); got != "hello!??" {
		t.Fatalf("console = %q", got)
	}
}

func TestWriteOutOfBoundsIsGuestFault(t *testing.T) {
	e := newTestEnv(t, Config{Console: NewConsoleWriter(failWriter{t})})

	tests := []struct {
		name string
		buf  uint64
		len  uint64
	}{
		{"past end", testMemSize - 2, 4},
		{"far away", 1 << 40, 1},
		{"wrapping", ^uint64(0) - 1, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.call(t, 2, PortWrite, 0x1000, params(int32(1), tt.buf, tt.len, int64(0)))
			var fault *hv.GuestFaultError
			if !errors.As(err, &fault) || !errors.Is(err, hv.ErrGuestFault) {
				t.Fatalf("error = %v, want GuestFault", err)
			}
			if fault.CPU != 2 || fault.Addr != tt.buf {
				t.Fatalf("fault = %+v, want cpu 2 addr 0x%x", fault, tt.buf)
			}
		})
	}
}

func TestBlockOutOfBoundsIsGuestFault(t *testing.T) {
	e := newTestEnv(t, Config{})

	_, err := e.call(t, 1, PortWrite, testMemSize-4, nil)
	if !errors.Is(err, hv.ErrGuestFault) || !errors.Is(err, hv.ErrOutOfBounds) {
		t.Fatalf("error = %v, want GuestFault wrapping OutOfBounds", err)
	}
}

func TestBadFileDescriptor(t *testing.T) {
	e := newTestEnv(t, Config{})

	if _, err := e.call(t, 0, PortWrite, 0x1000, params(int32(42), uint64(0x2000), uint64(1), int64(0))); err != nil {
		t.Fatal(err)
	}
	if ret := e.i64(t, 0x1000+writeRetOffset); ret != -int64(unix.EBADF) {
		t.Fatalf("write ret = %d, want -EBADF", ret)
	}

	if _, err := e.call(t, 0, PortClose, 0x1000, params(int32(42), int32(0))); err != nil {
		t.Fatal(err)
	}
	if ret := e.i32(t, 0x1000+closeRetOffset); ret != -int32(unix.EBADF) {
		t.Fatalf("close ret = %d, want -EBADF", ret)
	}
}

func TestExit(t *testing.T) {
	e := newTestEnv(t, Config{})

	res, err := e.call(t, 0, PortExit, 0x1000, params(int32(42)))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Exit || res.Code != 42 {
		t.Fatalf("result = %+v, want exit 42", res)
	}
}

func TestCpuCountStartWake(t *testing.T) {
	e := newTestEnv(t, Config{})

	if _, err := e.call(t, 0, PortCpuCount, 0x1000, params(uint32(0))); err != nil {
		t.Fatal(err)
	}
	if got := e.i32(t, 0x1000); got != 4 {
		t.Fatalf("cpu count = %d, want 4", got)
	}

	if _, err := e.call(t, 0, PortCpuStart, 0x1000, params(uint32(2), uint64(0x401000), uint64(0x80000), int32(1))); err != nil {
		t.Fatal(err)
	}
	if ret := e.i32(t, 0x1000+cpuStartRetOffset); ret != 0 {
		t.Fatalf("cpu start ret = %d", ret)
	}
	if got := e.machine.started[2]; got != [2]uint64{0x401000, 0x80000} {
		t.Fatalf("started = %v", got)
	}

	if _, err := e.call(t, 0, PortCpuStart, 0x1000, params(uint32(9), uint64(0), uint64(0), int32(0))); err != nil {
		t.Fatal(err)
	}
	if ret := e.i32(t, 0x1000+cpuStartRetOffset); ret != -int32(unix.EINVAL) {
		t.Fatalf("cpu start of missing cpu ret = %d, want -EINVAL", ret)
	}

	if _, err := e.call(t, 0, PortCpuWake, 0x1000, params(uint32(3), int32(1))); err != nil {
		t.Fatal(err)
	}
	if len(e.machine.woken) != 1 || e.machine.woken[0] != 3 {
		t.Fatalf("woken = %v", e.machine.woken)
	}
}

func TestFileLifecycle(t *testing.T) {
	dir := t.TempDir()
	files, err := NewFileMap([]string{dir + ":/data"})
	if err != nil {
		t.Fatal(err)
	}
	e := newTestEnv(t, Config{Files: files})

	e.putString(t, 0x4000, "/data/out.txt")
	flags := int32(unix.O_CREAT | unix.O_RDWR | unix.O_TRUNC)
	if _, err := e.call(t, 0, PortOpen, 0x1000, params(uint64(0x4000), flags, int32(0o644), int32(0))); err != nil {
		t.Fatal(err)
	}
	fd := e.i32(t, 0x1000+openRetOffset)
	if fd < 3 {
		t.Fatalf("open ret = %d", fd)
	}

	e.putString(t, 0x5000, "payload")
	if _, err := e.call(t, 0, PortWrite, 0x1000, params(fd, uint64(0x5000), uint64(7), int64(0))); err != nil {
		t.Fatal(err)
	}
	if ret := e.i64(t, 0x1000+writeRetOffset); ret != 7 {
		t.Fatalf("write ret = %d", ret)
	}

	if _, err := e.call(t, 0, PortLseek, 0x1000, params(fd, int64(3), int32(unix.SEEK_SET))); err != nil {
		t.Fatal(err)
	}
	if off := e.i64(t, 0x1000+lseekOffOffset); off != 3 {
		t.Fatalf("lseek = %d", off)
	}

	if _, err := e.call(t, 0, PortRead, 0x1000, params(fd, uint64(0x6000), uint64(16), int64(0))); err != nil {
		t.Fatal(err)
	}
	if ret := e.i64(t, 0x1000+readRetOffset); ret != 4 {
		t.Fatalf("read ret = %d", ret)
	}
	got := make([]byte, 4)
	e.mem.Read(0x6000, got)
	if string(got) != "load" {
		t.Fatalf("read data = %q", got)
	}

	if _, err := e.call(t, 0, PortClose, 0x1000, params(fd, int32(-1))); err != nil {
		t.Fatal(err)
	}
	if ret := e.i32(t, 0x1000+closeRetOffset); ret != 0 {
		t.Fatalf("close ret = %d", ret)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil || string(data) != "payload" {
		t.Fatalf("host file = %q, %v", data, err)
	}

	if _, err := e.call(t, 0, PortUnlink, 0x1000, params(uint64(0x4000), int32(-1))); err != nil {
		t.Fatal(err)
	}
	if ret := e.i32(t, 0x1000+unlinkRetOffset); ret != 0 {
		t.Fatalf("unlink ret = %d", ret)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file still exists after unlink: %v", err)
	}
}

func TestOpenMissingFileReturnsErrno(t *testing.T) {
	dir := t.TempDir()
	files, err := NewFileMap([]string{dir + ":/data"})
	if err != nil {
		t.Fatal(err)
	}
	e := newTestEnv(t, Config{Files: files})

	e.putString(t, 0x4000, "/data/missing")
	if _, err := e.call(t, 0, PortOpen, 0x1000, params(uint64(0x4000), int32(unix.O_RDONLY), int32(0), int32(0))); err != nil {
		t.Fatalf("open of missing file must not fault: %v", err)
	}
	if ret := e.i32(t, 0x1000+openRetOffset); ret != -int32(unix.ENOENT) {
		t.Fatalf("open ret = %d, want -ENOENT", ret)
	}
}

func TestOpenUnterminatedName(t *testing.T) {
	e := newTestEnv(t, Config{})

	if err := e.mem.Write(testMemSize-3, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	_, err := e.call(t, 0, PortOpen, 0x1000, params(uint64(testMemSize-3), int32(0), int32(0), int32(0)))
	if !errors.Is(err, hv.ErrGuestFault) {
		t.Fatalf("error = %v, want GuestFault", err)
	}
}

func TestConcurrentDisjointReads(t *testing.T) {
	dir := t.TempDir()
	a := bytes.Repeat([]byte{0xAA}, 4096)
	b := bytes.Repeat([]byte{0x55}, 4096)
	os.WriteFile(filepath.Join(dir, "a"), a, 0o644)
	os.WriteFile(filepath.Join(dir, "b"), b, 0o644)

	e := newTestEnv(t, Config{})

	open := func(cpu int, block uint64, name string) int32 {
		e.putString(t, block+0x100, filepath.Join(dir, name))
		if _, err := e.call(t, cpu, PortOpen, block, params(block+0x100, int32(unix.O_RDONLY), int32(0), int32(0))); err != nil {
			t.Fatal(err)
		}
		return e.i32(t, block+openRetOffset)
	}
	fdA := open(0, 0x1000, "a")
	fdB := open(1, 0x2000, "b")

	var wg sync.WaitGroup
	for i, job := range []struct {
		fd    int32
		block uint64
		buf   uint64
	}{{fdA, 0x1000, 0x10000}, {fdB, 0x2000, 0x20000}} {
		if err := e.mem.Write(job.block, params(job.fd, job.buf, uint64(4096), int64(0))); err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(cpu int, block uint64) {
			defer wg.Done()
			if _, err := e.d.Handle(context.Background(), cpu, hv.ExitIO{Port: uint16(PortRead), Write: true, Size: 4, Data: binary.LittleEndian.AppendUint32(nil, uint32(block))}); err != nil {
				t.Error(err)
			}
		}(i, job.block)
	}
	wg.Wait()

	gotA := make([]byte, 4096)
	gotB := make([]byte, 4096)
	e.mem.Read(0x10000, gotA)
	e.mem.Read(0x20000, gotB)
	if !bytes.Equal(gotA, a) || !bytes.Equal(gotB, b) {
		t.Fatal("concurrent reads corrupted each other's buffers")
	}
}

func TestCmdsizeCmdval(t *testing.T) {
	e := newTestEnv(t, Config{
		Args: []string{"/kernel", "-v"},
		Env:  []string{"A=1", "HOME=/root"},
	})

	if _, err := e.call(t, 0, PortCmdsize, 0x1000, make([]byte, cmdsizeBlockSize)); err != nil {
		t.Fatal(err)
	}
	if argc := e.i32(t, 0x1000); argc != 2 {
		t.Fatalf("argc = %d", argc)
	}
	if sz := e.i32(t, 0x1000+cmdsizeArgszOffset); sz != 8 {
		t.Fatalf("argsz[0] = %d, want 8", sz)
	}
	if envc := e.i32(t, 0x1000+cmdsizeEnvcOffset); envc != 2 {
		t.Fatalf("envc = %d", envc)
	}
	if sz := e.i32(t, 0x1000+cmdsizeEnvszOffset+4); sz != 11 {
		t.Fatalf("envsz[1] = %d, want 11", sz)
	}

	// argv and envp point at arrays of destination pointers.
	e.mem.Write(0x3000, params(uint64(0x3100), uint64(0x3200)))
	e.mem.Write(0x4000, params(uint64(0x4100), uint64(0x4200)))
	if _, err := e.call(t, 0, PortCmdval, 0x2000, params(uint64(0x3000), uint64(0x4000))); err != nil {
		t.Fatal(err)
	}

	for addr, want := range map[uint64]string{0x3100: "/kernel", 0x3200: "-v", 0x4100: "A=1", 0x4200: "HOME=/root"} {
		got := make([]byte, len(want)+1)
		e.mem.Read(addr, got)
		if string(got) != want+"\x00" {
			t.Errorf("string at 0x%x = %q, want %q", addr, got, want)
		}
	}
}

type fakeNet struct {
	sent [][]byte
	rx   [][]byte
}

func (n *fakeNet) MAC() net.HardwareAddr { return net.HardwareAddr{2, 0, 0, 0, 0, 1} }
func (n *fakeNet) MTU() int              { return 1500 }
func (n *fakeNet) Send(frame []byte) error {
	n.sent = append(n.sent, bytes.Clone(frame))
	return nil
}
func (n *fakeNet) Recv(buf []byte) (int, error) {
	if len(n.rx) == 0 {
		return 0, nil
	}
	f := n.rx[0]
	n.rx = n.rx[1:]
	return copy(buf, f), nil
}
func (n *fakeNet) Pending() int { return len(n.rx) }

func TestNetHypercalls(t *testing.T) {
	t.Run("no backend", func(t *testing.T) {
		e := newTestEnv(t, Config{})
		if _, err := e.call(t, 0, PortNetInfo, 0x1000, make([]byte, netInfoBlockSize)); err != nil {
			t.Fatal(err)
		}
		if ret := e.i32(t, 0x1000+netInfoRetOffset); ret != -int32(unix.ENODEV) {
			t.Fatalf("netinfo ret = %d, want -ENODEV", ret)
		}
	})

	n := &fakeNet{rx: [][]byte{[]byte("frame-in")}}
	e := newTestEnv(t, Config{Net: n})

	if _, err := e.call(t, 0, PortNetInfo, 0x1000, make([]byte, netInfoBlockSize)); err != nil {
		t.Fatal(err)
	}
	mac := make([]byte, 6)
	e.mem.Read(0x1000, mac)
	if !bytes.Equal(mac, n.MAC()) || e.i32(t, 0x1008) != 1500 {
		t.Fatalf("netinfo mac = % x mtu = %d", mac, e.i32(t, 0x1008))
	}

	if _, err := e.call(t, 0, PortNetStat, 0x1000, params(uint32(0))); err != nil {
		t.Fatal(err)
	}
	if pending := e.i32(t, 0x1000); pending != 1 {
		t.Fatalf("pending = %d", pending)
	}

	e.putString(t, 0x2000, "frame-out")
	if _, err := e.call(t, 0, PortNetSend, 0x1000, params(uint64(0x2000), uint64(9), int64(0))); err != nil {
		t.Fatal(err)
	}
	if len(n.sent) != 1 || string(n.sent[0]) != "frame-out" {
		t.Fatalf("sent = %q", n.sent)
	}

	for _, want := range []int64{8, 0} {
		if _, err := e.call(t, 0, PortNetRecv, 0x1000, params(uint64(0x3000), uint64(1514), int64(-1))); err != nil {
			t.Fatal(err)
		}
		if ret := e.i64(t, 0x1000+netXferRetOffset); ret != want {
			t.Fatalf("netrecv ret = %d, want %d", ret, want)
		}
	}
}

func TestSerialRead(t *testing.T) {
	e := newTestEnv(t, Config{Stdin: strings.NewReader("abc")})

	if _, err := e.call(t, 0, PortSerialRead, 0x1000, params(uint64(0x2000), uint64(8), uint64(0))); err != nil {
		t.Fatal(err)
	}
	if n := e.i64(t, 0x1000+serialReadLenOff); n != 3 {
		t.Fatalf("len = %d", n)
	}
	got := make([]byte, 3)
	e.mem.Read(0x2000, got)
	if string(got) != "abc" {
		t.Fatalf("data = %q", got)
	}
}

func TestCounts(t *testing.T) {
	e := newTestEnv(t, Config{})
	for range 3 {
		e.call(t, 0, PortCpuCount, 0x1000, params(uint32(0)))
	}
	if got := e.d.Counts()[PortCpuCount]; got != 3 {
		t.Fatalf("cpucount count = %d, want 3", got)
	}
}

func TestDecodeRejectsNonHypercall(t *testing.T) {
	mem := hv.NewGuestAddressSpaceFromBytes(make([]byte, 0x1000))
	if _, err := Decode(mem, hv.ExitIO{Port: 0x3f8, Write: true, Size: 1, Data: []byte{'a'}}); err == nil {
		t.Fatal("Decode accepted port 0x3f8")
	}
	if _, err := Decode(mem, hv.ExitIO{Port: uint16(PortWrite), Write: false, Size: 4, Data: make([]byte, 4)}); err == nil {
		t.Fatal("Decode accepted an in instruction")
	}
}

func TestStdinReadGivesUpWhenCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	e := newTestEnv(t, Config{Stdin: pr})
	t.Cleanup(func() { pw.Close() })

	if err := e.mem.Write(0x1000, params(int32(0), uint64(0x2000), uint64(8), int64(0))); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := e.d.Handle(ctx, 1, hv.ExitIO{Port: uint16(PortRead), Write: true, Size: 4, Data: binary.LittleEndian.AppendUint32(nil, 0x1000)})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("read of fd 0 did not return after cancel")
	}
	if ret := e.i64(t, 0x1000+readRetOffset); ret != -int64(unix.EINTR) {
		t.Fatalf("read ret = %d, want -EINTR", ret)
	}

	// Input typed after the cancelled read is still delivered.
	go pw.Write([]byte("hi"))
	if _, err := e.call(t, 0, PortRead, 0x1000, params(int32(0), uint64(0x2000), uint64(8), int64(0))); err != nil {
		t.Fatal(err)
	}
	if ret := e.i64(t, 0x1000+readRetOffset); ret != 2 {
		t.Fatalf("read ret = %d, want 2", ret)
	}
	got := make([]byte, 2)
	e.mem.Read(0x2000, got)
	if string(got) != "hi" {
		t.Fatalf("data = %q", got)
	}
}

func TestStdinReadSplitsInput(t *testing.T) {
	e := newTestEnv(t, Config{Stdin: strings.NewReader("hello")})

	for _, tc := range []struct {
		len  uint64
		want string
	}{{2, "he"}, {8, "llo"}, {8, ""}} {
		if _, err := e.call(t, 0, PortRead, 0x1000, params(int32(0), uint64(0x2000), tc.len, int64(-1))); err != nil {
			t.Fatal(err)
		}
		n := e.i64(t, 0x1000+readRetOffset)
		got := make([]byte, n)
		e.mem.Read(0x2000, got)
		if string(got) != tc.want {
			t.Fatalf("read(%d) = %q, want %q", tc.len, got, tc.want)
		}
	}
}

// TestCloseRacingWrite closes and reopens a guest file while another vCPU
// keeps writing to its descriptor. Host files opened in between must never
// see guest data.
func TestCloseRacingWrite(t *testing.T) {
	dir := t.TempDir()
	e := newTestEnv(t, Config{})

	guestPath := filepath.Join(dir, "guest")
	e.putString(t, 0x4000, guestPath)
	open := func() int32 {
		flags := int32(unix.O_CREAT | unix.O_WRONLY | unix.O_APPEND)
		if _, err := e.call(t, 0, PortOpen, 0x1000, params(uint64(0x4000), flags, int32(0o644), int32(0))); err != nil {
			t.Fatal(err)
		}
		fd := e.i32(t, 0x1000+openRetOffset)
		if fd < 3 {
			t.Fatalf("open ret = %d", fd)
		}
		return fd
	}
	fd := open()

	e.putString(t, 0x5000, "x")
	if err := e.mem.Write(0x2000, params(fd, uint64(0x5000), uint64(1), int64(0))); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := e.d.Handle(context.Background(), 1, hv.ExitIO{Port: uint16(PortWrite), Write: true, Size: 4, Data: binary.LittleEndian.AppendUint32(nil, 0x2000)})
			if err != nil {
				t.Error(err)
				return
			}
		}
	}()

	sentinel := filepath.Join(dir, "host")
	var host []*os.File
	for range 100 {
		if _, err := e.call(t, 0, PortClose, 0x3000, params(fd, int32(-1))); err != nil {
			t.Fatal(err)
		}
		f, err := os.OpenFile(sentinel, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			t.Fatal(err)
		}
		host = append(host, f)
		if got := open(); got != fd {
			t.Fatalf("reopen = %d, want the freed descriptor %d", got, fd)
		}
	}
	close(stop)
	wg.Wait()
	for _, f := range host {
		f.Close()
	}

	if n := e.d.fds.count(); n != 1 {
		t.Fatalf("open guest files = %d, want 1", n)
	}
	data, err := os.ReadFile(sentinel)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Fatalf("guest wrote %d bytes into a host file", len(data))
	}
}
