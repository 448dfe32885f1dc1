package hypercall

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"

	"github.com/tinyrange/ukvm/internal/hv"
	"golang.org/x/sys/unix"
)

// Machine is the part of the coordinator hypercalls can reach.
type Machine interface {
	CPUCount() int
	StartCPU(id int, entry, stack uint64) error
	WakeCPU(id int) error
}

// NetBackend carries guest Ethernet frames. Send must not retain frame.
type NetBackend interface {
	MAC() net.HardwareAddr
	MTU() int
	Send(frame []byte) error
	// Recv copies one pending frame into buf and returns 0 when none is
	// queued. It never blocks.
	Recv(buf []byte) (int, error)
	Pending() int
}

type Config struct {
	Console *Console
	// Stdin feeds guest fd 0 and the serial read hypercall. Nil reads as
	// end of file.
	Stdin io.Reader
	Files *FileMap
	Net   NetBackend

	// Args is the guest argv, kernel path first.
	Args []string
	// Env holds KEY=VALUE entries. At most MaxArgs are passed on.
	Env []string

	Logger *slog.Logger
}

// Result tells the run loop what to do after a hypercall.
type Result struct {
	Exit bool
	Code int
}

// Dispatcher executes hypercalls against one VM's memory. It is safe for
// concurrent use by all vCPU threads.
type Dispatcher struct {
	mem     *hv.GuestAddressSpace
	machine Machine

	console *Console
	stdin   *stdinPump
	files   *FileMap
	net     NetBackend
	args    []string
	env     []string
	log     *slog.Logger

	fds    *fdTable
	counts map[Port]*atomic.Uint64
}

func New(mem *hv.GuestAddressSpace, machine Machine, cfg Config) *Dispatcher {
	d := &Dispatcher{
		mem:     mem,
		machine: machine,
		console: cfg.Console,
		files:   cfg.Files,
		net:     cfg.Net,
		args:    cfg.Args,
		env:     cfg.Env,
		log:     cfg.Logger,
		fds:     newFDTable(),
		counts:  make(map[Port]*atomic.Uint64),
	}
	if d.console == nil {
		d.console = NewConsoleWriter(io.Discard)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if cfg.Stdin != nil {
		d.stdin = newStdinPump(cfg.Stdin)
	}
	if len(d.args) > MaxArgs {
		d.log.Warn("hypercall: argument vector truncated", "args", len(d.args), "max", MaxArgs)
		d.args = d.args[:MaxArgs]
	}
	if len(d.env) > MaxArgs {
		d.log.Warn("hypercall: environment truncated", "vars", len(d.env), "max", MaxArgs)
		d.env = d.env[:MaxArgs]
	}
	for _, p := range Ports() {
		d.counts[p] = new(atomic.Uint64)
	}
	return d
}

// Handle decodes an I/O exit and dispatches it. Hypercalls that wait for the
// host give up when ctx ends.
func (d *Dispatcher) Handle(ctx context.Context, cpu int, exit hv.ExitIO) (Result, error) {
	req, err := Decode(d.mem, exit)
	if err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			return Result{}, guestFault(cpu, decodeErr.Block, "invalid "+decodeErr.Port.String()+" parameter block", err)
		}
		return Result{}, guestFault(cpu, uint64(exit.Port), "invalid hypercall", err)
	}
	return d.Dispatch(ctx, cpu, req)
}

// Counts returns how often each hypercall was issued.
func (d *Dispatcher) Counts() map[Port]uint64 {
	out := make(map[Port]uint64, len(d.counts))
	for p, c := range d.counts {
		if n := c.Load(); n > 0 {
			out[p] = n
		}
	}
	return out
}

// Close releases descriptors the guest left open and stops reading standard
// input.
func (d *Dispatcher) Close() error {
	if d.stdin != nil {
		d.stdin.Close()
	}
	if err := d.fds.closeAll(); err != nil {
		return fmt.Errorf("hypercall: close guest files: %w", err)
	}
	return nil
}

func guestFault(cpu int, addr uint64, reason string, err error) error {
	return &hv.GuestFaultError{CPU: cpu, Addr: addr, Reason: reason, Err: err}
}

// errnoResult maps a host failure to the negative errno the guest expects.
func errnoResult(err error) int64 {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int64(errno)
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return -int64(unix.ENOENT)
	case errors.Is(err, os.ErrClosed):
		return -int64(unix.EBADF)
	}
	return -int64(unix.EIO)
}

// guestBuffer validates [addr, addr+n) and returns it as host memory.
func (d *Dispatcher) guestBuffer(cpu int, addr, n uint64, what string) ([]byte, error) {
	buf, err := d.mem.Slice(addr, n)
	if err != nil {
		return nil, guestFault(cpu, addr, what+" buffer outside guest memory", err)
	}
	return buf, nil
}

// guestString reads a NUL terminated string of at most maxPathLen bytes.
func (d *Dispatcher) guestString(cpu int, addr uint64) (string, error) {
	if addr >= d.mem.Size() {
		return "", guestFault(cpu, addr, "string outside guest memory", &hv.OutOfBoundsError{Addr: addr, Len: 1, Size: d.mem.Size()})
	}
	n := min(uint64(maxPathLen), d.mem.Size()-addr)
	buf, err := d.mem.Slice(addr, n)
	if err != nil {
		return "", guestFault(cpu, addr, "string outside guest memory", err)
	}
	end := bytes.IndexByte(buf, 0)
	if end < 0 {
		return "", guestFault(cpu, addr, "unterminated string", nil)
	}
	return string(buf[:end]), nil
}

func (d *Dispatcher) ret32(cpu int, addr uint64, v int32) error {
	if err := putI32(d.mem, addr, v); err != nil {
		return guestFault(cpu, addr, "result slot outside guest memory", err)
	}
	return nil
}

func (d *Dispatcher) ret64(cpu int, addr uint64, v int64) error {
	if err := putI64(d.mem, addr, v); err != nil {
		return guestFault(cpu, addr, "result slot outside guest memory", err)
	}
	return nil
}

// Dispatch executes req on behalf of vCPU cpu. Host failures are reported to
// the guest through the result slot; the returned error is always a guest
// fault.
func (d *Dispatcher) Dispatch(ctx context.Context, cpu int, req Request) (Result, error) {
	if c, ok := d.counts[req.Port()]; ok {
		c.Add(1)
	}

	switch r := req.(type) {
	case Exit:
		d.log.Debug("hypercall: exit", "cpu", cpu, "code", r.Code)
		return Result{Exit: true, Code: int(r.Code)}, nil
	case Write:
		return Result{}, d.write(cpu, r)
	case Read:
		return Result{}, d.read(ctx, cpu, r)
	case Open:
		return Result{}, d.open(cpu, r)
	case Close:
		return Result{}, d.close(cpu, r)
	case Lseek:
		return Result{}, d.lseek(cpu, r)
	case Unlink:
		return Result{}, d.unlink(cpu, r)
	case SerialWriteByte:
		if _, err := d.console.Stdout().Write([]byte{r.Byte}); err != nil {
			d.log.Warn("hypercall: console write failed", "cpu", cpu, "error", err)
		}
		return Result{}, nil
	case SerialWrite:
		if r.Len == 0 {
			return Result{}, nil
		}
		buf, err := d.guestBuffer(cpu, r.Buf, r.Len, "serial write")
		if err != nil {
			return Result{}, err
		}
		if _, err := d.console.Stdout().Write(buf); err != nil {
			d.log.Warn("hypercall: console write failed", "cpu", cpu, "error", err)
		}
		return Result{}, nil
	case SerialRead:
		return Result{}, d.serialRead(ctx, cpu, r)
	case Cmdsize:
		return Result{}, d.cmdsize(cpu, r)
	case Cmdval:
		return Result{}, d.cmdval(cpu, r)
	case CpuCount:
		if err := d.mem.PutUint32(r.Block, uint32(d.machine.CPUCount())); err != nil {
			return Result{}, guestFault(cpu, r.Block, "result slot outside guest memory", err)
		}
		return Result{}, nil
	case CpuStart:
		ret := int32(0)
		if err := d.machine.StartCPU(int(r.CPU), r.Entry, r.Stack); err != nil {
			d.log.Warn("hypercall: cpu start rejected", "cpu", cpu, "target", r.CPU, "error", err)
			ret = -int32(unix.EINVAL)
		}
		return Result{}, d.ret32(cpu, r.Block+cpuStartRetOffset, ret)
	case CpuWake:
		ret := int32(0)
		if err := d.machine.WakeCPU(int(r.CPU)); err != nil {
			d.log.Warn("hypercall: cpu wake rejected", "cpu", cpu, "target", r.CPU, "error", err)
			ret = -int32(unix.EINVAL)
		}
		return Result{}, d.ret32(cpu, r.Block+cpuWakeRetOffset, ret)
	case NetInfo:
		return Result{}, d.netInfo(cpu, r)
	case NetSend:
		return Result{}, d.netSend(cpu, r)
	case NetRecv:
		return Result{}, d.netRecv(cpu, r)
	case NetStat:
		pending := 0
		if d.net != nil {
			pending = d.net.Pending()
		}
		if err := d.mem.PutUint32(r.Block, uint32(pending)); err != nil {
			return Result{}, guestFault(cpu, r.Block, "result slot outside guest memory", err)
		}
		return Result{}, nil
	default:
		return Result{}, guestFault(cpu, 0, fmt.Sprintf("unhandled hypercall %T", req), nil)
	}
}

func (d *Dispatcher) write(cpu int, r Write) error {
	if r.Len == 0 {
		return d.ret64(cpu, r.Block+writeRetOffset, 0)
	}
	buf, err := d.guestBuffer(cpu, r.Buf, r.Len, "write")
	if err != nil {
		return err
	}

	var n int
	switch {
	case r.FD == 1:
		n, err = d.console.Stdout().Write(buf)
	case r.FD == 2:
		n, err = d.console.Stderr().Write(buf)
	case isStdio(r.FD):
		return d.ret64(cpu, r.Block+writeRetOffset, -int64(unix.EBADF))
	default:
		f, ok := d.fds.get(r.FD)
		if !ok {
			return d.ret64(cpu, r.Block+writeRetOffset, -int64(unix.EBADF))
		}
		n, err = f.Write(buf)
	}
	if err != nil {
		d.log.Debug("hypercall: write failed", "cpu", cpu, "fd", r.FD, "error", err)
		return d.ret64(cpu, r.Block+writeRetOffset, errnoResult(err))
	}
	return d.ret64(cpu, r.Block+writeRetOffset, int64(n))
}

func (d *Dispatcher) read(ctx context.Context, cpu int, r Read) error {
	if r.Len == 0 {
		return d.ret64(cpu, r.Block+readRetOffset, 0)
	}
	buf, err := d.guestBuffer(cpu, r.Buf, r.Len, "read")
	if err != nil {
		return err
	}

	var n int
	switch {
	case r.FD == 0:
		if d.stdin == nil {
			return d.ret64(cpu, r.Block+readRetOffset, 0)
		}
		n, err = d.stdin.Read(ctx, buf)
		if ctx.Err() != nil {
			return d.ret64(cpu, r.Block+readRetOffset, -int64(unix.EINTR))
		}
	case isStdio(r.FD):
		return d.ret64(cpu, r.Block+readRetOffset, -int64(unix.EBADF))
	default:
		f, ok := d.fds.get(r.FD)
		if !ok {
			return d.ret64(cpu, r.Block+readRetOffset, -int64(unix.EBADF))
		}
		n, err = f.Read(buf)
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		d.log.Debug("hypercall: read failed", "cpu", cpu, "fd", r.FD, "error", err)
		return d.ret64(cpu, r.Block+readRetOffset, errnoResult(err))
	}
	return d.ret64(cpu, r.Block+readRetOffset, int64(n))
}

func (d *Dispatcher) open(cpu int, r Open) error {
	name, err := d.guestString(cpu, r.Name)
	if err != nil {
		return err
	}
	host, err := d.files.Resolve(name)
	if err != nil {
		d.log.Warn("hypercall: resolve path failed", "cpu", cpu, "path", name, "error", err)
		return d.ret32(cpu, r.Block+openRetOffset, int32(errnoResult(err)))
	}

	f, err := os.OpenFile(host, int(r.Flags), os.FileMode(r.Mode).Perm())
	if err != nil {
		d.log.Debug("hypercall: open failed", "cpu", cpu, "path", name, "host", host, "error", err)
		return d.ret32(cpu, r.Block+openRetOffset, int32(errnoResult(err)))
	}
	fd := d.fds.add(f)
	d.log.Debug("hypercall: open", "cpu", cpu, "path", name, "host", host, "fd", fd)
	return d.ret32(cpu, r.Block+openRetOffset, fd)
}

func (d *Dispatcher) close(cpu int, r Close) error {
	if isStdio(r.FD) {
		// The host keeps its standard streams.
		return d.ret32(cpu, r.Block+closeRetOffset, 0)
	}
	f, ok := d.fds.remove(r.FD)
	if !ok {
		return d.ret32(cpu, r.Block+closeRetOffset, -int32(unix.EBADF))
	}
	if err := f.Close(); err != nil {
		return d.ret32(cpu, r.Block+closeRetOffset, int32(errnoResult(err)))
	}
	return d.ret32(cpu, r.Block+closeRetOffset, 0)
}

func (d *Dispatcher) lseek(cpu int, r Lseek) error {
	if isStdio(r.FD) {
		return d.ret64(cpu, r.Block+lseekOffOffset, -int64(unix.ESPIPE))
	}
	f, ok := d.fds.get(r.FD)
	if !ok {
		return d.ret64(cpu, r.Block+lseekOffOffset, -int64(unix.EBADF))
	}
	off, err := f.Seek(r.Offset, int(r.Whence))
	if err != nil {
		return d.ret64(cpu, r.Block+lseekOffOffset, errnoResult(err))
	}
	return d.ret64(cpu, r.Block+lseekOffOffset, off)
}

func (d *Dispatcher) unlink(cpu int, r Unlink) error {
	name, err := d.guestString(cpu, r.Name)
	if err != nil {
		return err
	}
	host, err := d.files.Resolve(name)
	if err != nil {
		return d.ret32(cpu, r.Block+unlinkRetOffset, int32(errnoResult(err)))
	}
	if err := unix.Unlink(host); err != nil {
		return d.ret32(cpu, r.Block+unlinkRetOffset, int32(errnoResult(err)))
	}
	return d.ret32(cpu, r.Block+unlinkRetOffset, 0)
}

func (d *Dispatcher) serialRead(ctx context.Context, cpu int, r SerialRead) error {
	if r.MaxLen == 0 || d.stdin == nil {
		return d.ret64(cpu, r.Block+serialReadLenOff, 0)
	}
	buf, err := d.guestBuffer(cpu, r.Buf, r.MaxLen, "serial read")
	if err != nil {
		return err
	}
	n, err := d.stdin.Read(ctx, buf)
	if err != nil && ctx.Err() == nil && !errors.Is(err, io.EOF) {
		d.log.Debug("hypercall: serial read failed", "cpu", cpu, "error", err)
	}
	return d.ret64(cpu, r.Block+serialReadLenOff, int64(n))
}

func (d *Dispatcher) cmdsize(cpu int, r Cmdsize) error {
	out := make([]byte, cmdsizeBlockSize)
	le := binary.LittleEndian
	le.PutUint32(out[cmdsizeArgcOffset:], uint32(len(d.args)))
	for i, arg := range d.args {
		le.PutUint32(out[cmdsizeArgszOffset+4*i:], uint32(len(arg)+1))
	}
	le.PutUint32(out[cmdsizeEnvcOffset:], uint32(len(d.env)))
	for i, kv := range d.env {
		le.PutUint32(out[cmdsizeEnvszOffset+4*i:], uint32(len(kv)+1))
	}
	if err := d.mem.Write(r.Block, out); err != nil {
		return guestFault(cpu, r.Block, "cmdsize block outside guest memory", err)
	}
	return nil
}

// cmdval copies argv and the environment into buffers the guest sized with
// a previous Cmdsize.
func (d *Dispatcher) cmdval(cpu int, r Cmdval) error {
	if err := d.copyStrings(cpu, r.Argv, d.args); err != nil {
		return err
	}
	return d.copyStrings(cpu, r.Envp, d.env)
}

func (d *Dispatcher) copyStrings(cpu int, vec uint64, strs []string) error {
	if len(strs) == 0 {
		return nil
	}
	ptrs, err := readBlock(d.mem, vec, 8*len(strs))
	if err != nil {
		return guestFault(cpu, vec, "cmdval vector outside guest memory", err)
	}

	// Every destination is checked before any of them is written.
	dsts := make([][]byte, len(strs))
	for i, s := range strs {
		addr := ptrs.u64(8 * i)
		dst, err := d.guestBuffer(cpu, addr, uint64(len(s)+1), "cmdval")
		if err != nil {
			return err
		}
		dsts[i] = dst
	}
	for i, s := range strs {
		copy(dsts[i], s)
		dsts[i][len(s)] = 0
	}
	return nil
}

func (d *Dispatcher) netInfo(cpu int, r NetInfo) error {
	if d.net == nil {
		return d.ret32(cpu, r.Block+netInfoRetOffset, -int32(unix.ENODEV))
	}
	out := make([]byte, netInfoRetOffset)
	copy(out[0:6], d.net.MAC())
	binary.LittleEndian.PutUint32(out[8:], uint32(d.net.MTU()))
	if err := d.mem.Write(r.Block, out); err != nil {
		return guestFault(cpu, r.Block, "netinfo block outside guest memory", err)
	}
	return d.ret32(cpu, r.Block+netInfoRetOffset, 0)
}

func (d *Dispatcher) netSend(cpu int, r NetSend) error {
	if d.net == nil {
		return d.ret64(cpu, r.Block+netXferRetOffset, -int64(unix.ENODEV))
	}
	if r.Len == 0 {
		return d.ret64(cpu, r.Block+netXferRetOffset, 0)
	}
	buf, err := d.guestBuffer(cpu, r.Buf, r.Len, "netsend")
	if err != nil {
		return err
	}
	if err := d.net.Send(buf); err != nil {
		d.log.Debug("hypercall: net send failed", "cpu", cpu, "error", err)
		return d.ret64(cpu, r.Block+netXferRetOffset, errnoResult(err))
	}
	return d.ret64(cpu, r.Block+netXferRetOffset, int64(len(buf)))
}

func (d *Dispatcher) netRecv(cpu int, r NetRecv) error {
	if d.net == nil {
		return d.ret64(cpu, r.Block+netXferRetOffset, -int64(unix.ENODEV))
	}
	if r.Len == 0 {
		return d.ret64(cpu, r.Block+netXferRetOffset, 0)
	}
	buf, err := d.guestBuffer(cpu, r.Buf, r.Len, "netrecv")
	if err != nil {
		return err
	}
	n, err := d.net.Recv(buf)
	if err != nil {
		d.log.Debug("hypercall: net recv failed", "cpu", cpu, "error", err)
		return d.ret64(cpu, r.Block+netXferRetOffset, errnoResult(err))
	}
	return d.ret64(cpu, r.Block+netXferRetOffset, int64(n))
}
